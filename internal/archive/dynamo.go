package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ignite/capi-uploader/internal/progress"
)

// DynamoPutAPI is the part of the DynamoDB client the archiver uses.
type DynamoPutAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// HistoryItem is one finished job in the history table.
type HistoryItem struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	Status        string `dynamodbav:"Status"`
	Message       string `dynamodbav:"Message"`
	TotalRows     int    `dynamodbav:"TotalRows"`
	ProcessedRows int    `dynamodbav:"ProcessedRows"`
	Succeeded     int    `dynamodbav:"Succeeded"`
	Failed        int    `dynamodbav:"Failed"`
	TTL           int64  `dynamodbav:"TTL,omitempty"`
}

// DynamoArchiver records each finished job as a HistoryItem.
type DynamoArchiver struct {
	client    DynamoPutAPI
	table     string
	retention time.Duration
	now       func() time.Time
}

func NewDynamoArchiver(client DynamoPutAPI, table string, retention time.Duration) *DynamoArchiver {
	return &DynamoArchiver{client: client, table: table, retention: retention, now: time.Now}
}

func (a *DynamoArchiver) Archive(ctx context.Context, p *progress.JobProgress, _ Reports) error {
	now := a.now().UTC()
	item := HistoryItem{
		PK:            "JOB#" + p.JobID,
		SK:            now.Format(time.RFC3339),
		Status:        string(p.Status),
		Message:       p.Message,
		TotalRows:     p.TotalRows,
		ProcessedRows: p.ProcessedRows,
		Succeeded:     p.Succeeded,
		Failed:        p.Failed,
	}
	if a.retention > 0 {
		item.TTL = now.Add(a.retention).Unix()
	}

	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling history item: %w", err)
	}
	_, err = a.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(a.table),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("putting history item to DynamoDB: %w", err)
	}
	return nil
}
