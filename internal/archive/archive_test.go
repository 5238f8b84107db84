package archive

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/capi-uploader/internal/config"
	"github.com/ignite/capi-uploader/internal/progress"
)

type fakeS3 struct {
	objects map[string]string
	types   map[string]string
	err     error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.objects == nil {
		f.objects = map[string]string{}
		f.types = map[string]string{}
	}
	body, _ := io.ReadAll(in.Body)
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = string(body)
	f.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

type fakeDynamo struct {
	inputs []*dynamodb.PutItemInput
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.inputs = append(f.inputs, in)
	return &dynamodb.PutItemOutput{}, nil
}

type fakeReports struct {
	report string
}

func (f fakeReports) OpenErrors(context.Context, string) (io.ReadCloser, error) {
	if f.report == "" {
		return nil, progress.ErrNoErrors
	}
	return io.NopCloser(strings.NewReader(f.report)), nil
}

func finishedJob() *progress.JobProgress {
	return &progress.JobProgress{
		JobID:         "job-1",
		TotalRows:     3,
		ProcessedRows: 3,
		Succeeded:     2,
		Failed:        1,
		Status:        progress.StatusCompleted,
		Message:       "completed: 1 batches sent",
	}
}

func TestS3Archiver_UploadsSnapshotAndReport(t *testing.T) {
	client := &fakeS3{}
	a := NewS3Archiver(client, "bucket", "capi-jobs")

	err := a.Archive(context.Background(), finishedJob(), fakeReports{report: "A,_error_reason\n1,invalid date\n"})
	require.NoError(t, err)

	require.Len(t, client.objects, 2)
	assert.Equal(t, "A,_error_reason\n1,invalid date\n", client.objects["bucket/capi-jobs/job-1/errors.csv"])
	assert.Equal(t, "text/csv", client.types["bucket/capi-jobs/job-1/errors.csv"])

	var snap progress.JobProgress
	require.NoError(t, json.Unmarshal([]byte(client.objects["bucket/capi-jobs/job-1/progress.json"]), &snap))
	assert.Equal(t, *finishedJob(), snap)
}

func TestS3Archiver_NoReport(t *testing.T) {
	client := &fakeS3{}
	a := NewS3Archiver(client, "bucket", "")

	require.NoError(t, a.Archive(context.Background(), finishedJob(), fakeReports{}))
	assert.Len(t, client.objects, 1)
	assert.Contains(t, client.objects, "bucket/job-1/progress.json")
}

func TestS3Archiver_PutFailure(t *testing.T) {
	a := NewS3Archiver(&fakeS3{err: errors.New("access denied")}, "bucket", "p")
	err := a.Archive(context.Background(), finishedJob(), fakeReports{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://bucket/p/job-1/progress.json")
}

func TestDynamoArchiver_PutsHistoryItem(t *testing.T) {
	client := &fakeDynamo{}
	a := NewDynamoArchiver(client, "history", 24*time.Hour)
	fixed := time.Date(2025, 10, 1, 17, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	require.NoError(t, a.Archive(context.Background(), finishedJob(), nil))
	require.Len(t, client.inputs, 1)
	assert.Equal(t, "history", aws.ToString(client.inputs[0].TableName))

	var item HistoryItem
	require.NoError(t, attributevalue.UnmarshalMap(client.inputs[0].Item, &item))
	assert.Equal(t, HistoryItem{
		PK:            "JOB#job-1",
		SK:            "2025-10-01T17:00:00Z",
		Status:        "completed",
		Message:       "completed: 1 batches sent",
		TotalRows:     3,
		ProcessedRows: 3,
		Succeeded:     2,
		Failed:        1,
		TTL:           fixed.Add(24 * time.Hour).Unix(),
	}, item)
}

type failingArchiver struct{ err error }

func (f failingArchiver) Archive(context.Context, *progress.JobProgress, Reports) error { return f.err }

func TestMulti_RunsAllAndJoinsErrors(t *testing.T) {
	s3c := &fakeS3{}
	boom := errors.New("boom")
	m := Multi{failingArchiver{err: boom}, NewS3Archiver(s3c, "b", "p")}

	err := m.Archive(context.Background(), finishedJob(), fakeReports{})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, s3c.objects, 1, "later archivers still run")
}

func TestNew_DisabledIsNoop(t *testing.T) {
	a, err := New(context.Background(), config.ArchiveConfig{})
	require.NoError(t, err)
	assert.IsType(t, Noop{}, a)
	assert.NoError(t, a.Archive(context.Background(), finishedJob(), nil))
}
