package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/capi-uploader/internal/pkg/logger"
	"github.com/ignite/capi-uploader/internal/progress"
)

// S3PutAPI is the part of the S3 client the archiver uses.
type S3PutAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes <prefix>/<job_id>/progress.json and, when rows were
// rejected, <prefix>/<job_id>/errors.csv.
type S3Archiver struct {
	client S3PutAPI
	bucket string
	prefix string
}

func NewS3Archiver(client S3PutAPI, bucket, prefix string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix}
}

func (a *S3Archiver) Archive(ctx context.Context, p *progress.JobProgress, reports Reports) error {
	snapshot, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := a.put(ctx, a.key(p.JobID, "progress.json"), "application/json", snapshot); err != nil {
		return err
	}

	rc, err := reports.OpenErrors(ctx, p.JobID)
	if errors.Is(err, progress.ErrNoErrors) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening error report: %w", err)
	}
	defer rc.Close()

	report, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("reading error report: %w", err)
	}
	if err := a.put(ctx, a.key(p.JobID, "errors.csv"), "text/csv", report); err != nil {
		return err
	}
	logger.Info("archive: error report uploaded", "job_id", p.JobID, "bucket", a.bucket, "bytes", len(report))
	return nil
}

func (a *S3Archiver) key(jobID, name string) string {
	return path.Join(a.prefix, jobID, name)
}

func (a *S3Archiver) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("uploading s3://%s/%s: %w", a.bucket, key, err)
	}
	return nil
}
