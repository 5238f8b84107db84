// Package archive copies finished jobs out of the working store: the error
// report and final snapshot to S3, and a job history item to DynamoDB.
package archive

import (
	"context"
	"errors"
	"io"

	"github.com/ignite/capi-uploader/internal/progress"
)

// Reports opens a job's error report. progress.Store satisfies it.
type Reports interface {
	OpenErrors(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// Archiver stores the outcome of a finished job.
type Archiver interface {
	Archive(ctx context.Context, p *progress.JobProgress, reports Reports) error
}

// Noop discards everything. It is used when archiving is disabled.
type Noop struct{}

func (Noop) Archive(context.Context, *progress.JobProgress, Reports) error { return nil }

// Multi runs every archiver and joins their errors.
type Multi []Archiver

func (m Multi) Archive(ctx context.Context, p *progress.JobProgress, reports Reports) error {
	var errs []error
	for _, a := range m {
		if err := a.Archive(ctx, p, reports); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
