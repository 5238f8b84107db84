// Package progress persists per-job progress snapshots and the rejected-row
// report, on local disk or in Redis.
package progress

import (
	"context"
	"errors"
	"io"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Active reports whether the job may still be cancelled.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// ErrorReasonColumn is appended to the source columns in the error report.
const ErrorReasonColumn = "_error_reason"

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("job not found")
	// ErrNoErrors is returned when a job recorded no rejected rows.
	ErrNoErrors = errors.New("no errors recorded")
)

// JobProgress is the externally visible state of one job.
type JobProgress struct {
	JobID         string `json:"job_id"`
	TotalRows     int    `json:"total_rows"`
	ProcessedRows int    `json:"processed_rows"`
	Succeeded     int    `json:"succeeded"`
	Failed        int    `json:"failed"`
	Status        Status `json:"status"`
	Message       string `json:"message"`
	ShouldCancel  bool   `json:"should_cancel"`
}

// New returns a pending snapshot for jobID.
func New(jobID string) *JobProgress {
	return &JobProgress{JobID: jobID, Status: StatusPending}
}

// UpdateFunc mutates a snapshot in place. Returning an error aborts the
// write.
type UpdateFunc func(p *JobProgress) error

// Store persists job progress. Writes for one job id are serialized;
// Get returns the last completed write.
type Store interface {
	Create(ctx context.Context, jobID string) (*JobProgress, error)
	Set(ctx context.Context, p *JobProgress) error
	Get(ctx context.Context, jobID string) (*JobProgress, error)
	// Update reads, mutates and writes the snapshot as one serialized step.
	Update(ctx context.Context, jobID string, fn UpdateFunc) (*JobProgress, error)
	// AppendError records a rejected row. columns and values are parallel.
	AppendError(ctx context.Context, jobID string, columns, values []string, reason string) error
	// OpenErrors streams the error report as CSV, or fails with ErrNoErrors.
	OpenErrors(ctx context.Context, jobID string) (io.ReadCloser, error)
	List(ctx context.Context) ([]*JobProgress, error)
}

// errorHeader is the report header for a job whose first rejected row had
// the given columns.
func errorHeader(columns []string) []string {
	header := make([]string, 0, len(columns)+1)
	header = append(header, columns...)
	return append(header, ErrorReasonColumn)
}

// projectRow lays a rejected row out under header. Columns missing from the
// row are left empty; columns not in header are dropped.
func projectRow(header, columns, values []string, reason string) []string {
	byName := make(map[string]string, len(columns))
	for i, c := range columns {
		if i < len(values) {
			if _, seen := byName[c]; !seen {
				byName[c] = values[i]
			}
		}
	}
	record := make([]string, len(header))
	for i, h := range header {
		if h == ErrorReasonColumn {
			record[i] = reason
			continue
		}
		record[i] = byName[h]
	}
	return record
}
