package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/capi-uploader/internal/pkg/logger"
	"github.com/ignite/capi-uploader/internal/progress"
	"github.com/ignite/capi-uploader/internal/transform"
)

// uploadChunkSize is the write size used when persisting an upload.
const uploadChunkSize = 1 << 20

var (
	// ErrNotCancellable is returned when cancelling a job in a terminal state.
	ErrNotCancellable = errors.New("job is not cancellable")
	// ErrInvalidRequest wraps submission validation failures.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrShuttingDown is returned by Submit once Shutdown has begun.
	ErrShuttingDown = errors.New("service is shutting down")
)

// SubmitRequest carries the per-job options of an upload. Empty fields
// take the service defaults.
type SubmitRequest struct {
	DatasetID string
	EventName string
	UploadTag string
	Timezone  string
}

// Defaults are applied to every submitted job.
type Defaults struct {
	EventName     string
	Timezone      string
	DefaultRegion string
	Columns       transform.ColumnMap
}

// Service accepts uploads and runs each as a background job.
type Service struct {
	store    progress.Store
	layout   progress.Layout
	runner   *Runner
	defaults Defaults

	baseCtx context.Context
	stop    context.CancelFunc

	// mu orders wg.Add in Submit against closing in Shutdown.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewService creates a service that stores inputs under layout.
func NewService(store progress.Store, layout progress.Layout, runner *Runner, defaults Defaults) *Service {
	ctx, stop := context.WithCancel(context.Background())
	return &Service{
		store:    store,
		layout:   layout,
		runner:   runner,
		defaults: defaults,
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Submit persists upload, records a pending job and starts it. It returns
// as soon as the job is recorded.
func (s *Service) Submit(ctx context.Context, upload io.Reader, req SubmitRequest) (string, error) {
	if req.DatasetID == "" {
		return "", fmt.Errorf("%w: dataset_id is required", ErrInvalidRequest)
	}
	if req.EventName == "" {
		req.EventName = s.defaults.EventName
	}
	if req.Timezone == "" {
		req.Timezone = s.defaults.Timezone
	}
	if req.Timezone == "" {
		return "", fmt.Errorf("%w: timezone is required", ErrInvalidRequest)
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return "", fmt.Errorf("%w: unknown timezone %q", ErrInvalidRequest, req.Timezone)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()
	started := false
	defer func() {
		if !started {
			s.wg.Done()
		}
	}()

	jobID := uuid.NewString()
	jobDir := s.layout.JobDir(jobID)
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return "", fmt.Errorf("creating job dir: %w", err)
	}
	inputPath := s.layout.InputPath(jobID)
	if err := saveUpload(ctx, inputPath, upload); err != nil {
		os.RemoveAll(jobDir)
		return "", err
	}
	if _, err := s.store.Create(ctx, jobID); err != nil {
		os.RemoveAll(jobDir)
		return "", fmt.Errorf("creating job: %w", err)
	}

	job := Job{
		Config: transform.Config{
			JobID:         jobID,
			DatasetID:     req.DatasetID,
			EventName:     req.EventName,
			UploadTag:     req.UploadTag,
			Timezone:      req.Timezone,
			DefaultRegion: s.defaults.DefaultRegion,
			Columns:       s.defaults.Columns,
		},
		InputPath: inputPath,
	}

	started = true
	go func() {
		defer s.wg.Done()
		s.runner.Run(s.baseCtx, job)
	}()

	logger.Info("job submitted", "job_id", jobID, "dataset_id", req.DatasetID, "timezone", req.Timezone)
	return jobID, nil
}

func saveUpload(ctx context.Context, path string, upload io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating input file: %w", err)
	}
	defer f.Close()

	buf := make([]byte, uploadChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := io.ReadFull(upload, buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return fmt.Errorf("writing input file: %w", err)
			}
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("reading upload: %w", rerr)
		}
	}
	return f.Close()
}

// Status returns the job's current snapshot.
func (s *Service) Status(ctx context.Context, jobID string) (*progress.JobProgress, error) {
	return s.store.Get(ctx, jobID)
}

// Cancel raises the job's cancellation flag. The runner honours it before
// the next batch.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	_, err := s.store.Update(ctx, jobID, func(p *progress.JobProgress) error {
		if !p.Status.Active() {
			return fmt.Errorf("%w: status is %s", ErrNotCancellable, p.Status)
		}
		p.ShouldCancel = true
		return nil
	})
	if err != nil {
		return err
	}
	logger.Info("cancellation requested", "job_id", jobID)
	return nil
}

// CancelAll raises the flag on every pending or running job and returns
// their ids.
func (s *Service) CancelAll(ctx context.Context) ([]string, error) {
	jobs, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	cancelled := []string{}
	for _, p := range jobs {
		if !p.Status.Active() {
			continue
		}
		err := s.Cancel(ctx, p.JobID)
		if errors.Is(err, ErrNotCancellable) || errors.Is(err, progress.ErrNotFound) {
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, p.JobID)
	}
	return cancelled, nil
}

// Errors opens the job's error report.
func (s *Service) Errors(ctx context.Context, jobID string) (io.ReadCloser, error) {
	if _, err := s.store.Get(ctx, jobID); err != nil {
		return nil, err
	}
	return s.store.OpenErrors(ctx, jobID)
}

// Shutdown refuses further submissions, cancels running jobs and waits for
// them to record their final status, or until ctx is done.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}

// Wait blocks until every started job has returned.
func (s *Service) Wait() { s.wg.Wait() }
