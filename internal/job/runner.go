// Package job runs uploaded files through the conversion pipeline: stream
// the file, deliver each batch, and drive the job to a terminal status.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"time"

	"github.com/ignite/capi-uploader/internal/archive"
	"github.com/ignite/capi-uploader/internal/capi"
	"github.com/ignite/capi-uploader/internal/pkg/distlock"
	"github.com/ignite/capi-uploader/internal/pkg/logger"
	"github.com/ignite/capi-uploader/internal/progress"
	"github.com/ignite/capi-uploader/internal/transform"
)

// Sender delivers one batch. *capi.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, datasetID string, batch capi.Batch, uploadTag string) (map[string]any, error)
	Close()
}

// SenderFactory creates the sender for one job.
type SenderFactory func() Sender

// Job is one unit of work for the Runner.
type Job struct {
	transform.Config
	InputPath string
}

// RunnerDeps are the collaborators of a Runner. Archiver and Locks are
// optional.
type RunnerDeps struct {
	Store     progress.Store
	NewSender SenderFactory
	Archiver  archive.Archiver
	Locks     distlock.Factory
	BatchSize int
	// LockRefresh is how often the run lock is renewed; keep it well under
	// the lock TTL. Defaults to 10s.
	LockRefresh time.Duration
}

// Runner executes jobs. One Runner serves many jobs concurrently; each Run
// call owns its job.
type Runner struct {
	store     progress.Store
	newSender SenderFactory
	archiver  archive.Archiver
	locks     distlock.Factory
	batchSize int
	refresh   time.Duration
}

const archiveTimeout = 2 * time.Minute

func NewRunner(deps RunnerDeps) *Runner {
	r := &Runner{
		store:     deps.Store,
		newSender: deps.NewSender,
		archiver:  deps.Archiver,
		locks:     deps.Locks,
		batchSize: deps.BatchSize,
		refresh:   deps.LockRefresh,
	}
	if r.refresh <= 0 {
		r.refresh = 10 * time.Second
	}
	if r.archiver == nil {
		r.archiver = archive.Noop{}
	}
	return r
}

// Run processes job to completion and returns its final snapshot. The job
// never remains pending or running after Run returns, unless another
// process holds the job's run lock, in which case nil is returned and
// nothing is written.
func (r *Runner) Run(ctx context.Context, job Job) *progress.JobProgress {
	log := logger.With("job_id", job.JobID, "dataset_id", job.DatasetID)

	if r.locks != nil {
		lock := r.locks.NewLock("capi:run:" + job.JobID)
		ok, err := lock.Acquire(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return r.finish(ctx, job, progress.StatusCancelled, shutdownMessage(0), log)
		case err != nil:
			log.Error("acquiring run lock failed", "error", err)
			return r.finish(ctx, job, progress.StatusFailed, fmt.Sprintf("acquiring run lock: %v", err), log)
		case !ok:
			log.Warn("job is already running elsewhere")
			return nil
		}
		defer lock.Release(context.WithoutCancel(ctx))
		stop := distlock.KeepAlive(ctx, lock, r.refresh)
		defer stop()
	}

	log.Info("starting job")
	status, message := r.safeProcess(ctx, job, log)
	return r.finish(ctx, job, status, message, log)
}

// finish records the terminal status and archives the job. Writes use a
// context detached from ctx so they land after shutdown cancelled it.
func (r *Runner) finish(ctx context.Context, job Job, status progress.Status, message string, log *logger.Logger) *progress.JobProgress {
	bg := context.WithoutCancel(ctx)
	final, err := r.store.Update(bg, job.JobID, func(p *progress.JobProgress) error {
		p.Status = status
		p.Message = message
		return nil
	})
	if err != nil {
		log.Error("recording final status failed", "status", status, "error", err)
		return &progress.JobProgress{JobID: job.JobID, Status: status, Message: message}
	}
	log.Info("job finished", "status", status, "message", message,
		"succeeded", final.Succeeded, "failed", final.Failed)

	actx, cancel := context.WithTimeout(bg, archiveTimeout)
	defer cancel()
	if err := r.archiver.Archive(actx, final, r.store); err != nil {
		log.Error("archiving job failed", "error", err)
	}
	return final
}

func (r *Runner) safeProcess(ctx context.Context, job Job, log *logger.Logger) (status progress.Status, message string) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("job panicked", "panic", rec, "stack", string(debug.Stack()))
			status, message = progress.StatusFailed, fmt.Sprintf("internal error: %v", rec)
		}
	}()
	return r.process(ctx, job, log)
}

func (r *Runner) process(ctx context.Context, job Job, log *logger.Logger) (progress.Status, string) {
	stream, err := transform.Open(ctx, job.InputPath, job.Config, r.store, r.batchSize)
	var missing *transform.MissingColumnsError
	switch {
	case errors.As(err, &missing):
		log.Warn("input rejected", "error", err)
		return progress.StatusFailed, missing.Error()
	case err != nil:
		return progress.StatusFailed, err.Error()
	}
	defer stream.Close()

	if _, err := r.store.Update(ctx, job.JobID, func(p *progress.JobProgress) error {
		p.Status = progress.StatusRunning
		return nil
	}); err != nil {
		return progress.StatusFailed, fmt.Sprintf("recording running status: %v", err)
	}

	sender := r.newSender()
	defer sender.Close()

	sent, failed := 0, 0
	if status, message, stop := r.checkCancel(ctx, job.JobID, sent); stop {
		log.Info("job cancelled before the first batch")
		return status, message
	}
	for {
		batch, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return progress.StatusCancelled, shutdownMessage(sent)
			}
			return progress.StatusFailed, err.Error()
		}

		if status, message, stop := r.checkCancel(ctx, job.JobID, sent); stop {
			log.Info("job cancelled", "batches_sent", sent)
			return status, message
		}

		sent++
		log.Info("sending batch", "batch", sent, "events", len(batch))
		if _, err := sender.Send(ctx, job.DatasetID, batch, job.UploadTag); err != nil {
			if ctx.Err() != nil {
				return progress.StatusCancelled, shutdownMessage(sent - 1)
			}
			failed++
			log.Error("batch delivery failed", "batch", sent, "error", err)
		}
	}

	if failed > 0 {
		return progress.StatusFailed, fmt.Sprintf("%d of %d batches failed to deliver", failed, sent)
	}
	return progress.StatusCompleted, fmt.Sprintf("completed: %d batches sent", sent)
}

// checkCancel reads the cancellation flag and the context. stop is true
// when the job must end now.
func (r *Runner) checkCancel(ctx context.Context, jobID string, sent int) (progress.Status, string, bool) {
	if ctx.Err() != nil {
		return progress.StatusCancelled, shutdownMessage(sent), true
	}
	p, err := r.store.Get(ctx, jobID)
	if err != nil {
		if ctx.Err() != nil {
			return progress.StatusCancelled, shutdownMessage(sent), true
		}
		return progress.StatusFailed, fmt.Sprintf("reading progress: %v", err), true
	}
	if p.ShouldCancel {
		return progress.StatusCancelled, fmt.Sprintf("cancelled by user after %d batches", sent), true
	}
	return "", "", false
}

func shutdownMessage(sent int) string {
	return fmt.Sprintf("cancelled by shutdown after %d batches", sent)
}
