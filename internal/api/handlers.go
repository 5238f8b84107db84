package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/capi-uploader/internal/job"
	"github.com/ignite/capi-uploader/internal/pkg/httputil"
	"github.com/ignite/capi-uploader/internal/pkg/logger"
	"github.com/ignite/capi-uploader/internal/progress"
)

// multipartMemory is how much of an upload is buffered in memory before
// spilling to a temp file.
const multipartMemory = 32 << 20

// JobService is the job API the handlers need. *job.Service satisfies it.
type JobService interface {
	Submit(ctx context.Context, upload io.Reader, req job.SubmitRequest) (string, error)
	Status(ctx context.Context, jobID string) (*progress.JobProgress, error)
	Cancel(ctx context.Context, jobID string) error
	CancelAll(ctx context.Context) ([]string, error)
	Errors(ctx context.Context, jobID string) (io.ReadCloser, error)
}

// Handlers contains all HTTP handlers
type Handlers struct {
	jobs           JobService
	accessTokenSet bool
}

// NewHandlers creates a new handlers instance. accessTokenSet reports
// whether the Conversions API token is configured; uploads are refused
// without it.
func NewHandlers(jobs JobService, accessTokenSet bool) *Handlers {
	return &Handlers{jobs: jobs, accessTokenSet: accessTokenSet}
}

// HealthCheck returns the liveness status
//
//	GET /api/health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// CreateUpload accepts a CSV file and starts a job for it.
//
//	POST /api/uploads (multipart: file, dataset_id, event_name, upload_tag, timezone)
func (h *Handlers) CreateUpload(w http.ResponseWriter, r *http.Request) {
	if !h.accessTokenSet {
		httputil.ErrorCode(w, http.StatusInternalServerError, "not_configured", "META_ACCESS_TOKEN is not configured")
		return
	}

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		httputil.BadRequest(w, "expected a multipart form upload")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "file is required")
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		httputil.BadRequest(w, "only .csv files are accepted")
		return
	}

	req := job.SubmitRequest{
		DatasetID: strings.TrimSpace(r.FormValue("dataset_id")),
		EventName: strings.TrimSpace(r.FormValue("event_name")),
		UploadTag: strings.TrimSpace(r.FormValue("upload_tag")),
		Timezone:  strings.TrimSpace(r.FormValue("timezone")),
	}

	jobID, err := h.jobs.Submit(r.Context(), file, req)
	if errors.Is(err, job.ErrInvalidRequest) {
		httputil.BadRequest(w, err.Error())
		return
	}
	if errors.Is(err, job.ErrShuttingDown) {
		httputil.Error(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	logger.Info("upload accepted", "job_id", jobID, "filename", header.Filename, "bytes", header.Size)
	httputil.OK(w, map[string]string{"job_id": jobID})
}

// GetJob returns the job's progress snapshot
//
//	GET /api/jobs/{jobID}
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	p, err := h.jobs.Status(r.Context(), chi.URLParam(r, "jobID"))
	if errors.Is(err, progress.ErrNotFound) {
		httputil.NotFound(w, "job not found")
		return
	}
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, p)
}

// CancelJob requests cancellation of a pending or running job
//
//	POST /api/jobs/{jobID}/cancel
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	err := h.jobs.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, progress.ErrNotFound):
		httputil.NotFound(w, "job not found")
	case errors.Is(err, job.ErrNotCancellable):
		httputil.Conflict(w, err.Error())
	case err != nil:
		httputil.InternalError(w, err)
	default:
		httputil.OK(w, map[string]string{"message": "cancellation requested", "job_id": jobID})
	}
}

// CancelAllJobs requests cancellation of every pending or running job
//
//	POST /api/jobs/cancel-all
func (h *Handlers) CancelAllJobs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.jobs.CancelAll(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"message":   fmt.Sprintf("cancellation requested for %d jobs", len(ids)),
		"cancelled": ids,
	})
}

// DownloadErrors streams the rejected-row report
//
//	GET /api/jobs/{jobID}/errors
func (h *Handlers) DownloadErrors(w http.ResponseWriter, r *http.Request) {
	rc, err := h.jobs.Errors(r.Context(), chi.URLParam(r, "jobID"))
	switch {
	case errors.Is(err, progress.ErrNotFound):
		httputil.NotFound(w, "job not found")
		return
	case errors.Is(err, progress.ErrNoErrors):
		httputil.ErrorCode(w, http.StatusNotFound, "no_errors", "no errors recorded")
		return
	case err != nil:
		httputil.InternalError(w, err)
		return
	}
	defer rc.Close()
	httputil.Attachment(w, "text/csv", "errors.csv", rc)
}
