package progress

import (
	"path/filepath"
	"strings"
)

// Layout maps job ids to their working directory:
//
//	<dir>/<job_id>/input.csv
//	<dir>/<job_id>/progress.json
//	<dir>/<job_id>/errors.csv
type Layout struct {
	Dir string
}

func (l Layout) JobDir(jobID string) string    { return filepath.Join(l.Dir, jobID) }
func (l Layout) InputPath(jobID string) string { return filepath.Join(l.Dir, jobID, "input.csv") }

func (l Layout) ProgressPath(jobID string) string {
	return filepath.Join(l.Dir, jobID, "progress.json")
}

func (l Layout) ErrorsPath(jobID string) string {
	return filepath.Join(l.Dir, jobID, "errors.csv")
}

// ValidJobID rejects ids that would escape the uploads directory.
func ValidJobID(jobID string) bool {
	if jobID == "" || jobID == "." || jobID == ".." {
		return false
	}
	return !strings.ContainsAny(jobID, `/\`) && !strings.Contains(jobID, "..")
}
