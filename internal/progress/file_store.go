package progress

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore keeps progress as JSON files under the uploads directory.
// Snapshots are replaced atomically (temp file + rename) so readers never
// see a partial write.
type FileStore struct {
	layout Layout

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	headers map[string][]string
}

// NewFileStore creates the uploads directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating uploads dir: %w", err)
	}
	return &FileStore{
		layout:  Layout{Dir: dir},
		locks:   make(map[string]*sync.Mutex),
		headers: make(map[string][]string),
	}, nil
}

// Layout returns the directory layout used by the store.
func (s *FileStore) Layout() Layout { return s.layout }

func (s *FileStore) jobLock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *FileStore) Create(ctx context.Context, jobID string) (*JobProgress, error) {
	if !ValidJobID(jobID) {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	if err := os.MkdirAll(s.layout.JobDir(jobID), 0755); err != nil {
		return nil, fmt.Errorf("creating job dir: %w", err)
	}
	p := New(jobID)
	if err := s.Set(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *FileStore) Set(_ context.Context, p *JobProgress) error {
	if !ValidJobID(p.JobID) {
		return fmt.Errorf("invalid job id %q", p.JobID)
	}
	l := s.jobLock(p.JobID)
	l.Lock()
	defer l.Unlock()
	return s.write(p)
}

func (s *FileStore) Get(_ context.Context, jobID string) (*JobProgress, error) {
	if !ValidJobID(jobID) {
		return nil, ErrNotFound
	}
	return s.read(jobID)
}

func (s *FileStore) Update(_ context.Context, jobID string, fn UpdateFunc) (*JobProgress, error) {
	if !ValidJobID(jobID) {
		return nil, ErrNotFound
	}
	l := s.jobLock(jobID)
	l.Lock()
	defer l.Unlock()

	p, err := s.read(jobID)
	if err != nil {
		return nil, err
	}
	if err := fn(p); err != nil {
		return nil, err
	}
	p.JobID = jobID
	if err := s.write(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *FileStore) AppendError(_ context.Context, jobID string, columns, values []string, reason string) error {
	if !ValidJobID(jobID) {
		return ErrNotFound
	}
	l := s.jobLock(jobID)
	l.Lock()
	defer l.Unlock()

	path := s.layout.ErrorsPath(jobID)
	header, err := s.errorHeader(jobID, path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("opening error report: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if header == nil {
		header = errorHeader(columns)
		if err := w.Write(header); err != nil {
			return fmt.Errorf("writing error header: %w", err)
		}
		s.mu.Lock()
		s.headers[jobID] = header
		s.mu.Unlock()
	}
	if err := w.Write(projectRow(header, columns, values, reason)); err != nil {
		return fmt.Errorf("writing error row: %w", err)
	}
	w.Flush()
	return w.Error()
}

// errorHeader returns the header already written for jobID, reading it back
// from disk after a restart. nil means the report does not exist yet.
func (s *FileStore) errorHeader(jobID, path string) ([]string, error) {
	s.mu.Lock()
	header, ok := s.headers[jobID]
	s.mu.Unlock()
	if ok {
		return header, nil
	}

	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening error report: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err = r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading error header: %w", err)
	}
	s.mu.Lock()
	s.headers[jobID] = header
	s.mu.Unlock()
	return header, nil
}

func (s *FileStore) OpenErrors(_ context.Context, jobID string) (io.ReadCloser, error) {
	if !ValidJobID(jobID) {
		return nil, ErrNoErrors
	}
	f, err := os.Open(s.layout.ErrorsPath(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoErrors
	}
	if err != nil {
		return nil, fmt.Errorf("opening error report: %w", err)
	}
	return f, nil
}

// List returns every job with a readable snapshot, ordered by job id.
func (s *FileStore) List(_ context.Context) ([]*JobProgress, error) {
	entries, err := os.ReadDir(s.layout.Dir)
	if err != nil {
		return nil, fmt.Errorf("listing uploads dir: %w", err)
	}
	var jobs []*JobProgress
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := s.read(e.Name())
		if err != nil {
			continue
		}
		jobs = append(jobs, p)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	return jobs, nil
}

func (s *FileStore) read(jobID string) (*JobProgress, error) {
	data, err := os.ReadFile(s.layout.ProgressPath(jobID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading progress: %w", err)
	}
	var p JobProgress
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decoding progress for %s: %w", jobID, err)
	}
	return &p, nil
}

func (s *FileStore) write(p *JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	path := s.layout.ProgressPath(p.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating job dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".progress-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("writing progress: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replacing progress: %w", err)
	}
	return nil
}
