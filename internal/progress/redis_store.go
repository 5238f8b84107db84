package progress

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/capi-uploader/internal/pkg/distlock"
)

const (
	// Retention is how long job keys live after their last write.
	Retention = 7 * 24 * time.Hour

	jobsKey        = "capi:jobs"
	lockPollPeriod = 5 * time.Millisecond
	lockWait       = 10 * time.Second
	errorPageSize  = 500
)

// RedisStore keeps progress in Redis so several processes can serve the same
// jobs. Writers for one job id are serialized with a distributed lock.
type RedisStore struct {
	client *redis.Client
	locks  distlock.Factory
}

// NewRedisStore creates a store on client. locks serializes per-job writes;
// nil selects Redis locks with a 30s TTL.
func NewRedisStore(client *redis.Client, locks distlock.Factory) *RedisStore {
	if locks == nil {
		locks = distlock.NewFactory(client, 30*time.Second)
	}
	return &RedisStore{client: client, locks: locks}
}

func progressKey(jobID string) string    { return fmt.Sprintf("capi:job:%s:progress", jobID) }
func errorsKey(jobID string) string      { return fmt.Sprintf("capi:job:%s:errors", jobID) }
func errorHeaderKey(jobID string) string { return fmt.Sprintf("capi:job:%s:errors:header", jobID) }
func writeLockKey(jobID string) string   { return fmt.Sprintf("capi:job:%s:write", jobID) }

// withLock runs fn while holding the job's write lock.
func (s *RedisStore) withLock(ctx context.Context, jobID string, fn func() error) error {
	lock := s.locks.NewLock(writeLockKey(jobID))
	waitCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	if err := distlock.AcquireWait(waitCtx, lock, lockPollPeriod); err != nil {
		return fmt.Errorf("locking job %s: %w", jobID, err)
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn()
}

func (s *RedisStore) Create(ctx context.Context, jobID string) (*JobProgress, error) {
	p := New(jobID)
	if err := s.Set(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *RedisStore) Set(ctx context.Context, p *JobProgress) error {
	return s.withLock(ctx, p.JobID, func() error {
		return s.write(ctx, p)
	})
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*JobProgress, error) {
	data, err := s.client.Get(ctx, progressKey(jobID)).Bytes()
	if err == redis.Nil {
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

func (s *RedisStore) Update(ctx context.Context, jobID string, fn UpdateFunc) (*JobProgress, error) {
	var updated *JobProgress
	err := s.withLock(ctx, jobID, func() error {
		p, err := s.Get(ctx, jobID)
		if err != nil {
			return err
		}
		if err := fn(p); err != nil {
			return err
		}
		p.JobID = jobID
		if err := s.write(ctx, p); err != nil {
			return err
		}
		updated = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisStore) write(ctx context.Context, p *JobProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding progress: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, progressKey(p.JobID), data, Retention)
	pipe.SAdd(ctx, jobsKey, p.JobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("writing progress: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendError(ctx context.Context, jobID string, columns, values []string, reason string) error {
	return s.withLock(ctx, jobID, func() error {
		var header []string
		raw, err := s.client.Get(ctx, errorHeaderKey(jobID)).Result()
		switch {
		case err == redis.Nil:
			header = errorHeader(columns)
			line, err := encodeCSVLine(header)
			if err != nil {
				return err
			}
			if err := s.client.Set(ctx, errorHeaderKey(jobID), line, Retention).Err(); err != nil {
				return fmt.Errorf("writing error header: %w", err)
			}
		case err != nil:
			return fmt.Errorf("reading error header: %w", err)
		default:
			header, err = decodeCSVLine(raw)
			if err != nil {
				return err
			}
		}

		line, err := encodeCSVLine(projectRow(header, columns, values, reason))
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		pipe.RPush(ctx, errorsKey(jobID), line)
		pipe.Expire(ctx, errorsKey(jobID), Retention)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("writing error row: %w", err)
		}
		return nil
	})
}

// OpenErrors streams the header then the stored rows page by page.
func (s *RedisStore) OpenErrors(ctx context.Context, jobID string) (io.ReadCloser, error) {
	header, err := s.client.Get(ctx, errorHeaderKey(jobID)).Result()
	if err == redis.Nil {
		return nil, ErrNoErrors
	}
	if err != nil {
		return nil, fmt.Errorf("reading error header: %w", err)
	}
	n, err := s.client.LLen(ctx, errorsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("reading error rows: %w", err)
	}
	if n == 0 {
		return nil, ErrNoErrors
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(s.copyErrors(ctx, jobID, header, pw))
	}()
	return pr, nil
}

func (s *RedisStore) copyErrors(ctx context.Context, jobID, header string, w io.Writer) error {
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	for start := int64(0); ; start += errorPageSize {
		lines, err := s.client.LRange(ctx, errorsKey(jobID), start, start+errorPageSize-1).Result()
		if err != nil {
			return fmt.Errorf("reading error rows: %w", err)
		}
		for _, line := range lines {
			if _, err := io.WriteString(w, line); err != nil {
				return err
			}
		}
		if len(lines) < errorPageSize {
			return nil
		}
	}
}

// List returns every job still present in Redis, ordered by job id. Ids
// whose snapshot expired are pruned from the index.
func (s *RedisStore) List(ctx context.Context) ([]*JobProgress, error) {
	ids, err := s.client.SMembers(ctx, jobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	sort.Strings(ids)

	var jobs []*JobProgress
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, jobsKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, p)
	}
	return jobs, nil
}

func encodeCSVLine(record []string) (string, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(record); err != nil {
		return "", fmt.Errorf("encoding error row: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("encoding error row: %w", err)
	}
	return buf.String(), nil
}

func decodeCSVLine(line string) ([]string, error) {
	r := csv.NewReader(strings.NewReader(line))
	r.FieldsPerRecord = -1
	record, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("decoding error header: %w", err)
	}
	return record, nil
}
