package transform

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/text/encoding/unicode"
	xtransform "golang.org/x/text/transform"

	"github.com/ignite/capi-uploader/internal/capi"
	"github.com/ignite/capi-uploader/internal/pkg/logger"
	"github.com/ignite/capi-uploader/internal/progress"
)

// ProgressTracker receives per-row accounting while a file is streamed.
// progress.Store satisfies it.
type ProgressTracker interface {
	Update(ctx context.Context, jobID string, fn progress.UpdateFunc) (*progress.JobProgress, error)
	AppendError(ctx context.Context, jobID string, columns, values []string, reason string) error
}

// Stream reads an input file row by row and yields batches of events.
// Only the batch being built is held in memory.
type Stream struct {
	file        *os.File
	reader      *csv.Reader
	header      *Header
	transformer *Transformer
	tracker     ProgressTracker
	jobID       string
	batchSize   int
	totalRows   int
	done        bool
	log         *logger.Logger
}

// Open validates the header of the file at path, counts its data records
// into total_rows and positions the stream on the first record.
//
// A header lacking a required column yields a *MissingColumnsError before
// any row is touched.
func Open(ctx context.Context, path string, cfg Config, tracker ProgressTracker, batchSize int) (*Stream, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening input: %w", err)
	}

	s := &Stream{
		file:        f,
		transformer: NewTransformer(cfg),
		tracker:     tracker,
		jobID:       cfg.JobID,
		batchSize:   batchSize,
		log:         logger.With("job_id", cfg.JobID),
	}

	header, reader, err := s.rewind()
	if err != nil {
		f.Close()
		return nil, err
	}
	if missing := header.Missing(s.transformer.Config().Columns.Required()); len(missing) > 0 {
		f.Close()
		return nil, &MissingColumnsError{Columns: missing}
	}

	total := countRecords(reader)
	if _, err := tracker.Update(ctx, s.jobID, func(p *progress.JobProgress) error {
		p.TotalRows = total
		return nil
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("recording total rows: %w", err)
	}

	if s.header, s.reader, err = s.rewind(); err != nil {
		f.Close()
		return nil, err
	}
	s.totalRows = total
	s.log.Info("input opened", "total_rows", total, "columns", len(header.Columns()))
	return s, nil
}

// rewind seeks to the start of the file and reads the header.
func (s *Stream) rewind() (*Header, *csv.Reader, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("rewinding input: %w", err)
	}
	decoded := xtransform.NewReader(s.file, unicode.BOMOverride(unicode.UTF8.NewDecoder()))
	r := csv.NewReader(decoded)
	r.FieldsPerRecord = -1

	record, err := r.Read()
	if err == io.EOF {
		return NewHeader(nil), r, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	return NewHeader(record), r, nil
}

// countRecords counts every remaining record, malformed ones included.
func countRecords(r *csv.Reader) int {
	n := 0
	for {
		_, err := r.Read()
		if err == io.EOF {
			return n
		}
		var perr *csv.ParseError
		if err != nil && !errors.As(err, &perr) {
			return n
		}
		n++
	}
}

// TotalRows is the number of data records found by the pre-scan.
func (s *Stream) TotalRows() int { return s.totalRows }

// Next returns the next batch, or io.EOF once the file is exhausted. The
// last batch may be shorter than the batch size; an empty batch is never
// returned.
func (s *Stream) Next(ctx context.Context) (capi.Batch, error) {
	if s.done {
		return nil, io.EOF
	}
	batch := make(capi.Batch, 0, s.batchSize)
	for len(batch) < s.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := s.reader.Read()
		if err == io.EOF {
			s.done = true
			break
		}

		row := RawRow{Header: s.header, Values: record}
		var perr *csv.ParseError
		switch {
		case errors.As(err, &perr):
			s.log.Warn("malformed CSV row", "line", perr.StartLine, "error", perr.Err)
			if err := s.reject(ctx, row, ReasonMalformed); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, fmt.Errorf("reading input: %w", err)
		}

		event, err := s.transformer.Transform(row)
		var rowErr *RowError
		switch {
		case errors.Is(err, ErrBlankRow):
			continue
		case errors.As(err, &rowErr):
			if err := s.reject(ctx, row, rowErr.Reason); err != nil {
				return nil, err
			}
			continue
		case err != nil:
			return nil, err
		}

		if err := s.accept(ctx); err != nil {
			return nil, err
		}
		batch = append(batch, event)
	}

	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (s *Stream) accept(ctx context.Context) error {
	_, err := s.tracker.Update(ctx, s.jobID, func(p *progress.JobProgress) error {
		p.Succeeded++
		p.ProcessedRows++
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording row: %w", err)
	}
	return nil
}

func (s *Stream) reject(ctx context.Context, row RawRow, reason string) error {
	if err := s.tracker.AppendError(ctx, s.jobID, row.Columns(), row.Trimmed(), reason); err != nil {
		return fmt.Errorf("recording rejected row: %w", err)
	}
	_, err := s.tracker.Update(ctx, s.jobID, func(p *progress.JobProgress) error {
		p.Failed++
		p.ProcessedRows++
		return nil
	})
	if err != nil {
		return fmt.Errorf("recording row: %w", err)
	}
	return nil
}

// Close releases the input file.
func (s *Stream) Close() error {
	return s.file.Close()
}
