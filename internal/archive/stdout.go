package archive

import (
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// StdoutWriter writes records as JSON lines to stdout. It stands in for the
// ClickHouse writer in local development.
type StdoutWriter struct {
	writer  io.Writer
	encoder *json.Encoder
}

// StdoutWriterOption configures a StdoutWriter.
type StdoutWriterOption func(*StdoutWriter)

// WithStdoutWriter sets a custom writer (defaults to os.Stdout).
func WithStdoutWriter(w io.Writer) StdoutWriterOption {
	return func(s *StdoutWriter) {
		s.writer = w
	}
}

// NewStdoutWriter creates a StdoutWriter with the given options.
func NewStdoutWriter(opts ...StdoutWriterOption) *StdoutWriter {
	s := &StdoutWriter{
		writer: os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.encoder = json.NewEncoder(s.writer)
	return s
}

// tableRecord wraps a record with its destination table for JSON output.
type tableRecord struct {
	Table string          `json:"_table"`
	Data  position.Record `json:"data"`
}

// WriteRecords writes each record as a JSON line to the configured writer.
func (s *StdoutWriter) WriteRecords(ctx context.Context, records []position.Record) error {
	for _, record := range records {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := s.encoder.Encode(tableRecord{Table: record.TableName(), Data: record}); err != nil {
			return err
		}
	}
	return nil
}
