// Package archive persists canonical position records to ClickHouse for
// long-term analytical queries. The in-process store stays the source of
// truth for serving; the archive is a best-effort durable copy.
package archive

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/capgar/adsb-clickhouse/internal/position"
	"github.com/prometheus/client_golang/prometheus"
)

// ClickHouse error codes
const (
	chErrCodeUnknownTable = 60 // Table does not exist
)

// IsRetryableError returns true if the error is transient and the insert
// should be retried, false if it's a permanent error.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		switch exception.Code {
		case chErrCodeUnknownTable:
			return false
		}
	}

	// Default: assume transient/retryable
	return true
}

// Writer writes position records to ClickHouse, routing each record to its
// source's table.
type Writer struct {
	addr       string
	db         string
	user       string
	pass       string
	disableTLS bool
	conn       clickhouse.Conn
	logger     *slog.Logger
	metrics    *Metrics
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithAddr sets the ClickHouse server address.
func WithAddr(addr string) WriterOption {
	return func(w *Writer) { w.addr = addr }
}

// WithDB sets the database name.
func WithDB(db string) WriterOption {
	return func(w *Writer) { w.db = db }
}

// WithUser sets the username.
func WithUser(user string) WriterOption {
	return func(w *Writer) { w.user = user }
}

// WithPassword sets the password.
func WithPassword(pass string) WriterOption {
	return func(w *Writer) { w.pass = pass }
}

// WithTLSDisabled disables TLS for the connection.
func WithTLSDisabled(disabled bool) WriterOption {
	return func(w *Writer) { w.disableTLS = disabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) { w.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) WriterOption {
	return func(w *Writer) { w.metrics = metrics }
}

// withConn injects a connection for tests.
func withConn(conn clickhouse.Conn) WriterOption {
	return func(w *Writer) { w.conn = conn }
}

// NewWriter creates a Writer with the given options. The ClickHouse address
// must be configured via WithAddr.
func NewWriter(opts ...WriterOption) (*Writer, error) {
	w := &Writer{
		db:      "default",
		user:    "default",
		metrics: NewMetrics(nil), // Always set, unregistered by default
	}

	for _, opt := range opts {
		opt(w)
	}

	if w.logger == nil {
		w.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	if w.conn == nil {
		if w.addr == "" {
			return nil, fmt.Errorf("clickhouse address is required: use WithAddr")
		}

		chOpts := &clickhouse.Options{
			Addr: []string{w.addr},
			Auth: clickhouse.Auth{
				Database: w.db,
				Username: w.user,
				Password: w.pass,
			},
		}
		if !w.disableTLS {
			chOpts.TLS = &tls.Config{}
		}

		conn, err := clickhouse.Open(chOpts)
		if err != nil {
			return nil, fmt.Errorf("error opening clickhouse connection: %w", err)
		}
		w.conn = conn
	}

	return w, nil
}

// WriteRecords writes records to ClickHouse, grouped by source table. The
// whole batch for a table is aborted on the first bad record so the caller
// can retry it atomically.
func (w *Writer) WriteRecords(ctx context.Context, records []position.Record) error {
	if len(records) == 0 {
		return nil
	}

	byTable := make(map[string][]position.Record)
	for _, r := range records {
		table := r.TableName()
		byTable[table] = append(byTable[table], r)
	}

	for table, tableRecords := range byTable {
		if err := w.writeTable(ctx, table, tableRecords); err != nil {
			return fmt.Errorf("error writing to table %s: %w", table, err)
		}
	}

	// A second copy feeds the ReplacingMergeTree that collapses to the
	// newest row per aircraft.
	if err := w.writeTable(ctx, "positions_latest", records); err != nil {
		return fmt.Errorf("error writing to table positions_latest: %w", err)
	}

	w.metrics.RecordsWritten.Add(float64(len(records)))
	return nil
}

// Close closes the ClickHouse connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}

func (w *Writer) writeTable(ctx context.Context, table string, records []position.Record) error {
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s", w.db, table))
	if err != nil {
		return fmt.Errorf("error preparing batch: %w", err)
	}

	for i := range records {
		if err := batch.AppendStruct(&records[i]); err != nil {
			_ = batch.Close()
			return fmt.Errorf("error appending record %d to batch: %w", i, err)
		}
	}

	timer := prometheus.NewTimer(w.metrics.InsertDuration)
	if err := batch.Send(); err != nil {
		_ = batch.Close()
		w.metrics.InsertErrors.Inc()
		return fmt.Errorf("error sending batch: %w", err)
	}
	timer.ObserveDuration()

	if err := batch.Close(); err != nil {
		return fmt.Errorf("error closing batch: %w", err)
	}

	w.logger.Debug("archived records", "table", table, "count", len(records))
	return nil
}
