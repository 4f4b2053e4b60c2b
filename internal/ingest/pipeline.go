package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/capgar/adsb-clickhouse/internal/feed"
	"github.com/capgar/adsb-clickhouse/internal/normalize"
	"github.com/capgar/adsb-clickhouse/internal/position"
	"github.com/capgar/adsb-clickhouse/internal/store"
)

// RecordWriter is the optional archive sink fed the same normalized stream
// as the in-process stores.
type RecordWriter interface {
	WriteRecords(ctx context.Context, records []position.Record) error
}

// PipelineConfig configures one source's ingestion pipeline.
type PipelineConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *PipelineMetrics

	Consumer Consumer
	Store    *store.AppendStore
	Dedup    *store.DedupStore

	// Archive receives normalized records when set; failures there never
	// block the in-process stores, which are the source of truth for
	// queries.
	Archive RecordWriter

	Profile normalize.Profile

	// WriteBackoff bounds retrying a record that failed its write quorum.
	// The consumer loop is never blocked longer than this per batch.
	WriteBackoff time.Duration
}

func (c *PipelineConfig) Validate() error {
	if c.Consumer == nil {
		return errors.New("consumer is required")
	}
	if c.Store == nil {
		return errors.New("append store is required")
	}
	if c.Dedup == nil {
		return errors.New("dedup store is required")
	}
	if !c.Profile.Source.Valid() {
		return errors.New("a valid normalization profile is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewPipelineMetrics(nil)
	}
	if c.WriteBackoff == 0 {
		c.WriteBackoff = 10 * time.Second
	}
	return nil
}

// Pipeline drives one source's stream through normalization into the
// sharded append store and the dedup materializer. Pipelines for different
// sources and replica groups run concurrently with no coordination:
// correctness under any interleaving comes from the records' own
// (observed_at, ingested_at) ordering, not from arrival order.
type Pipeline struct {
	cfg *PipelineConfig

	// lastIngested keeps ingested_at strictly monotonic within this
	// consumer, which is what makes it a usable dedup tiebreak.
	lastIngested time.Time
}

// NewPipeline creates a pipeline; call Run to start it.
func NewPipeline(cfg *PipelineConfig) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	return &Pipeline{cfg: cfg}, nil
}

// Run consumes and processes batches until the context is cancelled. An
// in-flight batch is finished before shutdown; there is no mid-write
// cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.cfg.Consumer.Close()

	p.cfg.Logger.Info("starting ingestion pipeline", "source", p.cfg.Profile.Source)

	for {
		select {
		case <-ctx.Done():
			p.cfg.Logger.Info("pipeline shutting down", "source", p.cfg.Profile.Source)
			return nil
		default:
			payloads, err := p.cfg.Consumer.Consume(ctx)
			if err != nil {
				if errors.Is(err, ErrClientClosed) {
					p.cfg.Logger.Info("consumer client closed, shutting down")
					return nil
				}
				p.cfg.Logger.Error("error consuming payloads", "error", err)
				continue
			}
			if len(payloads) == 0 {
				continue
			}
			p.processBatch(ctx, payloads)
		}
	}
}

func (p *Pipeline) processBatch(ctx context.Context, payloads []feed.RawPosition) {
	timer := prometheus.NewTimer(p.cfg.Metrics.ProcessingDuration)

	records := make([]position.Record, 0, len(payloads))
	for _, raw := range payloads {
		rec, ok := normalize.Normalize(raw, p.cfg.Profile, p.nextIngestedAt())
		if !ok {
			// Invalid at the source; not recoverable, never retried.
			p.cfg.Metrics.RecordsDropped.Inc()
			continue
		}
		records = append(records, rec)
	}
	p.cfg.Metrics.RecordsNormalized.Add(float64(len(records)))

	for _, rec := range records {
		if err := p.write(ctx, rec); err != nil {
			p.cfg.Metrics.WriteErrors.Inc()
			p.cfg.Logger.Error("error writing record", "aircraft_id", rec.AircraftID, "error", err)
		}
	}
	timer.ObserveDuration()

	if p.cfg.Archive != nil && len(records) > 0 {
		// The in-process stores are already durable; an archive failure
		// is logged and counted, never re-driven through the consumer.
		if err := p.cfg.Archive.WriteRecords(ctx, records); err != nil {
			p.cfg.Metrics.ArchiveErrors.Inc()
			p.cfg.Logger.Error("error writing archive batch", "error", err)
		}
	}

	if err := p.cfg.Consumer.Commit(ctx); err != nil {
		p.cfg.Metrics.CommitErrors.Inc()
		p.cfg.Logger.Error("error committing offsets", "error", err)
	}
}

// write appends rec to the sharded store and upserts the same shard's
// latest-state row. Quorum failures are retried with backoff here, in the
// writer, rather than by failing the consumer loop.
func (p *Pipeline) write(ctx context.Context, rec position.Record) error {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(2*time.Second),
		backoff.WithMaxElapsedTime(p.cfg.WriteBackoff),
	)

	return backoff.Retry(func() error {
		shard, err := p.cfg.Store.Append(rec)
		if err != nil {
			return err
		}
		if _, err := p.cfg.Dedup.Upsert(shard, rec); err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(b, ctx))
}

// nextIngestedAt assigns the record's ingestion timestamp, strictly
// increasing within this pipeline even if the clock stalls.
func (p *Pipeline) nextIngestedAt() time.Time {
	now := p.cfg.Clock.Now().UTC()
	if !now.After(p.lastIngested) {
		now = p.lastIngested.Add(time.Nanosecond)
	}
	p.lastIngested = now
	return now
}
