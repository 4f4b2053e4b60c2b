package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/position"
	"github.com/jonboulle/clockwork"
)

// fetcher and batchPublisher are the runner's two collaborators, split out
// so tests can inject mocks.
type fetcher interface {
	Fetch(ctx context.Context) ([]RawPosition, error)
}

type batchPublisher interface {
	PublishBatch(ctx context.Context, source position.Source, positions []RawPosition, scrapeTime time.Time) error
}

// DefaultInterval returns the poll cadence for a source. The local feed is
// close and cheap to poll; the rate-limited third-party feeds are not.
func DefaultInterval(source position.Source) time.Duration {
	switch source {
	case position.SourceLocal:
		return 2 * time.Second
	case position.SourceRegional:
		return 15 * time.Second
	case position.SourceMetric:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// RunnerConfig configures one source's poll-and-publish loop.
type RunnerConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *ScrapeMetrics

	Source    position.Source
	Fetcher   fetcher
	Publisher batchPublisher

	// Interval between successful polls. Defaults per source.
	Interval time.Duration

	// MaxConsecutiveErrors aborts the loop once this many polls in a row
	// have failed. Defaults to 10.
	MaxConsecutiveErrors int

	// MaxBackoff caps the error backoff. Defaults to 5m.
	MaxBackoff time.Duration
}

func (c *RunnerConfig) Validate() error {
	if !c.Source.Valid() {
		return errors.New("a valid source is required")
	}
	if c.Fetcher == nil {
		return errors.New("fetcher is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = DefaultInterval(c.Source)
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = 10
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return nil
}

// Runner polls one source on a fixed cadence and publishes each non-empty
// batch to the stream.
type Runner struct {
	cfg *RunnerConfig
}

// NewRunner creates a runner for one source.
func NewRunner(cfg *RunnerConfig) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	return &Runner{cfg: cfg}, nil
}

// Run polls until the context is canceled or too many consecutive polls
// fail. Failed polls back off exponentially, rate-limited ones from a
// higher floor, and a successful poll resets the error count.
func (r *Runner) Run(ctx context.Context) error {
	log := r.cfg.Logger
	log.Info("starting scrape loop", "source", r.cfg.Source, "interval", r.cfg.Interval)

	consecutive := 0
	for {
		if err := r.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consecutive++
			if consecutive >= r.cfg.MaxConsecutiveErrors {
				return fmt.Errorf("aborting after %d consecutive errors: %w", consecutive, err)
			}
			delay := r.backoff(consecutive, errors.Is(err, ErrRateLimited))
			log.Warn("poll failed, backing off", "source", r.cfg.Source, "error", err, "delay", delay, "consecutive", consecutive)
			if !r.sleep(ctx, delay) {
				return nil
			}
			continue
		}

		consecutive = 0
		if !r.sleep(ctx, r.cfg.Interval) {
			return nil
		}
	}
}

func (r *Runner) poll(ctx context.Context) error {
	positions, err := r.cfg.Fetcher.Fetch(ctx)
	if err != nil {
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.FetchErrors.Inc()
			if errors.Is(err, ErrRateLimited) {
				r.cfg.Metrics.RateLimitHits.Inc()
			}
		}
		return err
	}
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.BatchesFetched.Inc()
	}

	if len(positions) > 0 {
		if err := r.cfg.Publisher.PublishBatch(ctx, r.cfg.Source, positions, r.cfg.Clock.Now()); err != nil {
			return err
		}
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.LastScrapeTimestamp.SetToCurrentTime()
	}
	r.cfg.Logger.Debug("published batch", "source", r.cfg.Source, "positions", len(positions))
	return nil
}

// backoff doubles the poll interval per consecutive error, from a one
// minute floor when the source is rate limiting us.
func (r *Runner) backoff(consecutive int, rateLimited bool) time.Duration {
	delay := r.cfg.Interval
	if rateLimited && delay < time.Minute {
		delay = time.Minute
	}
	for i := 1; i < consecutive; i++ {
		delay *= 2
		if delay >= r.cfg.MaxBackoff {
			return r.cfg.MaxBackoff
		}
	}
	if delay > r.cfg.MaxBackoff {
		delay = r.cfg.MaxBackoff
	}
	return delay
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.cfg.Clock.After(d):
		return true
	}
}
