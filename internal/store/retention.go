package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
)

// RetentionConfig configures the background retention and compaction
// manager.
type RetentionConfig struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Store *AppendStore
	Dedup *DedupStore

	// Interval between maintenance passes. Defaults to a minute.
	Interval time.Duration
}

func (c *RetentionConfig) Validate() error {
	if c.Store == nil {
		return errors.New("append store is required")
	}
	if c.Dedup == nil {
		return errors.New("dedup store is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	return nil
}

// RetentionManager periodically drops expired append-store partitions,
// merges small segments, and evicts stale latest-state rows. Maintenance is
// always asynchronous and batched: delaying it only makes reads see slightly
// more data, never less, so a pass is safe to postpone arbitrarily.
type RetentionManager struct {
	cfg *RetentionConfig
}

// NewRetentionManager creates a manager; call Run to start it.
func NewRetentionManager(cfg *RetentionConfig) (*RetentionManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retention config: %w", err)
	}
	return &RetentionManager{cfg: cfg}, nil
}

// Run executes maintenance passes on the configured interval until the
// context is cancelled. An in-flight pass finishes before shutdown.
func (m *RetentionManager) Run(ctx context.Context) error {
	m.cfg.Logger.Info("starting retention manager", "interval", m.cfg.Interval)
	ticker := m.cfg.Clock.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cfg.Logger.Info("retention manager shutting down")
			return nil
		case <-ticker.Chan():
			m.RunOnce()
		}
	}
}

// RunOnce performs a single maintenance pass.
func (m *RetentionManager) RunOnce() {
	now := m.cfg.Clock.Now()
	dropped := m.cfg.Store.DropExpired(now)
	merged := m.cfg.Store.Compact()
	evicted := m.cfg.Dedup.EvictExpired()
	if dropped > 0 || merged > 0 || evicted > 0 {
		m.cfg.Logger.Debug("retention pass complete",
			"partitions_dropped", dropped,
			"segments_merged", merged,
			"dedup_evicted", evicted)
	}
}
