package store

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/jonboulle/clockwork"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// DedupConfig configures the per-shard latest-state tables.
type DedupConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Metrics *Metrics

	// NumShards must match the append store topology.
	NumShards int

	// TTL is how long a row survives without being refreshed by a newer
	// report before the aircraft is considered gone. Defaults to an hour.
	TTL time.Duration
}

func (c *DedupConfig) Validate() error {
	if c.NumShards <= 0 {
		return errors.New("number of shards must be positive")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	return nil
}

// dedupRow pairs a record with the time of its last winning write, taken
// from the configured clock. Expiry compares against the same clock, so TTL
// behavior follows an injected fake clock in tests.
type dedupRow struct {
	rec         position.Record
	refreshedAt time.Time
}

// dedupShard holds at most one row per aircraft. The mutex serializes the
// read-compare-write of an upsert. Rows carry no cache-level TTL: expiry
// compares the row's refresh time against the configured clock, so reads
// ignore lapsed rows and EvictExpired removes them.
type dedupShard struct {
	mu    sync.Mutex
	cache *ttlcache.Cache[string, dedupRow]
}

// DedupStore maintains the continuously deduplicated "most recent record per
// aircraft" table for every shard. Upserts are last-write-wins on
// (observed_at, ingested_at), so the table converges to the same state under
// replay, duplicate delivery, and arbitrary reordering.
type DedupStore struct {
	cfg    *DedupConfig
	shards []*dedupShard
}

// NewDedupStore creates one latest-state table per shard.
func NewDedupStore(cfg *DedupConfig) (*DedupStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dedup config: %w", err)
	}
	shards := make([]*dedupShard, cfg.NumShards)
	for i := range shards {
		shards[i] = &dedupShard{
			cache: ttlcache.New[string, dedupRow](),
		}
	}
	return &DedupStore{cfg: cfg, shards: shards}, nil
}

// Upsert applies rec to the shard's latest-state table. The newer of the
// existing and incoming record wins regardless of arrival order; a winning
// write refreshes the row's TTL. Returns true when the table changed.
func (d *DedupStore) Upsert(shard ShardID, rec position.Record) (bool, error) {
	if shard < 0 || int(shard) >= len(d.shards) {
		return false, fmt.Errorf("shard %d out of range", shard)
	}
	now := d.cfg.Clock.Now()
	s := d.shards[shard]
	s.mu.Lock()
	defer s.mu.Unlock()

	if item := s.cache.Get(rec.AircraftID); item != nil && !d.expired(item.Value(), now) {
		if !rec.Supersedes(item.Value().rec) {
			d.cfg.Metrics.UpsertsIgnored.Inc()
			return false, nil
		}
	}
	s.cache.Set(rec.AircraftID, dedupRow{rec: rec, refreshedAt: now}, ttlcache.NoTTL)
	d.cfg.Metrics.UpsertsApplied.Inc()
	return true, nil
}

// expired reports whether a row's TTL lapsed without a refresh, per the
// configured clock.
func (d *DedupStore) expired(row dedupRow, now time.Time) bool {
	return now.Sub(row.refreshedAt) > d.cfg.TTL
}

// Latest returns the shard's current rows observed within the recency
// window, newest first. A zero window returns the whole live table.
func (d *DedupStore) Latest(shard ShardID, window time.Duration) ([]position.Record, error) {
	if shard < 0 || int(shard) >= len(d.shards) {
		return nil, fmt.Errorf("shard %d out of range", shard)
	}
	now := d.cfg.Clock.Now()
	cutoff := time.Time{}
	if window > 0 {
		cutoff = now.Add(-window)
	}

	s := d.shards[shard]
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []position.Record
	for _, item := range s.cache.Items() {
		if d.expired(item.Value(), now) {
			continue
		}
		rec := item.Value().rec
		if !cutoff.IsZero() && rec.ObservedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Supersedes(out[j])
	})
	return out, nil
}

// EvictExpired removes rows whose TTL lapsed without a refresh and returns
// how many were removed. Called by the retention manager, never inline with
// writes.
func (d *DedupStore) EvictExpired() int {
	now := d.cfg.Clock.Now()
	evicted := 0
	for _, s := range d.shards {
		s.mu.Lock()
		for _, item := range s.cache.Items() {
			if d.expired(item.Value(), now) {
				s.cache.Delete(item.Key())
				evicted++
			}
		}
		s.mu.Unlock()
	}
	if evicted > 0 {
		d.cfg.Metrics.DedupEvicted.Add(float64(evicted))
		d.cfg.Logger.Debug("evicted stale latest-state rows", "count", evicted)
	}
	return evicted
}

// Len returns the total number of stored rows across all shards, including
// any that lapsed but have not yet been evicted.
func (d *DedupStore) Len() int {
	n := 0
	for _, s := range d.shards {
		s.mu.Lock()
		n += s.cache.Len()
		s.mu.Unlock()
	}
	return n
}
