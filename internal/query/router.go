// Package query fans read requests out across all shards and merges the
// results into one ordered answer.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/alitto/pond/v2"

	"github.com/capgar/adsb-clickhouse/internal/position"
	"github.com/capgar/adsb-clickhouse/internal/store"
)

const defaultFanoutPoolSize = 16

// Result is a merged cross-shard answer. Partial is set when one or more
// shards could not be reached; the records present are still valid, the
// caller just knows the answer may be incomplete. Availability wins over
// strict completeness on this read path.
type Result struct {
	Records []position.Record `json:"records"`
	Partial bool              `json:"partial"`
	Errors  []string          `json:"errors,omitempty"`
}

// RouterConfig configures the cross-shard query router.
type RouterConfig struct {
	Logger  *slog.Logger
	Metrics *Metrics

	Store *store.AppendStore
	Dedup *store.DedupStore

	// FanoutPoolSize bounds concurrent per-shard reads.
	FanoutPoolSize int
}

func (c *RouterConfig) Validate() error {
	if c.Store == nil {
		return errors.New("append store is required")
	}
	if c.Dedup == nil {
		return errors.New("dedup store is required")
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.FanoutPoolSize == 0 {
		c.FanoutPoolSize = defaultFanoutPoolSize
	}
	return nil
}

// Router serves the two cross-shard query modes: historical scans over the
// append store and latest-state reads over the dedup tables.
type Router struct {
	cfg  *RouterConfig
	pool pond.ResultPool[shardResult]
}

type shardResult struct {
	shard   store.ShardID
	records []position.Record
	err     error
}

// NewRouter creates a router over the given stores.
func NewRouter(cfg *RouterConfig) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	return &Router{
		cfg:  cfg,
		pool: pond.NewResultPool[shardResult](cfg.FanoutPoolSize),
	}, nil
}

// Historical fans a scan out to every shard's append store and unions the
// results ordered by observed_at ascending. No dedup pass is needed: append
// rows are immutable and each lives on exactly one shard.
func (r *Router) Historical(ctx context.Context, f store.Filter) (Result, error) {
	res := r.fanout(ctx, func(shard store.ShardID) ([]position.Record, error) {
		return r.cfg.Store.Scan(ctx, shard, f)
	})
	sort.Slice(res.Records, func(i, j int) bool {
		return res.Records[j].Supersedes(res.Records[i])
	})
	r.cfg.Metrics.HistoricalQueries.Inc()
	return res, nil
}

// Latest fans out to every shard's latest-state table, then collapses the
// union to one row per aircraft with the same last-write-wins rule the
// shards apply internally. The merge-time pass is required because each
// shard only deduplicates within itself: the same aircraft can have rows on
// several shards. Results are ordered by observed_at descending.
func (r *Router) Latest(ctx context.Context, window time.Duration) (Result, error) {
	res := r.fanout(ctx, func(shard store.ShardID) ([]position.Record, error) {
		return r.cfg.Dedup.Latest(shard, window)
	})

	byAircraft := make(map[string]position.Record, len(res.Records))
	for _, rec := range res.Records {
		if cur, ok := byAircraft[rec.AircraftID]; !ok || rec.Supersedes(cur) {
			byAircraft[rec.AircraftID] = rec
		}
	}
	collapsed := make([]position.Record, 0, len(byAircraft))
	for _, rec := range byAircraft {
		collapsed = append(collapsed, rec)
	}
	sort.Slice(collapsed, func(i, j int) bool {
		return collapsed[i].Supersedes(collapsed[j])
	})
	res.Records = collapsed
	r.cfg.Metrics.LatestQueries.Inc()
	return res, nil
}

// fanout runs read across every shard concurrently and gathers per-shard
// outcomes. A failed shard contributes an error, not a failed query.
func (r *Router) fanout(ctx context.Context, read func(store.ShardID) ([]position.Record, error)) Result {
	group := r.pool.NewGroupContext(ctx)
	for shard := range r.cfg.Store.NumShards() {
		shard := store.ShardID(shard)
		group.Submit(func() shardResult {
			records, err := read(shard)
			return shardResult{shard: shard, records: records, err: err}
		})
	}

	results, err := group.Wait()
	res := Result{}
	if err != nil {
		// Only context cancellation can surface here since tasks never
		// return errors themselves.
		res.Partial = true
		res.Errors = append(res.Errors, err.Error())
	}
	for _, sr := range results {
		if sr.err != nil {
			r.cfg.Logger.Warn("shard unreachable during query", "shard", sr.shard, "error", sr.err)
			r.cfg.Metrics.ShardFailures.Inc()
			res.Partial = true
			res.Errors = append(res.Errors, sr.err.Error())
			continue
		}
		res.Records = append(res.Records, sr.records...)
	}
	if res.Partial {
		r.cfg.Metrics.PartialResults.Inc()
	}
	return res
}
