package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// ErrShardUnavailable is returned when no replica of a shard can serve a
// read.
var ErrShardUnavailable = errors.New("no replica of shard available")

// ErrQuorumNotReached is returned when a write was acknowledged by fewer
// replicas than the configured write quorum.
var ErrQuorumNotReached = errors.New("write quorum not reached")

// partitionKey identifies one coarse eviction unit of the append store:
// all records for one source observed on one UTC calendar day. Expiry drops
// the whole partition at once, never individual rows.
type partitionKey struct {
	Source position.Source
	Day    string
}

func partitionKeyFor(rec position.Record) partitionKey {
	return partitionKey{
		Source: rec.Source,
		Day:    rec.ObservedAt.UTC().Format(time.DateOnly),
	}
}

// Filter selects records from a historical scan. Zero values mean
// unconstrained.
type Filter struct {
	From       time.Time
	To         time.Time
	Source     position.Source
	AircraftID string
}

// Matches reports whether rec passes the filter. The time range is
// half-open: [From, To).
func (f Filter) Matches(rec position.Record) bool {
	if !f.From.IsZero() && rec.ObservedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !rec.ObservedAt.Before(f.To) {
		return false
	}
	if f.Source != "" && rec.Source != f.Source {
		return false
	}
	if f.AircraftID != "" && rec.AircraftID != f.AircraftID {
		return false
	}
	return true
}

// replica is one durable copy of a shard. Records live in day-partitioned
// segments; writes go to the newest segment, compaction merges old ones.
type replica struct {
	mu         sync.RWMutex
	available  bool
	partitions map[partitionKey][][]position.Record
}

func newReplica() *replica {
	return &replica{
		available:  true,
		partitions: make(map[partitionKey][][]position.Record),
	}
}

func (r *replica) append(pk partitionKey, rec position.Record, segmentMax int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.available {
		return false
	}
	segs := r.partitions[pk]
	if len(segs) == 0 || len(segs[len(segs)-1]) >= segmentMax {
		segs = append(segs, nil)
	}
	segs[len(segs)-1] = append(segs[len(segs)-1], rec)
	r.partitions[pk] = segs
	return true
}

// scan copies matching records out under the read lock. Writers and the
// compactor replace whole segments, so readers always see a consistent
// snapshot and are never blocked by compaction in progress.
func (r *replica) scan(f Filter) ([]position.Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.available {
		return nil, false
	}
	var out []position.Record
	for pk, segs := range r.partitions {
		if f.Source != "" && pk.Source != f.Source {
			continue
		}
		for _, seg := range segs {
			for _, rec := range seg {
				if f.Matches(rec) {
					out = append(out, rec)
				}
			}
		}
	}
	return out, true
}

// rollback removes the copy of rec left behind by a failed quorum write.
// Writers keep ingested_at unique, so (aircraft_id, ingested_at) identifies
// the record; the search runs newest-first because the record was just
// appended.
func (r *replica) rollback(pk partitionKey, rec position.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	segs := r.partitions[pk]
	for i := len(segs) - 1; i >= 0; i-- {
		seg := segs[i]
		for j := len(seg) - 1; j >= 0; j-- {
			if seg[j].AircraftID == rec.AircraftID && seg[j].IngestedAt.Equal(rec.IngestedAt) {
				segs[i] = append(seg[:j:j], seg[j+1:]...)
				return
			}
		}
	}
}

func (r *replica) dropExpired(now time.Time, retention map[position.Source]time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	dropped := 0
	for pk := range r.partitions {
		ttl, ok := retention[pk.Source]
		if !ok {
			continue
		}
		day, err := time.Parse(time.DateOnly, pk.Day)
		if err != nil {
			continue
		}
		// A partition covers [day, day+24h); it expires only once the
		// entire day has aged out.
		if now.Sub(day.Add(24*time.Hour)) > ttl {
			delete(r.partitions, pk)
			dropped++
		}
	}
	return dropped
}

func (r *replica) compact(minSegments int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	merged := 0
	for pk, segs := range r.partitions {
		if len(segs) < minSegments {
			continue
		}
		total := 0
		for _, seg := range segs {
			total += len(seg)
		}
		one := make([]position.Record, 0, total)
		for _, seg := range segs {
			one = append(one, seg...)
		}
		r.partitions[pk] = [][]position.Record{one}
		merged += len(segs) - 1
	}
	return merged
}

func (r *replica) setAvailable(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.available = ok
}

// AppendStoreConfig configures the sharded append store.
type AppendStoreConfig struct {
	Logger   *slog.Logger
	Topology Topology
	Metrics  *Metrics

	// Retention maps each source to its history TTL. Defaults to
	// DefaultRetention.
	Retention map[position.Source]time.Duration

	// SegmentMaxRecords caps how many records a write segment holds
	// before a new one is started.
	SegmentMaxRecords int

	// CompactMinSegments is how many segments a partition accumulates
	// before compaction merges them.
	CompactMinSegments int

	// PickShard chooses the shard for a write given the shard count.
	// Defaults to uniform random: write balance is deliberately preferred
	// over per-aircraft locality, so one aircraft's history spreads
	// across shards over time.
	PickShard func(n int) int
}

func (c *AppendStoreConfig) Validate() error {
	if err := c.Topology.Validate(); err != nil {
		return err
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	if c.Retention == nil {
		c.Retention = DefaultRetention()
	}
	if c.SegmentMaxRecords == 0 {
		c.SegmentMaxRecords = 512
	}
	if c.CompactMinSegments == 0 {
		c.CompactMinSegments = 4
	}
	if c.PickShard == nil {
		c.PickShard = rand.IntN
	}
	return nil
}

// AppendStore is the sharded, replicated history store. Every record is
// written to one randomly chosen shard and copied to all of that shard's
// replicas; the write is durable once a quorum acknowledges. Rows are
// immutable after append and leave only by whole-partition TTL drop.
type AppendStore struct {
	cfg    *AppendStoreConfig
	shards [][]*replica
}

// NewAppendStore creates the store with empty shards laid out per the
// topology.
func NewAppendStore(cfg *AppendStoreConfig) (*AppendStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid append store config: %w", err)
	}
	shards := make([][]*replica, cfg.Topology.NumShards)
	for i := range shards {
		replicas := make([]*replica, cfg.Topology.NumReplicas)
		for j := range replicas {
			replicas[j] = newReplica()
		}
		shards[i] = replicas
	}
	return &AppendStore{cfg: cfg, shards: shards}, nil
}

// NumShards returns the shard count for query fan-out.
func (s *AppendStore) NumShards() int {
	return len(s.shards)
}

// Append writes rec to a randomly chosen shard and replicates it to every
// replica of that shard. It returns the shard chosen so the caller can route
// the companion dedup upsert to the same shard. The write fails only when
// fewer than the write quorum of replicas accepted it; a failed write is
// rolled back from the replicas that did accept, so replicas of a shard
// always hold identical data.
func (s *AppendStore) Append(rec position.Record) (ShardID, error) {
	shard := ShardID(s.cfg.PickShard(len(s.shards)))
	pk := partitionKeyFor(rec)

	acked := make([]*replica, 0, len(s.shards[shard]))
	for _, rep := range s.shards[shard] {
		if rep.append(pk, rec, s.cfg.SegmentMaxRecords) {
			acked = append(acked, rep)
		}
	}
	if len(acked) < s.cfg.Topology.WriteQuorum {
		// Undo the partial write so the shard's replicas stay identical
		// and a retry can land the record elsewhere without an orphan.
		for _, rep := range acked {
			rep.rollback(pk, rec)
		}
		s.cfg.Metrics.QuorumFailures.Inc()
		return shard, fmt.Errorf("shard %d: %w: %d/%d acks", shard, ErrQuorumNotReached, len(acked), s.cfg.Topology.WriteQuorum)
	}
	s.cfg.Metrics.RecordsAppended.Inc()
	return shard, nil
}

// Scan reads matching records from one shard, served by its first available
// replica. Replicas of a shard hold identical data, so any one will do.
func (s *AppendStore) Scan(ctx context.Context, shard ShardID, f Filter) ([]position.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if shard < 0 || int(shard) >= len(s.shards) {
		return nil, fmt.Errorf("shard %d out of range", shard)
	}
	for _, rep := range s.shards[shard] {
		if recs, ok := rep.scan(f); ok {
			return recs, nil
		}
	}
	return nil, fmt.Errorf("shard %d: %w", shard, ErrShardUnavailable)
}

// DropExpired removes whole partitions older than their source's retention
// tier from every replica. Returns the number of partitions dropped across
// all replicas.
func (s *AppendStore) DropExpired(now time.Time) int {
	dropped := 0
	for _, replicas := range s.shards {
		for _, rep := range replicas {
			dropped += rep.dropExpired(now, s.cfg.Retention)
		}
	}
	if dropped > 0 {
		s.cfg.Metrics.PartitionsDropped.Add(float64(dropped))
		s.cfg.Logger.Debug("dropped expired partitions", "count", dropped)
	}
	return dropped
}

// Compact merges small segments into one per partition wherever a partition
// has accumulated enough of them. Readers are unaffected: segments are
// replaced atomically under the replica lock.
func (s *AppendStore) Compact() int {
	merged := 0
	for _, replicas := range s.shards {
		for _, rep := range replicas {
			merged += rep.compact(s.cfg.CompactMinSegments)
		}
	}
	if merged > 0 {
		s.cfg.Metrics.SegmentsMerged.Add(float64(merged))
	}
	return merged
}

// SetReplicaAvailable marks one replica reachable or unreachable. Used when
// diagnosing a single shard and by tests exercising quorum and partial-read
// behavior.
func (s *AppendStore) SetReplicaAvailable(shard ShardID, replicaIdx int, ok bool) error {
	if shard < 0 || int(shard) >= len(s.shards) {
		return fmt.Errorf("shard %d out of range", shard)
	}
	replicas := s.shards[shard]
	if replicaIdx < 0 || replicaIdx >= len(replicas) {
		return fmt.Errorf("replica %d out of range", replicaIdx)
	}
	replicas[replicaIdx].setAvailable(ok)
	return nil
}
