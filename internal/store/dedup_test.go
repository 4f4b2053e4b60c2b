package store

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

func newTestDedup(t *testing.T, opts ...func(*DedupConfig)) *DedupStore {
	t.Helper()
	cfg := &DedupConfig{NumShards: 2}
	for _, opt := range opts {
		opt(cfg)
	}
	d, err := NewDedupStore(cfg)
	require.NoError(t, err)
	return d
}

func TestDedupStore_UpsertNewerWins(t *testing.T) {
	t.Parallel()

	d := newTestDedup(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	older := testRecord("aaa111", position.SourceLocal, base)
	newer := testRecord("aaa111", position.SourceLocal, base.Add(time.Second))

	changed, err := d.Upsert(0, older)
	require.NoError(t, err)
	require.True(t, changed)

	changed, err = d.Upsert(0, newer)
	require.NoError(t, err)
	require.True(t, changed)

	recs, err := d.Latest(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, newer.ObservedAt, recs[0].ObservedAt)
}

func TestDedupStore_UpsertCommutative(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	older := testRecord("aaa111", position.SourceLocal, base)
	newer := testRecord("aaa111", position.SourceLocal, base.Add(time.Second))

	// Out-of-order arrival converges on the same state.
	d := newTestDedup(t)
	_, err := d.Upsert(0, newer)
	require.NoError(t, err)
	changed, err := d.Upsert(0, older)
	require.NoError(t, err)
	require.False(t, changed)

	recs, err := d.Latest(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, newer.ObservedAt, recs[0].ObservedAt)
}

func TestDedupStore_UpsertIdempotent(t *testing.T) {
	t.Parallel()

	d := newTestDedup(t)
	rec := testRecord("aaa111", position.SourceLocal, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))

	changed, err := d.Upsert(0, rec)
	require.NoError(t, err)
	require.True(t, changed)

	// Redelivery of the identical record is a no-op.
	changed, err = d.Upsert(0, rec)
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, 1, d.Len())
}

func TestDedupStore_IngestedAtBreaksTies(t *testing.T) {
	t.Parallel()

	d := newTestDedup(t)
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	first := testRecord("aaa111", position.SourceLocal, base)
	second := first
	second.IngestedAt = first.IngestedAt.Add(time.Millisecond)
	second.Callsign = "ual123"

	_, err := d.Upsert(0, first)
	require.NoError(t, err)
	changed, err := d.Upsert(0, second)
	require.NoError(t, err)
	require.True(t, changed)

	recs, err := d.Latest(0, 0)
	require.NoError(t, err)
	require.Equal(t, "ual123", recs[0].Callsign)
}

func TestDedupStore_ShardsAreIndependent(t *testing.T) {
	t.Parallel()

	d := newTestDedup(t)
	rec := testRecord("aaa111", position.SourceLocal, time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))

	_, err := d.Upsert(0, rec)
	require.NoError(t, err)
	_, err = d.Upsert(1, rec)
	require.NoError(t, err)
	require.Equal(t, 2, d.Len())

	_, err = d.Upsert(5, rec)
	require.Error(t, err)
}

func TestDedupStore_LatestWindow(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	d := newTestDedup(t, func(cfg *DedupConfig) { cfg.Clock = clock })
	now := clock.Now()

	_, err := d.Upsert(0, testRecord("fresh", position.SourceLocal, now.Add(-30*time.Second)))
	require.NoError(t, err)
	_, err = d.Upsert(0, testRecord("stale", position.SourceLocal, now.Add(-10*time.Minute)))
	require.NoError(t, err)

	recs, err := d.Latest(0, time.Minute)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "fresh", recs[0].AircraftID)

	// A zero window returns the whole live table, newest first.
	recs, err = d.Latest(0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "fresh", recs[0].AircraftID)
}

func TestDedupStore_EvictExpired(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	d := newTestDedup(t, func(cfg *DedupConfig) {
		cfg.Clock = clock
		cfg.TTL = time.Minute
	})

	_, err := d.Upsert(0, testRecord("aaa111", position.SourceLocal, clock.Now()))
	require.NoError(t, err)
	require.Equal(t, 1, d.Len())

	// Half the TTL in, the row is still live.
	clock.Advance(30 * time.Second)
	require.Zero(t, d.EvictExpired())
	require.Equal(t, 1, d.Len())

	clock.Advance(2 * time.Minute)

	// A lapsed row is invisible to reads even before eviction runs.
	recs, err := d.Latest(0, 0)
	require.NoError(t, err)
	require.Empty(t, recs)

	require.Equal(t, 1, d.EvictExpired())
	require.Zero(t, d.Len())
	require.Zero(t, d.EvictExpired())
}

func TestDedupStore_WinningUpsertRefreshesTTL(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC))
	d := newTestDedup(t, func(cfg *DedupConfig) {
		cfg.Clock = clock
		cfg.TTL = time.Minute
	})

	_, err := d.Upsert(0, testRecord("aaa111", position.SourceLocal, clock.Now()))
	require.NoError(t, err)

	// A newer report 45 seconds in restarts the row's clock, so the row
	// survives past the original deadline.
	clock.Advance(45 * time.Second)
	changed, err := d.Upsert(0, testRecord("aaa111", position.SourceLocal, clock.Now()))
	require.NoError(t, err)
	require.True(t, changed)

	clock.Advance(45 * time.Second)
	require.Zero(t, d.EvictExpired())
	require.Equal(t, 1, d.Len())
}
