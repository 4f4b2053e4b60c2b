package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

func testRecord(id string, source position.Source, observed time.Time) position.Record {
	return position.Record{
		AircraftID: id,
		Source:     source,
		ObservedAt: observed,
		IngestedAt: observed.Add(time.Second),
	}
}

// fixedShard pins every write to shard 0 so tests are deterministic.
func fixedShard(int) int { return 0 }

func newTestStore(t *testing.T, topo Topology) *AppendStore {
	t.Helper()
	s, err := NewAppendStore(&AppendStoreConfig{
		Topology:  topo,
		PickShard: fixedShard,
	})
	require.NoError(t, err)
	return s
}

func TestAppendStore_AppendAndScan(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Topology{NumShards: 2, NumReplicas: 2})
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	shard, err := s.Append(testRecord("aaa111", position.SourceLocal, now))
	require.NoError(t, err)
	require.Equal(t, ShardID(0), shard)

	recs, err := s.Scan(context.Background(), shard, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "aaa111", recs[0].AircraftID)

	// The other shard holds nothing.
	recs, err = s.Scan(context.Background(), ShardID(1), Filter{})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestAppendStore_ScanFilter(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Topology{NumShards: 1, NumReplicas: 1})
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	_, err := s.Append(testRecord("aaa111", position.SourceLocal, base))
	require.NoError(t, err)
	_, err = s.Append(testRecord("bbb222", position.SourceLocal, base.Add(time.Minute)))
	require.NoError(t, err)
	_, err = s.Append(testRecord("aaa111", position.SourceGlobal, base.Add(2*time.Minute)))
	require.NoError(t, err)

	recs, err := s.Scan(context.Background(), 0, Filter{AircraftID: "aaa111"})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = s.Scan(context.Background(), 0, Filter{Source: position.SourceGlobal})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// Half-open [From, To): the To bound itself is excluded.
	recs, err = s.Scan(context.Background(), 0, Filter{From: base, To: base.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "aaa111", recs[0].AircraftID)
}

func TestAppendStore_QuorumNotReached(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Topology{NumShards: 1, NumReplicas: 3, WriteQuorum: 2})
	now := time.Now().UTC()

	require.NoError(t, s.SetReplicaAvailable(0, 0, false))
	require.NoError(t, s.SetReplicaAvailable(0, 1, false))

	_, err := s.Append(testRecord("aaa111", position.SourceLocal, now))
	require.ErrorIs(t, err, ErrQuorumNotReached)

	// One replica back restores the quorum.
	require.NoError(t, s.SetReplicaAvailable(0, 1, true))
	_, err = s.Append(testRecord("aaa111", position.SourceLocal, now))
	require.NoError(t, err)
}

func TestAppendStore_QuorumFailureLeavesNoOrphans(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Topology{NumShards: 1, NumReplicas: 3, WriteQuorum: 2})
	now := time.Now().UTC()

	// Only the last replica is up, so the write acks 1 of 2 and fails.
	require.NoError(t, s.SetReplicaAvailable(0, 0, false))
	require.NoError(t, s.SetReplicaAvailable(0, 1, false))
	_, err := s.Append(testRecord("aaa111", position.SourceLocal, now))
	require.ErrorIs(t, err, ErrQuorumNotReached)

	// The acking replica must not keep the record: once the others are
	// back, every replica of the shard serves the same empty history.
	require.NoError(t, s.SetReplicaAvailable(0, 0, true))
	require.NoError(t, s.SetReplicaAvailable(0, 1, true))
	for i := range 3 {
		require.NoError(t, s.SetReplicaAvailable(0, (i+1)%3, false))
		require.NoError(t, s.SetReplicaAvailable(0, (i+2)%3, false))
		recs, err := s.Scan(context.Background(), 0, Filter{})
		require.NoError(t, err)
		require.Empty(t, recs)
		require.NoError(t, s.SetReplicaAvailable(0, (i+1)%3, true))
		require.NoError(t, s.SetReplicaAvailable(0, (i+2)%3, true))
	}
}

func TestAppendStore_ScanFailsOverToAvailableReplica(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Topology{NumShards: 1, NumReplicas: 2})
	now := time.Now().UTC()

	_, err := s.Append(testRecord("aaa111", position.SourceLocal, now))
	require.NoError(t, err)

	require.NoError(t, s.SetReplicaAvailable(0, 0, false))
	recs, err := s.Scan(context.Background(), 0, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)

	require.NoError(t, s.SetReplicaAvailable(0, 1, false))
	_, err = s.Scan(context.Background(), 0, Filter{})
	require.ErrorIs(t, err, ErrShardUnavailable)
}

func TestAppendStore_DropExpired(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Topology{NumShards: 1, NumReplicas: 1})
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// Metric history lives an hour; a two-day-old partition is long gone.
	_, err := s.Append(testRecord("aaa111", position.SourceMetric, now.Add(-48*time.Hour)))
	require.NoError(t, err)
	// A year of local retention keeps the same-age partition alive.
	_, err = s.Append(testRecord("bbb222", position.SourceLocal, now.Add(-48*time.Hour)))
	require.NoError(t, err)

	dropped := s.DropExpired(now)
	require.Equal(t, 1, dropped)

	recs, err := s.Scan(context.Background(), 0, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "bbb222", recs[0].AircraftID)
}

func TestAppendStore_DropExpiredKeepsPartialDays(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, Topology{NumShards: 1, NumReplicas: 1})
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// 90 minutes old exceeds the metric TTL, but its day partition has
	// not fully aged out, so the coarse drop keeps it.
	_, err := s.Append(testRecord("aaa111", position.SourceMetric, now.Add(-90*time.Minute)))
	require.NoError(t, err)

	require.Zero(t, s.DropExpired(now))
}

func TestAppendStore_Compact(t *testing.T) {
	t.Parallel()

	s, err := NewAppendStore(&AppendStoreConfig{
		Topology:           Topology{NumShards: 1, NumReplicas: 1},
		PickShard:          fixedShard,
		SegmentMaxRecords:  2,
		CompactMinSegments: 3,
	})
	require.NoError(t, err)

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	for range 6 {
		_, err := s.Append(testRecord("aaa111", position.SourceLocal, now))
		require.NoError(t, err)
	}

	// Six records over segments of two gives three segments to merge.
	require.Equal(t, 2, s.Compact())

	recs, err := s.Scan(context.Background(), 0, Filter{})
	require.NoError(t, err)
	require.Len(t, recs, 6)

	// Already down to one segment, nothing left to merge.
	require.Zero(t, s.Compact())
}

func TestTopology_Validate(t *testing.T) {
	t.Parallel()

	topo := Topology{}
	require.NoError(t, topo.Validate())
	require.Equal(t, 4, topo.NumShards)
	require.Equal(t, 2, topo.NumReplicas)
	require.Equal(t, 2, topo.WriteQuorum)

	bad := Topology{NumShards: 1, NumReplicas: 2, WriteQuorum: 3}
	require.Error(t, bad.Validate())
}
