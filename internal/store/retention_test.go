package store

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

func TestRetentionManager_RunOnce(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(now)

	s, err := NewAppendStore(&AppendStoreConfig{
		Topology:  Topology{NumShards: 1, NumReplicas: 1},
		PickShard: fixedShard,
	})
	require.NoError(t, err)
	d, err := NewDedupStore(&DedupConfig{NumShards: 1, Clock: clock})
	require.NoError(t, err)

	m, err := NewRetentionManager(&RetentionConfig{
		Clock: clock,
		Store: s,
		Dedup: d,
	})
	require.NoError(t, err)

	_, err = s.Append(testRecord("aaa111", position.SourceMetric, now.Add(-48*time.Hour)))
	require.NoError(t, err)

	m.RunOnce()

	recs, err := s.Scan(context.Background(), 0, Filter{})
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestRetentionManager_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	s, err := NewAppendStore(&AppendStoreConfig{Topology: Topology{NumShards: 1, NumReplicas: 1}})
	require.NoError(t, err)
	d, err := NewDedupStore(&DedupConfig{NumShards: 1})
	require.NoError(t, err)

	m, err := NewRetentionManager(&RetentionConfig{
		Store:    s,
		Dedup:    d,
		Interval: time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("retention manager did not stop")
	}
}
