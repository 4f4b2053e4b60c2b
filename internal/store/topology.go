// Package store holds the sharded, replicated append store for position
// history and the per-shard deduplicated latest-state tables, plus the
// background retention and compaction manager that prunes both.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// ShardID identifies a horizontal partition of the dataset.
type ShardID int

// Topology is the explicit shard and replica layout handed to every storage
// component at startup. It replaces any ambient cluster identity: a component
// knows the layout only because it was told.
type Topology struct {
	// NumShards is the number of horizontal partitions.
	NumShards int
	// NumReplicas is the number of copies of each shard.
	NumReplicas int
	// WriteQuorum is how many replica acknowledgements a write needs
	// before the shard considers it durable. Defaults to a majority.
	WriteQuorum int
}

// Validate defaults optional fields and rejects impossible layouts.
func (t *Topology) Validate() error {
	if t.NumShards == 0 {
		t.NumShards = 4
	}
	if t.NumShards < 0 {
		return errors.New("number of shards must be positive")
	}
	if t.NumReplicas == 0 {
		t.NumReplicas = 2
	}
	if t.NumReplicas < 0 {
		return errors.New("number of replicas must be positive")
	}
	if t.WriteQuorum == 0 {
		t.WriteQuorum = t.NumReplicas/2 + 1
	}
	if t.WriteQuorum < 1 || t.WriteQuorum > t.NumReplicas {
		return fmt.Errorf("write quorum %d out of range for %d replicas", t.WriteQuorum, t.NumReplicas)
	}
	return nil
}

// DefaultRetention is the per-source retention tier for the append store,
// from a year of local receiver history down to an hour for the third-party
// metric feed.
func DefaultRetention() map[position.Source]time.Duration {
	return map[position.Source]time.Duration{
		position.SourceLocal:    365 * 24 * time.Hour,
		position.SourceRegional: 30 * 24 * time.Hour,
		position.SourceGlobal:   72 * time.Hour,
		position.SourceMetric:   time.Hour,
	}
}
