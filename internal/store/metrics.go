package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the append store, the dedup tables,
// and the retention manager.
type Metrics struct {
	RecordsAppended   prometheus.Counter
	QuorumFailures    prometheus.Counter
	UpsertsApplied    prometheus.Counter
	UpsertsIgnored    prometheus.Counter
	PartitionsDropped prometheus.Counter
	SegmentsMerged    prometheus.Counter
	DedupEvicted      prometheus.Counter
}

// NewMetrics creates store metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_store_records_appended_total",
			Help: "Total number of records durably appended to the sharded store",
		}),
		QuorumFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_store_quorum_failures_total",
			Help: "Total number of appends that failed to reach the write quorum",
		}),
		UpsertsApplied: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_store_dedup_upserts_applied_total",
			Help: "Total number of latest-state upserts that changed a row",
		}),
		UpsertsIgnored: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_store_dedup_upserts_ignored_total",
			Help: "Total number of latest-state upserts superseded by an existing newer row",
		}),
		PartitionsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_store_partitions_dropped_total",
			Help: "Total number of expired day partitions dropped from the append store",
		}),
		SegmentsMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_store_segments_merged_total",
			Help: "Total number of small segments merged away by compaction",
		}),
		DedupEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_store_dedup_rows_evicted_total",
			Help: "Total number of stale latest-state rows evicted by TTL",
		}),
	}
}
