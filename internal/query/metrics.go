package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the query router.
type Metrics struct {
	HistoricalQueries prometheus.Counter
	LatestQueries     prometheus.Counter
	ShardFailures     prometheus.Counter
	PartialResults    prometheus.Counter
}

// NewMetrics creates router metrics registered with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HistoricalQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_query_historical_total",
			Help: "Total number of historical scan queries served",
		}),
		LatestQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_query_latest_total",
			Help: "Total number of latest-state queries served",
		}),
		ShardFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_query_shard_failures_total",
			Help: "Total number of per-shard read failures during query fan-out",
		}),
		PartialResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_query_partial_results_total",
			Help: "Total number of queries answered with partial results",
		}),
	}
}
