package archive

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the archive sink.
type Metrics struct {
	RecordsWritten prometheus.Counter
	InsertErrors   prometheus.Counter
	InsertDuration prometheus.Histogram
}

// NewMetrics creates archive metrics registered with the given registerer.
// A nil registerer yields working but unregistered metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RecordsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_archive_records_written_total",
			Help: "Total number of position records archived",
		}),
		InsertErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_archive_insert_errors_total",
			Help: "Total number of failed archive batch inserts",
		}),
		InsertDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adsb_archive_insert_duration_seconds",
			Help:    "Time spent sending an archive batch",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
