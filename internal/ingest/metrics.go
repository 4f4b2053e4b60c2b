package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ConsumerMetrics holds Prometheus metrics for the Kafka consumer. The
// consumed counter and last-fetch timestamp double as the liveness signal
// the external orchestrator probes.
type ConsumerMetrics struct {
	RecordsConsumed    prometheus.Counter
	FetchErrors        prometheus.Counter
	DecodeErrors       prometheus.Counter
	LastFetchTimestamp prometheus.Gauge
}

// NewConsumerMetrics creates consumer metrics registered with the given registerer.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	factory := promauto.With(reg)
	return &ConsumerMetrics{
		RecordsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_records_consumed_total",
			Help: "Total number of raw position payloads consumed from the stream",
		}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_fetch_errors_total",
			Help: "Total number of stream fetch errors",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_decode_errors_total",
			Help: "Total number of malformed payloads skipped",
		}),
		LastFetchTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "adsb_ingest_last_fetch_timestamp_seconds",
			Help: "Unix time of the last successful stream fetch",
		}),
	}
}

// PipelineMetrics holds Prometheus metrics for the normalization and write
// path.
type PipelineMetrics struct {
	RecordsNormalized  prometheus.Counter
	RecordsDropped     prometheus.Counter
	WriteErrors        prometheus.Counter
	ArchiveErrors      prometheus.Counter
	CommitErrors       prometheus.Counter
	ProcessingDuration prometheus.Histogram
}

// NewPipelineMetrics creates pipeline metrics registered with the given registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)
	return &PipelineMetrics{
		RecordsNormalized: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_records_normalized_total",
			Help: "Total number of payloads normalized into canonical records",
		}),
		RecordsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_records_dropped_total",
			Help: "Total number of payloads dropped by the validation gate",
		}),
		WriteErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_write_errors_total",
			Help: "Total number of records that failed to reach the write quorum after retries",
		}),
		ArchiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_archive_errors_total",
			Help: "Total number of archive sink write failures",
		}),
		CommitErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_ingest_commit_errors_total",
			Help: "Total number of offset commit errors",
		}),
		ProcessingDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "adsb_ingest_processing_duration_seconds",
			Help:    "Time spent normalizing and writing a consumed batch",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
