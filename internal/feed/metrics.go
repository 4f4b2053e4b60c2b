package feed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ScrapeMetrics holds Prometheus metrics for the poll-and-publish loop.
type ScrapeMetrics struct {
	BatchesFetched      prometheus.Counter
	FetchErrors         prometheus.Counter
	RateLimitHits       prometheus.Counter
	RecordsPublished    prometheus.Counter
	PublishErrors       prometheus.Counter
	LastScrapeTimestamp prometheus.Gauge
}

// NewScrapeMetrics creates scrape metrics registered with the given registerer.
func NewScrapeMetrics(reg prometheus.Registerer) *ScrapeMetrics {
	factory := promauto.With(reg)
	return &ScrapeMetrics{
		BatchesFetched: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_scrape_batches_fetched_total",
			Help: "Total number of source payloads fetched and parsed",
		}),
		FetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_scrape_fetch_errors_total",
			Help: "Total number of source fetch failures",
		}),
		RateLimitHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_scrape_rate_limit_hits_total",
			Help: "Total number of 429 or 403 responses from sources",
		}),
		RecordsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_scrape_records_published_total",
			Help: "Total number of raw positions produced to the stream",
		}),
		PublishErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "adsb_scrape_publish_errors_total",
			Help: "Total number of failed batch produces",
		}),
		LastScrapeTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "adsb_scrape_last_scrape_timestamp_seconds",
			Help: "Unix time of the last successful poll and publish cycle",
		}),
	}
}
