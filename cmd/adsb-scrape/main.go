package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/capgar/adsb-clickhouse/internal/feed"
	"github.com/capgar/adsb-clickhouse/internal/position"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr     = ":2113"
	defaultShutdownTimeout = 10 * time.Second
)

// BuildInfo is a Prometheus gauge for build metadata.
var BuildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "adsb_scrape_build_info",
		Help: "Build information for adsb-scrape",
	},
	[]string{"version", "commit", "date"},
)

func init() {
	prometheus.MustRegister(BuildInfo)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Start metrics server
	var metricsErrCh <-chan error
	if cfg.MetricsAddr != "" {
		BuildInfo.WithLabelValues(version, commit, date).Set(1)
		metricsErrCh = startMetricsServer(ctx, log, cfg.MetricsAddr)
	}

	metrics := feed.NewScrapeMetrics(prometheus.DefaultRegisterer)

	publisher, err := feed.NewPublisher(
		feed.WithPublisherBrokers(cfg.KafkaBrokers),
		feed.WithPublisherUser(cfg.KafkaUser),
		feed.WithPublisherPassword(cfg.KafkaPassword),
		feed.WithPublisherTLSDisabled(cfg.KafkaTLSDisabled),
		feed.WithPublisherLogger(log),
		feed.WithPublisherMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer publisher.Close()

	errCh := make(chan error, len(cfg.SourceURLs))
	started := 0
	for _, source := range position.Sources {
		urls := cfg.SourceURLs[source]
		if len(urls) == 0 {
			continue
		}
		fetcher, err := feed.NewFetcher(&feed.FetcherConfig{
			Logger: log,
			Source: source,
			URLs:   urls,
		})
		if err != nil {
			return fmt.Errorf("failed to create %s fetcher: %w", source, err)
		}
		runner, err := feed.NewRunner(&feed.RunnerConfig{
			Logger:    log,
			Metrics:   metrics,
			Source:    source,
			Fetcher:   fetcher,
			Publisher: publisher,
			Interval:  cfg.Intervals[source],
		})
		if err != nil {
			return fmt.Errorf("failed to create %s runner: %w", source, err)
		}
		go func() {
			errCh <- runner.Run(ctx)
		}()
		started++
	}
	if started == 0 {
		return errors.New("no source URLs configured")
	}

	log.Info("starting adsb-scrape", "sources", started)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("scrape loop error: %w", err)
			}
			started--
			if started == 0 {
				log.Info("all scrape loops stopped")
				return nil
			}
		case err, ok := <-metricsErrCh:
			if ok && err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			metricsErrCh = nil
		case <-ctx.Done():
			return nil
		}
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}

func startMetricsServer(ctx context.Context, log *slog.Logger, addr string) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info("prometheus metrics server listening", "address", listener.Addr().String())

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		httpSrv := &http.Server{Handler: mux}

		go func() {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
			defer cancel()
			_ = httpSrv.Shutdown(sctx)
		}()

		err = httpSrv.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return
		}
		if err != nil {
			errCh <- err
		}
	}()

	return errCh
}

// Config holds the application configuration.
type Config struct {
	ShowVersion bool
	Verbose     bool
	MetricsAddr string

	// Poll endpoints per source; a source with no URLs is not scraped.
	SourceURLs map[position.Source][]string
	Intervals  map[position.Source]time.Duration

	// Kafka configuration
	KafkaBrokers     []string
	KafkaUser        string
	KafkaPassword    string
	KafkaTLSDisabled bool
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig() (Config, error) {
	cfg := Config{
		SourceURLs: make(map[position.Source][]string),
		Intervals:  make(map[position.Source]time.Duration),
	}

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address for prometheus metrics (env: METRICS_ADDR)")

	urlFlags := make(map[position.Source]*[]string)
	intervalFlags := make(map[position.Source]*time.Duration)
	for _, source := range position.Sources {
		name := string(source)
		envKey := strings.ToUpper(name)
		var urls []string
		if v := getenv(envKey+"_URLS", ""); v != "" {
			urls = strings.Split(v, ",")
		}
		urlFlags[source] = flag.StringSlice(name+"-urls", urls,
			fmt.Sprintf("%s feed endpoints, polled round-robin (env: %s_URLS)", name, envKey))
		intervalFlags[source] = flag.Duration(name+"-interval", feed.DefaultInterval(source),
			fmt.Sprintf("%s feed poll interval", name))
	}

	kafkaBrokersStr := getenv("KAFKA_BROKERS", "localhost:9092")
	flag.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", strings.Split(kafkaBrokersStr, ","), "kafka broker addresses (env: KAFKA_BROKERS)")
	flag.StringVar(&cfg.KafkaUser, "kafka-user", getenv("KAFKA_USER", ""), "kafka SCRAM username (env: KAFKA_USER)")
	flag.StringVar(&cfg.KafkaPassword, "kafka-password", getenv("KAFKA_PASSWORD", ""), "kafka SCRAM password (env: KAFKA_PASSWORD)")
	flag.BoolVar(&cfg.KafkaTLSDisabled, "kafka-tls-disabled", getenv("KAFKA_TLS_DISABLED", "") == "true", "disable TLS for kafka (env: KAFKA_TLS_DISABLED)")

	flag.Parse()

	for _, source := range position.Sources {
		cfg.SourceURLs[source] = *urlFlags[source]
		cfg.Intervals[source] = *intervalFlags[source]
	}

	return cfg, nil
}
