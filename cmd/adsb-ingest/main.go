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

	"github.com/capgar/adsb-clickhouse/internal/archive"
	"github.com/capgar/adsb-clickhouse/internal/ingest"
	"github.com/capgar/adsb-clickhouse/internal/normalize"
	"github.com/capgar/adsb-clickhouse/internal/position"
	"github.com/capgar/adsb-clickhouse/internal/query"
	"github.com/capgar/adsb-clickhouse/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultMetricsAddr     = ":2112"
	defaultAPIAddr         = ":8080"
	defaultShutdownTimeout = 10 * time.Second
)

// BuildInfo is a Prometheus gauge for build metadata.
var BuildInfo = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "adsb_ingest_build_info",
		Help: "Build information for adsb-ingest",
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
		metricsErrCh = serve(ctx, log, "metrics", cfg.MetricsAddr, metricsMux())
	}

	// Shared stores
	storeMetrics := store.NewMetrics(prometheus.DefaultRegisterer)
	appendStore, err := store.NewAppendStore(&store.AppendStoreConfig{
		Logger: log,
		Topology: store.Topology{
			NumShards:   cfg.NumShards,
			NumReplicas: cfg.NumReplicas,
			WriteQuorum: cfg.WriteQuorum,
		},
		Metrics: storeMetrics,
	})
	if err != nil {
		return fmt.Errorf("failed to create append store: %w", err)
	}
	dedupStore, err := store.NewDedupStore(&store.DedupConfig{
		Logger:    log,
		Metrics:   storeMetrics,
		NumShards: appendStore.NumShards(),
		TTL:       cfg.DedupTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create dedup store: %w", err)
	}
	retention, err := store.NewRetentionManager(&store.RetentionConfig{
		Logger: log,
		Store:  appendStore,
		Dedup:  dedupStore,
	})
	if err != nil {
		return fmt.Errorf("failed to create retention manager: %w", err)
	}

	// Query router and API server
	router, err := query.NewRouter(&query.RouterConfig{
		Logger:  log,
		Metrics: query.NewMetrics(prometheus.DefaultRegisterer),
		Store:   appendStore,
		Dedup:   dedupStore,
	})
	if err != nil {
		return fmt.Errorf("failed to create query router: %w", err)
	}
	apiErrCh := serve(ctx, log, "api", cfg.APIAddr, query.Handler(router))

	// Archive sink
	var sink ingest.RecordWriter
	switch cfg.Archive {
	case "none":
	case "stdout":
		sink = archive.NewStdoutWriter()
	case "clickhouse":
		writer, err := archive.NewWriter(
			archive.WithAddr(cfg.ClickhouseAddr),
			archive.WithDB(cfg.ClickhouseDB),
			archive.WithUser(cfg.ClickhouseUser),
			archive.WithPassword(cfg.ClickhousePassword),
			archive.WithTLSDisabled(cfg.ClickhouseTLSDisabled),
			archive.WithLogger(log),
			archive.WithMetrics(archive.NewMetrics(prometheus.DefaultRegisterer)),
		)
		if err != nil {
			return fmt.Errorf("failed to create clickhouse writer: %w", err)
		}
		defer writer.Close()
		if err := writer.EnsureSchema(ctx, store.DefaultRetention()); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
		sink = writer
	default:
		return fmt.Errorf("unknown archive type: %s", cfg.Archive)
	}

	// One consumer and pipeline per source, sharing metrics
	consumerMetrics := ingest.NewConsumerMetrics(prometheus.DefaultRegisterer)
	pipelineMetrics := ingest.NewPipelineMetrics(prometheus.DefaultRegisterer)

	errCh := make(chan error, len(cfg.Sources)+1)
	for _, source := range cfg.Sources {
		consumer, err := ingest.NewKafkaConsumer(
			ingest.WithKafkaBrokers(cfg.KafkaBrokers),
			ingest.WithSource(source),
			ingest.WithKafkaGroup(fmt.Sprintf("%s-%s", cfg.KafkaGroupPrefix, source)),
			ingest.WithKafkaUser(cfg.KafkaUser),
			ingest.WithKafkaPassword(cfg.KafkaPassword),
			ingest.WithKafkaTLSDisabled(cfg.KafkaTLSDisabled),
			ingest.WithKafkaLogger(log),
			ingest.WithConsumerMetrics(consumerMetrics),
		)
		if err != nil {
			return fmt.Errorf("failed to create %s consumer: %w", source, err)
		}
		pipeline, err := ingest.NewPipeline(&ingest.PipelineConfig{
			Logger:   log,
			Metrics:  pipelineMetrics,
			Consumer: consumer,
			Store:    appendStore,
			Dedup:    dedupStore,
			Archive:  sink,
			Profile:  normalize.ProfileFor(source),
		})
		if err != nil {
			return fmt.Errorf("failed to create %s pipeline: %w", source, err)
		}
		go func() {
			errCh <- pipeline.Run(ctx)
		}()
	}
	go func() {
		errCh <- retention.Run(ctx)
	}()

	log.Info("starting adsb-ingest",
		"sources", cfg.Sources,
		"shards", cfg.NumShards,
		"replicas", cfg.NumReplicas,
		"archive", cfg.Archive,
	)

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("pipeline error: %w", err)
			}
		case err, ok := <-metricsErrCh:
			if ok && err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			metricsErrCh = nil
		case err, ok := <-apiErrCh:
			if ok && err != nil {
				return fmt.Errorf("api server error: %w", err)
			}
			apiErrCh = nil
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

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func serve(ctx context.Context, log *slog.Logger, name, addr string, handler http.Handler) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)

		listener, err := net.Listen("tcp", addr)
		if err != nil {
			errCh <- err
			return
		}
		defer listener.Close()

		log.Info(name+" server listening", "address", listener.Addr().String())

		httpSrv := &http.Server{Handler: handler}

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
	APIAddr     string

	// Feed sources to consume
	Sources []position.Source

	// Store topology
	NumShards   int
	NumReplicas int
	WriteQuorum int
	DedupTTL    time.Duration

	// Kafka configuration
	KafkaBrokers     []string
	KafkaGroupPrefix string
	KafkaUser        string
	KafkaPassword    string
	KafkaTLSDisabled bool

	// Archive configuration
	Archive               string // "none", "stdout" or "clickhouse"
	ClickhouseAddr        string
	ClickhouseDB          string
	ClickhouseUser        string
	ClickhousePassword    string
	ClickhouseTLSDisabled bool
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig() (Config, error) {
	var cfg Config
	var sources []string

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("METRICS_ADDR", defaultMetricsAddr), "address for prometheus metrics (env: METRICS_ADDR)")
	flag.StringVar(&cfg.APIAddr, "api-addr", getenv("API_ADDR", defaultAPIAddr), "address for the query API (env: API_ADDR)")

	sourcesStr := getenv("SOURCES", "local,regional,global,metric")
	flag.StringSliceVar(&sources, "sources", strings.Split(sourcesStr, ","), "feed sources to consume (env: SOURCES)")

	// Store topology
	flag.IntVar(&cfg.NumShards, "shards", 4, "number of store shards")
	flag.IntVar(&cfg.NumReplicas, "replicas", 2, "replicas per shard")
	flag.IntVar(&cfg.WriteQuorum, "write-quorum", 0, "replica acks required per write, 0 for majority")
	flag.DurationVar(&cfg.DedupTTL, "dedup-ttl", time.Hour, "how long a latest-state row survives without refresh")

	// Kafka configuration
	kafkaBrokersStr := getenv("KAFKA_BROKERS", "localhost:9092")
	flag.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", strings.Split(kafkaBrokersStr, ","), "kafka broker addresses (env: KAFKA_BROKERS)")
	flag.StringVar(&cfg.KafkaGroupPrefix, "kafka-group-prefix", getenv("KAFKA_GROUP_PREFIX", "adsb-ingest"), "consumer group prefix, suffixed per source (env: KAFKA_GROUP_PREFIX)")
	flag.StringVar(&cfg.KafkaUser, "kafka-user", getenv("KAFKA_USER", ""), "kafka SCRAM username (env: KAFKA_USER)")
	flag.StringVar(&cfg.KafkaPassword, "kafka-password", getenv("KAFKA_PASSWORD", ""), "kafka SCRAM password (env: KAFKA_PASSWORD)")
	flag.BoolVar(&cfg.KafkaTLSDisabled, "kafka-tls-disabled", getenv("KAFKA_TLS_DISABLED", "") == "true", "disable TLS for kafka (env: KAFKA_TLS_DISABLED)")

	// Archive configuration
	flag.StringVar(&cfg.Archive, "archive", getenv("ARCHIVE", "none"), "archive sink: none, stdout or clickhouse (env: ARCHIVE)")
	flag.StringVar(&cfg.ClickhouseAddr, "clickhouse-addr", getenv("CLICKHOUSE_ADDR", "localhost:9440"), "clickhouse address (env: CLICKHOUSE_ADDR)")
	flag.StringVar(&cfg.ClickhouseDB, "clickhouse-db", getenv("CLICKHOUSE_DB", "default"), "clickhouse database (env: CLICKHOUSE_DB)")
	flag.StringVar(&cfg.ClickhouseUser, "clickhouse-user", getenv("CLICKHOUSE_USER", "default"), "clickhouse username (env: CLICKHOUSE_USER)")
	flag.StringVar(&cfg.ClickhousePassword, "clickhouse-password", getenv("CLICKHOUSE_PASS", ""), "clickhouse password (env: CLICKHOUSE_PASS)")
	flag.BoolVar(&cfg.ClickhouseTLSDisabled, "clickhouse-tls-disabled", getenv("CLICKHOUSE_TLS_DISABLED", "") == "true", "disable TLS for clickhouse (env: CLICKHOUSE_TLS_DISABLED)")

	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	for _, s := range sources {
		source := position.Source(strings.TrimSpace(s))
		if !source.Valid() {
			return Config{}, fmt.Errorf("unknown source: %s", s)
		}
		cfg.Sources = append(cfg.Sources, source)
	}
	if len(cfg.Sources) == 0 {
		return Config{}, errors.New("at least one source is required")
	}

	switch cfg.Archive {
	case "none", "stdout", "clickhouse":
		// valid
	default:
		return Config{}, fmt.Errorf("invalid archive type: %s (must be none, stdout or clickhouse)", cfg.Archive)
	}

	return cfg, nil
}
