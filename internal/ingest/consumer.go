// Package ingest consumes raw position payloads from the per-source stream
// and drives them through normalization into the stores.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"

	"github.com/capgar/adsb-clickhouse/internal/feed"
	"github.com/capgar/adsb-clickhouse/internal/position"
)

// ErrClientClosed is returned when the Kafka client has been closed.
var ErrClientClosed = errors.New("kafka client closed")

// Consumer defines the interface for consuming raw position payloads.
type Consumer interface {
	Consume(ctx context.Context) ([]feed.RawPosition, error)
	Commit(ctx context.Context) error
	Close() error
}

// kafkaClient is an interface for the subset of kgo.Client methods we use.
// This allows for mocking in tests.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitUncommittedOffsets(ctx context.Context) error
	Close()
}

// KafkaConsumer consumes raw position payloads for one source. Consumers in
// different shard-replica groups use distinct group IDs and read the same
// topic independently: duplicate delivery across replicas is intentional and
// resolved downstream by the dedup materializer, not coordinated away here.
type KafkaConsumer struct {
	brokers    []string
	user       string
	pass       string
	source     position.Source
	group      string
	disableTLS bool
	client     kafkaClient
	logger     *slog.Logger
	metrics    *ConsumerMetrics
}

// KafkaConsumerOption configures a KafkaConsumer.
type KafkaConsumerOption func(*KafkaConsumer)

// WithKafkaBrokers sets the Kafka broker addresses.
func WithKafkaBrokers(brokers []string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.brokers = brokers
	}
}

// WithKafkaUser sets the SCRAM username.
func WithKafkaUser(user string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.user = user
	}
}

// WithKafkaPassword sets the SCRAM password.
func WithKafkaPassword(pass string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.pass = pass
	}
}

// WithSource sets the feed source; the consumer reads that source's topic.
func WithSource(source position.Source) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.source = source
	}
}

// WithKafkaGroup sets the consumer group ID. Encode the shard-replica group
// here so replicas keep independent offsets.
func WithKafkaGroup(group string) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.group = group
	}
}

// WithKafkaTLSDisabled disables TLS for the Kafka connection.
func WithKafkaTLSDisabled(disabled bool) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.disableTLS = disabled
	}
}

// WithKafkaLogger sets the logger for the consumer.
func WithKafkaLogger(logger *slog.Logger) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.logger = logger
	}
}

// WithConsumerMetrics sets the metrics for the consumer.
func WithConsumerMetrics(metrics *ConsumerMetrics) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.metrics = metrics
	}
}

// withKafkaClient is used for testing to inject a mock client.
func withKafkaClient(client kafkaClient) KafkaConsumerOption {
	return func(kc *KafkaConsumer) {
		kc.client = client
	}
}

// NewKafkaConsumer creates a new KafkaConsumer with the given options.
// Brokers, source, and consumer group must be configured via their
// respective options.
func NewKafkaConsumer(opts ...KafkaConsumerOption) (*KafkaConsumer, error) {
	kc := &KafkaConsumer{
		metrics: NewConsumerMetrics(nil), // Always set, unregistered by default
	}
	for _, opt := range opts {
		opt(kc)
	}

	if kc.logger == nil {
		kc.logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if !kc.source.Valid() {
		return nil, fmt.Errorf("a valid source is required: use WithSource")
	}

	// If a client was injected (for testing), skip creating a real one
	if kc.client != nil {
		return kc, nil
	}

	if len(kc.brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required: use WithKafkaBrokers")
	}
	if kc.group == "" {
		return nil, fmt.Errorf("kafka consumer group is required: use WithKafkaGroup")
	}

	kOpts := []kgo.Opt{
		kgo.SeedBrokers(kc.brokers...),
		kgo.ConsumeTopics(kc.source.Topic()),
		kgo.ConsumerGroup(kc.group),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
	}

	if kc.user != "" {
		kOpts = append(kOpts, kgo.SASL(scram.Auth{
			User: kc.user,
			Pass: kc.pass,
		}.AsSha256Mechanism()))
	}

	if !kc.disableTLS {
		kOpts = append(kOpts, kgo.DialTLS())
	}

	client, err := kgo.NewClient(kOpts...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}
	kc.client = client

	return kc, nil
}

// Consume polls for raw position payloads. A payload that fails to decode is
// counted and skipped; garbage input has no retry semantics and must never
// stall the consumer loop.
func (kc *KafkaConsumer) Consume(ctx context.Context) ([]feed.RawPosition, error) {
	fetches := kc.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClientClosed
	}
	if fetches.Empty() {
		return nil, nil
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		kc.logger.Error("error during fetching", "topic", topic, "partition", partition, "error", err)
		kc.metrics.FetchErrors.Inc()
	})

	var payloads []feed.RawPosition
	fetches.EachRecord(func(rec *kgo.Record) {
		var raw feed.RawPosition
		if err := json.Unmarshal(rec.Value, &raw); err != nil {
			kc.logger.Error("error decoding raw position", "error", err)
			kc.metrics.DecodeErrors.Inc()
			return
		}
		payloads = append(payloads, raw)
	})

	kc.metrics.RecordsConsumed.Add(float64(len(payloads)))
	kc.metrics.LastFetchTimestamp.SetToCurrentTime()

	return payloads, nil
}

// Commit commits the consumed offsets.
func (kc *KafkaConsumer) Commit(ctx context.Context) error {
	return kc.client.CommitUncommittedOffsets(ctx)
}

// Close closes the Kafka client.
func (kc *KafkaConsumer) Close() error {
	kc.client.Close()
	return nil
}
