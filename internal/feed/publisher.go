package feed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/position"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// ErrPublisherClosed is returned when publishing after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// kafkaProducer is the subset of the kgo client the publisher uses, split
// out so tests can inject a mock.
type kafkaProducer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher sends raw position batches to each source's topic.
type Publisher struct {
	logger  *slog.Logger
	metrics *ScrapeMetrics

	brokers     []string
	user        string
	password    string
	tlsDisabled bool

	client kafkaProducer

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

type PublisherOption func(*Publisher)

func WithPublisherBrokers(brokers []string) PublisherOption {
	return func(p *Publisher) { p.brokers = brokers }
}

func WithPublisherUser(user string) PublisherOption {
	return func(p *Publisher) { p.user = user }
}

func WithPublisherPassword(password string) PublisherOption {
	return func(p *Publisher) { p.password = password }
}

func WithPublisherTLSDisabled(disabled bool) PublisherOption {
	return func(p *Publisher) { p.tlsDisabled = disabled }
}

func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) { p.logger = logger }
}

func WithPublisherMetrics(metrics *ScrapeMetrics) PublisherOption {
	return func(p *Publisher) { p.metrics = metrics }
}

// withKafkaProducer injects a mock client for tests.
func withKafkaProducer(client kafkaProducer) PublisherOption {
	return func(p *Publisher) { p.client = client }
}

// NewPublisher creates a publisher connected to the configured brokers. The
// scrape loop favors freshness over delivery guarantees, so producing waits
// for the leader only.
func NewPublisher(opts ...PublisherOption) (*Publisher, error) {
	p := &Publisher{
		logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.client == nil {
		if len(p.brokers) == 0 {
			return nil, errors.New("at least one broker is required")
		}

		kgoOpts := []kgo.Opt{
			kgo.SeedBrokers(p.brokers...),
			kgo.RequiredAcks(kgo.LeaderAck()),
			kgo.DisableIdempotentWrite(),
			kgo.ProducerLinger(50 * time.Millisecond),
		}
		if p.user != "" && p.password != "" {
			kgoOpts = append(kgoOpts, kgo.SASL(scram.Auth{
				User: p.user,
				Pass: p.password,
			}.AsSha512Mechanism()))
		}
		if !p.tlsDisabled {
			tlsDialer := &tls.Dialer{NetDialer: &net.Dialer{Timeout: 10 * time.Second}}
			kgoOpts = append(kgoOpts, kgo.Dialer(tlsDialer.DialContext))
		}

		client, err := kgo.NewClient(kgoOpts...)
		if err != nil {
			return nil, fmt.Errorf("error creating kafka client: %w", err)
		}
		p.client = client
	}

	p.logger.Info("initialized publisher", "brokers", p.brokers)
	return p, nil
}

// PublishBatch stamps every position with the batch scrape time and produces
// the batch to the source's topic. The batch fails if any record fails.
func (p *Publisher) PublishBatch(ctx context.Context, source position.Source, positions []RawPosition, scrapeTime time.Time) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	p.mu.Unlock()

	if len(positions) == 0 {
		return nil
	}

	stamp := scrapeTime.UTC().Format(ScrapeTimeLayout)
	records := make([]*kgo.Record, 0, len(positions))
	for i := range positions {
		positions[i].ScrapeTime = stamp
		value, err := json.Marshal(positions[i])
		if err != nil {
			return fmt.Errorf("error encoding position: %w", err)
		}
		records = append(records, &kgo.Record{
			Topic: source.Topic(),
			Value: value,
		})
	}

	if err := p.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		if p.metrics != nil {
			p.metrics.PublishErrors.Inc()
		}
		return fmt.Errorf("error producing to %s: %w", source.Topic(), err)
	}

	if p.metrics != nil {
		p.metrics.RecordsPublished.Add(float64(len(records)))
	}
	return nil
}

// Close flushes and releases the underlying client.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.client.Close()
	})
}
