package feed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// mockKafkaProducer implements kafkaProducer for testing.
type mockKafkaProducer struct {
	records []*kgo.Record
	err     error
	closed  bool
}

func (m *mockKafkaProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.records = append(m.records, rs...)
	if m.err != nil {
		return kgo.ProduceResults{{Err: m.err}}
	}
	return kgo.ProduceResults{}
}

func (m *mockKafkaProducer) Close() {
	m.closed = true
}

func TestPublisher_PublishBatch(t *testing.T) {
	t.Parallel()

	mock := &mockKafkaProducer{}
	p, err := NewPublisher(withKafkaProducer(mock))
	require.NoError(t, err)

	scrapeTime := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	positions := []RawPosition{
		{Hex: "aaa111", Lat: f64t(40.7), Lon: f64t(-74.0)},
		{Hex: "bbb222", Lat: f64t(41.0), Lon: f64t(-73.0)},
	}

	require.NoError(t, p.PublishBatch(context.Background(), position.SourceLocal, positions, scrapeTime))
	require.Len(t, mock.records, 2)
	require.Equal(t, "flights-local", mock.records[0].Topic)

	var raw RawPosition
	require.NoError(t, json.Unmarshal(mock.records[0].Value, &raw))
	require.Equal(t, "aaa111", raw.Hex)
	require.Equal(t, "2026-08-30 12:00:00", raw.ScrapeTime)
}

func TestPublisher_EmptyBatch(t *testing.T) {
	t.Parallel()

	mock := &mockKafkaProducer{}
	p, err := NewPublisher(withKafkaProducer(mock))
	require.NoError(t, err)

	require.NoError(t, p.PublishBatch(context.Background(), position.SourceLocal, nil, time.Now()))
	require.Empty(t, mock.records)
}

func TestPublisher_ProduceError(t *testing.T) {
	t.Parallel()

	mock := &mockKafkaProducer{err: errors.New("broker down")}
	p, err := NewPublisher(withKafkaProducer(mock))
	require.NoError(t, err)

	err = p.PublishBatch(context.Background(), position.SourceGlobal, []RawPosition{{Hex: "aaa"}}, time.Now())
	require.Error(t, err)
}

func TestPublisher_Closed(t *testing.T) {
	t.Parallel()

	mock := &mockKafkaProducer{}
	p, err := NewPublisher(withKafkaProducer(mock))
	require.NoError(t, err)

	p.Close()
	require.True(t, mock.closed)

	err = p.PublishBatch(context.Background(), position.SourceLocal, []RawPosition{{Hex: "aaa"}}, time.Now())
	require.ErrorIs(t, err, ErrPublisherClosed)
}

func TestNewPublisher_RequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher()
	require.Error(t, err)
}

func f64t(v float64) *float64 { return &v }
