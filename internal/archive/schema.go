package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// positionColumns is the shared column definition for every per-source
// positions table. Column names match the record's ch tags.
const positionColumns = `
	aircraft_id      LowCardinality(String),
	callsign         LowCardinality(String),
	registration     LowCardinality(String),
	aircraft_type    LowCardinality(String),
	description      String,
	owner_operator   String,
	year             LowCardinality(String),
	latitude         Float64,
	longitude        Float64,
	altitude_baro    Int32,
	altitude_geom    Int32,
	ground_speed     Float64,
	track            Float64,
	vertical_rate    Float64,
	squawk           LowCardinality(String),
	emergency        LowCardinality(String),
	category         LowCardinality(String),
	nav_qnh          Float64,
	nav_altitude_mcp Float64,
	nav_modes        Array(String),
	nic              Float64,
	rc               Float64,
	version          Float64,
	nic_baro         Float64,
	nac_p            Float64,
	nac_v            Float64,
	sil              Float64,
	sil_type         LowCardinality(String),
	gva              Float64,
	sda              Float64,
	alert            Float64,
	spi              Float64,
	rssi             Float64,
	messages         Float64,
	distance         Float64,
	direction        Float64,
	seen             Float64,
	seen_pos         Float64,
	source           LowCardinality(String),
	observed_at      DateTime64(3),
	ingested_at      DateTime64(3)`

// EnsureSchema creates the per-source tables if they do not exist. Each
// source gets its own MergeTree partitioned by observation day, with a TTL
// matching its retention tier, plus a shared ReplacingMergeTree that keeps
// only the latest row per aircraft.
func (w *Writer) EnsureSchema(ctx context.Context, retention map[position.Source]time.Duration) error {
	for _, source := range position.Sources {
		ttl, ok := retention[source]
		if !ok {
			return fmt.Errorf("no retention configured for source %s", source)
		}

		query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.positions_%s (%s
		)
		ENGINE = MergeTree()
		PARTITION BY toDate(observed_at)
		ORDER BY (aircraft_id, observed_at)
		TTL toDateTime(observed_at) + INTERVAL %d SECOND
		SETTINGS index_granularity = 8192`,
			w.db, source, positionColumns, int(ttl.Seconds()))

		if err := w.conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("error creating positions_%s: %w", source, err)
		}
	}

	latest := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.positions_latest (%s
	)
	ENGINE = ReplacingMergeTree(ingested_at)
	ORDER BY (source, aircraft_id)`, w.db, positionColumns)

	if err := w.conn.Exec(ctx, latest); err != nil {
		return fmt.Errorf("error creating positions_latest: %w", err)
	}

	w.logger.Info("ensured archive schema", "db", w.db, "sources", len(position.Sources))
	return nil
}
