// Package position defines the canonical aircraft position record shared by
// every stage of the ingestion pipeline.
package position

import "time"

// Sentinel values for numeric fields the source reported as null.
// Altitude 0 is reserved for aircraft reporting on-ground.
const (
	AltitudeUnknown int32   = -9999
	ValueUnknown    float64 = -9999
)

// Source identifies the feed a position report originated from. It selects
// the normalization profile, the Kafka topic, and the retention tier.
type Source string

const (
	SourceLocal    Source = "local"    // local receiver, highest cadence
	SourceRegional Source = "regional" // regional aggregator API
	SourceGlobal   Source = "global"   // global aggregator API
	SourceMetric   Source = "metric"   // third-party network feed, metric units
)

// Sources lists all known sources in tier order.
var Sources = []Source{SourceLocal, SourceRegional, SourceGlobal, SourceMetric}

func (s Source) String() string { return string(s) }

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceLocal, SourceRegional, SourceGlobal, SourceMetric:
		return true
	}
	return false
}

// Topic returns the Kafka topic raw payloads for this source are published to.
func (s Source) Topic() string {
	return "flights-" + string(s)
}

// Record is the canonical, validated, unit-normalized position report.
// Numeric fields the source omitted carry the sentinel values above; string
// fields default to empty. A Record is immutable once written to the append
// store; the dedup table replaces it wholesale on upsert.
type Record struct {
	// Identity.
	AircraftID    string `json:"aircraft_id" ch:"aircraft_id"`
	Callsign      string `json:"callsign" ch:"callsign"`
	Registration  string `json:"registration" ch:"registration"`
	AircraftType  string `json:"aircraft_type" ch:"aircraft_type"`
	Description   string `json:"description" ch:"description"`
	OwnerOperator string `json:"owner_operator" ch:"owner_operator"`
	Year          string `json:"year" ch:"year"`

	// Position. Latitude/longitude are always in range after normalization.
	Latitude     float64 `json:"latitude" ch:"latitude"`
	Longitude    float64 `json:"longitude" ch:"longitude"`
	AltitudeBaro int32   `json:"altitude_baro" ch:"altitude_baro"`
	AltitudeGeom int32   `json:"altitude_geom" ch:"altitude_geom"`

	// Kinematics, knots / degrees / feet per minute.
	GroundSpeed  float64 `json:"ground_speed" ch:"ground_speed"`
	Track        float64 `json:"track" ch:"track"`
	VerticalRate float64 `json:"vertical_rate" ch:"vertical_rate"`

	// Status.
	Squawk    string `json:"squawk" ch:"squawk"`
	Emergency string `json:"emergency" ch:"emergency"`
	Category  string `json:"category" ch:"category"`

	// Navigation.
	NavQNH         float64  `json:"nav_qnh" ch:"nav_qnh"`
	NavAltitudeMCP float64  `json:"nav_altitude_mcp" ch:"nav_altitude_mcp"`
	NavModes       []string `json:"nav_modes" ch:"nav_modes"`

	// ADS-B quality indicators.
	NIC     float64 `json:"nic" ch:"nic"`
	RC      float64 `json:"rc" ch:"rc"`
	Version float64 `json:"version" ch:"version"`
	NICBaro float64 `json:"nic_baro" ch:"nic_baro"`
	NACp    float64 `json:"nac_p" ch:"nac_p"`
	NACv    float64 `json:"nac_v" ch:"nac_v"`
	SIL     float64 `json:"sil" ch:"sil"`
	SILType string  `json:"sil_type" ch:"sil_type"`
	GVA     float64 `json:"gva" ch:"gva"`
	SDA     float64 `json:"sda" ch:"sda"`

	// Alerts.
	Alert float64 `json:"alert" ch:"alert"`
	SPI   float64 `json:"spi" ch:"spi"`

	// Signal and receiver-relative fields.
	RSSI      float64 `json:"rssi" ch:"rssi"`
	Messages  float64 `json:"messages" ch:"messages"`
	Distance  float64 `json:"distance" ch:"distance"`
	Direction float64 `json:"direction" ch:"direction"`

	// Elapsed-seconds timers, null maps to 0.
	Seen    float64 `json:"seen" ch:"seen"`
	SeenPos float64 `json:"seen_pos" ch:"seen_pos"`

	// Provenance.
	Source     Source    `json:"source" ch:"source"`
	ObservedAt time.Time `json:"observed_at" ch:"observed_at"`
	IngestedAt time.Time `json:"ingested_at" ch:"ingested_at"`
}

// TableName returns the destination archive table for this record. Each
// source lands in its own table so retention can differ per tier.
func (r Record) TableName() string {
	return "positions_" + string(r.Source)
}

// Supersedes reports whether r should replace other under last-write-wins
// conflict resolution: larger observed_at wins, ties broken by larger
// ingested_at. The result depends only on the two records, never on arrival
// order, which makes upserts commutative and idempotent.
func (r Record) Supersedes(other Record) bool {
	if !r.ObservedAt.Equal(other.ObservedAt) {
		return r.ObservedAt.After(other.ObservedAt)
	}
	return r.IngestedAt.After(other.IngestedAt)
}
