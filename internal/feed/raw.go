// Package feed models the source-native position payloads and the pollers
// and publisher that move them onto the stream.
package feed

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/capgar/adsb-clickhouse/internal/position"
)

// BaroAltitude is a barometric altitude field that a source may report as a
// number (feet or metres depending on the source), as the string "ground",
// or as null.
type BaroAltitude struct {
	Value  *float64
	Ground bool
}

// UnmarshalJSON accepts a number, the string "ground", or null.
func (a *BaroAltitude) UnmarshalJSON(data []byte) error {
	*a = BaroAltitude{}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "ground" {
			a.Ground = true
			return nil
		}
		return fmt.Errorf("unexpected altitude string %q", s)
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	a.Value = &v
	return nil
}

// MarshalJSON round-trips the ground marker the way the sources send it.
func (a BaroAltitude) MarshalJSON() ([]byte, error) {
	if a.Ground {
		return json.Marshal("ground")
	}
	if a.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*a.Value)
}

// RawPosition is a flat record carrying either the adsb-family field names
// (local, regional, global feeds) or the metric third-party feed's names.
// Nullable numerics are pointers so absent and zero stay distinguishable
// until the normalizer applies the null policy.
type RawPosition struct {
	// Identification.
	Hex          string `json:"hex,omitempty"`
	Flight       string `json:"flight,omitempty"`
	Registration string `json:"r,omitempty"`
	Type         string `json:"t,omitempty"`
	Description  string `json:"desc,omitempty"`
	OwnerOp      string `json:"ownOp,omitempty"`
	Year         string `json:"year,omitempty"`

	// Position.
	Lat      *float64     `json:"lat,omitempty"`
	Lon      *float64     `json:"lon,omitempty"`
	AltBaro  BaroAltitude `json:"alt_baro,omitempty"`
	AltGeom  *float64     `json:"alt_geom,omitempty"`
	GS       *float64     `json:"gs,omitempty"`
	Track    *float64     `json:"track,omitempty"`
	BaroRate *float64     `json:"baro_rate,omitempty"`

	// Status.
	Squawk    string `json:"squawk,omitempty"`
	Emergency string `json:"emergency,omitempty"`
	Category  string `json:"category,omitempty"`

	// Navigation.
	NavQNH         *float64 `json:"nav_qnh,omitempty"`
	NavAltitudeMCP *float64 `json:"nav_altitude_mcp,omitempty"`
	NavModes       []string `json:"nav_modes,omitempty"`

	// Quality indicators.
	NIC     *float64 `json:"nic,omitempty"`
	RC      *float64 `json:"rc,omitempty"`
	Version *float64 `json:"version,omitempty"`
	NICBaro *float64 `json:"nic_baro,omitempty"`
	NACp    *float64 `json:"nac_p,omitempty"`
	NACv    *float64 `json:"nac_v,omitempty"`
	SIL     *float64 `json:"sil,omitempty"`
	SILType string   `json:"sil_type,omitempty"`
	GVA     *float64 `json:"gva,omitempty"`
	SDA     *float64 `json:"sda,omitempty"`

	// Alerts.
	Alert *float64 `json:"alert,omitempty"`
	SPI   *float64 `json:"spi,omitempty"`

	// Timing.
	Seen    *float64 `json:"seen,omitempty"`
	SeenPos *float64 `json:"seen_pos,omitempty"`

	// Signal and receiver-relative. The local feed prefixes distance and
	// direction with r_; both spellings are accepted.
	RSSI     *float64 `json:"rssi,omitempty"`
	Messages *float64 `json:"messages,omitempty"`
	Dst      *float64 `json:"dst,omitempty"`
	Dir      *float64 `json:"dir,omitempty"`
	RDst     *float64 `json:"r_dst,omitempty"`
	RDir     *float64 `json:"r_dir,omitempty"`

	// Metric third-party feed names.
	ICAO24       *string  `json:"icao24,omitempty"`
	CallsignRaw  *string  `json:"callsign,omitempty"`
	Velocity     *float64 `json:"velocity,omitempty"`
	BaroAltM     *float64 `json:"baro_altitude,omitempty"`
	GeoAltM      *float64 `json:"geo_altitude,omitempty"`
	TrueTrack    *float64 `json:"true_track,omitempty"`
	VertRate     *float64 `json:"vertical_rate,omitempty"`
	OnGround     *bool    `json:"on_ground,omitempty"`
	TimePosition *float64 `json:"time_position,omitempty"`

	// Set by the scraper: the feed URL and the batch scrape time in
	// "2006-01-02 15:04:05" UTC.
	SourceURL  string `json:"source,omitempty"`
	ScrapeTime string `json:"scrape_time,omitempty"`
}

// envelope covers both container spellings the upstream feeds use.
type envelope struct {
	Aircraft []json.RawMessage `json:"aircraft"`
	AC       []json.RawMessage `json:"ac"`
	States   []json.RawMessage `json:"states"`
}

// ParsePayload decodes a source response body into raw positions. The local
// and global feeds wrap records in "aircraft", the regional feed in "ac",
// and the metric feed in "states". Records without both coordinates are
// skipped here, matching the upstream contract that only positioned aircraft
// are published; full validation happens in the normalizer.
func ParsePayload(source position.Source, body []byte) ([]RawPosition, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("error decoding %s payload: %w", source, err)
	}

	items := env.Aircraft
	switch source {
	case position.SourceRegional:
		items = env.AC
	case position.SourceMetric:
		items = env.States
	}

	positions := make([]RawPosition, 0, len(items))
	for _, item := range items {
		var raw RawPosition
		if err := json.Unmarshal(item, &raw); err != nil {
			// One bad element never fails the batch.
			continue
		}
		if raw.Lat == nil || raw.Lon == nil {
			continue
		}
		positions = append(positions, raw)
	}
	return positions, nil
}
