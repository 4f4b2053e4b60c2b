package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/capgar/adsb-clickhouse/internal/feed"
	"github.com/capgar/adsb-clickhouse/internal/position"
)

func f64(v float64) *float64 { return &v }
func str(s string) *string   { return &s }

func adsbPayload() feed.RawPosition {
	return feed.RawPosition{
		Hex:        "AE1460",
		Flight:     "UAL123 ",
		Lat:        f64(40.7128),
		Lon:        f64(-74.006),
		AltBaro:    feed.BaroAltitude{Value: f64(35000)},
		GS:         f64(450),
		Track:      f64(270),
		SeenPos:    f64(2.5),
		ScrapeTime: "2026-08-30 12:00:00",
	}
}

func TestNormalize_Deterministic(t *testing.T) {
	t.Parallel()

	ingested := time.Date(2026, 8, 30, 12, 0, 1, 0, time.UTC)
	p := ProfileFor(position.SourceLocal)

	a, okA := Normalize(adsbPayload(), p, ingested)
	b, okB := Normalize(adsbPayload(), p, ingested)

	require.True(t, okA)
	require.True(t, okB)
	require.Equal(t, a, b)
}

func TestNormalize_AdsbFields(t *testing.T) {
	t.Parallel()

	ingested := time.Date(2026, 8, 30, 12, 0, 1, 0, time.UTC)
	rec, ok := Normalize(adsbPayload(), ProfileFor(position.SourceLocal), ingested)
	require.True(t, ok)

	require.Equal(t, "ae1460", rec.AircraftID)
	require.Equal(t, "ual123", rec.Callsign)
	require.Equal(t, position.SourceLocal, rec.Source)
	require.Equal(t, int32(35000), rec.AltitudeBaro)
	require.Equal(t, 450.0, rec.GroundSpeed)
	require.Equal(t, ingested, rec.IngestedAt)

	// scrape time minus seen_pos age
	want := time.Date(2026, 8, 30, 11, 59, 57, 500_000_000, time.UTC)
	require.Equal(t, want, rec.ObservedAt)
}

func TestNormalize_MetricConversion(t *testing.T) {
	t.Parallel()

	raw := feed.RawPosition{
		ICAO24:       str("AB1234"),
		CallsignRaw:  str("DLH400  "),
		Lat:          f64(52.52),
		Lon:          f64(13.405),
		Velocity:     f64(250),    // m/s
		BaroAltM:     f64(10000),  // m
		GeoAltM:      f64(10100),  // m
		VertRate:     f64(-5),     // m/s
		TrueTrack:    f64(90),
		TimePosition: f64(1_700_000_000),
	}

	ingested := time.Unix(1_700_000_010, 0).UTC()
	rec, ok := Normalize(raw, ProfileFor(position.SourceMetric), ingested)
	require.True(t, ok)

	require.Equal(t, "ab1234", rec.AircraftID)
	require.Equal(t, "dlh400", rec.Callsign)
	baroM, geoM := 10000.0, 10100.0
	require.InDelta(t, 250*MetersPerSecondToKnots, rec.GroundSpeed, 1e-9)
	require.Equal(t, int32(baroM*MetersToFeet), rec.AltitudeBaro)
	require.Equal(t, int32(geoM*MetersToFeet), rec.AltitudeGeom)
	require.InDelta(t, -5*MetersPerSecondToFeetMin, rec.VerticalRate, 1e-9)
	require.Equal(t, 90.0, rec.Track)
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), rec.ObservedAt)
}

func TestNormalize_ValidationGate(t *testing.T) {
	t.Parallel()

	ingested := time.Now().UTC()
	p := ProfileFor(position.SourceLocal)

	tests := []struct {
		name   string
		mutate func(*feed.RawPosition)
	}{
		{"empty aircraft id", func(r *feed.RawPosition) { r.Hex = "   " }},
		{"missing latitude", func(r *feed.RawPosition) { r.Lat = nil }},
		{"missing longitude", func(r *feed.RawPosition) { r.Lon = nil }},
		{"latitude out of range", func(r *feed.RawPosition) { r.Lat = f64(91) }},
		{"longitude out of range", func(r *feed.RawPosition) { r.Lon = f64(-180.5) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw := adsbPayload()
			tt.mutate(&raw)
			_, ok := Normalize(raw, p, ingested)
			require.False(t, ok)
		})
	}
}

func TestNormalize_GroundAltitudeIsZero(t *testing.T) {
	t.Parallel()

	raw := adsbPayload()
	raw.AltBaro = feed.BaroAltitude{Ground: true}
	rec, ok := Normalize(raw, ProfileFor(position.SourceLocal), time.Now().UTC())
	require.True(t, ok)
	require.Equal(t, int32(0), rec.AltitudeBaro)
}

func TestNormalize_NullPolicy(t *testing.T) {
	t.Parallel()

	raw := feed.RawPosition{
		Hex: "abc123",
		Lat: f64(10),
		Lon: f64(20),
	}
	rec, ok := Normalize(raw, ProfileFor(position.SourceGlobal), time.Now().UTC())
	require.True(t, ok)

	require.Equal(t, position.AltitudeUnknown, rec.AltitudeBaro)
	require.Equal(t, position.AltitudeUnknown, rec.AltitudeGeom)
	require.Equal(t, position.ValueUnknown, rec.GroundSpeed)
	require.Equal(t, position.ValueUnknown, rec.Track)
	require.Equal(t, position.ValueUnknown, rec.NIC)
	require.Equal(t, position.ValueUnknown, rec.RSSI)
	require.Equal(t, 0.0, rec.Seen)
	require.Equal(t, 0.0, rec.SeenPos)
	require.Empty(t, rec.Callsign)
	require.Empty(t, rec.Squawk)
}

func TestNormalize_NavModes(t *testing.T) {
	t.Parallel()

	raw := adsbPayload()
	raw.NavModes = []string{" Autopilot ", "VNAV", "", "tcas"}
	rec, ok := Normalize(raw, ProfileFor(position.SourceLocal), time.Now().UTC())
	require.True(t, ok)
	require.Equal(t, []string{"autopilot", "vnav", "tcas"}, rec.NavModes)

	raw.NavModes = []string{"  ", ""}
	rec, ok = Normalize(raw, ProfileFor(position.SourceLocal), time.Now().UTC())
	require.True(t, ok)
	require.Nil(t, rec.NavModes)
}

func TestNormalize_ReceiverRelativeAliases(t *testing.T) {
	t.Parallel()

	raw := adsbPayload()
	raw.RDst = f64(12.5)
	raw.RDir = f64(45)
	rec, ok := Normalize(raw, ProfileFor(position.SourceLocal), time.Now().UTC())
	require.True(t, ok)
	require.Equal(t, 12.5, rec.Distance)
	require.Equal(t, 45.0, rec.Direction)
}

func TestObservedAt_ClockSkewClamped(t *testing.T) {
	t.Parallel()

	ingested := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// An observation a minute in the future is a broken source clock.
	raw := adsbPayload()
	raw.SeenPos = nil
	raw.ScrapeTime = "2026-08-30 12:01:00"
	rec, ok := Normalize(raw, ProfileFor(position.SourceLocal), ingested)
	require.True(t, ok)
	require.Equal(t, ingested, rec.ObservedAt)

	// Within the tolerance the source time is kept.
	raw.ScrapeTime = "2026-08-30 12:00:20"
	rec, ok = Normalize(raw, ProfileFor(position.SourceLocal), ingested)
	require.True(t, ok)
	require.Equal(t, time.Date(2026, 8, 30, 12, 0, 20, 0, time.UTC), rec.ObservedAt)
}

func TestObservedAt_FallsBackToIngested(t *testing.T) {
	t.Parallel()

	ingested := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	raw := adsbPayload()
	raw.ScrapeTime = ""
	rec, ok := Normalize(raw, ProfileFor(position.SourceLocal), ingested)
	require.True(t, ok)
	require.Equal(t, ingested, rec.ObservedAt)

	raw.ScrapeTime = "not a timestamp"
	rec, ok = Normalize(raw, ProfileFor(position.SourceLocal), ingested)
	require.True(t, ok)
	require.Equal(t, ingested, rec.ObservedAt)
}
