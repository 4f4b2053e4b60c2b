// Package normalize converts heterogeneous raw feed payloads into canonical
// position records. Normalization is a pure function of (payload, profile,
// ingestion time): the same input always produces the same record.
package normalize

import (
	"strings"
	"time"

	"github.com/capgar/adsb-clickhouse/internal/feed"
	"github.com/capgar/adsb-clickhouse/internal/position"
)

// Unit conversion factors for the metric feed.
const (
	MetersPerSecondToKnots   = 1.94384
	MetersToFeet             = 3.28084
	MetersPerSecondToFeetMin = MetersToFeet * 60
)

// ClockSkewTolerance bounds how far ahead of ingestion time a source-reported
// observation time may be. Anything further ahead is treated as a broken
// source clock and clamped to the ingestion time.
const ClockSkewTolerance = 30 * time.Second

// Profile describes how one source's payloads map onto the canonical record:
// which field family the source speaks and which units it reports in.
type Profile struct {
	Source position.Source

	// MetricNames selects the metric feed's native field names (icao24,
	// velocity, baro_altitude, ...) over the adsb-family names.
	MetricNames bool

	// Conversion factors applied to speed (to knots), altitude (to feet)
	// and vertical rate (to feet per minute). 1 means already normalized.
	SpeedFactor    float64
	AltitudeFactor float64
	VertRateFactor float64
}

// ProfileFor returns the normalization profile for a source.
func ProfileFor(source position.Source) Profile {
	p := Profile{
		Source:         source,
		SpeedFactor:    1,
		AltitudeFactor: 1,
		VertRateFactor: 1,
	}
	if source == position.SourceMetric {
		p.MetricNames = true
		p.SpeedFactor = MetersPerSecondToKnots
		p.AltitudeFactor = MetersToFeet
		p.VertRateFactor = MetersPerSecondToFeetMin
	}
	return p
}

// Normalize maps a raw payload onto the canonical record, applying the
// profile's field mapping, unit conversion, and null policy, then the
// validation gate. It returns ok=false when the record must be dropped:
// empty aircraft id, missing coordinates, or coordinates out of range.
// Dropped records are not recoverable and must not be retried.
func Normalize(raw feed.RawPosition, p Profile, ingestedAt time.Time) (position.Record, bool) {
	rec := position.Record{
		Source:     p.Source,
		IngestedAt: ingestedAt,
	}

	if p.MetricNames {
		rec.AircraftID = strings.ToLower(strings.TrimSpace(strValue(raw.ICAO24)))
		rec.Callsign = strings.ToLower(strings.TrimSpace(strValue(raw.CallsignRaw)))
		rec.GroundSpeed = numOrUnknown(scaled(raw.Velocity, p.SpeedFactor))
		rec.Track = numOrUnknown(raw.TrueTrack)
		rec.VerticalRate = numOrUnknown(scaled(raw.VertRate, p.VertRateFactor))
		rec.AltitudeBaro = altitude(scaled(raw.BaroAltM, p.AltitudeFactor), raw.OnGround != nil && *raw.OnGround)
		rec.AltitudeGeom = altitude(scaled(raw.GeoAltM, p.AltitudeFactor), false)
	} else {
		rec.AircraftID = strings.ToLower(strings.TrimSpace(raw.Hex))
		rec.Callsign = strings.ToLower(strings.TrimSpace(raw.Flight))
		rec.GroundSpeed = numOrUnknown(raw.GS)
		rec.Track = numOrUnknown(raw.Track)
		rec.VerticalRate = numOrUnknown(raw.BaroRate)
		rec.AltitudeBaro = altitude(raw.AltBaro.Value, raw.AltBaro.Ground)
		rec.AltitudeGeom = altitude(raw.AltGeom, false)
	}

	rec.Registration = strings.TrimSpace(raw.Registration)
	rec.AircraftType = strings.TrimSpace(raw.Type)
	rec.Description = strings.TrimSpace(raw.Description)
	rec.OwnerOperator = strings.TrimSpace(raw.OwnerOp)
	rec.Year = strings.TrimSpace(raw.Year)
	rec.Squawk = strings.TrimSpace(raw.Squawk)
	rec.Emergency = strings.TrimSpace(raw.Emergency)
	rec.Category = strings.TrimSpace(raw.Category)
	rec.SILType = strings.TrimSpace(raw.SILType)

	rec.NavQNH = numOrUnknown(raw.NavQNH)
	rec.NavAltitudeMCP = numOrUnknown(raw.NavAltitudeMCP)
	rec.NavModes = cleanModes(raw.NavModes)

	rec.NIC = numOrUnknown(raw.NIC)
	rec.RC = numOrUnknown(raw.RC)
	rec.Version = numOrUnknown(raw.Version)
	rec.NICBaro = numOrUnknown(raw.NICBaro)
	rec.NACp = numOrUnknown(raw.NACp)
	rec.NACv = numOrUnknown(raw.NACv)
	rec.SIL = numOrUnknown(raw.SIL)
	rec.GVA = numOrUnknown(raw.GVA)
	rec.SDA = numOrUnknown(raw.SDA)
	rec.Alert = numOrUnknown(raw.Alert)
	rec.SPI = numOrUnknown(raw.SPI)

	rec.RSSI = numOrUnknown(raw.RSSI)
	rec.Messages = numOrUnknown(raw.Messages)
	rec.Distance = numOrUnknown(firstOf(raw.Dst, raw.RDst))
	rec.Direction = numOrUnknown(firstOf(raw.Dir, raw.RDir))

	// Elapsed timers default to 0, not the sentinel.
	rec.Seen = numOrZero(raw.Seen)
	rec.SeenPos = numOrZero(raw.SeenPos)

	rec.ObservedAt = observedAt(raw, ingestedAt)

	// Validation gate.
	if rec.AircraftID == "" {
		return position.Record{}, false
	}
	if raw.Lat == nil || raw.Lon == nil {
		return position.Record{}, false
	}
	if *raw.Lat < -90 || *raw.Lat > 90 || *raw.Lon < -180 || *raw.Lon > 180 {
		return position.Record{}, false
	}
	rec.Latitude = *raw.Lat
	rec.Longitude = *raw.Lon

	return rec, true
}

// observedAt derives the time the source reported the position. The metric
// feed carries an explicit unix timestamp; the adsb-family feeds carry the
// batch scrape time plus a seen_pos age. The result never runs ahead of
// ingestion time by more than the skew tolerance.
func observedAt(raw feed.RawPosition, ingestedAt time.Time) time.Time {
	var observed time.Time
	switch {
	case raw.TimePosition != nil:
		sec := int64(*raw.TimePosition)
		nsec := int64((*raw.TimePosition - float64(sec)) * float64(time.Second))
		observed = time.Unix(sec, nsec).UTC()
	case raw.ScrapeTime != "":
		t, err := time.Parse(feed.ScrapeTimeLayout, raw.ScrapeTime)
		if err != nil {
			return ingestedAt
		}
		observed = t.UTC()
		if raw.SeenPos != nil {
			observed = observed.Add(-time.Duration(*raw.SeenPos * float64(time.Second)))
		}
	default:
		return ingestedAt
	}

	if observed.After(ingestedAt.Add(ClockSkewTolerance)) {
		return ingestedAt
	}
	return observed
}

// altitude applies the altitude null policy: on-ground forces 0, null maps
// to the sentinel, anything else rounds to whole feet.
func altitude(v *float64, ground bool) int32 {
	if ground {
		return 0
	}
	if v == nil {
		return position.AltitudeUnknown
	}
	return int32(*v)
}

// cleanModes trims, case-folds, and drops empty navigation mode entries.
func cleanModes(modes []string) []string {
	if len(modes) == 0 {
		return nil
	}
	out := make([]string, 0, len(modes))
	for _, m := range modes {
		m = strings.ToLower(strings.TrimSpace(m))
		if m != "" {
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func scaled(v *float64, factor float64) *float64 {
	if v == nil {
		return nil
	}
	s := *v * factor
	return &s
}

func numOrUnknown(v *float64) float64 {
	if v == nil {
		return position.ValueUnknown
	}
	return *v
}

func numOrZero(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func firstOf(vs ...*float64) *float64 {
	for _, v := range vs {
		if v != nil {
			return v
		}
	}
	return nil
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
