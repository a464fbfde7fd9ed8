package geofence

import (
	"math"

	"transport-tracker/internal/trip"
)

type Zone string

const (
	ZoneApproaching Zone = "approaching"
	ZoneImminent    Zone = "imminent"
)

// Thresholds are zone radii in meters. Imminent must not exceed Approaching.
type Thresholds struct {
	Imminent    float64
	Approaching float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Imminent: 150, Approaching: 500}
}

type Position struct {
	Latitude  float64
	Longitude float64
}

// Proximity is a stop found inside one of the zones.
type Proximity struct {
	Stop     trip.Stop
	Distance float64 // meters
	Zone     Zone
}

// Evaluate returns the not-yet-completed stops within the approaching radius
// of pos, in the order they appear in stops.
func Evaluate(pos Position, stops []trip.Stop, completedStopIDs []string, th Thresholds) []Proximity {
	completed := make(map[string]struct{}, len(completedStopIDs))
	for _, id := range completedStopIDs {
		completed[id] = struct{}{}
	}
	var out []Proximity
	for _, s := range stops {
		if _, done := completed[s.ID]; done {
			continue
		}
		d := DistanceMeters(pos.Latitude, pos.Longitude, s.Latitude, s.Longitude)
		zone, ok := Classify(d, th)
		if !ok {
			continue
		}
		out = append(out, Proximity{Stop: s, Distance: d, Zone: zone})
	}
	return out
}

// Classify maps a distance onto a zone; ok is false outside both radii.
func Classify(distance float64, th Thresholds) (Zone, bool) {
	switch {
	case distance <= th.Imminent:
		return ZoneImminent, true
	case distance <= th.Approaching:
		return ZoneApproaching, true
	default:
		return "", false
	}
}

// ETAMinutes is a display heuristic, not a prediction.
func ETAMinutes(p Proximity) int {
	if p.Zone == ZoneImminent {
		return 1
	}
	eta := int(math.Round(p.Distance / 250))
	if eta < 2 {
		eta = 2
	}
	return eta
}

// DistanceMeters is the haversine great-circle distance.
func DistanceMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := (math.Sin(dLat/2) * math.Sin(dLat/2)) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
