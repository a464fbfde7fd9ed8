package sampler

import (
	"context"
	"errors"
	"math"
	"time"

	"transport-tracker/internal/geofence"
	"transport-tracker/internal/trip"
)

// RouteReplay drives along a polyline at constant speed, starting when it is
// created. It stays at the last point once the route is complete.
type RouteReplay struct {
	pts      []geofence.Position
	cum      []float64
	speedMps float64
	start    time.Time
	now      func() time.Time
}

func NewRouteReplay(stops []trip.Stop, speedMps float64) (*RouteReplay, error) {
	return newRouteReplay(stops, speedMps, time.Now)
}

func newRouteReplay(stops []trip.Stop, speedMps float64, now func() time.Time) (*RouteReplay, error) {
	if len(stops) == 0 {
		return nil, errors.New("replay needs at least one stop")
	}
	if speedMps <= 0 {
		return nil, errors.New("replay speed must be positive")
	}
	pts := make([]geofence.Position, len(stops))
	for i, s := range stops {
		pts[i] = geofence.Position{Latitude: s.Latitude, Longitude: s.Longitude}
	}
	return &RouteReplay{pts: pts, cum: cumDistances(pts), speedMps: speedMps, start: now(), now: now}, nil
}

func (r *RouteReplay) Current(context.Context) (trip.Sample, error) {
	t := r.now()
	dist := t.Sub(r.start).Seconds() * r.speedMps
	lat, lon, bearing := interpolate(r.pts, r.cum, dist)
	speed := r.speedMps
	if dist >= r.cum[len(r.cum)-1] {
		speed = 0
	}
	accuracy := 5.0
	return trip.Sample{
		Latitude:  lat,
		Longitude: lon,
		Speed:     &speed,
		Heading:   &bearing,
		Accuracy:  &accuracy,
		Timestamp: t,
	}, nil
}

func cumDistances(pts []geofence.Position) []float64 {
	cum := make([]float64, len(pts))
	for i := 1; i < len(pts); i++ {
		cum[i] = cum[i-1] + geofence.DistanceMeters(pts[i-1].Latitude, pts[i-1].Longitude, pts[i].Latitude, pts[i].Longitude)
	}
	return cum
}

// interpolate returns the point dist meters along the polyline and the
// bearing of the segment it lies on.
func interpolate(pts []geofence.Position, cum []float64, dist float64) (lat, lon, bearing float64) {
	n := len(pts)
	if n == 1 || cum[n-1] == 0 {
		return pts[0].Latitude, pts[0].Longitude, 0
	}
	if dist <= 0 {
		return pts[0].Latitude, pts[0].Longitude, bearingDeg(pts[0], pts[1])
	}
	if dist >= cum[n-1] {
		return pts[n-1].Latitude, pts[n-1].Longitude, bearingDeg(pts[n-2], pts[n-1])
	}
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	p0, p1 := pts[i-1], pts[i]
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0.Latitude, p0.Longitude, bearingDeg(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	lat = p0.Latitude + (p1.Latitude-p0.Latitude)*frac
	lon = p0.Longitude + (p1.Longitude-p0.Longitude)*frac
	return lat, lon, bearingDeg(p0, p1)
}

func bearingDeg(a, b geofence.Position) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	y := math.Sin(toRad(b.Longitude-a.Longitude)) * math.Cos(toRad(b.Latitude))
	x := math.Cos(toRad(a.Latitude))*math.Sin(toRad(b.Latitude)) - math.Sin(toRad(a.Latitude))*math.Cos(toRad(b.Latitude))*math.Cos(toRad(b.Longitude-a.Longitude))
	brng := math.Atan2(y, x) * 180 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}
