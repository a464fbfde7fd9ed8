package geofence

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-tracker/internal/trip"
)

const metersPerDegreeLat = 6371000.0 * math.Pi / 180

// north returns a position m meters due north of the stop.
func north(s trip.Stop, m float64) Position {
	return Position{Latitude: s.Latitude + m/metersPerDegreeLat, Longitude: s.Longitude}
}

var school = trip.Stop{ID: "S1", Name: "Main gate", Latitude: 52.2297, Longitude: 21.0122}

func TestDistanceMeters(t *testing.T) {
	assert.InDelta(t, 0, DistanceMeters(1, 2, 1, 2), 1e-9)
	p := north(school, 1000)
	assert.InDelta(t, 1000, DistanceMeters(p.Latitude, p.Longitude, school.Latitude, school.Longitude), 0.01)
	// Warsaw -> Krakow, roughly 252 km.
	assert.InDelta(t, 252000, DistanceMeters(52.2297, 21.0122, 50.0647, 19.9450), 2000)
}

func TestEvaluateZones(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		name     string
		meters   float64
		wantZone Zone
		wantHit  bool
	}{
		{"at the stop", 0, ZoneImminent, true},
		{"inside imminent", 100, ZoneImminent, true},
		{"just under imminent", 149.9, ZoneImminent, true},
		{"just over imminent", 150.5, ZoneApproaching, true},
		{"middle of approaching", 320, ZoneApproaching, true},
		{"just under approaching", 499.9, ZoneApproaching, true},
		{"just over approaching", 500.5, "", false},
		{"far away", 5000, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(north(school, tt.meters), []trip.Stop{school}, nil, th)
			if !tt.wantHit {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantZone, got[0].Zone)
			assert.Equal(t, school, got[0].Stop)
			assert.InDelta(t, tt.meters, got[0].Distance, 0.05)
		})
	}
}

func TestEvaluateSkipsCompletedStops(t *testing.T) {
	other := trip.Stop{ID: "S2", Name: "Library", Latitude: school.Latitude, Longitude: school.Longitude}
	for _, m := range []float64{0, 100, 400, 10000} {
		got := Evaluate(north(school, m), []trip.Stop{school, other}, []string{"S1", "S2"}, DefaultThresholds())
		assert.Empty(t, got, "distance %v", m)
	}

	got := Evaluate(north(school, 10), []trip.Stop{school, other}, []string{"S1"}, DefaultThresholds())
	require.Len(t, got, 1)
	assert.Equal(t, "S2", got[0].Stop.ID)
}

func TestEvaluateKeepsStopOrder(t *testing.T) {
	a := trip.Stop{ID: "A", Latitude: school.Latitude + 300/metersPerDegreeLat, Longitude: school.Longitude}
	b := trip.Stop{ID: "B", Latitude: school.Latitude, Longitude: school.Longitude}
	got := Evaluate(Position{Latitude: school.Latitude, Longitude: school.Longitude}, []trip.Stop{a, b}, nil, DefaultThresholds())
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Stop.ID)
	assert.Equal(t, ZoneApproaching, got[0].Zone)
	assert.Equal(t, "B", got[1].Stop.ID)
	assert.Equal(t, ZoneImminent, got[1].Zone)
}

func TestEvaluateCustomThresholds(t *testing.T) {
	th := Thresholds{Imminent: 50, Approaching: 80}
	got := Evaluate(north(school, 60), []trip.Stop{school}, nil, th)
	require.Len(t, got, 1)
	assert.Equal(t, ZoneApproaching, got[0].Zone)
	assert.Empty(t, Evaluate(north(school, 90), []trip.Stop{school}, nil, th))
}

func TestETAMinutes(t *testing.T) {
	tests := []struct {
		zone     Zone
		distance float64
		want     int
	}{
		{ZoneImminent, 0, 1},
		{ZoneImminent, 149, 1},
		{ZoneApproaching, 151, 2},
		{ZoneApproaching, 499, 2},
		{ZoneApproaching, 620, 2},
		{ZoneApproaching, 700, 3},
		{ZoneApproaching, 1000, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ETAMinutes(Proximity{Zone: tt.zone, Distance: tt.distance}), "%s at %v", tt.zone, tt.distance)
	}
}

func TestShouldNotifyOncePerStopAndZone(t *testing.T) {
	state := NewNotifiedState()
	pairs := []struct {
		stop string
		zone Zone
	}{
		{"S1", ZoneApproaching},
		{"S1", ZoneImminent},
		{"S2", ZoneApproaching},
	}
	for round := 0; round < 3; round++ {
		for _, p := range pairs {
			got := state.ShouldNotify(p.stop, p.zone)
			assert.Equal(t, round == 0, got, "round %d %s/%s", round, p.stop, p.zone)
			if got {
				state.MarkNotified(p.stop, p.zone)
			}
		}
	}
	assert.Len(t, state["S1"], 2)
	assert.Len(t, state["S2"], 1)
}

func TestMarkNotifiedIsIdempotent(t *testing.T) {
	state := NewNotifiedState()
	state.MarkNotified("S1", ZoneImminent)
	state.MarkNotified("S1", ZoneImminent)
	assert.Equal(t, []Zone{ZoneImminent}, state["S1"])
}

func TestNotificationHistoryIsIndependentOfMembership(t *testing.T) {
	state := NewNotifiedState()
	pos := north(school, 0)

	got := Evaluate(pos, []trip.Stop{school}, nil, Thresholds{Imminent: 150, Approaching: 500})
	require.Len(t, got, 1)
	assert.Equal(t, ZoneImminent, got[0].Zone)
	assert.Equal(t, 1, ETAMinutes(got[0]))
	require.True(t, state.ShouldNotify("S1", ZoneImminent))
	state.MarkNotified("S1", ZoneImminent)

	again := Evaluate(pos, []trip.Stop{school}, nil, Thresholds{Imminent: 150, Approaching: 500})
	require.Len(t, again, 1)
	assert.Equal(t, ZoneImminent, again[0].Zone)
	assert.False(t, state.ShouldNotify("S1", ZoneImminent))
	assert.True(t, state.ShouldNotify("S1", ZoneApproaching))
}
