package store

import (
	"context"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-tracker/internal/geofence"
	"transport-tracker/internal/trip"
)

func newTestStore(t *testing.T, capacity int) (*Store, *Memory) {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)
	mem := NewMemory()
	return New(mem, capacity, logger), mem
}

func entry(i int) trip.QueueEntry {
	return trip.QueueEntry{
		Latitude:  float64(i),
		Longitude: float64(-i),
		Timestamp: time.Unix(int64(1700000000+i), 0).UTC(),
	}
}

func TestActiveTripRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, 0)

	_, ok := s.ActiveTrip(ctx)
	assert.False(t, ok)

	d := trip.Descriptor{
		TripID:    "T1",
		VehicleID: "V1",
		RouteName: "North loop",
		SchoolID:  "SCH",
		TripType:  trip.Pickup,
		StartedAt: time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveActiveTrip(ctx, d))
	assert.Contains(t, mem.Keys(), KeyActiveTrip)

	got, ok := s.ActiveTrip(ctx)
	require.True(t, ok)
	assert.Equal(t, d, got)

	require.NoError(t, s.ClearActiveTrip(ctx))
	_, ok = s.ActiveTrip(ctx)
	assert.False(t, ok)
	require.NoError(t, s.ClearActiveTrip(ctx), "clearing twice is fine")
}

func TestCorruptValuesReadAsAbsent(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, 0)

	require.NoError(t, mem.Set(ctx, KeyActiveTrip, []byte("{not json")))
	require.NoError(t, mem.Set(ctx, StopsKey("T1"), []byte("[1,2")))
	require.NoError(t, mem.Set(ctx, NotifiedKey("T1"), []byte("42")))
	require.NoError(t, mem.Set(ctx, KeyLocationQueue, []byte(`{"x":1}`)))

	_, ok := s.ActiveTrip(ctx)
	assert.False(t, ok)
	_, ok = s.StopSet(ctx, "T1")
	assert.False(t, ok)
	n := s.Notified(ctx, "T1")
	require.NotNil(t, n)
	assert.True(t, n.ShouldNotify("S1", geofence.ZoneImminent))
	assert.Equal(t, 0, s.QueueLen(ctx))

	// A corrupt queue is replaced by the next enqueue.
	require.NoError(t, s.Enqueue(ctx, entry(1)))
	assert.Equal(t, 1, s.QueueLen(ctx))
}

type failingBackend struct{ *Memory }

func (f *failingBackend) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("disk on fire")
}

func TestBackendReadErrorsReadAsAbsent(t *testing.T) {
	logger := log.New()
	logger.SetOutput(io.Discard)
	s := New(&failingBackend{Memory: NewMemory()}, 0, logger)
	_, ok := s.ActiveTrip(context.Background())
	assert.False(t, ok)
	assert.Equal(t, 0, s.QueueLen(context.Background()))
}

func TestStopSetAndCompletion(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 0)

	set := trip.StopSet{Stops: []trip.Stop{
		{ID: "S1", Name: "Oak St", Latitude: 1, Longitude: 1},
		{ID: "S2", Name: "Elm St", Latitude: 2, Longitude: 2},
	}}
	require.NoError(t, s.SaveStopSet(ctx, "T1", set))

	require.NoError(t, s.CompleteStop(ctx, "T1", "S1"))
	require.NoError(t, s.CompleteStop(ctx, "T1", "S1"))

	got, ok := s.StopSet(ctx, "T1")
	require.True(t, ok)
	assert.Equal(t, set.Stops, got.Stops)
	assert.Equal(t, []string{"S1"}, got.CompletedStopIDs)

	_, ok = s.StopSet(ctx, "T2")
	assert.False(t, ok, "stop sets are namespaced by trip")
}

func TestNotifiedPersistsAndClears(t *testing.T) {
	ctx := context.Background()
	s, mem := newTestStore(t, 0)

	n := s.Notified(ctx, "T1")
	n.MarkNotified("S1", geofence.ZoneApproaching)
	require.NoError(t, s.SaveNotified(ctx, "T1", n))
	require.NoError(t, s.SaveStopSet(ctx, "T1", trip.StopSet{}))

	again := s.Notified(ctx, "T1")
	assert.False(t, again.ShouldNotify("S1", geofence.ZoneApproaching))
	assert.True(t, again.ShouldNotify("S1", geofence.ZoneImminent))

	require.NoError(t, s.ClearTrip(ctx, "T1"))
	assert.Empty(t, mem.Keys())
	assert.True(t, s.Notified(ctx, "T1").ShouldNotify("S1", geofence.ZoneApproaching))
}

func TestQueueIsBoundedFIFO(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 100)

	for i := 0; i < 101; i++ {
		require.NoError(t, s.Enqueue(ctx, entry(i)))
	}
	assert.Equal(t, 100, s.QueueLen(ctx))

	got, err := s.DequeueAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 100)
	assert.Equal(t, entry(1), got[0], "the oldest entry was evicted")
	assert.Equal(t, entry(100), got[99])
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i-1].Timestamp.Before(got[i].Timestamp))
	}

	assert.Equal(t, 0, s.QueueLen(ctx))
	empty, err := s.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRequeuePrependsAndRespectsCapacity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 4)

	require.NoError(t, s.Enqueue(ctx, entry(10)))
	require.NoError(t, s.Requeue(ctx, []trip.QueueEntry{entry(1), entry(2)}))

	got, err := s.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []trip.QueueEntry{entry(1), entry(2), entry(10)}, got)

	require.NoError(t, s.Enqueue(ctx, entry(10)))
	require.NoError(t, s.Enqueue(ctx, entry(11)))
	require.NoError(t, s.Requeue(ctx, []trip.QueueEntry{entry(1), entry(2), entry(3)}))
	got, err = s.DequeueAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []trip.QueueEntry{entry(2), entry(3), entry(10), entry(11)}, got)
}

func TestQueueNullableFieldsSurvive(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, 0)
	speed, heading := 8.5, 271.0
	e := entry(1)
	e.Speed, e.Heading = &speed, &heading
	require.NoError(t, s.Enqueue(ctx, e))
	require.NoError(t, s.Enqueue(ctx, entry(2)))

	got, err := s.DequeueAll(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NotNil(t, got[0].Speed)
	assert.Equal(t, speed, *got[0].Speed)
	assert.Equal(t, heading, *got[0].Heading)
	assert.Nil(t, got[1].Speed)
	assert.Nil(t, got[1].Heading)
}

func TestRedisBackend(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	ctx := context.Background()
	r, err := NewRedis(url, "tracker-test:")
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Ping(ctx))

	require.NoError(t, r.Delete(ctx, "k"))
	_, err = r.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.Set(ctx, "k", []byte("v")))
	got, err := r.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
	require.NoError(t, r.Delete(ctx, "k"))
}
