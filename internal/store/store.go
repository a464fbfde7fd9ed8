package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/geofence"
	"transport-tracker/internal/trip"
)

const (
	KeyActiveTrip    = "activeTrip"
	KeyLocationQueue = "locationQueue"

	DefaultQueueCapacity = 100
)

func StopsKey(tripID string) string    { return fmt.Sprintf("trip_%s_stops", tripID) }
func NotifiedKey(tripID string) string { return fmt.Sprintf("trip_%s_notified_stops", tripID) }

// Store is the typed view over a Backend used by the tracker. Unreadable or
// corrupt values are reported as absent.
type Store struct {
	backend  Backend
	capacity int
	log      log.FieldLogger

	// queueMu serializes read-modify-write cycles on the retry queue.
	queueMu sync.Mutex
}

func New(b Backend, queueCapacity int, logger log.FieldLogger) *Store {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{backend: b, capacity: queueCapacity, log: logger.WithField("component", "store")}
}

func (s *Store) QueueCapacity() int { return s.capacity }

// load decodes key into v. It reports false when the key is missing, the
// backend fails or the value does not decode.
func (s *Store) load(ctx context.Context, key string, v any) bool {
	b, err := s.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.log.WithError(err).WithField("key", key).Warn("read failed, treating as absent")
		}
		return false
	}
	if err := json.Unmarshal(b, v); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("corrupt value, treating as absent")
		return false
	}
	return true
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.backend.Set(ctx, key, b)
}

func (s *Store) ActiveTrip(ctx context.Context) (trip.Descriptor, bool) {
	var d trip.Descriptor
	if !s.load(ctx, KeyActiveTrip, &d) || d.TripID == "" {
		return trip.Descriptor{}, false
	}
	return d, true
}

func (s *Store) SaveActiveTrip(ctx context.Context, d trip.Descriptor) error {
	return s.save(ctx, KeyActiveTrip, d)
}

func (s *Store) ClearActiveTrip(ctx context.Context) error {
	return s.backend.Delete(ctx, KeyActiveTrip)
}

func (s *Store) StopSet(ctx context.Context, tripID string) (trip.StopSet, bool) {
	var set trip.StopSet
	if !s.load(ctx, StopsKey(tripID), &set) {
		return trip.StopSet{}, false
	}
	return set, true
}

func (s *Store) SaveStopSet(ctx context.Context, tripID string, set trip.StopSet) error {
	if set.CompletedStopIDs == nil {
		set.CompletedStopIDs = []string{}
	}
	return s.save(ctx, StopsKey(tripID), set)
}

// CompleteStop adds stopID to the trip's completed set. A trip without a
// stored stop list gets one holding only the completion.
func (s *Store) CompleteStop(ctx context.Context, tripID, stopID string) error {
	set, _ := s.StopSet(ctx, tripID)
	if !set.Complete(stopID) {
		return nil
	}
	return s.SaveStopSet(ctx, tripID, set)
}

// Notified always returns a usable, non-nil state.
func (s *Store) Notified(ctx context.Context, tripID string) geofence.NotifiedState {
	state := geofence.NewNotifiedState()
	if !s.load(ctx, NotifiedKey(tripID), &state) || state == nil {
		return geofence.NewNotifiedState()
	}
	return state
}

func (s *Store) SaveNotified(ctx context.Context, tripID string, state geofence.NotifiedState) error {
	return s.save(ctx, NotifiedKey(tripID), state)
}

// ClearTrip removes all per-trip state.
func (s *Store) ClearTrip(ctx context.Context, tripID string) error {
	return s.backend.Delete(ctx, StopsKey(tripID), NotifiedKey(tripID))
}

func (s *Store) readQueue(ctx context.Context) []trip.QueueEntry {
	var q []trip.QueueEntry
	if !s.load(ctx, KeyLocationQueue, &q) {
		return nil
	}
	return q
}

// Enqueue appends e, evicting the oldest entries beyond capacity.
func (s *Store) Enqueue(ctx context.Context, e trip.QueueEntry) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q := append(s.readQueue(ctx), e)
	if over := len(q) - s.capacity; over > 0 {
		q = q[over:]
	}
	return s.save(ctx, KeyLocationQueue, q)
}

// DequeueAll returns every queued entry in insertion order and empties the queue.
func (s *Store) DequeueAll(ctx context.Context) ([]trip.QueueEntry, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q := s.readQueue(ctx)
	if len(q) == 0 {
		return nil, nil
	}
	if err := s.backend.Delete(ctx, KeyLocationQueue); err != nil {
		return nil, fmt.Errorf("clear queue: %w", err)
	}
	return q, nil
}

// Requeue puts entries back in front of anything queued since they were
// dequeued. When the result exceeds capacity the oldest entries are dropped.
func (s *Store) Requeue(ctx context.Context, entries []trip.QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	q := append(append([]trip.QueueEntry(nil), entries...), s.readQueue(ctx)...)
	if over := len(q) - s.capacity; over > 0 {
		q = q[over:]
	}
	return s.save(ctx, KeyLocationQueue, q)
}

func (s *Store) QueueLen(ctx context.Context) int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.readQueue(ctx))
}
