package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/metrics"
	"transport-tracker/internal/publisher"
	"transport-tracker/internal/sampler"
	"transport-tracker/internal/store"
	"transport-tracker/internal/transport"
	"transport-tracker/internal/trip"
)

var errNetwork = errors.New("network unreachable")

// fakeSampler hands samples to the callback synchronously when a test emits.
type fakeSampler struct {
	mu      sync.Mutex
	err     error
	handles []*fakeHandle
}

func (f *fakeSampler) Watch(_ sampler.Options, fn func(trip.Sample)) (sampler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := &fakeHandle{fn: fn}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeSampler) live() []*fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeHandle
	for _, h := range f.handles {
		if h.Running() {
			out = append(out, h)
		}
	}
	return out
}

func (f *fakeSampler) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.handles) == 0 {
		return nil
	}
	return f.handles[len(f.handles)-1]
}

// emit delivers s to the most recent watcher if it is still armed.
func (f *fakeSampler) emit(s trip.Sample) {
	if h := f.last(); h != nil && h.Running() {
		h.fn(s)
	}
}

type fakeHandle struct {
	mu      sync.Mutex
	fn      func(trip.Sample)
	removed bool
}

func (h *fakeHandle) Remove() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
}

func (h *fakeHandle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.removed
}

type fakeAPI struct {
	mu        sync.Mutex
	replies   []reply
	updates   []transport.LocationUpdate
	notices   []transport.ApproachingNotice
	noticeErr []error
	statuses  map[string]trip.Status
	tripErr   error
}

type reply struct {
	resp transport.LocationUpdateResponse
	err  error
}

func (f *fakeAPI) UpdateLocation(_ context.Context, req transport.LocationUpdate) (transport.LocationUpdateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, req)
	if len(f.replies) == 0 {
		return transport.LocationUpdateResponse{OK: true}, nil
	}
	r := f.replies[0]
	f.replies = f.replies[1:]
	return r.resp, r.err
}

func (f *fakeAPI) NotifyApproaching(_ context.Context, n transport.ApproachingNotice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.noticeErr) > 0 {
		err := f.noticeErr[0]
		f.noticeErr = f.noticeErr[1:]
		if err != nil {
			return err
		}
	}
	f.notices = append(f.notices, n)
	return nil
}

func (f *fakeAPI) Trip(_ context.Context, id string) (transport.TripInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tripErr != nil {
		return transport.TripInfo{}, f.tripErr
	}
	st, ok := f.statuses[id]
	if !ok {
		return transport.TripInfo{}, fmt.Errorf("trip %s: %w", id, transport.ErrTripNotFound)
	}
	return transport.TripInfo{ID: id, Status: st}, nil
}

func (f *fakeAPI) sentUpdates() []transport.LocationUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.LocationUpdate(nil), f.updates...)
}

func (f *fakeAPI) sentNotices() []transport.ApproachingNotice {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transport.ApproachingNotice(nil), f.notices...)
}

type recNotifier struct {
	mu        sync.Mutex
	notices   []publisher.TrackingNotice
	positions []publisher.PositionMessage
}

func (r *recNotifier) Notify(_ context.Context, n publisher.TrackingNotice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

func (r *recNotifier) PublishPosition(_ context.Context, m publisher.PositionMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions = append(r.positions, m)
	return nil
}

func (r *recNotifier) states() []publisher.NoticeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]publisher.NoticeState, 0, len(r.notices))
	for _, n := range r.notices {
		out = append(out, n.State)
	}
	return out
}

func (r *recNotifier) lastNotice() publisher.TrackingNotice {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notices[len(r.notices)-1]
}

var t0 = time.Date(2026, 10, 14, 7, 30, 0, 0, time.UTC)

type harness struct {
	c     *Controller
	mem   *store.Memory
	store *store.Store
	smp   *fakeSampler
	api   *fakeAPI
	notes *recNotifier
	m     *metrics.Collector
	now   time.Time
}

func newHarness(t *testing.T, mutate ...func(*Config, *Deps)) *harness {
	t.Helper()
	logger := log.New()
	logger.SetOutput(io.Discard)

	h := &harness{
		mem:   store.NewMemory(),
		smp:   &fakeSampler{},
		api:   &fakeAPI{statuses: map[string]trip.Status{}},
		notes: &recNotifier{},
		m:     metrics.NewCollector(),
		now:   t0,
	}
	h.store = store.New(h.mem, 0, logger)

	cfg := Config{
		Sampling:         sampler.DefaultOptions(),
		AutoFlush:        true,
		PublishPositions: true,
	}
	deps := Deps{
		Store:       h.store,
		Sampler:     h.smp,
		Permissions: sampler.Static(true),
		APIs:        func(string) (API, error) { return h.api, nil },
		Notifier:    h.notes,
		Metrics:     h.m,
		Log:         logger,
		Clock:       func() time.Time { return h.now },
	}
	for _, fn := range mutate {
		fn(&cfg, &deps)
	}
	h.c = New(cfg, deps)
	return h
}

func startReq(id string) StartRequest {
	return StartRequest{
		TripID:    id,
		VehicleID: "BUS-7",
		RouteName: "North Loop",
		APIBase:   "https://api.example.com",
		Meta: Meta{
			SchoolID:     "SCH-1",
			LicensePlate: "KR 4455",
			TripType:     trip.Pickup,
			Stops: []trip.Stop{
				{ID: "S1", Name: "Oak Street", Latitude: 50, Longitude: 20},
				{ID: "S2", Name: "Mill Lane", Latitude: 50.05, Longitude: 20},
			},
		},
	}
}

// at returns a sample roughly metersNorth metres north of (50, 20).
func at(metersNorth float64) trip.Sample {
	speed := 10.0
	return trip.Sample{
		Latitude:  50 + metersNorth/111195,
		Longitude: 20,
		Speed:     &speed,
		Timestamp: t0,
	}
}

// gatedNotifier holds PublishPosition until release is closed.
type gatedNotifier struct {
	*recNotifier
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedNotifier() *gatedNotifier {
	return &gatedNotifier{recNotifier: &recNotifier{}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedNotifier) PublishPosition(ctx context.Context, m publisher.PositionMessage) error {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.recNotifier.PublishPosition(ctx, m)
}
