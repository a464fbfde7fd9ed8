package sampler

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/geofence"
	"transport-tracker/internal/trip"
)

var (
	ErrPermissionDenied = errors.New("foreground location permission denied")
	ErrNoFix            = errors.New("no position fix available")
)

// Provider returns the device's current position.
type Provider interface {
	Current(ctx context.Context) (trip.Sample, error)
}

// Permissions gates access to the position provider.
type Permissions interface {
	RequestForeground(ctx context.Context) (bool, error)
}

// Static is a Permissions answer fixed by configuration.
type Static bool

func (s Static) RequestForeground(context.Context) (bool, error) { return bool(s), nil }

type Options struct {
	// A sample is emitted when either threshold is crossed since the last emission.
	TimeInterval     time.Duration
	DistanceInterval float64 // meters
	// PollInterval is how often the provider is read.
	PollInterval time.Duration
}

func DefaultOptions() Options {
	return Options{TimeInterval: 10 * time.Second, DistanceInterval: 20, PollInterval: time.Second}
}

// Handle controls one armed watch.
type Handle interface {
	// Remove disarms the watch without waiting for a callback in progress,
	// which is left to finish. Safe to call repeatedly.
	Remove()
	Running() bool
}

// Watcher arms position watches on a provider.
type Watcher struct {
	Provider Provider
	Log      log.FieldLogger
}

// Watch starts polling and calls fn with each emitted sample. Calls to fn are
// sequential: the next poll happens only after fn returns.
func (w *Watcher) Watch(opts Options, fn func(trip.Sample)) (Handle, error) {
	if w.Provider == nil {
		return nil, errors.New("sampler: no provider")
	}
	def := DefaultOptions()
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.TimeInterval <= 0 {
		opts.TimeInterval = def.TimeInterval
	}
	if opts.DistanceInterval <= 0 {
		opts.DistanceInterval = def.DistanceInterval
	}
	logger := w.Log
	if logger == nil {
		logger = log.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &watch{cancel: cancel, done: make(chan struct{})}
	go h.loop(ctx, w.Provider, opts, fn, logger)
	return h, nil
}

type watch struct {
	mu      sync.Mutex
	removed bool
	cancel  context.CancelFunc
	done    chan struct{}

	last    trip.Sample
	emitted bool
}

func (h *watch) Remove() {
	h.mu.Lock()
	h.removed = true
	h.mu.Unlock()
	h.cancel()
}

func (h *watch) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *watch) armed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.removed
}

func (h *watch) loop(ctx context.Context, p Provider, opts Options, fn func(trip.Sample), logger log.FieldLogger) {
	defer close(h.done)
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		s, err := p.Current(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			if !errors.Is(err, ErrNoFix) {
				logger.WithError(err).Warn("position read failed")
			}
		default:
			if s.Timestamp.IsZero() {
				s.Timestamp = time.Now()
			}
			if !h.due(s, opts) {
				break
			}
			if !h.armed() {
				return
			}
			h.last, h.emitted = s, true
			fn(s)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// due reports whether s crosses the time or distance threshold.
func (h *watch) due(s trip.Sample, opts Options) bool {
	if !h.emitted {
		return true
	}
	if s.Timestamp.Sub(h.last.Timestamp) >= opts.TimeInterval {
		return true
	}
	d := geofence.DistanceMeters(h.last.Latitude, h.last.Longitude, s.Latitude, s.Longitude)
	return d >= opts.DistanceInterval
}
