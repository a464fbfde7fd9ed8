package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/config"
	"transport-tracker/internal/db"
	"transport-tracker/internal/geofence"
	"transport-tracker/internal/metrics"
	"transport-tracker/internal/publisher"
	"transport-tracker/internal/sampler"
	"transport-tracker/internal/session"
	"transport-tracker/internal/store"
	"transport-tracker/internal/transport"
	"transport-tracker/internal/trip"
)

// env holds everything built from configuration, plus the closers to run on
// exit in reverse order.
type env struct {
	cfg     *config.Config
	log     *log.Logger
	store   *store.Store
	metrics *metrics.Collector
	nc      *nats.Conn
	closers []func()
}

func (e *env) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

func openBackend(ctx context.Context, cfg *config.Config, logger log.FieldLogger) (store.Backend, func(), error) {
	switch cfg.StoreBackend {
	case "postgres":
		sqlDB, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("db open: %w", err)
		}
		if err := db.Ping(ctx, sqlDB); err != nil {
			sqlDB.Close()
			return nil, nil, fmt.Errorf("db ping: %w", err)
		}
		kv, err := db.NewKV(sqlDB, cfg.StateTable)
		if err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		if err := kv.EnsureSchema(ctx); err != nil {
			sqlDB.Close()
			return nil, nil, err
		}
		logger.WithField("table", cfg.StateTable).Info("using postgres state store")
		return kv, func() { sqlDB.Close() }, nil
	case "redis":
		r, err := store.NewRedis(cfg.RedisURL, cfg.RedisPrefix)
		if err != nil {
			return nil, nil, err
		}
		if err := r.Ping(ctx); err != nil {
			_ = r.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("using redis state store")
		return r, func() { _ = r.Close() }, nil
	default:
		logger.Warn("using in-memory state store, trip state will not survive a restart")
		return store.NewMemory(), func() {}, nil
	}
}

func newEnv(ctx context.Context, cfg *config.Config, logger *log.Logger) (*env, error) {
	e := &env{cfg: cfg, log: logger}

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, closeBackend)
	e.store = store.New(backend, cfg.QueueCapacity, logger)

	if cfg.MetricsAddr != "" {
		e.metrics = metrics.NewCollector()
		srv := e.metrics.Serve(cfg.MetricsAddr)
		e.closers = append(e.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.NATSURL != "" {
		nc, err := publisher.Connect(cfg.NATSURL, "transport-tracker", e.metrics)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		e.nc = nc
		e.closers = append(e.closers, func() { _ = nc.Drain() })
	}
	return e, nil
}

func (e *env) notifier() session.Notifier {
	if e.nc == nil {
		return publisher.LogPublisher{Log: e.log}
	}
	return publisher.NewNATSPublisher(e.nc, e.cfg.NATSSubjectPrefix, e.cfg.LogNATSSubjects, e.metrics)
}

// provider picks the position source. Replay needs the stop list to drive along.
func (e *env) provider(stops []trip.Stop) (sampler.Provider, error) {
	switch e.cfg.PositionSource {
	case "nats":
		if e.nc == nil {
			return nil, errors.New("position source nats requires NATS_URL")
		}
		p, err := sampler.NewNATSProvider(e.nc, e.cfg.PositionSubject, e.cfg.PositionMaxAge, e.log)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, func() { _ = p.Close() })
		return p, nil
	default:
		return sampler.NewRouteReplay(stops, e.cfg.ReplaySpeedMps)
	}
}

func (e *env) apiFactory() session.APIFactory {
	return func(base string) (session.API, error) {
		c, err := transport.NewClient(base, e.cfg.APIToken, e.cfg.APITimeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// controller builds a session controller. With a nil provider the controller
// can inspect, reconcile and clear state but not track.
func (e *env) controller(p sampler.Provider) *session.Controller {
	var smp session.Sampler = noSampler{}
	if p != nil {
		smp = &sampler.Watcher{Provider: p, Log: e.log}
	}
	var m session.Metrics
	if e.metrics != nil {
		m = e.metrics
	}
	return session.New(session.Config{
		Sampling: sampler.Options{
			TimeInterval:     e.cfg.SampleInterval,
			DistanceInterval: e.cfg.SampleDistance,
			PollInterval:     e.cfg.PollInterval,
		},
		Thresholds: geofence.Thresholds{
			Imminent:    e.cfg.ImminentRadius,
			Approaching: e.cfg.ApproachingRadius,
		},
		DefaultAPIBase:   e.cfg.APIBaseURL,
		AutoFlush:        e.cfg.AutoFlush,
		RequeueOnFailure: e.cfg.RequeueOnFailure,
		PublishPositions: e.nc != nil,
	}, session.Deps{
		Store:       e.store,
		Sampler:     smp,
		Permissions: sampler.Static(e.cfg.LocationPermission),
		APIs:        e.apiFactory(),
		Notifier:    e.notifier(),
		Metrics:     m,
		Log:         e.log,
	})
}

type noSampler struct{}

func (noSampler) Watch(sampler.Options, func(trip.Sample)) (sampler.Handle, error) {
	return nil, errors.New("no position source configured")
}

func readStops(path string) ([]trip.Stop, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var stops []trip.Stop
	if err := json.Unmarshal(data, &stops); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return stops, nil
}
