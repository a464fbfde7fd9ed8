package main

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transport-tracker/internal/config"
	"transport-tracker/internal/sampler"
	"transport-tracker/internal/session"
	"transport-tracker/internal/store"
	"transport-tracker/internal/trip"
)

func quietLogger() *log.Logger {
	l := log.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() *config.Config {
	return &config.Config{
		APIBaseURL:         "http://127.0.0.1:1",
		APITimeout:         time.Second,
		StoreBackend:       "memory",
		PositionSource:     "replay",
		ReplaySpeedMps:     8,
		SampleInterval:     10 * time.Second,
		SampleDistance:     20,
		PollInterval:       time.Second,
		ImminentRadius:     150,
		ApproachingRadius:  500,
		QueueCapacity:      10,
		LocationPermission: true,
	}
}

var route = []trip.Stop{
	{ID: "S1", Latitude: 50, Longitude: 20},
	{ID: "S2", Latitude: 50.01, Longitude: 20},
}

func TestOpenBackendMemory(t *testing.T) {
	for _, name := range []string{"memory", ""} {
		t.Run("backend "+name, func(t *testing.T) {
			cfg := testConfig()
			cfg.StoreBackend = name
			b, closeFn, err := openBackend(context.Background(), cfg, quietLogger())
			require.NoError(t, err)
			require.NotNil(t, closeFn)
			defer closeFn()
			assert.IsType(t, &store.Memory{}, b)
		})
	}
}

func TestProviderSelection(t *testing.T) {
	cases := []struct {
		name    string
		source  string
		stops   []trip.Stop
		wantErr string
	}{
		{name: "replay", source: "replay", stops: route},
		{name: "replay without stops", source: "replay", wantErr: "at least one stop"},
		{name: "nats without connection", source: "nats", stops: route, wantErr: "requires NATS_URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.PositionSource = tc.source
			e := &env{cfg: cfg, log: quietLogger()}
			p, err := e.provider(tc.stops)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &sampler.RouteReplay{}, p)
			assert.Empty(t, e.closers)
		})
	}
}

func TestNewEnvWithoutBroker(t *testing.T) {
	e, err := newEnv(context.Background(), testConfig(), quietLogger())
	require.NoError(t, err)
	defer e.close()

	assert.NotNil(t, e.store)
	assert.Nil(t, e.nc)
	assert.Nil(t, e.metrics)
	assert.Len(t, e.closers, 1)
}

func TestControllerWithoutProviderCannotTrack(t *testing.T) {
	ctx := context.Background()
	e, err := newEnv(ctx, testConfig(), quietLogger())
	require.NoError(t, err)
	defer e.close()

	c := e.controller(nil)
	err = c.Start(ctx, session.StartRequest{TripID: "T1", VehicleID: "BUS-7"})
	assert.ErrorContains(t, err, "no position source")
	assert.False(t, c.IsActive())
	_, ok := c.ActiveTrip(ctx)
	assert.False(t, ok)
}

func TestReadStops(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "stops.json")
	require.NoError(t, os.WriteFile(good, []byte(`[{"id":"S1","name":"Oak Street","latitude":50,"longitude":20}]`), 0o600))
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{`), 0o600))

	stops, err := readStops(good)
	require.NoError(t, err)
	require.Len(t, stops, 1)
	assert.Equal(t, "S1", stops[0].ID)
	assert.Equal(t, 50.0, stops[0].Latitude)

	_, err = readStops(bad)
	assert.ErrorContains(t, err, "parse")
	_, err = readStops(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
