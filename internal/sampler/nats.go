package sampler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/publisher"
	"transport-tracker/internal/trip"
)

// NATSProvider serves the most recent fix received on a NATS subject. Fixes
// are publisher.PositionMessage JSON, the format the vehicle simulator emits.
type NATSProvider struct {
	sub    *nats.Subscription
	maxAge time.Duration
	now    func() time.Time
	log    log.FieldLogger

	mu     sync.Mutex
	latest trip.Sample
	has    bool
}

// NewNATSProvider subscribes to subject. Fixes older than maxAge are not
// served; zero disables the check.
func NewNATSProvider(nc *nats.Conn, subject string, maxAge time.Duration, logger log.FieldLogger) (*NATSProvider, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	p := &NATSProvider{maxAge: maxAge, now: time.Now, log: logger.WithField("subject", subject)}
	sub, err := nc.Subscribe(subject, p.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	p.sub = sub
	return p, nil
}

func (p *NATSProvider) handle(m *nats.Msg) {
	var pm publisher.PositionMessage
	if err := json.Unmarshal(m.Data, &pm); err != nil {
		p.log.WithError(err).Debug("dropping undecodable fix")
		return
	}
	s := trip.Sample{
		Latitude:  pm.Lat,
		Longitude: pm.Lon,
		Timestamp: pm.Timestamp,
		Accuracy:  pm.Accuracy,
	}
	speed, bearing := pm.SpeedMps, pm.Bearing
	s.Speed, s.Heading = &speed, &bearing
	if s.Timestamp.IsZero() {
		s.Timestamp = p.now()
	}
	p.mu.Lock()
	if !p.has || !s.Timestamp.Before(p.latest.Timestamp) {
		p.latest, p.has = s, true
	}
	p.mu.Unlock()
}

func (p *NATSProvider) Current(context.Context) (trip.Sample, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.has {
		return trip.Sample{}, ErrNoFix
	}
	if p.maxAge > 0 && p.now().Sub(p.latest.Timestamp) > p.maxAge {
		return trip.Sample{}, ErrNoFix
	}
	return p.latest, nil
}

func (p *NATSProvider) Close() error {
	if p.sub == nil {
		return nil
	}
	return p.sub.Unsubscribe()
}
