package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// TrackingNotificationID identifies the single "trip active" notification.
// Every update for a session reuses it so consumers replace rather than stack.
const TrackingNotificationID = "trip-tracking"

type NoticeState string

const (
	NoticeActive    NoticeState = "active"
	NoticeUpdated   NoticeState = "updated"
	NoticeDismissed NoticeState = "dismissed"
)

type TrackingNotice struct {
	ID             string      `json:"id"`
	State          NoticeState `json:"state"`
	TripID         string      `json:"tripId"`
	VehicleID      string      `json:"vehicleId"`
	RouteName      string      `json:"routeName,omitempty"`
	Title          string      `json:"title"`
	Body           string      `json:"body"`
	ElapsedSeconds int64       `json:"elapsedSeconds"`
	SpeedKmh       *float64    `json:"speedKmh,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
}

type PositionMessage struct {
	TripID    string    `json:"tripId"`
	RouteID   string    `json:"routeId"`
	VehicleID string    `json:"vehicleId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	Progress  float64   `json:"progress"`
	SpeedMps  float64   `json:"speedMps"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

type NATSPublisher struct {
	nc          *nats.Conn
	prefix      string
	logSubjects bool
	metrics     PublisherMetrics
}

// Connect dials NATS with handlers that keep the connected gauge current.
func Connect(url, name string, m PublisherMetrics) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Info("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Info("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

func NewNATSPublisher(nc *nats.Conn, prefix string, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	if prefix == "" {
		prefix = "transport"
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
	}
}

func (p *NATSPublisher) NotificationSubject(tripID string) string {
	return fmt.Sprintf("%s.notifications.%s", p.prefix, SubjectToken(tripID))
}

func (p *NATSPublisher) PositionSubject(vehicleID, tripID string) string {
	return fmt.Sprintf("%s.positions.%s.%s", p.prefix, SubjectToken(vehicleID), SubjectToken(tripID))
}

func (p *NATSPublisher) Notify(_ context.Context, n TrackingNotice) error {
	return p.publish(p.NotificationSubject(n.TripID), n)
}

func (p *NATSPublisher) PublishPosition(_ context.Context, msg PositionMessage) error {
	return p.publish(p.PositionSubject(msg.VehicleID, msg.TripID), msg)
}

func (p *NATSPublisher) publish(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.WithField("subject", subject).Debug("nats publish")
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	return err
}

// SubjectToken makes s safe to use as a single NATS subject token.
func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
