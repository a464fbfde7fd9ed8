package publisher

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// LogPublisher writes notices to the log. Used when no broker is configured.
type LogPublisher struct {
	Log log.FieldLogger
}

func (p LogPublisher) logger() log.FieldLogger {
	if p.Log == nil {
		return log.StandardLogger()
	}
	return p.Log
}

func (p LogPublisher) Notify(_ context.Context, n TrackingNotice) error {
	p.logger().WithFields(log.Fields{
		"notification": n.ID,
		"state":        n.State,
		"trip":         n.TripID,
	}).Infof("%s: %s", n.Title, n.Body)
	return nil
}

func (p LogPublisher) PublishPosition(_ context.Context, msg PositionMessage) error {
	p.logger().WithFields(log.Fields{
		"trip":    msg.TripID,
		"vehicle": msg.VehicleID,
		"lat":     msg.Lat,
		"lon":     msg.Lon,
	}).Debug("position")
	return nil
}
