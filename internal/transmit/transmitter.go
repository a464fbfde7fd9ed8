package transmit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/transport"
	"transport-tracker/internal/trip"
)

type LocationAPI interface {
	UpdateLocation(ctx context.Context, req transport.LocationUpdate) (transport.LocationUpdateResponse, error)
}

// Queue holds samples that could not be delivered.
type Queue interface {
	Enqueue(ctx context.Context, e trip.QueueEntry) error
	DequeueAll(ctx context.Context) ([]trip.QueueEntry, error)
	Requeue(ctx context.Context, entries []trip.QueueEntry) error
	QueueLen(ctx context.Context) int
}

type Metrics interface {
	TransmitObserve(d time.Duration, err error)
	Queued(depth int)
	Flushed(sent, dropped, depth int)
	ServerStop()
}

// Context carries the identifiers every update is tagged with.
type Context struct {
	TripID    string
	VehicleID string
}

type Result int

const (
	Delivered Result = iota
	ServerStop
	Queued
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case ServerStop:
		return "server-stop"
	case Queued:
		return "queued"
	}
	return "unknown"
}

type FlushResult struct {
	Sent     int
	Dropped  int
	Requeued int
	// StopRequested is set when the API answered a resent sample with shouldStop.
	StopRequested bool
	Err           error
}

type Transmitter struct {
	api     LocationAPI
	queue   Queue
	metrics Metrics
	log     log.FieldLogger

	// RequeueOnFailure puts the unsent tail of an aborted flush back on the
	// queue instead of discarding it.
	RequeueOnFailure bool

	flushMu sync.Mutex
}

func New(api LocationAPI, q Queue, m Metrics, logger log.FieldLogger) *Transmitter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Transmitter{api: api, queue: q, metrics: m, log: logger.WithField("component", "transmit")}
}

// Send delivers one sample. Transport and server failures are absorbed by
// queueing the sample; they are never returned.
func (t *Transmitter) Send(ctx context.Context, s trip.Sample, tc Context) Result {
	resp, err := t.post(ctx, s, tc)
	if err != nil {
		t.log.WithError(err).WithField("trip", tc.TripID).Warn("location update failed, queueing")
		if qerr := t.queue.Enqueue(ctx, trip.EntryFromSample(s)); qerr != nil {
			t.log.WithError(qerr).Error("could not queue sample")
		} else if t.metrics != nil {
			t.metrics.Queued(t.queue.QueueLen(ctx))
		}
		return Queued
	}
	if resp.ShouldStop {
		if t.metrics != nil {
			t.metrics.ServerStop()
		}
		return ServerStop
	}
	return Delivered
}

// Flush resends every queued sample in order, one at a time, and stops at the
// first failure. The queue is emptied when the flush begins; entries not sent
// are discarded unless RequeueOnFailure is set.
func (t *Transmitter) Flush(ctx context.Context, tc Context) FlushResult {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	var res FlushResult
	entries, err := t.queue.DequeueAll(ctx)
	if err != nil {
		res.Err = err
		return res
	}
	if len(entries) == 0 {
		return res
	}
	logger := t.log.WithFields(log.Fields{"trip": tc.TripID, "queued": len(entries)})

	for i, e := range entries {
		resp, err := t.post(ctx, e.Sample(), tc)
		if err != nil {
			res.Err = err
			rest := entries[i:]
			if t.RequeueOnFailure {
				if qerr := t.queue.Requeue(ctx, rest); qerr != nil {
					logger.WithError(qerr).Error("requeue failed")
					res.Dropped = len(rest)
				} else {
					res.Requeued = len(rest)
				}
			} else {
				res.Dropped = len(rest)
			}
			logger.WithError(err).WithFields(log.Fields{"sent": res.Sent, "dropped": res.Dropped, "requeued": res.Requeued}).Warn("flush aborted")
			break
		}
		res.Sent++
		if resp.ShouldStop {
			res.StopRequested = true
			res.Dropped = len(entries) - i - 1
			if t.metrics != nil {
				t.metrics.ServerStop()
			}
			break
		}
	}
	if t.metrics != nil {
		t.metrics.Flushed(res.Sent, res.Dropped, t.queue.QueueLen(ctx))
	}
	if res.Err == nil {
		logger.WithField("sent", res.Sent).Info("queue flushed")
	}
	return res
}

func (t *Transmitter) post(ctx context.Context, s trip.Sample, tc Context) (transport.LocationUpdateResponse, error) {
	req := transport.LocationUpdate{
		VehicleID: tc.VehicleID,
		TripID:    tc.TripID,
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Accuracy:  s.Accuracy,
	}
	if !s.Timestamp.IsZero() {
		req.Timestamp = s.Timestamp.UTC().Format(time.RFC3339)
	}
	start := time.Now()
	resp, err := t.api.UpdateLocation(ctx, req)
	if t.metrics != nil {
		t.metrics.TransmitObserve(time.Since(start), err)
	}
	return resp, err
}
