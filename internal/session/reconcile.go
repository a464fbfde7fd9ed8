package session

import (
	"context"
	"errors"

	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/transport"
	"transport-tracker/internal/trip"
)

type Outcome string

const (
	// OutcomeNoTrip: nothing persisted and nothing running.
	OutcomeNoTrip Outcome = "none"
	// OutcomeLeakedSampler: a sampler was running with no persisted trip.
	OutcomeLeakedSampler Outcome = "leaked-sampler"
	// OutcomeStale: the persisted trip is no longer in progress, or could not
	// be verified.
	OutcomeStale Outcome = "stale"
	OutcomeValid Outcome = "valid"
)

type ReconcileResult struct {
	Outcome Outcome
	Trip    trip.Descriptor
	// Status is the server-side status when the backend answered.
	Status trip.Status
	// Err is the verification failure that led to a stale outcome, if any.
	Err error
}

// Reconcile brings local state in line with the backend at process start. Any
// doubt about the persisted trip resolves to tearing it down.
func (c *Controller) Reconcile(ctx context.Context) ReconcileResult {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	prev := c.setState(Reconciling)
	res := c.reconcile(ctx)
	switch res.Outcome {
	case OutcomeValid:
		if c.samplerLive() {
			c.setState(Tracking)
		} else {
			c.setState(Idle)
		}
	case OutcomeNoTrip:
		c.setState(prev)
	}
	c.metrics.Reconciled(string(res.Outcome))

	c.log.WithFields(log.Fields{
		"outcome": res.Outcome,
		"trip":    res.Trip.TripID,
		"status":  res.Status,
	}).Info("reconciled tracking state")
	return res
}

func (c *Controller) reconcile(ctx context.Context) ReconcileResult {
	d, ok := c.store.ActiveTrip(ctx)
	if !ok {
		if c.samplerLive() {
			c.log.Warn("sampler running without an active trip")
			if err := c.teardown(ctx, "leaked"); err != nil {
				c.log.WithError(err).Warn("teardown incomplete")
			}
			return ReconcileResult{Outcome: OutcomeLeakedSampler}
		}
		return ReconcileResult{Outcome: OutcomeNoTrip}
	}

	res := ReconcileResult{Trip: d}
	status, err := c.tripStatus(ctx, d)
	res.Status = status
	if err == nil && status == trip.StatusInProgress {
		res.Outcome = OutcomeValid
		return res
	}
	res.Outcome, res.Err = OutcomeStale, err
	if err := c.teardown(ctx, "stale"); err != nil {
		c.log.WithError(err).Warn("teardown incomplete")
	}
	return res
}

func (c *Controller) tripStatus(ctx context.Context, d trip.Descriptor) (trip.Status, error) {
	api, err := c.apiFor(d.APIBase)
	if err != nil {
		return "", err
	}
	info, err := api.Trip(ctx, d.TripID)
	if err != nil {
		return "", err
	}
	return info.Status, nil
}

// Verify checks the persisted trip against the backend on demand and reports
// whether it is still in progress. Anything else, a failed lookup included,
// clears local state; the lookup error is still returned.
func (c *Controller) Verify(ctx context.Context) (alive bool, err error) {
	d, ok := c.store.ActiveTrip(ctx)
	if !ok {
		return false, nil
	}
	status, err := c.tripStatus(ctx, d)
	switch {
	case errors.Is(err, transport.ErrTripNotFound):
		err = nil
	case err != nil:
		c.log.WithError(err).WithField("trip", d.TripID).Warn("trip status unavailable, clearing")
	case status == trip.StatusInProgress:
		return true, nil
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	// Only clear the trip that was checked; a new one may have started since.
	if cur, ok := c.store.ActiveTrip(ctx); ok && cur.TripID == d.TripID {
		if terr := c.teardown(ctx, "stale"); terr != nil {
			c.log.WithError(terr).Warn("teardown incomplete")
		}
	}
	return false, err
}
