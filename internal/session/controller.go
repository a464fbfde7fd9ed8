package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"transport-tracker/internal/geofence"
	"transport-tracker/internal/publisher"
	"transport-tracker/internal/sampler"
	"transport-tracker/internal/store"
	"transport-tracker/internal/transmit"
	"transport-tracker/internal/transport"
	"transport-tracker/internal/trip"
)

var (
	ErrInvalidRequest = errors.New("invalid start request")
	ErrNoActiveTrip   = errors.New("no active trip")
)

type State int

const (
	Idle State = iota
	Starting
	Tracking
	Stopping
	Reconciling
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Tracking:
		return "tracking"
	case Stopping:
		return "stopping"
	case Reconciling:
		return "reconciling"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// API is the subset of the REST backend a session needs.
type API interface {
	transmit.LocationAPI
	NotifyApproaching(ctx context.Context, n transport.ApproachingNotice) error
	Trip(ctx context.Context, tripID string) (transport.TripInfo, error)
}

// APIFactory returns a client for the given base URL.
type APIFactory func(baseURL string) (API, error)

type Sampler interface {
	Watch(opts sampler.Options, fn func(trip.Sample)) (sampler.Handle, error)
}

type Notifier interface {
	Notify(ctx context.Context, n publisher.TrackingNotice) error
	PublishPosition(ctx context.Context, msg publisher.PositionMessage) error
}

type Metrics interface {
	transmit.Metrics
	StopNotice(sent bool)
	SessionStarted()
	SessionStopped(reason string)
	Reconciled(outcome string)
}

type Config struct {
	Sampling   sampler.Options
	Thresholds geofence.Thresholds
	// DefaultAPIBase is used when a start request names no base URL.
	DefaultAPIBase string
	// AutoFlush resends the retry queue after a live sample is delivered.
	AutoFlush        bool
	RequeueOnFailure bool
	PublishPositions bool
}

type Deps struct {
	Store       *store.Store
	Sampler     Sampler
	Permissions sampler.Permissions
	APIs        APIFactory
	Notifier    Notifier
	Metrics     Metrics
	Log         log.FieldLogger
	Clock       func() time.Time
}

type Meta struct {
	SchoolID     string
	LicensePlate string
	TripType     trip.Type
	Stops        []trip.Stop
}

type StartRequest struct {
	TripID    string
	VehicleID string
	RouteName string
	APIBase   string
	Meta      Meta
}

func (r StartRequest) validate() error {
	var missing []string
	if strings.TrimSpace(r.TripID) == "" {
		missing = append(missing, "trip id")
	}
	if strings.TrimSpace(r.VehicleID) == "" {
		missing = append(missing, "vehicle id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	switch r.Meta.TripType {
	case "", trip.Pickup, trip.Drop:
	default:
		return fmt.Errorf("%w: unknown trip type %q", ErrInvalidRequest, r.Meta.TripType)
	}
	return nil
}

// session is the in-memory token for one armed sampler. Cancelling it makes
// every later step of its sample pipeline a no-op.
type session struct {
	desc   trip.Descriptor
	api    API
	tx     *transmit.Transmitter
	ctx    context.Context
	cancel context.CancelFunc
	log    log.FieldLogger

	// noticeMu orders tracking notices against the dismissal in teardown.
	noticeMu sync.Mutex
}

func (s *session) cancelled() bool { return s.ctx.Err() != nil }

func (s *session) transmitContext() transmit.Context {
	return transmit.Context{TripID: s.desc.TripID, VehicleID: s.desc.VehicleID}
}

// Controller owns the single tracking session of the process.
type Controller struct {
	cfg      Config
	store    *store.Store
	sampler  Sampler
	perms    sampler.Permissions
	apis     APIFactory
	notifier Notifier
	metrics  Metrics
	log      log.FieldLogger
	now      func() time.Time

	// opMu serializes Start, Stop, Shutdown and reconciliation.
	opMu sync.Mutex

	mu       sync.Mutex
	state    State
	tracking bool
	handle   sampler.Handle
	current  *session
}

func New(cfg Config, d Deps) *Controller {
	if cfg.Thresholds == (geofence.Thresholds{}) {
		cfg.Thresholds = geofence.DefaultThresholds()
	}
	c := &Controller{
		cfg:      cfg,
		store:    d.Store,
		sampler:  d.Sampler,
		perms:    d.Permissions,
		apis:     d.APIs,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log,
		now:      d.Clock,
	}
	if c.perms == nil {
		c.perms = sampler.Static(true)
	}
	if c.log == nil {
		c.log = log.StandardLogger()
	}
	if c.notifier == nil {
		c.notifier = publisher.LogPublisher{Log: c.log}
	}
	if c.metrics == nil {
		c.metrics = noopMetrics{}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) State {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()
	return prev
}

// IsActive reports whether a sampler is armed and the tracking flag agrees.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil && c.tracking && c.handle.Running()
}

func (c *Controller) samplerLive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil && c.handle.Running()
}

func (c *Controller) ActiveTrip(ctx context.Context) (trip.Descriptor, bool) {
	return c.store.ActiveTrip(ctx)
}

func (c *Controller) StopSet(ctx context.Context) (trip.StopSet, bool) {
	d, ok := c.store.ActiveTrip(ctx)
	if !ok {
		return trip.StopSet{}, false
	}
	return c.store.StopSet(ctx, d.TripID)
}

// CompleteStop marks a stop of the active trip as serviced so it no longer
// triggers proximity notifications.
func (c *Controller) CompleteStop(ctx context.Context, stopID string) error {
	d, ok := c.store.ActiveTrip(ctx)
	if !ok {
		return ErrNoActiveTrip
	}
	return c.store.CompleteStop(ctx, d.TripID, stopID)
}

func (c *Controller) QueueLen(ctx context.Context) int {
	return c.store.QueueLen(ctx)
}

func (c *Controller) apiFor(base string) (API, error) {
	if base == "" {
		base = c.cfg.DefaultAPIBase
	}
	if c.apis == nil {
		return nil, errors.New("no API configured")
	}
	return c.apis(base)
}

// Start begins tracking a trip. Only a denied location permission, an invalid
// request or a failure to persist the trip is reported; any earlier session is
// replaced.
func (c *Controller) Start(ctx context.Context, req StartRequest) error {
	if err := req.validate(); err != nil {
		return err
	}
	if req.Meta.TripType == "" {
		req.Meta.TripType = trip.Pickup
	}
	desc := trip.Descriptor{
		TripID:       req.TripID,
		VehicleID:    req.VehicleID,
		RouteName:    req.RouteName,
		SchoolID:     req.Meta.SchoolID,
		LicensePlate: req.Meta.LicensePlate,
		TripType:     req.Meta.TripType,
		APIBase:      req.APIBase,
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	desc.StartedAt = c.now()
	return c.start(ctx, desc, req.Meta.Stops)
}

// Resume re-arms tracking for the persisted trip, keeping its start time.
func (c *Controller) Resume(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	desc, ok := c.store.ActiveTrip(ctx)
	if !ok {
		return ErrNoActiveTrip
	}
	c.mu.Lock()
	same := c.current != nil && c.current.desc.TripID == desc.TripID && c.tracking
	c.mu.Unlock()
	if same {
		return nil
	}
	return c.start(ctx, desc, nil)
}

// start must be called with opMu held.
func (c *Controller) start(ctx context.Context, desc trip.Descriptor, stops []trip.Stop) error {
	logger := c.log.WithFields(log.Fields{"trip": desc.TripID, "vehicle": desc.VehicleID})

	api, err := c.apiFor(desc.APIBase)
	if err != nil {
		return fmt.Errorf("start trip %s: %w", desc.TripID, err)
	}

	prev := c.setState(Starting)
	granted, err := c.perms.RequestForeground(ctx)
	if err != nil || !granted {
		c.setState(prev)
		if err != nil {
			return fmt.Errorf("start trip %s: %w: %v", desc.TripID, sampler.ErrPermissionDenied, err)
		}
		return fmt.Errorf("start trip %s: %w", desc.TripID, sampler.ErrPermissionDenied)
	}

	prevDesc, hadPrev := c.store.ActiveTrip(ctx)
	if err := c.store.SaveActiveTrip(ctx, desc); err != nil {
		c.setState(prev)
		return fmt.Errorf("persist active trip: %w", err)
	}
	if len(stops) > 0 {
		if err := c.store.SaveStopSet(ctx, desc.TripID, trip.StopSet{Stops: stops}); err != nil {
			logger.WithError(err).Warn("could not persist stop list")
		}
	}

	// Never two watchers: the previous one is disarmed before a new one exists.
	c.mu.Lock()
	oldHandle, oldSess := c.handle, c.current
	c.handle, c.current, c.tracking = nil, nil, false
	c.mu.Unlock()
	if oldSess != nil {
		oldSess.cancel()
	}
	if oldHandle != nil {
		oldHandle.Remove()
		logger.Debug("replaced previous watcher")
	}
	for _, id := range replacedTrips(desc.TripID, oldSess, prevDesc, hadPrev) {
		if err := c.store.ClearTrip(ctx, id); err != nil {
			logger.WithError(err).WithField("replaced", id).Warn("could not clear replaced trip")
		}
	}

	sctx, cancel := context.WithCancel(context.Background())
	sess := &session{desc: desc, api: api, ctx: sctx, cancel: cancel, log: logger}
	sess.tx = transmit.New(api, c.store, c.metrics, logger)
	sess.tx.RequeueOnFailure = c.cfg.RequeueOnFailure

	c.mu.Lock()
	c.current = sess
	c.mu.Unlock()

	h, err := c.sampler.Watch(c.cfg.Sampling, func(s trip.Sample) { c.onSample(sess, s) })
	if err != nil {
		cancel()
		c.mu.Lock()
		c.current = nil
		c.state = Idle
		c.mu.Unlock()
		if cerr := c.store.ClearActiveTrip(ctx); cerr != nil {
			logger.WithError(cerr).Warn("could not clear active trip")
		}
		return fmt.Errorf("arm sampler: %w", err)
	}

	c.mu.Lock()
	if sess.cancelled() {
		// Torn down by its own first sample before we got here.
		c.mu.Unlock()
		h.Remove()
		return nil
	}
	c.handle = h
	c.tracking = true
	c.state = Tracking
	c.mu.Unlock()

	c.metrics.SessionStarted()
	c.notify(ctx, sess, publisher.NoticeActive, nil)
	logger.WithField("route", desc.RouteName).Info("tracking started")
	return nil
}

// replacedTrips lists the trips a new start for tripID supersedes. A restart
// of the same trip keeps its stop progress.
func replacedTrips(tripID string, old *session, prev trip.Descriptor, hadPrev bool) []string {
	var ids []string
	if old != nil && old.desc.TripID != tripID {
		ids = append(ids, old.desc.TripID)
	}
	if hadPrev && prev.TripID != tripID && (old == nil || prev.TripID != old.desc.TripID) {
		ids = append(ids, prev.TripID)
	}
	return ids
}

// Stop ends tracking and clears all persisted trip state. Calling it with
// nothing active does nothing.
func (c *Controller) Stop(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	active := c.current != nil || c.handle != nil
	c.mu.Unlock()
	_, persisted := c.store.ActiveTrip(ctx)
	if !active && !persisted {
		return nil
	}
	return c.teardown(ctx, "client")
}

// Shutdown disarms the sampler but leaves the persisted trip in place so the
// next process start can reconcile or resume it.
func (c *Controller) Shutdown() {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	sess, h := c.current, c.handle
	c.current, c.handle, c.tracking = nil, nil, false
	c.state = Idle
	c.mu.Unlock()
	if sess != nil {
		sess.cancel()
	}
	if h != nil {
		h.Remove()
	}
}

// stopSession tears down sess if it is still the current session.
func (c *Controller) stopSession(sess *session, reason string) {
	sess.cancel()
	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	current := c.current == sess
	c.mu.Unlock()
	if !current {
		return
	}
	if err := c.teardown(context.Background(), reason); err != nil {
		sess.log.WithError(err).Warn("teardown incomplete")
	}
}

// teardown must be called with opMu held.
func (c *Controller) teardown(ctx context.Context, reason string) error {
	c.mu.Lock()
	sess, h := c.current, c.handle
	c.current, c.handle, c.tracking = nil, nil, false
	c.state = Stopping
	c.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}
	if h != nil {
		h.Remove()
	}
	if sess != nil {
		// Waits out a notice already in flight; later ones see the cancel.
		sess.noticeMu.Lock()
		defer sess.noticeMu.Unlock()
	}

	tripIDs := make([]string, 0, 2)
	if sess != nil {
		tripIDs = append(tripIDs, sess.desc.TripID)
	}
	if d, ok := c.store.ActiveTrip(ctx); ok && (sess == nil || d.TripID != sess.desc.TripID) {
		tripIDs = append(tripIDs, d.TripID)
	}

	var errs []error
	if err := c.store.ClearActiveTrip(ctx); err != nil {
		errs = append(errs, fmt.Errorf("clear active trip: %w", err))
	}
	for _, id := range tripIDs {
		if err := c.store.ClearTrip(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("clear trip %s: %w", id, err))
		}
		n := publisher.TrackingNotice{
			ID:        publisher.TrackingNotificationID,
			State:     publisher.NoticeDismissed,
			TripID:    id,
			Title:     "Trip ended",
			Body:      "Location sharing has stopped.",
			Timestamp: c.now(),
		}
		if sess != nil {
			n.VehicleID, n.RouteName = sess.desc.VehicleID, sess.desc.RouteName
		}
		if err := c.notifier.Notify(ctx, n); err != nil {
			c.log.WithError(err).WithField("trip", id).Debug("dismiss notification failed")
		}
	}

	c.setState(Idle)
	c.metrics.SessionStopped(reason)
	c.log.WithFields(log.Fields{"trips": tripIDs, "reason": reason}).Info("tracking stopped")
	return errors.Join(errs...)
}

// FlushQueue resends queued samples for the active trip.
func (c *Controller) FlushQueue(ctx context.Context) transmit.FlushResult {
	c.mu.Lock()
	sess := c.current
	c.mu.Unlock()

	var tx *transmit.Transmitter
	var tc transmit.Context
	if sess != nil {
		tx, tc = sess.tx, sess.transmitContext()
	} else {
		d, ok := c.store.ActiveTrip(ctx)
		if !ok {
			return transmit.FlushResult{}
		}
		api, err := c.apiFor(d.APIBase)
		if err != nil {
			return transmit.FlushResult{Err: err}
		}
		tx = transmit.New(api, c.store, c.metrics, c.log)
		tx.RequeueOnFailure = c.cfg.RequeueOnFailure
		tc = transmit.Context{TripID: d.TripID, VehicleID: d.VehicleID}
	}

	res := tx.Flush(ctx, tc)
	if res.StopRequested {
		if sess != nil {
			c.stopSession(sess, "server")
		} else {
			c.opMu.Lock()
			if err := c.teardown(ctx, "server"); err != nil {
				c.log.WithError(err).Warn("teardown incomplete")
			}
			c.opMu.Unlock()
		}
	}
	return res
}

func (c *Controller) onSample(sess *session, s trip.Sample) {
	if sess.cancelled() {
		return
	}
	ctx := context.Background()

	d, ok := c.store.ActiveTrip(ctx)
	if !ok || d.TripID != sess.desc.TripID {
		sess.log.Info("active trip no longer persisted, stopping")
		c.stopSession(sess, "vanished")
		return
	}

	switch sess.tx.Send(ctx, s, sess.transmitContext()) {
	case transmit.ServerStop:
		sess.log.Info("server requested stop")
		c.stopSession(sess, "server")
		return
	case transmit.Delivered:
		if c.cfg.AutoFlush && c.store.QueueLen(ctx) > 0 {
			if res := sess.tx.Flush(ctx, sess.transmitContext()); res.StopRequested {
				sess.log.Info("server requested stop during flush")
				c.stopSession(sess, "server")
				return
			}
		}
	}
	if sess.cancelled() {
		return
	}

	if c.cfg.PublishPositions {
		c.publishPosition(ctx, sess, s)
	}
	c.notify(ctx, sess, publisher.NoticeUpdated, &s)
	c.checkStops(ctx, sess, s)
}

func (c *Controller) publishPosition(ctx context.Context, sess *session, s trip.Sample) {
	if sess.cancelled() {
		return
	}
	msg := publisher.PositionMessage{
		TripID:    sess.desc.TripID,
		RouteID:   sess.desc.RouteName,
		VehicleID: sess.desc.VehicleID,
		Timestamp: s.Timestamp,
		Lat:       s.Latitude,
		Lon:       s.Longitude,
		Accuracy:  s.Accuracy,
	}
	if s.Speed != nil {
		msg.SpeedMps = *s.Speed
	}
	if s.Heading != nil {
		msg.Bearing = *s.Heading
	}
	if err := c.notifier.PublishPosition(ctx, msg); err != nil {
		sess.log.WithError(err).Debug("position fan-out failed")
	}
}

// notify shows or refreshes the persistent tracking notification.
func (c *Controller) notify(ctx context.Context, sess *session, state publisher.NoticeState, s *trip.Sample) {
	sess.noticeMu.Lock()
	defer sess.noticeMu.Unlock()
	if sess.cancelled() {
		return
	}
	elapsed := c.now().Sub(sess.desc.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	n := publisher.TrackingNotice{
		ID:             publisher.TrackingNotificationID,
		State:          state,
		TripID:         sess.desc.TripID,
		VehicleID:      sess.desc.VehicleID,
		RouteName:      sess.desc.RouteName,
		Title:          "Trip in progress",
		ElapsedSeconds: int64(elapsed / time.Second),
		Timestamp:      c.now(),
	}
	body := fmt.Sprintf("%s - %s elapsed", routeLabel(sess.desc), formatElapsed(elapsed))
	if s != nil && s.Speed != nil && *s.Speed >= 0 {
		kmh := *s.Speed * 3.6
		n.SpeedKmh = &kmh
		body += fmt.Sprintf(" - %.0f km/h", kmh)
	}
	n.Body = body
	if err := c.notifier.Notify(ctx, n); err != nil {
		sess.log.WithError(err).Debug("tracking notification failed")
	}
}

func routeLabel(d trip.Descriptor) string {
	if d.RouteName != "" {
		return d.RouteName
	}
	return "Trip " + d.TripID
}

func formatElapsed(d time.Duration) string {
	d = d.Truncate(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h > 0 {
		return fmt.Sprintf("%dh %02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}

// checkStops asks the backend to notify parents about stops the vehicle has
// newly come close to. Failures only cost a retry on the next sample.
func (c *Controller) checkStops(ctx context.Context, sess *session, s trip.Sample) {
	tripID := sess.desc.TripID
	set, ok := c.store.StopSet(ctx, tripID)
	if !ok || len(set.Stops) == 0 {
		return
	}
	if sess.desc.SchoolID == "" {
		sess.log.Debug("no school id, skipping stop notifications")
		return
	}
	pos := geofence.Position{Latitude: s.Latitude, Longitude: s.Longitude}
	hits := geofence.Evaluate(pos, set.Stops, set.CompletedStopIDs, c.cfg.Thresholds)
	if len(hits) == 0 {
		return
	}

	notified := c.store.Notified(ctx, tripID)
	for _, p := range hits {
		if !notified.ShouldNotify(p.Stop.ID, p.Zone) {
			continue
		}
		if sess.cancelled() {
			return
		}
		err := sess.api.NotifyApproaching(ctx, transport.ApproachingNotice{
			SchoolID:     sess.desc.SchoolID,
			TripID:       tripID,
			StopID:       p.Stop.ID,
			StopName:     p.Stop.Name,
			ETAMinutes:   geofence.ETAMinutes(p),
			TripType:     sess.desc.TripType,
			LicensePlate: sess.desc.LicensePlate,
		})
		c.metrics.StopNotice(err == nil)
		fields := log.Fields{"stop": p.Stop.ID, "zone": p.Zone, "distance": int(p.Distance)}
		if err != nil {
			sess.log.WithError(err).WithFields(fields).Warn("stop notification failed")
			continue
		}
		notified.MarkNotified(p.Stop.ID, p.Zone)
		if sess.cancelled() {
			return
		}
		if err := c.store.SaveNotified(ctx, tripID, notified); err != nil {
			sess.log.WithError(err).Warn("could not persist notified stops")
		}
		sess.log.WithFields(fields).Info("stop notification sent")
	}
}

type noopMetrics struct{}

func (noopMetrics) TransmitObserve(time.Duration, error) {}
func (noopMetrics) Queued(int)                           {}
func (noopMetrics) Flushed(int, int, int)                {}
func (noopMetrics) ServerStop()                          {}
func (noopMetrics) StopNotice(bool)                      {}
func (noopMetrics) SessionStarted()                      {}
func (noopMetrics) SessionStopped(string)                {}
func (noopMetrics) Reconciled(string)                    {}
