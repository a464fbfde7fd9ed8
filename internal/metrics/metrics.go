package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	TrackingActive prometheus.Gauge

	SessionsStarted prometheus.Counter
	SessionsStopped *prometheus.CounterVec // reason label: client|server|stale|vanished

	SamplesTotal    prometheus.Counter
	TransmitErrors  prometheus.Counter
	SamplesQueued   prometheus.Counter
	QueueDepth      prometheus.Gauge
	FlushedSamples  prometheus.Counter
	DroppedSamples  prometheus.Counter
	ServerStops     prometheus.Counter
	StopNotices     *prometheus.CounterVec // result label: sent|failed
	Reconciliations *prometheus.CounterVec // outcome label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	TransmitDuration prometheus.Histogram
	PublishDuration  prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		TrackingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_tracking_active",
			Help: "1 while a trip is being tracked.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_sessions_started_total",
			Help: "Tracking sessions started.",
		}),
		SessionsStopped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_sessions_stopped_total",
			Help: "Tracking sessions stopped, by reason.",
		}, []string{"reason"}),
		SamplesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_total",
			Help: "Position samples handled.",
		}),
		TransmitErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_transmit_errors_total",
			Help: "Location updates that failed to reach the API.",
		}),
		SamplesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_samples_queued_total",
			Help: "Samples put on the retry queue.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_queue_depth",
			Help: "Samples waiting on the retry queue.",
		}),
		FlushedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_flushed_samples_total",
			Help: "Queued samples resent successfully.",
		}),
		DroppedSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_dropped_samples_total",
			Help: "Queued samples discarded by an aborted flush.",
		}),
		ServerStops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_server_stop_signals_total",
			Help: "Stop signals received from the API.",
		}),
		StopNotices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_stop_notifications_total",
			Help: "Approaching-stop notifications requested, by result.",
		}, []string{"result"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reconciliations_total",
			Help: "Start-up reconciliation outcomes.",
		}, []string{"outcome"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		TransmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_transmit_duration_seconds",
			Help:    "Duration of location update requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
	}

	reg.MustRegister(
		c.TrackingActive, c.SessionsStarted, c.SessionsStopped,
		c.SamplesTotal, c.TransmitErrors, c.SamplesQueued, c.QueueDepth,
		c.FlushedSamples, c.DroppedSamples, c.ServerStops,
		c.StopNotices, c.Reconciliations,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.TransmitDuration, c.PublishDuration,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server error")
		}
	}()
	log.Infof("metrics listening on %s", addr)
	return srv
}

// The methods below let a nil *Collector be passed where metrics are optional.

func (c *Collector) NATSPublishedInc() {
	if c != nil {
		c.NATSPublished.Inc()
	}
}

func (c *Collector) NATSPublishErrInc() {
	if c != nil {
		c.NATSPublishErrs.Inc()
	}
}

func (c *Collector) PublishObserve(d time.Duration) {
	if c != nil {
		c.PublishDuration.Observe(d.Seconds())
	}
}

func (c *Collector) NATSSetConnected(connected bool) {
	if c == nil {
		return
	}
	if connected {
		c.NATSConnected.Set(1)
	} else {
		c.NATSConnected.Set(0)
	}
}

func (c *Collector) TransmitObserve(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.SamplesTotal.Inc()
	c.TransmitDuration.Observe(d.Seconds())
	if err != nil {
		c.TransmitErrors.Inc()
	}
}

func (c *Collector) Queued(depth int) {
	if c == nil {
		return
	}
	c.SamplesQueued.Inc()
	c.QueueDepth.Set(float64(depth))
}

func (c *Collector) Flushed(sent, dropped, depth int) {
	if c == nil {
		return
	}
	c.FlushedSamples.Add(float64(sent))
	c.DroppedSamples.Add(float64(dropped))
	c.QueueDepth.Set(float64(depth))
}

func (c *Collector) ServerStop() {
	if c != nil {
		c.ServerStops.Inc()
	}
}

func (c *Collector) StopNotice(sent bool) {
	if c == nil {
		return
	}
	if sent {
		c.StopNotices.WithLabelValues("sent").Inc()
	} else {
		c.StopNotices.WithLabelValues("failed").Inc()
	}
}

func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.SessionsStarted.Inc()
	c.TrackingActive.Set(1)
}

func (c *Collector) SessionStopped(reason string) {
	if c == nil {
		return
	}
	c.SessionsStopped.WithLabelValues(reason).Inc()
	c.TrackingActive.Set(0)
}

func (c *Collector) Reconciled(outcome string) {
	if c != nil {
		c.Reconciliations.WithLabelValues(outcome).Inc()
	}
}
