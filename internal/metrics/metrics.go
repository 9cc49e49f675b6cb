package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

type Collector struct {
	reg *prometheus.Registry

	ReportsAccepted prometheus.Counter
	ReportsRejected *prometheus.CounterVec // reason label: invalid|inactive|stale|...
	StopsAdvanced   prometheus.Counter
	TripsStarted    prometheus.Counter
	TripsEnded      prometheus.Counter
	LiveVehicles    prometheus.Gauge
	SaveDuration    prometheus.Histogram

	Subscribers            prometheus.Gauge
	DeliveriesDropped      prometheus.Counter
	SubscribersDisconnects prometheus.Counter

	RouteCacheLookups *prometheus.CounterVec // result label: hit|miss

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge
	PublishDuration prometheus.Histogram

	RabbitPublished   prometheus.Counter
	RabbitPublishErrs prometheus.Counter

	StopRadius  prometheus.Gauge // meters
	LiveTimeout prometheus.Gauge // seconds
}

func NewCollector(stopRadiusMeters float64, liveTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ReportsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_reports_accepted_total",
			Help: "Position reports committed.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_reports_rejected_total",
			Help: "Operations rejected, by reason.",
		}, []string{"reason"}),
		StopsAdvanced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_stops_advanced_total",
			Help: "Reports that moved a vehicle to a later stop.",
		}),
		TripsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_started_total",
			Help: "Total trips started.",
		}),
		TripsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_trips_ended_total",
			Help: "Total trips ended.",
		}),
		LiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_live_vehicles",
			Help: "Vehicles that are active with a recent fix, as of the last sweep.",
		}),
		SaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_directory_save_duration_seconds",
			Help:    "Duration of directory vehicle saves.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_hub_subscribers",
			Help: "Hub subscribers with at least one topic.",
		}),
		DeliveriesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_hub_dropped_total",
			Help: "Events dropped because a subscriber queue was full.",
		}),
		SubscribersDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_hub_disconnected_total",
			Help: "Subscribers disconnected for falling behind.",
		}),
		RouteCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_route_cache_lookups_total",
			Help: "Route cache lookups, by result.",
		}, []string{"result"}),
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
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tracker_nats_publish_duration_seconds",
			Help:    "Duration to publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		RabbitPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_rabbitmq_published_total",
			Help: "Trip lifecycle messages published to RabbitMQ.",
		}),
		RabbitPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_rabbitmq_publish_errors_total",
			Help: "RabbitMQ publish errors.",
		}),
		StopRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_stop_radius_meters",
			Help: "Configured stop arrival radius.",
		}),
		LiveTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_live_timeout_seconds",
			Help: "Configured liveness window.",
		}),
	}

	// Register
	reg.MustRegister(
		c.ReportsAccepted, c.ReportsRejected, c.StopsAdvanced,
		c.TripsStarted, c.TripsEnded, c.LiveVehicles, c.SaveDuration,
		c.Subscribers, c.DeliveriesDropped, c.SubscribersDisconnects,
		c.RouteCacheLookups,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected, c.PublishDuration,
		c.RabbitPublished, c.RabbitPublishErrs,
		c.StopRadius, c.LiveTimeout,
	)

	c.StopRadius.Set(stopRadiusMeters)
	c.LiveTimeout.Set(liveTimeout.Seconds())

	return c
}

func (c *Collector) ReportAccepted()                { c.ReportsAccepted.Inc() }
func (c *Collector) Rejected(reason string)         { c.ReportsRejected.WithLabelValues(reason).Inc() }
func (c *Collector) StopAdvanced()                  { c.StopsAdvanced.Inc() }
func (c *Collector) TripStarted()                   { c.TripsStarted.Inc() }
func (c *Collector) TripEnded()                     { c.TripsEnded.Inc() }
func (c *Collector) LiveVehiclesSet(n int)          { c.LiveVehicles.Set(float64(n)) }
func (c *Collector) SaveObserved(d time.Duration)   { c.SaveDuration.Observe(d.Seconds()) }
func (c *Collector) SubscribersSet(n int)           { c.Subscribers.Set(float64(n)) }
func (c *Collector) DeliveryDroppedInc()            { c.DeliveriesDropped.Inc() }
func (c *Collector) SubscriberDisconnectedInc()     { c.SubscribersDisconnects.Inc() }
func (c *Collector) RouteCacheHit()                 { c.RouteCacheLookups.WithLabelValues("hit").Inc() }
func (c *Collector) RouteCacheMiss()                { c.RouteCacheLookups.WithLabelValues("miss").Inc() }
func (c *Collector) NATSPublishedInc()              { c.NATSPublished.Inc() }
func (c *Collector) NATSPublishErrInc()             { c.NATSPublishErrs.Inc() }
func (c *Collector) PublishObserve(d time.Duration) { c.PublishDuration.Observe(d.Seconds()) }
func (c *Collector) RabbitPublishedInc()            { c.RabbitPublished.Inc() }
func (c *Collector) RabbitPublishErrInc()           { c.RabbitPublishErrs.Inc() }

func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("metrics server error")
		}
	}()
	logrus.WithField("addr", addr).Info("metrics listening")
	return srv
}
