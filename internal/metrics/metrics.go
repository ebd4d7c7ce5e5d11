// Package metrics defines the relay's Prometheus collectors.
//
// Collectors live on a private registry so tests can create as many sets as
// they like. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "twitchrise"

type Metrics struct {
	reg *prometheus.Registry

	ticks          *prometheus.CounterVec
	tickDuration   prometheus.Histogram
	watched        prometheus.Gauge
	live           prometheus.Gauge
	transitions    *prometheus.CounterVec
	helixRequests  *prometheus.CounterVec
	helixDuration  prometheus.Histogram
	notifications  *prometheus.CounterVec
	notifyDuration *prometheus.HistogramVec
	alertQueue     prometheus.Gauge
	alertsDropped  *prometheus.CounterVec
	commands       *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "ticks_total",
			Help:      "Poll ticks by result",
		}, []string{"result"}),
		tickDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one poll tick",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		watched: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "watched_channels",
			Help:      "Distinct channels watched by at least one chat",
		}),
		live: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "live_channels",
			Help:      "Watched channels currently live",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "transitions_total",
			Help:      "Detected live/offline transitions",
		}, []string{"to"}),
		helixRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twitch",
			Name:      "requests_total",
			Help:      "Helix requests by HTTP status (0 = transport error)",
		}, []string{"status"}),
		helixDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "twitch",
			Name:      "request_duration_seconds",
			Help:      "Helix request latency",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "sent_total",
			Help:      "Per-endpoint notification attempts",
		}, []string{"sink", "status"}),
		notifyDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "send_duration_seconds",
			Help:      "Time to deliver to one endpoint",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"sink"}),
		alertQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "queue_length",
			Help:      "Alerts waiting for a worker",
		}),
		alertsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help:      "Alerts dropped before delivery",
		}, []string{"reason"}),
		commands: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "handled_total",
			Help:      "Chat commands by outcome",
		}, []string{"command", "outcome"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Tick(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ticks.WithLabelValues(result).Inc()
	m.tickDuration.Observe(d.Seconds())
}

func (m *Metrics) Channels(watched, live int) {
	if m == nil {
		return
	}
	m.watched.Set(float64(watched))
	m.live.Set(float64(live))
}

func (m *Metrics) Transition(live bool) {
	if m == nil {
		return
	}
	to := "offline"
	if live {
		to = "live"
	}
	m.transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) HelixRequest(status int, d time.Duration) {
	if m == nil {
		return
	}
	m.helixRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	m.helixDuration.Observe(d.Seconds())
}

func (m *Metrics) NotificationSent(sink string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.notifications.WithLabelValues(sink, status).Inc()
	m.notifyDuration.WithLabelValues(sink).Observe(d.Seconds())
}

func (m *Metrics) AlertQueue(n int) {
	if m == nil {
		return
	}
	m.alertQueue.Set(float64(n))
}

func (m *Metrics) AlertDropped(reason string) {
	if m == nil {
		return
	}
	m.alertsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) Command(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}
