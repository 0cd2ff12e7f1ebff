// Package metrics exposes Prometheus collectors for the ladder daemon.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ladder"

// Metrics collector set.
type Metrics struct {
	registry *prometheus.Registry

	Decisions       *prometheus.CounterVec
	OrdersEnqueued  *prometheus.CounterVec
	OrderAttempts   *prometheus.CounterVec
	OrdersTerminal  *prometheus.CounterVec
	StuckRecoveries prometheus.Counter
	TickDuration    *prometheus.HistogramVec
	BotsByStatus    *prometheus.GaugeVec
}

// New creates the collectors and registers them in a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Engine decisions by kind",
		}, []string{"kind"}),
		OrdersEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_enqueued_total",
			Help:      "Orders added to the queue by side",
		}, []string{"side"}),
		OrderAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_attempts_total",
			Help:      "Worker attempts by outcome",
		}, []string{"outcome"}),
		OrdersTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_terminal_total",
			Help:      "Orders that reached a terminal status",
		}, []string{"side", "status"}),
		StuckRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_recoveries_total",
			Help:      "Processing orders reset to retry by the liveness guard",
		}),
		TickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of scheduler ticks",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		BotsByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bots",
			Help:      "Bots by status observed on the last evaluation",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Decisions,
		m.OrdersEnqueued,
		m.OrderAttempts,
		m.OrdersTerminal,
		m.StuckRecoveries,
		m.TickDuration,
		m.BotsByStatus,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Decision(kind string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(kind).Inc()
}

func (m *Metrics) Enqueued(side string) {
	if m == nil {
		return
	}
	m.OrdersEnqueued.WithLabelValues(side).Inc()
}

func (m *Metrics) Attempt(outcome string) {
	if m == nil {
		return
	}
	m.OrderAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Terminal(side, status string) {
	if m == nil {
		return
	}
	m.OrdersTerminal.WithLabelValues(side, status).Inc()
}

func (m *Metrics) StuckRecovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StuckRecoveries.Add(float64(n))
}

// ObserveTick records how long job took since start.
func (m *Metrics) ObserveTick(job string, start time.Time) {
	if m == nil {
		return
	}
	m.TickDuration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

// SetBotCounts replaces the per status gauge values.
func (m *Metrics) SetBotCounts(counts map[string]int) {
	if m == nil {
		return
	}
	m.BotsByStatus.Reset()
	for status, n := range counts {
		m.BotsByStatus.WithLabelValues(status).Set(float64(n))
	}
}
