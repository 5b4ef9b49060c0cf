package events

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/recast/internal/model"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	transitions  *prometheus.CounterVec
	ticks        *prometheus.CounterVec
	tickDuration prometheus.Histogram
	skipped      *prometheus.CounterVec
	enqueued     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recast_queue_transitions_total",
				Help: "Queue entry state transitions",
			},
			[]string{"from", "to", "platform"},
		),
		ticks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recast_executor_ticks_total",
				Help: "Executor ticks by outcome",
			},
			[]string{"outcome"},
		),
		tickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "recast_executor_tick_duration_seconds",
				Help:    "Executor tick duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		skipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recast_executor_skipped_total",
				Help: "Due entries the executor did not dispatch",
			},
			[]string{"reason"},
		),
		enqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "recast_ranker_enqueued_total",
				Help: "Queue entries created by the ranker",
			},
		),
	}

	reg.MustRegister(m.transitions, m.ticks, m.tickDuration, m.skipped, m.enqueued)
	return m
}

// Emit implements Sink by counting the transition.
func (m *Metrics) Emit(_ context.Context, t model.Transition) {
	m.transitions.WithLabelValues(string(t.From), string(t.To), string(t.Platform)).Inc()
}

// ObserveTick records one executor tick.
func (m *Metrics) ObserveTick(d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.tickDuration.Observe(d.Seconds())
}

// AddSkipped counts n entries skipped for reason.
func (m *Metrics) AddSkipped(reason string, n int) {
	if n > 0 {
		m.skipped.WithLabelValues(reason).Add(float64(n))
	}
}

// AddEnqueued counts n entries created by the ranker.
func (m *Metrics) AddEnqueued(n int) {
	if n > 0 {
		m.enqueued.Add(float64(n))
	}
}
