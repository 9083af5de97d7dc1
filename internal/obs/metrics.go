// Package obs exposes the engine's observability surface: Prometheus
// metrics registered at init and served at /metrics, and a facts-only
// status snapshot.
package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	haltsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helm_halts_total",
			Help: "Halt events by origin",
		},
		[]string{"origin"},
	)

	cascadeLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "helm_cascade_latency_seconds",
			Help:    "Halt cascade propagation latency",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1},
		},
	)

	// One labeled series per protected resource; the value is the state
	// ordinal (0 closed, 1 open, 2 half-open).
	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helm_breaker_state",
			Help: "Circuit breaker state ordinal per resource",
		},
		[]string{"resource"},
	)

	healthLevel = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "helm_health_level",
			Help: "Health FSM level ordinal (0 healthy .. 3 halted)",
		},
	)

	beadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helm_beads_total",
			Help: "Audit beads written by type",
		},
		[]string{"type"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "helm_alerts_total",
			Help: "Alerts raised by severity",
		},
		[]string{"level"},
	)

	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "helm_reconnect_attempts_total",
			Help: "Broker reconnection attempts",
		},
	)

	positionsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "helm_positions",
			Help: "Live positions by lifecycle state",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(haltsTotal, cascadeLatency)
	prometheus.MustRegister(breakerState, healthLevel)
	prometheus.MustRegister(beadsTotal, alertsTotal)
	prometheus.MustRegister(reconnectAttempts, positionsGauge)
}

func IncHalt(origin string)             { haltsTotal.WithLabelValues(origin).Inc() }
func ObserveCascade(d time.Duration)    { cascadeLatency.Observe(d.Seconds()) }
func SetBreakerState(res string, s int) { breakerState.WithLabelValues(res).Set(float64(s)) }
func SetHealthLevel(level int)          { healthLevel.Set(float64(level)) }
func IncBead(beadType string)           { beadsTotal.WithLabelValues(beadType).Inc() }
func IncAlert(level string)             { alertsTotal.WithLabelValues(level).Inc() }
func IncReconnectAttempt()              { reconnectAttempts.Inc() }

// SetPositions replaces the per-state position gauge values.
func SetPositions(counts map[string]int) {
	for state, n := range counts {
		positionsGauge.WithLabelValues(state).Set(float64(n))
	}
}
