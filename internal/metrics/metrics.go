// Package metrics exposes engine and host counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/govflow/pkg/schema"
)

// Fan-out edge outcomes.
const (
	OutcomeCreated      = "created"
	OutcomeDeduplicated = "deduplicated"
	OutcomeNoOp         = "noop"
	OutcomeFailed       = "failed"
)

// Recorder holds the engine collectors. A nil *Recorder records nothing.
type Recorder struct {
	created     *prometheus.CounterVec
	transitions *prometheus.CounterVec
	claims      *prometheus.CounterVec
	fanout      *prometheus.CounterVec
	executions  *prometheus.CounterVec
	scheduled   *prometheus.CounterVec
	duration    *prometheus.HistogramVec
}

// NewRecorder creates the collectors and registers them on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		created: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govflow_actions_created_total",
			Help: "Engine actions created, by engine.",
		}, []string{"engine"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govflow_action_transitions_total",
			Help: "Accepted engine action status transitions.",
		}, []string{"from", "to"}),
		claims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govflow_claims_total",
			Help: "Claim attempts, by result.",
		}, []string{"result"}),
		fanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govflow_fanout_edges_total",
			Help: "Selected fan-out edges, by outcome.",
		}, []string{"outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govflow_host_executions_total",
			Help: "Actions executed by engine hosts, by executor and final status.",
		}, []string{"executor", "status"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "govflow_scheduled_runs_total",
			Help: "Cron-scheduled process initiations, by result.",
		}, []string{"result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "govflow_operation_duration_seconds",
			Help:    "Duration of engine operations.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	reg.MustRegister(r.created, r.transitions, r.claims, r.fanout, r.executions, r.scheduled, r.duration)
	return r
}

func (r *Recorder) ActionCreated(engine string) {
	if r == nil {
		return
	}
	r.created.WithLabelValues(engine).Inc()
}

func (r *Recorder) Transition(from, to schema.ActionStatus) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(string(from), string(to)).Inc()
}

// Claim counts a claim attempt; won is false when another worker got there first.
func (r *Recorder) Claim(won bool) {
	if r == nil {
		return
	}
	result := "won"
	if !won {
		result = "lost"
	}
	r.claims.WithLabelValues(result).Inc()
}

func (r *Recorder) FanOut(outcome string) {
	if r == nil {
		return
	}
	r.fanout.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Execution(executor string, status schema.ActionStatus) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(executor, string(status)).Inc()
}

// ScheduledRun counts one scheduled job run with result "success" or "error".
func (r *Recorder) ScheduledRun(result string) {
	if r == nil {
		return
	}
	r.scheduled.WithLabelValues(result).Inc()
}

// Observe records how long op took since start.
func (r *Recorder) Observe(op string, start time.Time) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
