// Package metrics exposes prometheus collectors for pipeline runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stagegrid"

// Metrics groups the collectors the orchestrator updates. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Runs          *prometheus.CounterVec
	StageAttempts *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	Inflight      prometheus.Gauge
}

// New registers the collectors on reg. A nil reg registers on a private
// registry, which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		StageAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_attempts_total",
			Help:      "Stage execution attempts by outcome code.",
		}, []string{"stage", "mode", "code"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of stage attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"stage", "mode"}),
		Inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stages_inflight",
			Help:      "Stage attempts currently executing.",
		}),
	}
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(status).Inc()
}

// AttemptStarted marks an attempt in flight and returns a function recording
// its outcome. The mode label is only known once the attempt has been routed.
func (m *Metrics) AttemptStarted() (done func(stage, mode, code string)) {
	if m == nil {
		return func(string, string, string) {}
	}
	start := time.Now()
	m.Inflight.Inc()
	return func(stage, mode, code string) {
		m.Inflight.Dec()
		m.StageAttempts.WithLabelValues(stage, mode, code).Inc()
		m.StageDuration.WithLabelValues(stage, mode).Observe(time.Since(start).Seconds())
	}
}
