package server

import (
	"math/big"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metricsRegistry also serves as the runner's smoke.Observer.
type metricsRegistry struct {
	registry        *prometheus.Registry
	runsTotal       *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	waitRetries     *prometheus.CounterVec
	releasedWei     prometheus.Counter
	lastSuccessTime prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paysplit_runs_total",
		Help: "Smoke runs requested over HTTP, by outcome",
	}, []string{"status"})

	steps := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "paysplit_step_duration_seconds",
		Help:    "Time from submission to the requested confirmations, per step",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"step", "result"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "paysplit_wait_retries_total",
		Help: "Confirmation waits retried after a transient RPC error",
	}, []string{"step"})

	released := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "paysplit_released_wei_total",
		Help: "Wei released to payees across all runs",
	})

	lastSuccess := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "paysplit_last_success_timestamp_seconds",
		Help: "Unix time of the last successful run",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(runs, steps, retries, released, lastSuccess)

	return &metricsRegistry{
		registry:        r,
		runsTotal:       runs,
		stepDuration:    steps,
		waitRetries:     retries,
		releasedWei:     released,
		lastSuccessTime: lastSuccess,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incRun(status string) {
	m.runsTotal.WithLabelValues(status).Inc()
	if status == "succeeded" {
		m.lastSuccessTime.SetToCurrentTime()
	}
}

func (m *metricsRegistry) StepFinished(step string, took time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.stepDuration.WithLabelValues(step, result).Observe(took.Seconds())
}

func (m *metricsRegistry) WaitRetried(step string) {
	m.waitRetries.WithLabelValues(step).Inc()
}

func (m *metricsRegistry) Released(wei *big.Int) {
	if wei == nil || wei.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(wei).Float64()
	m.releasedWei.Add(f)
}
