// Package metrics exposes prometheus instrumentation for runs, dispatches and
// reasoning calls.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const namespace = "cohort"

// Collector holds the cohort metric vectors on a private registry.
type Collector struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	stepsTotal       *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	workersActive    prometheus.Gauge

	reasoningTotal    *prometheus.CounterVec
	reasoningDuration *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector creates a collector with its own registry.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),

		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by outcome",
			},
			[]string{"outcome"}, // completed, aborted, canceled
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Total number of plan steps by role and status",
			},
			[]string{"role", "status"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Time from sending a command to consuming its result",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"role"},
		),
		workersActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workers_active",
				Help:      "Number of worker processes currently spawned",
			},
		),
		reasoningTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reasoning_requests_total",
				Help:      "Total number of reasoning client calls",
			},
			[]string{"backend", "status"},
		),
		reasoningDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reasoning_request_duration_seconds",
				Help:      "Reasoning client call duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"backend"},
		),
	}
}

// RecordRun counts a finished run.
func (c *Collector) RecordRun(outcome string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(outcome).Inc()
}

// RecordStep counts a step outcome. Dispatched steps also observe their duration.
func (c *Collector) RecordStep(role, status string, dispatched bool, d time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(role, status).Inc()
	if dispatched {
		c.dispatchDuration.WithLabelValues(role).Observe(d.Seconds())
	}
}

// SetWorkersActive sets the live worker gauge.
func (c *Collector) SetWorkersActive(n int) {
	if c == nil {
		return
	}
	c.workersActive.Set(float64(n))
}

// RecordReasoning records one reasoning client call.
func (c *Collector) RecordReasoning(backend string, err error, d time.Duration) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.reasoningTotal.WithLabelValues(backend, status).Inc()
	c.reasoningDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an http.Handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		c.logger.Info("metrics listener started", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
