// Package metrics exposes Prometheus collectors for the API and workers
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPActiveRequests  *prometheus.GaugeVec

	// Billing metrics
	InvoiceTransitions *prometheus.CounterVec
	PaymentsTotal      *prometheus.CounterVec
	WebhooksTotal      *prometheus.CounterVec
	RenewalsTotal      *prometheus.CounterVec

	// Background work
	TasksTotal      *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	EmailsTotal     *prometheus.CounterVec
	JobRunsTotal    *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	EventsPublished *prometheus.CounterVec

	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on a private registry
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		HTTPActiveRequests: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_active_requests",
				Help:      "Number of active HTTP requests",
			},
			[]string{"method"},
		),

		InvoiceTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invoice_transitions_total",
				Help:      "Invoices entering each status",
			},
			[]string{"status"},
		),
		PaymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "payments_total",
				Help:      "Payments recorded by provider and status",
			},
			[]string{"provider", "status"},
		),
		WebhooksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhooks_total",
				Help:      "Provider webhook deliveries by effect",
			},
			[]string{"provider", "effect"},
		),
		RenewalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "subscription_lifecycle_total",
				Help:      "Subscription lifecycle steps by outcome",
			},
			[]string{"outcome"},
		),

		TasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Background tasks by type and result",
			},
			[]string{"type", "result"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Background task duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		EmailsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "emails_total",
				Help:      "Outbound emails by template and result",
			},
			[]string{"template", "result"},
		),
		JobRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scheduled_job_runs_total",
				Help:      "Scheduled job runs by job and result",
			},
			[]string{"job", "result"},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"name"},
		),
		EventsPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Domain events published by type",
			},
			[]string{"event_type"},
		),

		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Authentication attempts by kind and result",
			},
			[]string{"kind", "result"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPActiveRequests,
		m.InvoiceTransitions,
		m.PaymentsTotal,
		m.WebhooksTotal,
		m.RenewalsTotal,
		m.TasksTotal,
		m.TaskDuration,
		m.EmailsTotal,
		m.JobRunsTotal,
		m.BreakerState,
		m.EventsPublished,
		m.AuthAttemptsTotal,
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) InvoiceTransition(status string) {
	m.InvoiceTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) PaymentRecorded(provider, status string) {
	m.PaymentsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Metrics) WebhookHandled(provider, effect string) {
	m.WebhooksTotal.WithLabelValues(provider, effect).Inc()
}

func (m *Metrics) RenewalProcessed(outcome string) {
	m.RenewalsTotal.WithLabelValues(outcome).Inc()
}

// TaskProcessed records one background task run
func (m *Metrics) TaskProcessed(taskType string, err error, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TasksTotal.WithLabelValues(taskType, result).Inc()
	m.TaskDuration.WithLabelValues(taskType).Observe(took.Seconds())
}

// EmailSent records one delivery attempt
func (m *Metrics) EmailSent(template string, err error) {
	result := "sent"
	if err != nil {
		result = "failed"
	}
	m.EmailsTotal.WithLabelValues(template, result).Inc()
}

// JobRun records one scheduled job execution
func (m *Metrics) JobRun(job string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.JobRunsTotal.WithLabelValues(job, result).Inc()
}

// BreakerChanged tracks a circuit breaker state
func (m *Metrics) BreakerChanged(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// EventPublished counts one published domain event
func (m *Metrics) EventPublished(eventType string) {
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// AuthAttempt counts a login or refresh
func (m *Metrics) AuthAttempt(kind string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	m.AuthAttemptsTotal.WithLabelValues(kind, result).Inc()
}

// HTTPMetricsMiddleware returns middleware that collects HTTP metrics. Routes are
// labelled by their template so ids do not explode cardinality.
func (m *Metrics) HTTPMetricsMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			m.HTTPActiveRequests.WithLabelValues(r.Method).Inc()
			defer m.HTTPActiveRequests.WithLabelValues(r.Method).Dec()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			status := strconv.Itoa(wrapped.statusCode)

			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
