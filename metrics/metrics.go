// Package metrics holds the Prometheus collectors recorded by the token cache,
// the executor and the repository. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spattach"

// Metrics groups every collector so tests can register an isolated set
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	RetriesTotal       *prometheus.CounterVec
	ThrottlePauses     prometheus.Counter
	TokensIssued       *prometheus.CounterVec
	CandidateFallbacks *prometheus.CounterVec
	OperationsTotal    *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer to
// expose them alongside process metrics, or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP calls issued, by method and status (0 = no response)",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP round trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retries scheduled by the executor, by reason",
			},
			[]string{"reason"},
		),
		ThrottlePauses: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "throttle_pauses_total",
				Help:      "Cooperative pauses taken because the server rate-limit budget ran low",
			},
		),
		TokensIssued: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "token_issuance_total",
				Help:      "Form digest issuance calls, by result",
			},
			[]string{"result"},
		),
		CandidateFallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "candidate_fallbacks_total",
				Help:      "Endpoint candidates abandoned in favour of the next one",
			},
			[]string{"operation"},
		),
		OperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Repository operations, by operation and result kind",
			},
			[]string{"operation", "result"},
		),
	}
}

// ObserveRequest records one HTTP round trip. status 0 means no response.
func (m *Metrics) ObserveRequest(method string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Retry records a scheduled retry; reason is "429", "503" or "network"
func (m *Metrics) Retry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// Throttled records a cooperative rate-limit pause
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.ThrottlePauses.Inc()
}

// TokenIssued records a digest issuance; result is "ok" or "error"
func (m *Metrics) TokenIssued(result string) {
	if m == nil {
		return
	}
	m.TokensIssued.WithLabelValues(result).Inc()
}

// Fallback records abandoning a candidate for the next one
func (m *Metrics) Fallback(operation string) {
	if m == nil {
		return
	}
	m.CandidateFallbacks.WithLabelValues(operation).Inc()
}

// Operation records a finished repository operation; result is "ok" or an error kind
func (m *Metrics) Operation(operation, result string) {
	if m == nil {
		return
	}
	m.OperationsTotal.WithLabelValues(operation, result).Inc()
}
