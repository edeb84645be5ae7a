package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capsulevault_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "capsulevault_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	capsulesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capsulevault_capsules_total",
		Help: "Total number of stored capsules.",
	})

	capsulesLocked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "capsulevault_capsules_locked",
		Help: "Number of capsules whose unlock time has not passed.",
	})

	gateEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capsulevault_gate_evaluations_total",
		Help: "Gate evaluations by outcome.",
	}, []string{"outcome"})

	answerVerifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capsulevault_answer_verifications_total",
		Help: "Challenge answer verifications by result.",
	}, []string{"verified"})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, capsulesTotal,
		capsulesLocked, gateEvaluations, answerVerifications)
}

// MetricsHandler returns the Prometheus metrics HTTP handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// metricsMiddleware records request metrics.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rr, r)

		dur := time.Since(start).Seconds()
		status := strconv.Itoa(rr.statusCode)
		requestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		requestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(dur)
	})
}

// refreshCapsuleGauges re-reads store counts. Called after mutations and on
// health checks; the gauges are advisory, not part of the access contract.
func (s *Server) refreshCapsuleGauges(ctx context.Context) {
	if total, err := s.store.CountCapsules(ctx); err == nil {
		capsulesTotal.Set(float64(total))
	}
	if locked, err := s.store.CountLocked(ctx, time.Now().UTC()); err == nil {
		capsulesLocked.Set(float64(locked))
	}
}

func recordGateOutcome(outcome string) {
	gateEvaluations.WithLabelValues(outcome).Inc()
}

func recordVerification(verified bool) {
	answerVerifications.WithLabelValues(strconv.FormatBool(verified)).Inc()
}
