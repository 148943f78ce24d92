package observability

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry        *prometheus.Registry
	loginTotal      *prometheus.CounterVec
	lockTransitions *prometheus.CounterVec
	attemptEntries  prometheus.Gauge
	httpRequests    *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		lockTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_lock_transitions_total",
			Help: "Account lock state transitions by source.",
		}, []string{"source"}),
		attemptEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "auth_login_attempt_entries",
			Help: "Users currently holding a failed login counter.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}

	m.registry.MustRegister(m.loginTotal, m.lockTransitions, m.attemptEntries, m.httpRequests)
	return m
}

func (m *Metrics) LoginOutcome(outcome string) {
	if m == nil {
		return
	}
	m.loginTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LockTransition(source string) {
	if m == nil {
		return
	}
	m.lockTransitions.WithLabelValues(source).Inc()
}

func (m *Metrics) AttemptEntries(n int) {
	if m == nil {
		return
	}
	m.attemptEntries.Set(float64(n))
}

func (m *Metrics) observeRequest(method string, status int) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ProtectedHandler serves the registry only to callers presenting
// "Bearer <token>". An empty token disables the endpoint.
func (m *Metrics) ProtectedHandler(token string) http.Handler {
	token = strings.TrimSpace(token)
	next := m.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if token == "" {
			writeStatus(w, http.StatusNotFound, "not found")
			return
		}
		scheme, presented, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) != 1 {
			writeStatus(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeStatus(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
