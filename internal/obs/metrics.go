package obs

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	authAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_auth_attempts_total",
			Help: "Authentication attempts by provider and result.",
		},
		[]string{"provider", "result"},
	)

	authzDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_authz_decisions_total",
			Help: "Authorization decisions by effect.",
		},
		[]string{"effect"},
	)

	cryptoOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_crypto_ops_total",
			Help: "Encrypt/decrypt operations by result.",
		},
		[]string{"op", "result"},
	)

	auditEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "security_audit_events_total",
			Help: "Security events appended to the audit log, by type.",
		},
		[]string{"type"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(authAttempts, authzDecisions, cryptoOps, auditEvents)
	})
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuth counts one authentication attempt.
func ObserveAuth(provider, result string) {
	authAttempts.WithLabelValues(provider, result).Inc()
}

// ObserveAuthz counts one authorization decision.
func ObserveAuthz(effect string) {
	authzDecisions.WithLabelValues(effect).Inc()
}

// ObserveCrypto counts one encryption service operation.
func ObserveCrypto(op, result string) {
	cryptoOps.WithLabelValues(op, result).Inc()
}

// ObserveAuditEvent counts one appended audit event.
func ObserveAuditEvent(eventType string) {
	auditEvents.WithLabelValues(eventType).Inc()
}
