// Package metrics exposes prometheus collectors for the client core.
//
// Collectors are registered on a caller-supplied registry rather than the
// global default so several clients (and tests) can coexist in a process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "apicore"

// Metrics groups every collector the client core updates.
type Metrics struct {
	// Requests counts finished logical calls by outcome (success, offline,
	// network, http, server, token_expired, decoding, trust, unauthenticated, canceled).
	Requests *prometheus.CounterVec

	// Retries counts backoff retries by reason (network, server).
	Retries *prometheus.CounterVec

	// Refreshes counts token refresh attempts by result (success, failure, skipped).
	Refreshes *prometheus.CounterVec

	// QueueDepth is the number of requests waiting in the offline queue.
	QueueDepth prometheus.Gauge

	// Replays counts offline queue entries by replay result
	// (replayed, failed, expired, exhausted).
	Replays *prometheus.CounterVec

	// PinRejections counts handshakes rejected by the trust validator.
	PinRejections *prometheus.CounterVec

	// CertDaysRemaining tracks days left on the fallback trust anchor.
	CertDaysRemaining prometheus.Gauge
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Logical API calls by final outcome.",
		}, []string{"outcome"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Backoff retries by reason.",
		}, []string{"reason"}),
		Refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "Token refresh attempts by result.",
		}, []string{"result"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_queue_depth",
			Help:      "Requests waiting in the offline queue.",
		}),
		Replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_replay_total",
			Help:      "Offline queue entries processed during sync, by result.",
		}, []string{"result"}),
		PinRejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pin_rejections_total",
			Help:      "TLS handshakes rejected by certificate pinning.",
		}, []string{"host", "reason"}),
		CertDaysRemaining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fallback_cert_days_remaining",
			Help:      "Days until the fallback trust anchor expires.",
		}),
	}
}

// NewNop returns collectors bound to a private registry nobody scrapes.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
