// ABOUTME: Prometheus counters for handshake outcomes and resilience primitives
// ABOUTME: Registered on a dedicated registry exposed at /metrics

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's counters on a private registry so tests can
// create isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	HandshakesTotal   *prometheus.CounterVec
	RateLimitedTotal  *prometheus.CounterVec
	PairingRequests   prometheus.Counter
	TokensIssuedTotal prometheus.Counter
	BreakerOpenTotal  prometheus.Counter
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HandshakesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_handshakes_total",
			Help: "Handshake outcomes by result and reason.",
		}, []string{"result", "reason"}),
		RateLimitedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Attempts rejected by the rate limiter, by scope.",
		}, []string{"scope"}),
		PairingRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_pairing_requests_total",
			Help: "Pairing requests created.",
		}),
		TokensIssuedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_device_tokens_issued_total",
			Help: "Device tokens minted or rotated.",
		}),
		BreakerOpenTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_breaker_open_total",
			Help: "Calls rejected because a dependency circuit was open.",
		}),
	}
}

// Handler returns the /metrics HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
