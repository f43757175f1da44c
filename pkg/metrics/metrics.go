// Package metrics exposes Prometheus counters and gauges for the
// router, decryption coordinator and session manager.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every metric the proxy exposes. A single instance
// is constructed at startup and threaded through the components that
// report against it.
type Registry struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	DecryptionsTotal     *prometheus.CounterVec
	DecryptionDuration   prometheus.Histogram
	DecryptionLenientTotal prometheus.Counter
	ShadowClientsActive  prometheus.Gauge
	SyncFailuresTotal    prometheus.Counter
	ControlMessagesTotal *prometheus.CounterVec
}

// NewRegistry registers and returns a fresh metric set against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantalaimon",
			Name:      "requests_total",
			Help:      "Total proxied requests by route and status class.",
		}, []string{"route", "status_class"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pantalaimon",
			Name:      "request_duration_seconds",
			Help:      "Latency of proxied requests by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),

		DecryptionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantalaimon",
			Name:      "decryptions_total",
			Help:      "Decryption attempts by outcome (strict_ok, lenient_fallback, failed).",
		}, []string{"outcome"}),

		DecryptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pantalaimon",
			Name:      "decryption_duration_seconds",
			Help:      "Time spent racing strict decryption against sync.",
			Buckets:   prometheus.DefBuckets,
		}),

		DecryptionLenientTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pantalaimon",
			Name:      "decryption_lenient_fallback_total",
			Help:      "Times the decryption timeout expired and a lenient decrypt was used.",
		}),

		ShadowClientsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "pantalaimon",
			Name:      "shadow_clients_active",
			Help:      "Number of shadow clients currently syncing.",
		}),

		SyncFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "pantalaimon",
			Name:      "sync_failures_total",
			Help:      "Background sync loop failures across all shadow clients.",
		}),

		ControlMessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pantalaimon",
			Name:      "control_messages_total",
			Help:      "Control messages processed by message type.",
		}, []string{"message_type"}),
	}
}

// Handler returns the HTTP handler serving the Prometheus exposition
// format for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
