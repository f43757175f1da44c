package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_CountersIncrementIndependently(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.RequestsTotal.WithLabelValues("sync", "2xx").Inc()
	m.RequestsTotal.WithLabelValues("sync", "2xx").Inc()
	m.RequestsTotal.WithLabelValues("send", "5xx").Inc()

	var metric dto.Metric
	require.NoError(t, m.RequestsTotal.WithLabelValues("sync", "2xx").Write(&metric))
	assert.Equal(t, float64(2), metric.GetCounter().GetValue())

	require.NoError(t, m.RequestsTotal.WithLabelValues("send", "5xx").Write(&metric))
	assert.Equal(t, float64(1), metric.GetCounter().GetValue())
}

func TestShadowClientsActive_GaugeSetReflectsLatestValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)

	m.ShadowClientsActive.Set(3)
	m.ShadowClientsActive.Set(5)

	var metric dto.Metric
	require.NoError(t, m.ShadowClientsActive.Write(&metric))
	assert.Equal(t, float64(5), metric.GetGauge().GetValue())
}

func TestHandler_ServesPrometheusExposition(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRegistry(reg)
	m.SyncFailuresTotal.Inc()

	h := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pantalaimon_sync_failures_total")
	assert.True(t, strings.Contains(w.Body.String(), " 1"))
}
