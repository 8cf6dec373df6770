package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecording(t *testing.T) {
	m := New()

	m.ObserveRequest("catalog", 200)
	m.ObserveRequest("catalog", 200)
	m.ObserveRequest("catalog", 503)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("catalog", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("catalog", "503")))

	m.ObserveAttempt("catalog", "timeout", 50*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.forwardAttempts.WithLabelValues("catalog", "timeout")))

	m.ObserveRefresh(true)
	m.ObserveRefresh(false)
	m.ObserveRefresh(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.registryRefresh.WithLabelValues("error")))

	m.SetSnapshot(4, 7)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.snapshotSize))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.snapshotRevision))

	m.SetHealthState("catalog", "a", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.healthState.WithLabelValues("catalog", "a")))
	m.DeleteInstance("catalog", "a")
	assert.Equal(t, 0, testutil.CollectAndCount(m.healthState))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRequest("catalog", 200)
		m.ObserveAttempt("catalog", "success", time.Millisecond)
		m.SetHealthState("catalog", "a", 1)
		m.DeleteInstance("catalog", "a")
		m.ObserveTransition("catalog", "HEALTHY", "SUSPECT")
		m.ObserveRefresh(true)
		m.SetSnapshot(1, 1)
		m.IncRateLimited()
	})
}

func TestMetricsHandler(t *testing.T) {
	m := New()
	m.IncRateLimited()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "gateway_rate_limited_total 1")
}
