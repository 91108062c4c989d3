package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	m := New()
	m.AudioCycle(42)
	m.AudioCycle(43)
	m.AudioSkipped("silence")
	m.PersistWrite("color_mode")
	m.PersistFailure("commit")
	m.RemoteRequest("mode", "PUT", "2.04")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.audioCycles))
	assert.Equal(t, 43.0, testutil.ToFloat64(m.outputIntensity))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.audioSkipped.WithLabelValues("silence")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.persistWrites.WithLabelValues("color_mode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteRequests.WithLabelValues("mode", "PUT", "2.04")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AudioCycle(1)
	m.AudioSkipped("x")
	m.PersistWake()
	m.Observers(3)
	assert.NotNil(t, m.Handler())
}

func TestHandlerServesText(t *testing.T) {
	m := New()
	m.PersistWake()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "audioleds_persist_wakes_total 1"))
}
