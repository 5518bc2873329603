package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusHandler(t *testing.T) {
	m := NewPrometheus("us")
	m.Writes.With("level", "strong").Add(1)
	m.Lag.With("region", "eu").Set(1500)
	m.PendingConflicts.Set(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `georepl_coordinator_writes_total{level="strong",local_region="us"} 1`)
	assert.Contains(t, body, `georepl_lag_milliseconds{local_region="us",region="eu"} 1500`)
	assert.Contains(t, body, `georepl_conflict_pending{local_region="us"} 2`)
}

func TestDiscard(t *testing.T) {
	m := NewDiscard()
	m.Writes.With("level", "eventual").Add(1)
	m.PropagationLatency.With("region", "eu").Observe(0.2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
