package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthManager_Aggregation(t *testing.T) {
	hm := NewHealthManager(nil)

	assert.True(t, hm.IsHealthy(), "empty manager is healthy")

	hm.Register("transport", func() error { return nil })
	assert.True(t, hm.IsHealthy())

	hm.Register("market_data", func() error { return fmt.Errorf("stale") })
	assert.False(t, hm.IsHealthy())

	status := hm.GetStatus()
	assert.Equal(t, "Healthy", status["transport"])
	assert.Equal(t, "Unhealthy: stale", status["market_data"])
}

func TestHealthManager_ServeHTTP(t *testing.T) {
	hm := NewHealthManager(nil)
	hm.Register("transport", func() error { return nil })

	rec := httptest.NewRecorder()
	hm.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	hm.Register("store", func() error { return fmt.Errorf("closed") })
	rec = httptest.NewRecorder()
	hm.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Healthy    bool              `json:"healthy"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.False(t, body.Healthy)
	assert.Equal(t, "Unhealthy: closed", body.Components["store"])
}
