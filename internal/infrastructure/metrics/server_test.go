package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"execution_core/internal/infrastructure/health"
	"execution_core/pkg/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_ServesMetricsAndHealth(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "execution_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	hm := health.NewHealthManager(nil)
	hm.Register("transport", func() error { return nil })

	srv := NewServer(0, registry, hm, logging.NopLogger{})
	require.NoError(t, srv.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	}()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "execution_test_total 1")

	resp, err = http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
