package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestRouter_Healthz(t *testing.T) {
	m := NewMonitor()
	state := NewHealthy("", "ok")
	m.Register("server", func() Status { return state })

	h := NewRouter(RouterConfig{Monitor: m, Commands: []string{"echo", "list_ports"}}).Routes()

	rec := serve(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body struct {
		Status   string   `json:"status"`
		Commands []string `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, StateHealthy, body.Status)
	assert.Equal(t, []string{"echo", "list_ports"}, body.Commands)

	state = NewDegraded("", "stopping")
	assert.Equal(t, http.StatusOK, serve(t, h, "/healthz").Code, "degraded is still alive")
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, "/readyz").Code)

	state = NewUnhealthy("", "receive failed")
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, h, "/healthz").Code)
}

func TestRouter_Readyz(t *testing.T) {
	m := NewMonitor()
	m.Register("server", func() Status { return NewHealthy("", "ok") })
	h := NewRouter(RouterConfig{Monitor: m}).Routes()

	rec := serve(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)
	var s Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	assert.Equal(t, "siam-bridge", s.Component)
	require.Len(t, s.SubStatuses, 1)
	assert.Equal(t, "server", s.SubStatuses[0].Component)
}

func TestRouter_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "siam_bridge_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	h := NewRouter(RouterConfig{Gatherer: reg}).Routes()
	rec := serve(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "siam_bridge_test_total 1"))
}

func TestRouter_Notifiers(t *testing.T) {
	h := NewRouter(RouterConfig{Notifiers: func() any {
		return []map[string]string{{"channel": "p1/speed", "state": "running"}}
	}}).Routes()

	rec := serve(t, h, "/notifiers")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"channel":"p1/speed","state":"running"}]`, rec.Body.String())
}

func TestRouter_OptionalEndpoints(t *testing.T) {
	h := NewRouter(RouterConfig{}).Routes()
	assert.Equal(t, http.StatusNotFound, serve(t, h, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, serve(t, h, "/notifiers").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, "/healthz").Code)
}
