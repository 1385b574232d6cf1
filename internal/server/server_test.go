package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfiles/containerserver/internal/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, "sda"), 0o755))

	cfg := &config.Config{
		Listen:      ":0",
		Devices:     root,
		MountCheck:  false,
		NodeTimeout: 1,
		ConnTimeout: 0.5,
		Metrics: config.MetricsConfig{
			Enable:   true,
			Path:     "/metrics",
			Interval: 30,
		},
	}
	srv, err := New(cfg)
	require.NoError(t, err)
	return srv
}

func TestHealthcheck(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthcheck", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRoutesThroughToController(t *testing.T) {
	srv := newTestServer(t)

	r := httptest.NewRequest(http.MethodPut, "/sda/0/acct/cont", nil)
	r.Header.Set("X-Timestamp", "100.0")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code)

	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodHead, "/sda/0/acct/cont", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "0000000100.00000", w.Header().Get("X-Put-Timestamp"))
}
