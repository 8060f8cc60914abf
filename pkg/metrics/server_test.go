package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestServer_MetricsDisabled(t *testing.T) {
	s := NewServer(ServerConfig{})
	assert.Equal(t, 9090, s.Port())

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disabled")
}

func TestServer_Healthz(t *testing.T) {
	s := NewServer(ServerConfig{Port: 9191})

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())

	s.SetHealthCheck(func(context.Context) error { return errors.New("share@a is down") })
	rec = get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "share@a is down")

	s.SetHealthCheck(func(context.Context) error { return nil })
	assert.Equal(t, http.StatusOK, get(t, s, "/healthz").Code)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	s := NewServer(ServerConfig{Port: 9192})
	assert.NoError(t, s.Stop(context.Background()))
	assert.NoError(t, s.Stop(context.Background()))
}
