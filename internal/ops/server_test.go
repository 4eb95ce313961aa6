package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/cognitive-triangulation/internal/breaker"
	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

func testBreakerSet() *breaker.Set {
	cfg := breaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		MaxResetTimeout:  5 * time.Minute,
		FailureWindow:    time.Minute,
	}
	return breaker.NewSet(cfg, cfg, cfg)
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_Healthz(t *testing.T) {
	s := New(0, testBreakerSet(), nil)
	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_ReadyzAllDependenciesUp(t *testing.T) {
	s := New(0, testBreakerSet(), map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return nil },
	})

	rec := get(t, s, "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
}

func TestServer_ReadyzFailingDependency(t *testing.T) {
	s := New(0, testBreakerSet(), map[string]Pinger{
		"postgres": func(context.Context) error { return nil },
		"graph": func(context.Context) error {
			return domain.ErrTransientIO
		},
	})

	rec := get(t, s, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body.Status)
	assert.Equal(t, "ok", body.Checks["postgres"])
	assert.Contains(t, body.Checks["graph"], "transient")
}

func TestServer_BreakerHealthEndpoint(t *testing.T) {
	s := New(0, testBreakerSet(), nil)
	rec := get(t, s, "/breakers")
	assert.Equal(t, http.StatusOK, rec.Code)

	var hs breaker.HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &hs))
	assert.Equal(t, "healthy", hs.Overall)
	assert.Len(t, hs.Services, 3)
}

func TestServer_BreakerHealthWithoutSet(t *testing.T) {
	s := New(0, nil, nil)
	rec := get(t, s, "/breakers")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no breakers configured")
}

func TestServer_MetricsServed(t *testing.T) {
	s := New(0, nil, nil)
	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
