package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, s *Server, path string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestServer_HealthAndReady(t *testing.T) {
	s := NewServer("127.0.0.1", 0)

	code, body := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])

	code, _ = get(t, s, "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	s.SetReady(true)
	code, body = get(t, s, "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
}

func TestServer_Status(t *testing.T) {
	s := NewServer("127.0.0.1", 0)
	s.SetStatusFunc(func() map[string]any {
		return map[string]any{"queue_length": 3, "queue_state": "draining"}
	})

	code, body := get(t, s, "/status")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(3), body["queue_length"])
	assert.Equal(t, "draining", body["queue_state"])
	assert.Equal(t, false, body["ready"])
}
