// ABOUTME: HTTP-level tests for the public API: auth, commands, sessions, servers
// ABOUTME: Drives a full Gateway assembly through httptest; workers are stubs

package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchhq/switchboard/internal/config"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = "test-secret"
	cfg.Auth.APIKeys = map[string]string{"sk-test-key": "service-account"}
	cfg.Metrics.Enabled = true
	cfg.ApplyDefaults()
	return cfg
}

type testEnv struct {
	gw    *Gateway
	srv   *httptest.Server
	token string
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}

	gw, err := New(cfg, slog.Default())
	require.NoError(t, err)

	srv := httptest.NewServer(gw.routes())
	t.Cleanup(srv.Close)
	t.Cleanup(func() { _ = gw.bus.Close(); _ = gw.audit.Close(); gw.hub.CloseAll() })

	token, err := gw.guard.Verifier().Generate("alice", time.Hour)
	require.NoError(t, err)

	return &testEnv{gw: gw, srv: srv, token: token}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, payload)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

// stubWorker answers /health and any command path with a fixed body.
func stubWorker(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (e *testEnv) registerWorker(t *testing.T, name, address string) {
	t.Helper()
	resp, _ := e.do(t, http.MethodPost, "/servers/register", e.token,
		map[string]string{"name": name, "address": address})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Force a synchronous probe so routing sees the worker healthy.
	resp, body := e.do(t, http.MethodPost, "/servers/"+name+"/probe", e.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"healthy"`)
}

func TestHealthEndpointIsOpen(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Workers = []config.WorkerConfig{{Name: "browser", Address: "http://localhost:8001"}}
	})

	resp, body := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status             string            `json:"status"`
		Servers            map[string]string `json:"servers"`
		MessageQueueStatus string            `json:"message_queue_status"`
	}
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "unknown", health.Servers["browser"])
	assert.Equal(t, "memory", health.MessageQueueStatus)
}

func TestReadinessRequiresHealthyWorker(t *testing.T) {
	e := newTestEnv(t, nil)

	// No healthy workers: alive, but not ready to take commands.
	resp, body := e.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, string(body), `"ready":false`)

	worker := stubWorker(t)
	e.registerWorker(t, "workerA", worker.URL)

	resp, body = e.do(t, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"ready":true`)
}

func TestCommandRequiresAuth(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, _ := e.do(t, http.MethodPost, "/command", "", map[string]string{"command": "ping"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCommandEndToEnd(t *testing.T) {
	e := newTestEnv(t, nil)
	worker := stubWorker(t)
	e.registerWorker(t, "workerA", worker.URL)

	resp, body := e.do(t, http.MethodPost, "/command", e.token, map[string]any{
		"command":        "ping",
		"target_service": "workerA",
		"parameters":     map[string]any{"x": 1},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var res struct {
		Status  string          `json:"status"`
		Service string          `json:"service"`
		Result  json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "workerA", res.Service)
	assert.JSONEq(t, `{"ok":true}`, string(res.Result))

	// The outcome lands in command history.
	resp, body = e.do(t, http.MethodGet, "/commands/history?limit=10", e.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"success"`)
}

func TestCommandToUnhealthyTargetFails(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.Workers = []config.WorkerConfig{{Name: "workerB", Address: "http://localhost:1"}}
	})

	resp, body := e.do(t, http.MethodPost, "/command", e.token, map[string]any{
		"command":        "ping",
		"target_service": "workerB",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "failures are structured results, not HTTP errors")
	assert.Contains(t, string(body), `"failed"`)
	assert.Contains(t, string(body), "service_unavailable")
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodPost, "/sessions", e.token, map[string]string{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), `"s1"`)

	resp, body = e.do(t, http.MethodPut, "/sessions/s1/activity", e.token, map[string]any{
		"service": "browser",
		"data":    map[string]any{"page": "home"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"browser"`)

	resp, body = e.do(t, http.MethodGet, "/sessions", e.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"s1"`)

	resp, _ = e.do(t, http.MethodDelete, "/sessions/s1", e.token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodGet, "/sessions/s1", e.token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSessionCrossUserAccessForbidden(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, _ := e.do(t, http.MethodPost, "/sessions", e.token, map[string]string{"session_id": "s1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	mallory, err := e.gw.guard.Verifier().Generate("mallory", time.Hour)
	require.NoError(t, err)

	resp, body := e.do(t, http.MethodGet, "/sessions/s1", mallory, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "authorization_error")

	resp, _ = e.do(t, http.MethodDelete, "/sessions/s1", mallory, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServersListAndDeregister(t *testing.T) {
	e := newTestEnv(t, nil)
	worker := stubWorker(t)
	e.registerWorker(t, "browser", worker.URL)

	resp, body := e.do(t, http.MethodGet, "/servers", e.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"browser"`)
	assert.Contains(t, string(body), `"healthy"`)

	resp, _ = e.do(t, http.MethodPost, "/servers/deregister", e.token, map[string]string{"name": "browser"})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/servers", e.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, string(body), `"browser"`)
}

func TestProbeUnknownServer(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, _ := e.do(t, http.MethodPost, "/servers/ghost/probe", e.token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBroadcastAndMessageHistory(t *testing.T) {
	e := newTestEnv(t, nil)

	resp, body := e.do(t, http.MethodPost, "/broadcast", e.token, map[string]any{
		"type":    "announcement",
		"payload": map[string]string{"text": "maintenance at noon"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg struct {
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(body, &msg))
	// The gateway itself subscribes to broadcast for realtime relay, so
	// the message is delivered even with no client connected.
	assert.Equal(t, "delivered", msg.Status)

	resp, body = e.do(t, http.MethodGet, "/messages/broadcast?limit=10", e.token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), msg.MessageID)

	// Delivered messages accept acknowledgement, idempotently.
	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/messages/%s/ack", msg.MessageID), e.token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, fmt.Sprintf("/messages/%s/ack", msg.MessageID), e.token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/messages/ghost/ack", e.token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPIKeyAuthWorks(t *testing.T) {
	e := newTestEnv(t, nil)

	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/sessions", nil)
	require.NoError(t, err)
	req.Header.Set("X-API-Key", "sk-test-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, nil)
	worker := stubWorker(t)
	e.registerWorker(t, "workerA", worker.URL)

	resp, _ := e.do(t, http.MethodPost, "/command", e.token, map[string]any{
		"command": "ping", "target_service": "workerA",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "switchboard_commands_total")
}

func TestCommandQuotaExceeded(t *testing.T) {
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.RateLimit.PerMinute = 5
	})

	var last *http.Response
	for i := 0; i < 6; i++ {
		last, _ = e.do(t, http.MethodPost, "/command", e.token, map[string]string{"command": "make_coffee"})
	}
	assert.Equal(t, http.StatusTooManyRequests, last.StatusCode)
	assert.NotEmpty(t, last.Header.Get("Retry-After"))
}
