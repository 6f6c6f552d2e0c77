// ABOUTME: Tests for the admission middleware chain: auth, quotas, edge limit
// ABOUTME: Covers the 5-per-minute scenario with a Retry-After hint on the 6th call

package admission

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T, quota int) *Guard {
	t.Helper()
	return NewGuard(GuardOptions{
		JWTSecret:      []byte("test-secret"),
		APIKeys:        map[string]string{"sk-worker-key": "worker-bot"},
		QuotaPerMinute: quota,
	}, slog.Default())
}

// echoIdentity replies 200 with the authenticated user id.
func echoIdentity() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := FromContext(r.Context())
		_, _ = w.Write([]byte(id.UserID))
	})
}

func TestRequireAuthWithJWT(t *testing.T) {
	g := newTestGuard(t, 60)
	h := g.RequireAuth(echoIdentity())

	token, err := g.Verifier().Generate("alice", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/command", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", rec.Body.String())
}

func TestRequireAuthWithAPIKey(t *testing.T) {
	g := newTestGuard(t, 60)
	h := g.RequireAuth(echoIdentity())

	req := httptest.NewRequest(http.MethodPost, "/command", nil)
	req.Header.Set("X-API-Key", "sk-worker-key")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "worker-bot", rec.Body.String())
}

func TestRequireAuthRejections(t *testing.T) {
	g := newTestGuard(t, 60)
	h := g.RequireAuth(echoIdentity())

	cases := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"no credentials", func(*http.Request) {}},
		{"bad scheme", func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") }},
		{"empty bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer ") }},
		{"garbage token", func(r *http.Request) { r.Header.Set("Authorization", "Bearer junk") }},
		{"unknown api key", func(r *http.Request) { r.Header.Set("X-API-Key", "sk-wrong") }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/command", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "authentication_error")
		})
	}
}

func TestQuotaFiveThenRateLimited(t *testing.T) {
	g := newTestGuard(t, 5)
	h := g.RequireAuth(g.Quota("command")(echoIdentity()))

	token, err := g.Verifier().Generate("alice", time.Hour)
	require.NoError(t, err)

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/command", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, do().Code, "call %d within quota", i+1)
	}

	rec := do()
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limited")

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0, "rejection carries a retriable hint")
}

func TestQuotaIsPerIdentityAndOperation(t *testing.T) {
	g := newTestGuard(t, 1)
	h := g.RequireAuth(g.Quota("command")(echoIdentity()))

	do := func(user string) int {
		token, err := g.Verifier().Generate(user, time.Hour)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/command", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("alice"))
	assert.Equal(t, http.StatusTooManyRequests, do("alice"))
	// A different identity has its own bucket.
	assert.Equal(t, http.StatusOK, do("bob"))

	// A different operation for the exhausted identity is also allowed.
	other := g.RequireAuth(g.Quota("sessions")(echoIdentity()))
	token, err := g.Verifier().Generate("alice", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	other.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQuotaRequiresIdentity(t *testing.T) {
	g := newTestGuard(t, 5)
	// Quota mounted without RequireAuth in front: no identity on context.
	h := g.Quota("command")(echoIdentity())

	req := httptest.NewRequest(http.MethodPost, "/command", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEdgeLimitCapsPerIP(t *testing.T) {
	h := EdgeLimit(3, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 4; i++ {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		last = rec.Code
	}
	assert.Equal(t, http.StatusTooManyRequests, last)
}
