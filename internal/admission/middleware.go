// ABOUTME: HTTP middleware for authentication and quota enforcement.
// ABOUTME: Bearer JWT or API key in, Identity on the request context out.

package admission

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/httprate"
)

// Guard bundles the admission checks applied in front of the public
// API: authentication, per-identity quotas, and the outer per-IP edge
// limit.
type Guard struct {
	verifier *JWTVerifier
	apiKeys  map[string]string // key -> owner user id
	limiter  *Limiter
	logger   *slog.Logger
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	JWTSecret      []byte
	APIKeys        map[string]string // key -> owner user id
	QuotaPerMinute int
	QuotaBurst     int               // 0 means bursts up to the full quota
	EdgeLimit      int               // per-IP request cap across the whole API
	EdgeWindow     time.Duration     // window for the edge cap
}

// NewGuard builds the admission guard.
func NewGuard(opts GuardOptions, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]string, len(opts.APIKeys))
	for k, owner := range opts.APIKeys {
		keys[k] = owner
	}
	return &Guard{
		verifier: NewJWTVerifier(opts.JWTSecret),
		apiKeys:  keys,
		limiter:  NewLimiter(opts.QuotaPerMinute, opts.QuotaBurst),
		logger:   logger.With("component", "admission"),
	}
}

// Verifier exposes the JWT verifier for token minting in the CLI.
func (g *Guard) Verifier() *JWTVerifier { return g.verifier }

// RequireAuth authenticates the request via bearer JWT or X-API-Key and
// attaches the resulting Identity to the context. Unauthenticated
// requests are rejected before any handler state is touched.
func (g *Guard) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, errMsg := g.authenticate(r)
		if errMsg != "" {
			writeError(w, http.StatusUnauthorized, "authentication_error", errMsg)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// Quota enforces the per-(identity, operation) token bucket. It must
// run after RequireAuth. Exceeding the quota rejects with 429 and a
// Retry-After hint.
func (g *Guard) Quota(operation string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "authentication_error", "missing identity")
				return
			}
			allowed, retryAfter := g.limiter.Allow(id.UserID, operation)
			if !allowed {
				seconds := int(retryAfter.Round(time.Second).Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
				g.logger.Info("quota exceeded",
					"user_id", id.UserID, "operation", operation, "retry_after_s", seconds)
				writeError(w, http.StatusTooManyRequests, "rate_limited",
					fmt.Sprintf("quota exceeded for %s, retry after %ds", operation, seconds))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// EdgeLimit is the outer per-IP guard applied to the whole API, in
// front of authentication.
func EdgeLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 {
		requests = 600
	}
	if window <= 0 {
		window = time.Minute
	}
	return httprate.LimitByIP(requests, window)
}

// Authenticate resolves the request's identity without writing a
// response, for handlers that manage their own error shape (the
// realtime upgrade does).
func (g *Guard) Authenticate(r *http.Request) (Identity, string) {
	return g.authenticate(r)
}

func (g *Guard) authenticate(r *http.Request) (Identity, string) {
	if key := r.Header.Get("X-API-Key"); key != "" {
		owner, ok := g.apiKeys[key]
		if !ok {
			return Identity{}, "unknown api key"
		}
		return Identity{UserID: owner, Method: "api_key"}, ""
	}

	header := r.Header.Get("Authorization")
	if header == "" {
		return Identity{}, "missing authorization header"
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return Identity{}, "invalid authorization header format"
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return Identity{}, "empty token"
	}

	userID, err := g.verifier.Verify(token)
	if err != nil {
		return Identity{}, err.Error()
	}
	return Identity{UserID: userID, Method: "jwt"}, ""
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
