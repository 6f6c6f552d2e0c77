// ABOUTME: HTTP API surface: commands, sessions, servers, messages, health.
// ABOUTME: Admission middleware wraps every public route; health stays open.

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/switchhq/switchboard/internal/admission"
	"github.com/switchhq/switchboard/internal/bus"
	"github.com/switchhq/switchboard/internal/registry"
	"github.com/switchhq/switchboard/internal/router"
	"github.com/switchhq/switchboard/internal/session"
)

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	auth := g.guard.RequireAuth
	quota := g.guard.Quota

	protected := func(op string, h http.HandlerFunc) http.Handler {
		return auth(quota(op)(h))
	}

	mux.Handle("POST /command", protected("command", g.handleCommand))

	mux.Handle("POST /sessions", protected("sessions", g.handleCreateSession))
	mux.Handle("GET /sessions", protected("sessions", g.handleListSessions))
	mux.Handle("GET /sessions/{id}", protected("sessions", g.handleGetSession))
	mux.Handle("PUT /sessions/{id}/activity", protected("sessions", g.handleSessionActivity))
	mux.Handle("DELETE /sessions/{id}", protected("sessions", g.handleCloseSession))

	mux.Handle("POST /servers/register", auth(http.HandlerFunc(g.handleRegisterServer)))
	mux.Handle("POST /servers/deregister", auth(http.HandlerFunc(g.handleDeregisterServer)))
	mux.Handle("GET /servers", auth(http.HandlerFunc(g.handleListServers)))
	mux.Handle("POST /servers/{name}/probe", auth(http.HandlerFunc(g.handleProbeServer)))

	mux.Handle("GET /commands/history", auth(http.HandlerFunc(g.handleCommandHistory)))

	mux.Handle("POST /broadcast", protected("broadcast", g.handleBroadcast))
	mux.Handle("GET /messages/{recipient}", auth(http.HandlerFunc(g.handleMessageHistory)))
	mux.Handle("POST /messages/{id}/ack", auth(http.HandlerFunc(g.handleAcknowledge)))

	mux.HandleFunc("GET /ws", g.handleWS)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	return admission.EdgeLimit(g.config.RateLimit.EdgeLimit, g.config.RateLimit.EdgeWindow)(mux)
}

func (g *Gateway) handleCommand(w http.ResponseWriter, r *http.Request) {
	id, _ := admission.FromContext(r.Context())

	var cmd router.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid command body: "+err.Error())
		return
	}

	res, err := g.router.Execute(r.Context(), id.UserID, cmd)
	if err != nil {
		if errors.Is(err, router.ErrPermissionDenied) {
			writeError(w, http.StatusForbidden, "authorization_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	g.metrics.CommandsTotal.WithLabelValues(orUnknown(res.Service), string(res.Status)).Inc()
	g.metrics.CommandDuration.WithLabelValues(orUnknown(res.Service)).
		Observe(float64(res.DurationMS) / 1000)

	writeJSON(w, http.StatusOK, res)
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id, _ := admission.FromContext(r.Context())

	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid body: "+err.Error())
			return
		}
	}

	sess, err := g.sessions.GetOrCreate(req.SessionID, id.UserID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id, _ := admission.FromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": g.sessions.List(id.UserID),
	})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, _ := admission.FromContext(r.Context())

	sess, err := g.sessions.Get(r.PathValue("id"), id.UserID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (g *Gateway) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	id, _ := admission.FromContext(r.Context())
	sessionID := r.PathValue("id")

	var req struct {
		Service string         `json:"service"`
		Data    map[string]any `json:"data"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation_error", "invalid body: "+err.Error())
			return
		}
	}

	if err := g.sessions.Touch(sessionID, id.UserID, req.Service); err != nil {
		writeSessionError(w, err)
		return
	}
	if len(req.Data) > 0 {
		if err := g.sessions.Update(sessionID, id.UserID, req.Data); err != nil {
			writeSessionError(w, err)
			return
		}
	}

	sess, err := g.sessions.Get(sessionID, id.UserID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (g *Gateway) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, _ := admission.FromContext(r.Context())

	if err := g.sessions.Close(r.PathValue("id"), id.UserID); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid body: "+err.Error())
		return
	}
	if req.Name == "" || req.Address == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name and address are required")
		return
	}

	g.registry.Register(registry.Endpoint{Name: req.Name, Address: req.Address})
	g.monitor.MarkForReprobe(req.Name)
	writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name, "address": req.Address})
}

func (g *Gateway) handleDeregisterServer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}

	g.registry.Deregister(req.Name)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListServers(w http.ResponseWriter, r *http.Request) {
	type serverView struct {
		Name        string    `json:"name"`
		Address     string    `json:"address"`
		Status      string    `json:"status"`
		LastChecked time.Time `json:"last_checked"`
		LatencyMS   int64     `json:"latency_ms"`
		LastError   string    `json:"last_error,omitempty"`
	}

	recs := g.registry.List()
	out := make([]serverView, 0, len(recs))
	for _, rec := range recs {
		ep, _ := g.registry.Get(rec.Service)
		out = append(out, serverView{
			Name:        rec.Service,
			Address:     ep.Address,
			Status:      string(rec.Status),
			LastChecked: rec.LastChecked,
			LatencyMS:   rec.Latency.Milliseconds(),
			LastError:   rec.LastError,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"servers": out})
}

func (g *Gateway) handleProbeServer(w http.ResponseWriter, r *http.Request) {
	rec, err := g.monitor.ProbeNow(r.Context(), r.PathValue("name"))
	if err != nil {
		if errors.Is(err, registry.ErrUnknownService) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (g *Gateway) handleCommandHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	writeJSON(w, http.StatusOK, map[string]any{
		"history": g.router.History().Recent(limit),
	})
}

func (g *Gateway) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	id, _ := admission.FromContext(r.Context())

	var req struct {
		Type     string          `json:"type"`
		Payload  json.RawMessage `json:"payload"`
		Priority bus.Priority    `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation_error", "invalid body: "+err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}

	msg, err := g.bus.Publish(r.Context(), bus.Message{
		Sender:    id.UserID,
		Recipient: bus.BroadcastChannel,
		Type:      req.Type,
		Payload:   req.Payload,
		Priority:  req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	g.metrics.BusMessages.WithLabelValues(string(msg.Status)).Inc()
	writeJSON(w, http.StatusOK, msg)
}

func (g *Gateway) handleMessageHistory(w http.ResponseWriter, r *http.Request) {
	msgs, err := g.bus.History(r.Context(), r.PathValue("recipient"), parseLimit(r, 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (g *Gateway) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	err := g.bus.Acknowledge(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, bus.ErrUnknownMessage):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, bus.ErrNotAcknowledgeable):
		writeError(w, http.StatusConflict, "validation_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	servers := make(map[string]string)
	for _, rec := range g.registry.List() {
		servers[rec.Service] = string(rec.Status)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "healthy",
		"timestamp":            time.Now().UTC(),
		"uptime_seconds":       int(time.Since(g.startedAt).Seconds()),
		"servers":              servers,
		"active_sessions":      g.sessions.Len(),
		"active_connections":   g.hub.ActiveCount(),
		"message_queue_status": g.bus.Backend(),
	})
}

// handleReady reports readiness to take commands: at least one worker
// must be healthy. /health stays 200 for liveness either way.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	healthy := g.registry.ListHealthy()
	if len(healthy) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready":   false,
			"backend": g.bus.Backend(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready":           true,
		"backend":         g.bus.Backend(),
		"healthy_servers": len(healthy),
	})
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrOwned):
		writeError(w, http.StatusForbidden, "authorization_error", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}
