// ABOUTME: WebSocket endpoint for realtime clients: event push and inbound commands.
// ABOUTME: Auth via bearer header or token query param; channels from the query string.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/switchhq/switchboard/internal/admission"
	"github.com/switchhq/switchboard/internal/realtime"
	"github.com/switchhq/switchboard/internal/router"
)

// inbound is one client -> server frame.
type inbound struct {
	Type      string          `json:"type"` // "command", "ack", "ping"
	Command   *router.Command `json:"command,omitempty"`
	MessageID string          `json:"message_id,omitempty"`
}

// wsSink adapts a websocket connection to the hub's Sink.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, ev realtime.Event) error {
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, s.conn, ev)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "bye")
}

// handleWS upgrades the connection, registers it with the hub for the
// requested channels, and serves inbound frames until the client goes
// away. Browsers cannot set headers on the upgrade request, so a
// ?token= query parameter is accepted alongside the usual header.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	id, errMsg := g.authenticateWS(r)
	if errMsg != "" {
		writeError(w, http.StatusUnauthorized, "authentication_error", errMsg)
		return
	}

	// The caller's own channel is always included so direct messages
	// reach them without an explicit subscription.
	channels := []string{id.UserID}
	if raw := r.URL.Query().Get("channels"); raw != "" {
		for _, ch := range strings.Split(raw, ",") {
			if ch = strings.TrimSpace(ch); ch != "" && ch != id.UserID {
				channels = append(channels, ch)
			}
		}
	}

	connID := r.URL.Query().Get("connection_id")
	if connID == "" {
		connID = uuid.NewString()
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	for _, ch := range channels {
		g.retainChannel(ch)
	}
	g.hub.Connect(connID, channels, &wsSink{conn: conn})
	g.metrics.Connections.Set(float64(g.hub.ActiveCount()))

	defer func() {
		g.hub.Disconnect(connID)
		for _, ch := range channels {
			g.releaseChannel(ch)
		}
		g.metrics.Connections.Set(float64(g.hub.ActiveCount()))
	}()

	for {
		var frame inbound
		if err := wsjson.Read(r.Context(), conn, &frame); err != nil {
			return
		}
		g.serveFrame(r.Context(), conn, id, frame)
	}
}

// serveFrame handles one inbound frame. Replies go straight back on
// the socket rather than through the hub so the submitter always sees
// its own result even without a channel subscription.
func (g *Gateway) serveFrame(ctx context.Context, conn *websocket.Conn, id admission.Identity, frame inbound) {
	reply := func(ev realtime.Event) {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_ = wsjson.Write(wctx, conn, ev)
	}

	switch frame.Type {
	case "ping":
		reply(realtime.Event{Type: "pong", Timestamp: time.Now().UTC()})

	case "ack":
		if frame.MessageID == "" {
			reply(errorEvent("message_id is required for ack"))
			return
		}
		if err := g.bus.Acknowledge(ctx, frame.MessageID); err != nil {
			reply(errorEvent("ack failed: " + err.Error()))
			return
		}
		reply(realtime.Event{Type: "ack_confirmed", Timestamp: time.Now().UTC()})

	case "command":
		if frame.Command == nil {
			reply(errorEvent("command payload is required"))
			return
		}
		res, err := g.router.Execute(ctx, id.UserID, *frame.Command)
		if err != nil {
			if errors.Is(err, router.ErrPermissionDenied) {
				reply(errorEvent(err.Error()))
				return
			}
			reply(errorEvent("command failed: " + err.Error()))
			return
		}
		g.metrics.CommandsTotal.WithLabelValues(orUnknown(res.Service), string(res.Status)).Inc()

		data, _ := json.Marshal(res)
		evType := "command_response"
		if res.Status == router.ResultFailed {
			evType = "command_error"
		}
		reply(realtime.Event{Type: evType, Data: data, Timestamp: time.Now().UTC()})

	default:
		reply(errorEvent("unknown frame type: " + frame.Type))
	}
}

func (g *Gateway) authenticateWS(r *http.Request) (admission.Identity, string) {
	if r.Header.Get("Authorization") == "" {
		if token := r.URL.Query().Get("token"); token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return g.guard.Authenticate(r)
}

func errorEvent(msg string) realtime.Event {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return realtime.Event{Type: "error", Data: data, Timestamp: time.Now().UTC()}
}
