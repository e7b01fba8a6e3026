package livestream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Signaling connection timings.
const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = (wsPongWait * 9) / 10
	wsMaxMessageSize = 4096
)

// Inbound message types.
const (
	msgRequestStream = "request-stream"
	msgPing          = "ping"
)

type inboundMessage struct {
	Type string `json:"type"`
}

// ServeWS handles GET /ws: it upgrades the request and registers the viewer
// for the lifetime of the connection.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	caller := h.ident.Identify(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	id := uuid.NewString()
	// The snapshot is taken atomically with the subscription and goes to this
	// connection only, ahead of any broadcast it triggers itself.
	sub, err := h.hub.SubscribeWith(id, h.readyEvent)
	if err != nil {
		h.log.Warn("signaling subscribe failed", slog.String("error", err.Error()))
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"),
			time.Now().Add(wsWriteWait))
		conn.Close()
		return
	}

	h.viewers.Connect(id, caller.Name)

	h.log.Info("signaling connected",
		slog.String("viewer_id", id),
		slog.String("user_id", caller.ID),
		slog.String("remote_addr", r.RemoteAddr))

	go h.writePump(conn, sub)
	h.readPump(conn, id)

	h.viewers.Disconnect(id)
	h.hub.Unsubscribe(id)
	h.log.Info("signaling disconnected", slog.String("viewer_id", id))
}

func (h *Handler) readyEvent() Event {
	st := h.stream.Status()
	return NewEvent(EventServerReady, serverReadyData{Streaming: st.State == StateRunning, State: st.State})
}

// readPump consumes client messages until the connection fails.
func (h *Handler) readPump(conn *websocket.Conn, id string) {
	defer conn.Close()

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				h.log.Debug("signaling read error", slog.String("viewer_id", id), slog.String("error", err.Error()))
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsPongWait))

		var msg inboundMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug("ignoring malformed signaling message", slog.String("viewer_id", id))
			continue
		}
		switch msg.Type {
		case msgRequestStream:
			h.log.Debug("stream requested", slog.String("viewer_id", id))
			h.stream.RequestStart()
		case msgPing:
			h.hub.SendTo(id, NewEvent(EventPong, nil))
		default:
			h.log.Debug("ignoring unknown signaling message",
				slog.String("viewer_id", id),
				slog.String("type", msg.Type))
		}
	}
}

// writePump is the only writer on conn. It drains the subscription in order
// and keeps the connection alive with pings.
func (h *Handler) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case ev, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug("signaling write failed", slog.String("viewer_id", sub.ID), slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// originChecker allows same-host requests, requests without an Origin
// header and any origin listed in allowed. "*" or an empty list allows all.
func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if _, ok := set[strings.ToLower(origin)]; ok {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}
