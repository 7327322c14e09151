package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

const (
	wsPongWait  = 60 * time.Second
	wsWriteWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// CORS is enforced by the router for browsers; observers behind a proxy
	// connect with their own origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// handleWS streams a session's events as JSON text frames.
// GET /stream/ws?session_id=<id>&types=a,b&last_event_id=<seq>
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	q, err := parseStreamQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var conn *websocket.Conn
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	found := h.follow(r.WithContext(ctx), q, streamSink{
		ready: func() bool {
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
				return false
			}
			conn = c
			conn.SetReadLimit(512)
			_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(wsPongWait))
			})
			// Reader pump: client frames are discarded, a read error means
			// the peer is gone.
			go func() {
				defer cancel()
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()
			return true
		},
		send: func(evt streaming.Event) bool {
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			return conn.WriteJSON(evt) == nil
		},
		heartbeat: func() bool {
			return conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)) == nil
		},
	})
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
			time.Now().Add(wsWriteWait))
	}
}
