package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

// StreamingHandler lets observers follow a session that someone else
// started, over SSE or WebSocket.
type StreamingHandler struct {
	mgr    *streaming.Manager
	logger *zap.Logger
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

type streamQuery struct {
	sessionID  string
	typeFilter map[streaming.EventType]struct{}
	lastID     uint64
}

func parseStreamQuery(r *http.Request) (streamQuery, error) {
	q := streamQuery{sessionID: r.URL.Query().Get("session_id")}
	if q.sessionID == "" {
		return q, fmt.Errorf("session_id required")
	}
	if s := r.URL.Query().Get("types"); s != "" {
		q.typeFilter = map[streaming.EventType]struct{}{}
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				q.typeFilter[streaming.EventType(t)] = struct{}{}
			}
		}
	}
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			q.lastID = n
		}
	}
	if s := r.URL.Query().Get("last_event_id"); s != "" && q.lastID == 0 {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			q.lastID = n
		}
	}
	return q, nil
}

func (q streamQuery) wants(evt streaming.Event) bool {
	if len(q.typeFilter) == 0 {
		return true
	}
	_, ok := q.typeFilter[evt.Type]
	return ok
}

// streamSink is one observer transport.
type streamSink struct {
	// ready is called once the session is known to exist.
	ready     func() bool
	send      func(streaming.Event) bool
	heartbeat func() bool
}

// follow subscribes, replays history after lastID and then forwards live
// events, skipping any already replayed. Any sink call returning false
// stops it. It returns false if the session is unknown.
func (h *StreamingHandler) follow(r *http.Request, q streamQuery, sink streamSink) bool {
	ch := h.mgr.Subscribe(q.sessionID, 256)
	defer h.mgr.Unsubscribe(q.sessionID, ch)

	backlog := h.mgr.ReplaySince(r.Context(), q.sessionID, q.lastID)
	if len(backlog) == 0 && !h.mgr.Known(q.sessionID) {
		return false
	}
	if !sink.ready() {
		return true
	}

	last := q.lastID
	for _, evt := range backlog {
		last = evt.Seq
		if q.wants(evt) && !sink.send(evt) {
			return true
		}
		if evt.Type.Terminal() {
			return true
		}
	}

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			h.logger.Debug("Stream observer disconnected", zap.String("session_id", q.sessionID))
			return true
		case evt, ok := <-ch:
			if !ok {
				return true
			}
			if evt.Seq <= last {
				continue
			}
			last = evt.Seq
			if q.wants(evt) && !sink.send(evt) {
				return true
			}
			if evt.Type.Terminal() {
				return true
			}
		case <-hb.C:
			if !sink.heartbeat() {
				return true
			}
		}
	}
}

// handleSSE streams events for a session via Server-Sent Events.
// GET /stream/sse?session_id=<id>&types=a,b&last_event_id=<seq>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	q, err := parseStreamQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	found := h.follow(r, q, streamSink{
		ready: func() bool {
			setSSEHeaders(w)
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, ": connected to session %s\n\n", q.sessionID)
			flusher.Flush()
			return true
		},
		send: func(evt streaming.Event) bool {
			if err := writeSSE(w, evt); err != nil {
				return false
			}
			flusher.Flush()
			return true
		},
		heartbeat: func() bool {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return false
			}
			flusher.Flush()
			return true
		},
	})
	if !found {
		writeError(w, http.StatusNotFound, "session not found")
	}
}
