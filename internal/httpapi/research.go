package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/pipeline"
	"github.com/Kocoro-lab/deep-research/internal/policy"
)

const (
	maxRequestBody    = 64 << 10
	heartbeatInterval = 15 * time.Second

	queueFullMessage = "Too many concurrent research tasks. Please try again later."
	drainingMessage  = "The research service is restarting. Please try again shortly."
)

// SessionStarter is satisfied by *pipeline.Service.
type SessionStarter interface {
	Start(ctx context.Context, req pipeline.Request) (*pipeline.Stream, error)
	Cancel(sessionID string) bool
}

// ResearchHandler starts research sessions and streams them back as SSE.
type ResearchHandler struct {
	sessions    SessionStarter
	policy      policy.Engine
	environment string
	logger      *zap.Logger
}

// NewResearchHandler creates the handler. engine may be nil.
func NewResearchHandler(sessions SessionStarter, engine policy.Engine, environment string, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchHandler{sessions: sessions, policy: engine, environment: environment, logger: logger}
}

func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /research/stream", h.handleStream)
	mux.HandleFunc("POST /research/{id}/cancel", h.handleCancel)
}

type researchRequest struct {
	Task     string `json:"task"`
	MaxLoops int    `json:"max_loops"`
}

// handleStream runs one session for the caller.
// POST /research/stream {"task": "...", "max_loops": 3}
func (h *ResearchHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	var body researchRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	req := pipeline.Request{Task: body.Task, MaxLoops: body.MaxLoops}
	if err := req.Validate(); err != nil {
		var verr *pipeline.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
			return
		}
		writeError(w, http.StatusBadRequest, sanitizeErr(err.Error()))
		return
	}

	if !h.allowed(w, r, req) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	stream, err := h.sessions.Start(r.Context(), req)
	switch {
	case errors.Is(err, admission.ErrQueueFull):
		writeError(w, http.StatusTooManyRequests, queueFullMessage)
		return
	case errors.Is(err, pipeline.ErrDraining):
		writeError(w, http.StatusServiceUnavailable, drainingMessage)
		return
	case err != nil:
		h.logger.Error("Failed to start research session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start research session")
		return
	}

	setSSEHeaders(w)
	w.Header().Set("X-Session-ID", stream.SessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	hb := time.NewTicker(heartbeatInterval)
	defer hb.Stop()

	// Draining continues after a write failure so the session's goroutine is
	// never left blocked; the request context ending cancels the session.
	writable := true
	for {
		select {
		case evt, ok := <-stream.Events:
			if !ok {
				return
			}
			if !writable {
				continue
			}
			if err := writeSSE(w, evt); err != nil {
				h.logger.Debug("Research stream client gone",
					zap.String("session_id", stream.SessionID),
					zap.Error(err),
				)
				writable = false
				continue
			}
			flusher.Flush()
		case <-hb.C:
			if writable {
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

// allowed evaluates the request policy; it writes the rejection itself.
func (h *ResearchHandler) allowed(w http.ResponseWriter, r *http.Request, req pipeline.Request) bool {
	if h.policy == nil || !h.policy.IsEnabled() {
		return true
	}
	decision, err := h.policy.Evaluate(r.Context(), &policy.Input{
		Task:        req.Task,
		MaxLoops:    req.MaxLoops,
		RemoteAddr:  r.RemoteAddr,
		Origin:      r.Header.Get("Origin"),
		Environment: h.environment,
		Timestamp:   time.Now(),
	})
	if err != nil {
		h.logger.Warn("Policy evaluation error", zap.Error(err))
	}
	if decision == nil || !decision.Allow {
		reason := "request denied by policy"
		if decision != nil && decision.Reason != "" {
			reason = decision.Reason
		}
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Request rejected by policy", "reason": sanitizeErr(reason)})
		return false
	}
	return true
}

// handleCancel cancels a queued or running session.
// POST /research/{id}/cancel
func (h *ResearchHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" || !h.sessions.Cancel(id) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	h.logger.Info("Research session cancel requested", zap.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "session_id": id})
}
