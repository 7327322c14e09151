package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/auth"
	"github.com/Kocoro-lab/deep-research/internal/db"
	"github.com/Kocoro-lab/deep-research/internal/evidence"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// HistoryStore is satisfied by *db.Store.
type HistoryStore interface {
	List(ctx context.Context, limit, offset int) ([]db.SessionSummary, error)
	Get(ctx context.Context, id string) (*db.SessionRecord, error)
	Delete(ctx context.Context, id string) error
}

// HistoryHandler serves saved research sessions.
type HistoryHandler struct {
	store  HistoryStore
	guard  *auth.Middleware
	logger *zap.Logger
}

// NewHistoryHandler creates the handler. When guard is nil every route is
// public.
func NewHistoryHandler(store HistoryStore, guard *auth.Middleware, logger *zap.Logger) *HistoryHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HistoryHandler{store: store, guard: guard, logger: logger}
}

func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /history", h.handleList)
	mux.HandleFunc("GET /history/{id}", h.handleGet)
	mux.Handle("DELETE /history/{id}", requireScopes(h.guard, http.HandlerFunc(h.handleDelete), auth.ScopeHistoryWrite))
}

type historyDetail struct {
	ID            string             `json:"id"`
	Task          string             `json:"task"`
	ReportContent string             `json:"report_content"`
	Notes         []evidence.Preview `json:"notes"`
	CreatedAt     time.Time          `json:"created_at"`
}

// handleList pages through saved sessions, newest first.
// GET /history?limit=50&offset=0
func (h *HistoryHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil || limit < 1 {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	sessions, err := h.store.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list research history", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"limit":    limit,
		"offset":   offset,
	})
}

// GET /history/{id}
func (h *HistoryHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, db.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.logger.Error("Failed to load research session", zap.String("session_id", r.PathValue("id")), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, historyDetail{
		ID:            rec.ID,
		Task:          rec.Task,
		ReportContent: rec.ReportContent,
		Notes:         rec.Notes(),
		CreatedAt:     rec.CreatedAt,
	})
}

// DELETE /history/{id}
func (h *HistoryHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := h.store.Delete(r.Context(), id)
	switch {
	case errors.Is(err, db.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case err != nil:
		h.logger.Error("Failed to delete research session", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	h.logger.Info("Research session deleted", zap.String("session_id", id))
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "session_id": id})
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// requireScopes wraps next with guard, or returns it unchanged without one.
func requireScopes(guard *auth.Middleware, next http.Handler, scopes ...string) http.Handler {
	if guard == nil {
		return next
	}
	return guard.Require(scopes...)(next)
}
