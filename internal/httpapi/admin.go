package httpapi

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/auth"
)

// CacheClearer is satisfied by *searchcache.CachedSearcher.
type CacheClearer interface {
	Clear(ctx context.Context) error
}

// AdmissionReporter is satisfied by *admission.Controller.
type AdmissionReporter interface {
	Stats() admission.Stats
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	cache     CacheClearer
	admission AdmissionReporter
	guard     *auth.Middleware
	logger    *zap.Logger
}

func NewAdminHandler(cache CacheClearer, adm AdmissionReporter, guard *auth.Middleware, logger *zap.Logger) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{cache: cache, admission: adm, guard: guard, logger: logger}
}

func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	if h.cache != nil {
		mux.Handle("POST /admin/search-cache/clear", requireScopes(h.guard, http.HandlerFunc(h.handleClearCache), auth.ScopeCacheManage))
	}
	if h.admission != nil {
		mux.Handle("GET /admin/admission", requireScopes(h.guard, http.HandlerFunc(h.handleAdmission), auth.ScopeHistoryRead))
	}
}

func (h *AdminHandler) handleClearCache(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(r.Context()); err != nil {
		h.logger.Error("Failed to clear search cache", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to clear search cache")
		return
	}
	subject := ""
	if op, err := auth.GetOperator(r.Context()); err == nil {
		subject = op.Subject
	}
	h.logger.Info("Search cache cleared", zap.String("operator", subject))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (h *AdminHandler) handleAdmission(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.admission.Stats())
}
