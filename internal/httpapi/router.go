package httpapi

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/auth"
	"github.com/Kocoro-lab/deep-research/internal/policy"
	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

// Deps are the collaborators of the public API. Nil optional fields leave
// their routes unregistered.
type Deps struct {
	Sessions    SessionStarter
	Events      *streaming.Manager
	History     HistoryStore
	Cache       CacheClearer
	Admission   AdmissionReporter
	Policy      policy.Engine
	Auth        *auth.Middleware
	CORSOrigins []string
	Environment string
}

// NewHandler builds the public API mux wrapped in CORS.
func NewHandler(deps Deps, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Sessions != nil {
		NewResearchHandler(deps.Sessions, deps.Policy, deps.Environment, logger).RegisterRoutes(mux)
	}
	if deps.Events != nil {
		NewStreamingHandler(deps.Events, logger).RegisterRoutes(mux)
	}
	if deps.History != nil {
		NewHistoryHandler(deps.History, deps.Auth, logger).RegisterRoutes(mux)
	}
	NewAdminHandler(deps.Cache, deps.Admission, deps.Auth, logger).RegisterRoutes(mux)

	return corsMiddleware(deps.CORSOrigins, mux)
}
