package httpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/auth"
	"github.com/Kocoro-lab/deep-research/internal/db"
	"github.com/Kocoro-lab/deep-research/internal/evidence"
)

func newHistoryStore(t *testing.T) *db.Store {
	t.Helper()
	logger := zaptest.NewLogger(t)
	wrapper, err := db.Open(context.Background(), db.Config{Driver: db.DriverSQLite, DSN: ":memory:"}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { wrapper.Close() })
	store := db.NewStore(wrapper, logger)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func do(t *testing.T, h http.Handler, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHistoryRoutes(t *testing.T) {
	store := newHistoryStore(t)
	ctx := context.Background()
	first, err := store.Save(ctx, "first task", "# First", []evidence.Preview{{Title: "A", URL: "https://a", Content: "alpha"}})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := store.Save(ctx, "second task", "# Second", nil)
	require.NoError(t, err)

	h := NewHandler(Deps{History: store}, zaptest.NewLogger(t))

	rec := do(t, h, http.MethodGet, "/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions := decodeBody(t, rec)["sessions"].([]interface{})
	require.Len(t, sessions, 2)
	assert.Equal(t, second, sessions[0].(map[string]interface{})["id"])

	rec = do(t, h, http.MethodGet, "/history?limit=1&offset=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sessions = decodeBody(t, rec)["sessions"].([]interface{})
	require.Len(t, sessions, 1)
	assert.Equal(t, first, sessions[0].(map[string]interface{})["id"])

	rec = do(t, h, http.MethodGet, "/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/history/"+first, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	assert.Equal(t, "# First", detail["report_content"])
	notes := detail["notes"].([]interface{})
	require.Len(t, notes, 1)
	assert.Equal(t, "https://a", notes[0].(map[string]interface{})["url"])

	rec = do(t, h, http.MethodGet, "/history/"+second, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []interface{}{}, decodeBody(t, rec)["notes"])

	rec = do(t, h, http.MethodDelete, "/history/"+first, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodDelete, "/history/"+first, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodGet, "/history/"+first, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type failingHistory struct{}

func (failingHistory) List(context.Context, int, int) ([]db.SessionSummary, error) {
	return nil, errors.New("connection refused")
}
func (failingHistory) Get(context.Context, string) (*db.SessionRecord, error) {
	return nil, errors.New("connection refused")
}
func (failingHistory) Delete(context.Context, string) error { return errors.New("connection refused") }

func TestHistoryStoreFailures(t *testing.T) {
	h := NewHandler(Deps{History: failingHistory{}}, zaptest.NewLogger(t))
	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/history"},
		{http.MethodGet, "/history/x"},
		{http.MethodDelete, "/history/x"},
	} {
		rec := do(t, h, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, tc.path)
		assert.NotContains(t, rec.Body.String(), "connection refused")
	}
}

func TestHistoryDeleteRequiresScope(t *testing.T) {
	store := newHistoryStore(t)
	id, err := store.Save(context.Background(), "task text", "# R", nil)
	require.NoError(t, err)

	jwtMgr := auth.NewJWTManager("test-secret", time.Hour)
	guard := auth.NewMiddleware(jwtMgr, nil, false, zaptest.NewLogger(t))
	h := NewHandler(Deps{History: store, Auth: guard}, zaptest.NewLogger(t))

	rec := do(t, h, http.MethodDelete, "/history/"+id, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := jwtMgr.GenerateToken("alice", auth.RoleViewer)
	require.NoError(t, err)
	rec = do(t, h, http.MethodDelete, "/history/"+id, http.Header{"Authorization": {"Bearer " + viewer}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// reads stay public
	rec = do(t, h, http.MethodGet, "/history/"+id, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	admin, err := jwtMgr.GenerateToken("root", auth.RoleAdmin)
	require.NoError(t, err)
	rec = do(t, h, http.MethodDelete, "/history/"+id, http.Header{"Authorization": {"Bearer " + admin}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

type fakeCache struct {
	cleared int
	err     error
}

func (f *fakeCache) Clear(context.Context) error {
	f.cleared++
	return f.err
}

func TestAdminRoutes(t *testing.T) {
	key := "operator-key"
	hash, err := auth.HashAPIKey(key)
	require.NoError(t, err)
	guard := auth.NewMiddleware(nil, auth.NewAPIKeyVerifier(hash), false, zaptest.NewLogger(t))

	cache := &fakeCache{}
	ctrl := admission.NewController(2, 0, zaptest.NewLogger(t))
	_, err = ctrl.Acquire("one")
	require.NoError(t, err)
	h := NewHandler(Deps{Cache: cache, Admission: ctrl, Auth: guard}, zaptest.NewLogger(t))

	rec := do(t, h, http.MethodPost, "/admin/search-cache/clear", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, h, http.MethodPost, "/admin/search-cache/clear", http.Header{"X-Api-Key": {"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, cache.cleared)

	withKey := http.Header{"X-Api-Key": {key}}
	rec = do(t, h, http.MethodPost, "/admin/search-cache/clear", withKey)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cleared", decodeBody(t, rec)["status"])
	assert.Equal(t, 1, cache.cleared)

	rec = do(t, h, http.MethodGet, "/admin/admission", withKey)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody(t, rec)
	assert.Equal(t, float64(2), stats["capacity"])
	assert.Equal(t, float64(1), stats["running"])

	cache.err = errors.New("redis down")
	rec = do(t, h, http.MethodPost, "/admin/search-cache/clear", withKey)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestPublicHealthAndCORS(t *testing.T) {
	h := NewHandler(Deps{CORSOrigins: []string{"http://localhost:5173"}}, zaptest.NewLogger(t))

	rec := do(t, h, http.MethodGet, "/health", http.Header{"Origin": {"http://localhost:5173"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodGet, "/health", http.Header{"Origin": {"http://evil.example"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	rec = do(t, h, http.MethodOptions, "/research/stream", http.Header{
		"Origin":                        {"http://localhost:5173"},
		"Access-Control-Request-Method": {"POST"},
	})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "POST")
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Session-ID")
}
