package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

func observerServer(t *testing.T) (*streaming.Manager, *httptest.Server) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	mgr := streaming.NewManager(64, logger)
	srv := httptest.NewServer(NewHandler(Deps{Events: mgr}, logger))
	t.Cleanup(srv.Close)
	return mgr, srv
}

func TestObserverSSEReplaysFinishedSession(t *testing.T) {
	mgr, srv := observerServer(t)
	mgr.Publish("s1", streaming.SessionStart("s1"))
	mgr.Publish("s1", streaming.ResearcherSearch("go generics"))
	mgr.Publish("s1", streaming.ReportChunk("text"))
	mgr.Publish("s1", streaming.Done())

	resp, err := http.Get(srv.URL + "/stream/sse?session_id=s1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := readSSE(t, resp.Body)
	require.Len(t, events, 4)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, streaming.EventDone, events[3].Type)
}

func TestObserverSSEResumeAndFilter(t *testing.T) {
	mgr, srv := observerServer(t)
	mgr.Publish("s1", streaming.SessionStart("s1"))
	mgr.Publish("s1", streaming.ResearcherSearch("a"))
	mgr.Publish("s1", streaming.ResearcherSearch("b"))
	mgr.Publish("s1", streaming.ReportChunk("text"))
	mgr.Publish("s1", streaming.Done())

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/stream/sse?session_id=s1&types=researcher_search,done", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := readSSE(t, resp.Body)
	require.Len(t, events, 2)
	assert.Equal(t, "b", events[0].Data["query"])
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, streaming.EventDone, events[1].Type)
}

func TestObserverSSEFollowsLiveSession(t *testing.T) {
	mgr, srv := observerServer(t)
	mgr.Publish("live", streaming.SessionStart("live"))

	resp, err := http.Get(srv.URL + "/stream/sse?session_id=live")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// headers arrive before any live event; publish after the observer is in
	go func() {
		time.Sleep(50 * time.Millisecond)
		mgr.Publish("live", streaming.ReportChunk("more"))
		mgr.Publish("live", streaming.Done())
	}()

	events := readSSE(t, resp.Body)
	require.Len(t, events, 3)
	assert.Equal(t, streaming.EventReportChunk, events[1].Type)
	assert.Equal(t, streaming.EventDone, events[2].Type)
}

func TestObserverSSEErrors(t *testing.T) {
	_, srv := observerServer(t)

	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/stream/sse?session_id=nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestObserverWebSocket(t *testing.T) {
	mgr, srv := observerServer(t)
	mgr.Publish("ws", streaming.SessionStart("ws"))
	mgr.Publish("ws", streaming.Planner([]string{"q"}))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?session_id=ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		mgr.Publish("ws", streaming.Cancelled())
	}()

	var got []streaming.Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var evt streaming.Event
		if err := conn.ReadJSON(&evt); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		got = append(got, evt)
	}
	require.Len(t, got, 3)
	assert.Equal(t, streaming.EventPlanner, got[1].Type)
	assert.Equal(t, streaming.EventCancelled, got[2].Type)
}

func TestObserverWebSocketUnknownSession(t *testing.T) {
	_, srv := observerServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?session_id=missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
