package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/evidence"
	"github.com/Kocoro-lab/deep-research/internal/faults"
	"github.com/Kocoro-lab/deep-research/internal/research"
	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

type runnerFunc func(ctx context.Context, sess *research.Session, obs research.Observer) error

func (f runnerFunc) Run(ctx context.Context, sess *research.Session, obs research.Observer) error {
	return f(ctx, sess, obs)
}

type fakeSaver struct {
	mu    sync.Mutex
	id    string
	err   error
	saved []string
	notes [][]evidence.Preview
}

func (f *fakeSaver) Save(_ context.Context, task, report string, notes []evidence.Preview) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saved = append(f.saved, report)
	f.notes = append(f.notes, notes)
	return f.id, nil
}

// completingRunner walks through every phase and produces a report.
func completingRunner(calls *atomic.Int32) runnerFunc {
	return func(ctx context.Context, sess *research.Session, obs research.Observer) error {
		if calls != nil {
			calls.Add(1)
		}
		obs.PhaseStarted(research.PhasePlanning, sess)
		sess.Apply(research.PlanOutput{SubQueries: []string{"q1"}})
		obs.Planned(sess.SubQueries)
		obs.Searching("q1")
		note := evidence.Note{Content: "fact", SourceURL: "https://a", SourceTitle: "A", Relevance: 0.9}
		sess.Apply(research.ResearchOutput{Notes: []evidence.Note{note}, Added: []evidence.Note{note}})
		obs.NotesAdded([]evidence.Note{note})
		sess.Apply(research.ReviewOutput{LoopCount: 1, Feedback: "ok", Satisfactory: true})
		obs.Reviewed("ok", false)
		obs.ReportChunk("# R")
		obs.ReportChunk("eport")
		sess.Apply(research.ReportOutput{ReportContent: "# Report"})
		return nil
	}
}

// cancellableRunner blocks until its session is cancelled.
func cancellableRunner(started chan<- string) runnerFunc {
	return func(ctx context.Context, sess *research.Session, obs research.Observer) error {
		obs.PhaseStarted(research.PhasePlanning, sess)
		if started != nil {
			started <- sess.ID
		}
		for {
			if err := obs.Checkpoint(); err != nil {
				return err
			}
			time.Sleep(2 * time.Millisecond)
		}
	}
}

func collect(t *testing.T, s *Stream) []streaming.Event {
	t.Helper()
	var out []streaming.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case evt, ok := <-s.Events:
			if !ok {
				return out
			}
			out = append(out, evt)
		case <-timeout:
			t.Fatalf("stream %s did not finish; got %d events", s.SessionID, len(out))
			return out
		}
	}
}

func next(t *testing.T, s *Stream) streaming.Event {
	t.Helper()
	select {
	case evt, ok := <-s.Events:
		require.True(t, ok, "stream closed early")
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return streaming.Event{}
	}
}

func types(events []streaming.Event) []streaming.EventType {
	out := make([]streaming.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func countTerminal(events []streaming.Event) int {
	n := 0
	for _, e := range events {
		if e.Type.Terminal() {
			n++
		}
	}
	return n
}

func newService(t *testing.T, capacity int, runner Runner, saver Saver) *Service {
	t.Helper()
	logger := zaptest.NewLogger(t)
	return NewService(admission.NewController(capacity, 0, logger), runner, streaming.NewManager(64, logger), saver, logger)
}

func TestRequestValidate(t *testing.T) {
	r := Request{Task: "four"}
	assert.Error(t, r.Validate())

	r = Request{Task: "valid task"}
	require.NoError(t, r.Validate())
	assert.Equal(t, DefaultMaxLoops, r.MaxLoops)

	r = Request{Task: "valid task", MaxLoops: 6}
	var vErr *ValidationError
	require.ErrorAs(t, r.Validate(), &vErr)
	assert.Equal(t, "max_loops", vErr.Field)

	long := make([]rune, MaxTaskLength+1)
	for i := range long {
		long[i] = 'é'
	}
	r = Request{Task: string(long)}
	assert.Error(t, r.Validate())
	r = Request{Task: string(long[:MaxTaskLength])}
	assert.NoError(t, r.Validate())
}

func TestStreamEndsWithSavedThenDone(t *testing.T) {
	saver := &fakeSaver{id: "rec-1"}
	svc := newService(t, 2, completingRunner(nil), saver)

	stream, err := svc.Start(context.Background(), Request{Task: "topic X", MaxLoops: 1})
	require.NoError(t, err)
	events := collect(t, stream)

	assert.Equal(t, []streaming.EventType{
		streaming.EventSessionStart,
		streaming.EventProgress,
		streaming.EventPlanner,
		streaming.EventResearcherSearch,
		streaming.EventResearcherNotes,
		streaming.EventReviewer,
		streaming.EventReportChunk,
		streaming.EventReportChunk,
		streaming.EventSaved,
		streaming.EventDone,
	}, types(events))

	for i, e := range events {
		assert.Equal(t, uint64(i+1), e.Seq)
		assert.Equal(t, stream.SessionID, e.SessionID)
	}
	assert.Equal(t, "rec-1", events[len(events)-2].Data["id"])
	assert.Equal(t, stream.SessionID, events[0].Data["session_id"])

	require.Len(t, saver.saved, 1)
	assert.Equal(t, "# Report", saver.saved[0])
	assert.Equal(t, []evidence.Preview{{Title: "A", URL: "https://a", Content: "fact"}}, saver.notes[0])

	assert.Eventually(t, func() bool { return svc.Admission().Stats().Running == 0 }, time.Second, 5*time.Millisecond)
}

func TestEmptyReportIsNotSaved(t *testing.T) {
	saver := &fakeSaver{id: "rec-1"}
	runner := runnerFunc(func(ctx context.Context, sess *research.Session, obs research.Observer) error { return nil })
	svc := newService(t, 2, runner, saver)

	stream, err := svc.Start(context.Background(), Request{Task: "topic X"})
	require.NoError(t, err)
	events := collect(t, stream)

	assert.Equal(t, []streaming.EventType{streaming.EventSessionStart, streaming.EventDone}, types(events))
	assert.Empty(t, saver.saved)
}

func TestPersistenceFailureIsSwallowed(t *testing.T) {
	saver := &fakeSaver{err: errors.New("database is locked")}
	svc := newService(t, 2, completingRunner(nil), saver)

	stream, err := svc.Start(context.Background(), Request{Task: "topic X"})
	require.NoError(t, err)
	events := collect(t, stream)

	last := events[len(events)-1]
	assert.Equal(t, streaming.EventDone, last.Type)
	assert.NotContains(t, types(events), streaming.EventSaved)
	assert.NotContains(t, types(events), streaming.EventError)
}

func TestCollaboratorErrorBecomesFriendlyErrorEvent(t *testing.T) {
	runner := runnerFunc(func(ctx context.Context, sess *research.Session, obs research.Observer) error {
		return errors.New("planning: Incorrect API key provided: sk-secret")
	})
	svc := newService(t, 2, runner, &fakeSaver{id: "x"})

	stream, err := svc.Start(context.Background(), Request{Task: "topic X"})
	require.NoError(t, err)
	events := collect(t, stream)

	require.Equal(t, 1, countTerminal(events))
	last := events[len(events)-1]
	require.Equal(t, streaming.EventError, last.Type)
	assert.Equal(t, faults.Message(faults.CategoryAuthentication), last.Data["message"])
	assert.NotContains(t, last.Data["message"], "sk-secret")
}

func TestThirdSessionQueuedAndCancelledRunsNothing(t *testing.T) {
	var calls atomic.Int32
	started := make(chan string, 4)
	runner := runnerFunc(func(ctx context.Context, sess *research.Session, obs research.Observer) error {
		calls.Add(1)
		return cancellableRunner(started)(ctx, sess, obs)
	})
	svc := newService(t, 2, runner, nil)
	ctx := context.Background()

	a, err := svc.Start(ctx, Request{Task: "task A"})
	require.NoError(t, err)
	b, err := svc.Start(ctx, Request{Task: "task B"})
	require.NoError(t, err)
	c, err := svc.Start(ctx, Request{Task: "task C"})
	require.NoError(t, err)

	<-started
	<-started

	assert.Equal(t, streaming.EventSessionStart, next(t, c).Type)
	queued := next(t, c)
	require.Equal(t, streaming.EventQueued, queued.Type)
	assert.Equal(t, 1, queued.Data["position"])

	require.True(t, svc.Cancel(c.SessionID))
	rest := collect(t, c)
	assert.Equal(t, []streaming.EventType{streaming.EventCancelled}, types(rest))

	assert.True(t, svc.Cancel(a.SessionID))
	assert.True(t, svc.Cancel(b.SessionID))
	collect(t, a)
	collect(t, b)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueuedSessionAdmittedAfterRelease(t *testing.T) {
	started := make(chan string, 4)
	svc := newService(t, 1, cancellableRunner(started), nil)
	ctx := context.Background()

	a, err := svc.Start(ctx, Request{Task: "task A"})
	require.NoError(t, err)
	require.Equal(t, a.SessionID, <-started)
	b, err := svc.Start(ctx, Request{Task: "task B"})
	require.NoError(t, err)

	svc.Cancel(a.SessionID)
	collect(t, a)

	select {
	case id := <-started:
		assert.Equal(t, b.SessionID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("queued session was not admitted")
	}
	svc.Cancel(b.SessionID)
	events := collect(t, b)
	assert.Equal(t, streaming.EventCancelled, events[len(events)-1].Type)
}

func TestMidRunCancelEmitsSingleCancelled(t *testing.T) {
	started := make(chan string, 1)
	saver := &fakeSaver{id: "rec"}
	svc := newService(t, 2, cancellableRunner(started), saver)

	stream, err := svc.Start(context.Background(), Request{Task: "topic X"})
	require.NoError(t, err)
	<-started
	require.True(t, svc.Cancel(stream.SessionID))

	events := collect(t, stream)
	assert.Equal(t, 1, countTerminal(events))
	assert.Equal(t, streaming.EventCancelled, events[len(events)-1].Type)
	for _, e := range events {
		assert.NotEqual(t, streaming.EventSaved, e.Type)
		assert.NotEqual(t, streaming.EventDone, e.Type)
	}
	assert.Empty(t, saver.saved)
	assert.False(t, svc.Cancel(stream.SessionID), "completed session is unknown")
}

func TestCallerDisconnectCancelsSession(t *testing.T) {
	started := make(chan string, 1)
	svc := newService(t, 2, cancellableRunner(started), nil)

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := svc.Start(ctx, Request{Task: "topic X"})
	require.NoError(t, err)
	<-started
	cancel()

	assert.Eventually(t, func() bool {
		st := svc.Admission().Stats()
		return st.Running == 0 && st.Queued == 0
	}, 2*time.Second, 5*time.Millisecond)
	_ = collect(t, stream)
}

func TestQueueFullRejectsStart(t *testing.T) {
	logger := zaptest.NewLogger(t)
	started := make(chan string, 2)
	svc := NewService(admission.NewController(1, 1, logger), cancellableRunner(started), nil, nil, logger)
	ctx := context.Background()

	a, err := svc.Start(ctx, Request{Task: "task A"})
	require.NoError(t, err)
	b, err := svc.Start(ctx, Request{Task: "task B"})
	require.NoError(t, err)
	_, err = svc.Start(ctx, Request{Task: "task C"})
	assert.ErrorIs(t, err, admission.ErrQueueFull)

	svc.Cancel(a.SessionID)
	svc.Cancel(b.SessionID)
	collect(t, a)
	collect(t, b)
}

func TestEventsAreReplayableFromManager(t *testing.T) {
	logger := zaptest.NewLogger(t)
	mgr := streaming.NewManager(64, logger)
	svc := NewService(admission.NewController(2, 0, logger), completingRunner(nil), mgr, nil, logger)

	stream, err := svc.Start(context.Background(), Request{Task: "topic X"})
	require.NoError(t, err)
	events := collect(t, stream)

	replayed := mgr.ReplaySince(context.Background(), stream.SessionID, 0)
	assert.Equal(t, types(events), types(replayed))
	// no saver configured: nothing saved, still done
	assert.Equal(t, streaming.EventDone, replayed[len(replayed)-1].Type)
}

func TestCancelAbortsInFlightCall(t *testing.T) {
	started := make(chan string, 1)
	runner := runnerFunc(func(ctx context.Context, sess *research.Session, obs research.Observer) error {
		started <- sess.ID
		// stands in for a model or search request that only watches ctx
		<-ctx.Done()
		if err := obs.Checkpoint(); err != nil {
			return err
		}
		return ctx.Err()
	})
	svc := newService(t, 2, runner, nil)

	stream, err := svc.Start(context.Background(), Request{Task: "topic X"})
	require.NoError(t, err)
	<-started
	require.True(t, svc.Cancel(stream.SessionID))

	events := collect(t, stream)
	assert.Equal(t, 1, countTerminal(events))
	assert.Equal(t, streaming.EventCancelled, events[len(events)-1].Type)
}

func TestDrainWaitsForRunningSessions(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	runner := runnerFunc(func(ctx context.Context, sess *research.Session, obs research.Observer) error {
		started <- sess.ID
		<-release
		sess.Apply(research.ReportOutput{ReportContent: "# Report"})
		return nil
	})
	svc := newService(t, 2, runner, nil)

	stream, err := svc.Start(context.Background(), Request{Task: "topic X"})
	require.NoError(t, err)
	<-started

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.Drain(short), context.DeadlineExceeded)

	_, err = svc.Start(context.Background(), Request{Task: "topic Y"})
	assert.ErrorIs(t, err, ErrDraining)

	close(release)
	events := collect(t, stream)
	assert.Equal(t, streaming.EventDone, events[len(events)-1].Type)
	assert.NoError(t, svc.Drain(context.Background()))
}

func TestDrainWithNoSessionsReturnsImmediately(t *testing.T) {
	svc := newService(t, 2, completingRunner(nil), nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, svc.Drain(ctx))
}
