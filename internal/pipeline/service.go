// Package pipeline runs research sessions under admission control and
// exposes each one as an ordered event stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/deep-research/internal/admission"
	"github.com/Kocoro-lab/deep-research/internal/evidence"
	"github.com/Kocoro-lab/deep-research/internal/faults"
	"github.com/Kocoro-lab/deep-research/internal/interceptors"
	"github.com/Kocoro-lab/deep-research/internal/metrics"
	"github.com/Kocoro-lab/deep-research/internal/research"
	"github.com/Kocoro-lab/deep-research/internal/streaming"
)

const (
	DefaultMaxLoops = 3
	MinMaxLoops     = 1
	MaxMaxLoops     = 5
	MinTaskLength   = 5
	MaxTaskLength   = 300

	// events are kept for late observers this long after the terminal event
	historyRetention = 10 * time.Minute
)

// ErrDraining is returned by Start once Drain has begun.
var ErrDraining = errors.New("research service is shutting down")

// Saver persists completed sessions. Failures are logged and never fail the
// session.
type Saver interface {
	Save(ctx context.Context, task, report string, notes []evidence.Preview) (string, error)
}

// Runner executes the research workflow for one session.
type Runner interface {
	Run(ctx context.Context, sess *research.Session, obs research.Observer) error
}

// Request is a research submission.
type Request struct {
	Task     string
	MaxLoops int
}

// ValidationError reports an invalid Request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Message) }

// Validate normalizes and checks r. A zero MaxLoops becomes DefaultMaxLoops.
func (r *Request) Validate() error {
	n := len([]rune(r.Task))
	if n < MinTaskLength || n > MaxTaskLength {
		return &ValidationError{Field: "task", Message: fmt.Sprintf("must be between %d and %d characters", MinTaskLength, MaxTaskLength)}
	}
	if r.MaxLoops == 0 {
		r.MaxLoops = DefaultMaxLoops
	}
	if r.MaxLoops < MinMaxLoops || r.MaxLoops > MaxMaxLoops {
		return &ValidationError{Field: "max_loops", Message: fmt.Sprintf("must be between %d and %d", MinMaxLoops, MaxMaxLoops)}
	}
	return nil
}

// Stream is a running session's event stream. Events is closed after the
// terminal event.
type Stream struct {
	SessionID string
	Events    <-chan streaming.Event
}

// Service admits sessions, runs them, and streams their events.
type Service struct {
	admission *admission.Controller
	runner    Runner
	events    *streaming.Manager
	saver     Saver
	logger    *zap.Logger

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

// NewService wires a service. events and saver may be nil.
func NewService(ctrl *admission.Controller, runner Runner, events *streaming.Manager, saver Saver, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{admission: ctrl, runner: runner, events: events, saver: saver, logger: logger}
}

// Admission exposes the controller for cancellation and stats.
func (s *Service) Admission() *admission.Controller { return s.admission }

// Cancel requests cancellation of a queued or running session.
func (s *Service) Cancel(sessionID string) bool { return s.admission.Cancel(sessionID) }

// Start validates req and registers a new session with the admission
// controller. It fails fast with admission.ErrQueueFull when the wait queue
// is full. The session runs in the background until its terminal event;
// ending ctx cancels it.
func (s *Service) Start(ctx context.Context, req Request) (*Stream, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return nil, ErrDraining
	}
	s.active.Add(1)
	s.mu.Unlock()

	id := uuid.New().String()
	ticket, err := s.admission.Acquire(id)
	if err != nil {
		s.active.Done()
		return nil, err
	}

	out := make(chan streaming.Event, 64)
	go s.run(ctx, req, ticket, out)
	return &Stream{SessionID: id, Events: out}, nil
}

// Drain stops accepting sessions and waits until every started session has
// emitted its terminal event or ctx ends.
func (s *Service) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, req Request, ticket *admission.Ticket, out chan<- streaming.Event) {
	defer s.active.Done()
	id := ticket.SessionID
	started := time.Now()
	em := &emitter{sessionID: id, ctx: ctx, out: out, events: s.events}
	defer em.close()

	// a departed caller cancels its session
	stop := context.AfterFunc(ctx, func() { s.admission.Cancel(id) })
	defer stop()

	logger := s.logger.With(zap.String("session_id", id))
	em.emit(streaming.SessionStart(id))
	if ticket.Queued() {
		logger.Info("Research session queued", zap.Int("position", ticket.Position))
		em.emit(streaming.Queued(ticket.Position))
	}

	if err := ticket.Wait(ctx); err != nil {
		logger.Info("Research session cancelled while queued", zap.Error(err))
		em.emit(streaming.Cancelled())
		metrics.RecordSessionOutcome("cancelled", time.Since(started).Seconds(), 0)
		return
	}

	// cancellation aborts in-flight model and search calls, not only the
	// next checkpoint
	runCtx, cancelRun := context.WithCancel(ctx)
	go func() {
		select {
		case <-ticket.Cancelled():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	sess := research.NewSession(id, req.Task, req.MaxLoops)
	obs := &observer{em: em, ticket: ticket}
	logger.Info("Research session started", zap.Int("max_loops", sess.MaxLoops))
	err := s.runner.Run(interceptors.WithSessionID(runCtx, id), sess, obs)
	cancelRun()
	s.admission.Release(id)

	switch {
	case errors.Is(err, research.ErrCancelled):
		logger.Info("Research session cancelled", zap.Int("loop", sess.LoopCount))
		em.emit(streaming.Cancelled())
		metrics.RecordSessionOutcome("cancelled", time.Since(started).Seconds(), sess.LoopCount)
	case err != nil:
		category := faults.Classify(err)
		logger.Error("Research session failed", zap.String("category", string(category)), zap.Error(err))
		em.emit(streaming.Error(faults.Message(category)))
		metrics.RecordSessionOutcome("error", time.Since(started).Seconds(), sess.LoopCount)
	default:
		if sess.ReportContent != "" {
			if recordID, ok := s.save(ctx, sess, logger); ok {
				em.emit(streaming.Saved(recordID))
			}
		}
		em.emit(streaming.Done())
		logger.Info("Research session completed",
			zap.Int("loop", sess.LoopCount),
			zap.Int("notes", len(sess.Notes)),
			zap.Duration("duration", time.Since(started)),
		)
		metrics.RecordSessionOutcome("done", time.Since(started).Seconds(), sess.LoopCount)
	}
}

func (s *Service) save(ctx context.Context, sess *research.Session, logger *zap.Logger) (string, bool) {
	if s.saver == nil {
		return "", false
	}
	// the caller may already be gone; the result is still worth keeping
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	recordID, err := s.saver.Save(saveCtx, sess.Task, sess.ReportContent, evidence.Previews(sess.Notes))
	if err != nil {
		metrics.PersistenceFailures.Inc()
		logger.Warn("Failed to save research session", zap.Error(err))
		return "", false
	}
	return recordID, true
}

// emitter stamps events, mirrors them to the manager and delivers them to
// the session's own caller without loss while the caller is listening.
type emitter struct {
	sessionID string
	ctx       context.Context
	out       chan<- streaming.Event
	events    *streaming.Manager
	seq       uint64
	closed    bool
}

func (e *emitter) emit(evt streaming.Event) {
	if e.closed {
		return
	}
	if e.events != nil {
		evt = e.events.Publish(e.sessionID, evt)
	} else {
		e.seq++
		evt.Seq = e.seq
		evt.SessionID = e.sessionID
	}
	select {
	case e.out <- evt:
	case <-e.ctx.Done():
	}
	if evt.Type.Terminal() {
		e.close()
	}
}

func (e *emitter) close() {
	if e.closed {
		return
	}
	e.closed = true
	close(e.out)
	if e.events != nil {
		e.events.Forget(e.sessionID, historyRetention)
	}
}
