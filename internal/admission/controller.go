// Package admission bounds how many research sessions run at once.
//
// Sessions beyond capacity wait in a FIFO queue without holding a slot.
// Every admitted or queued session carries a cancellation signal that the
// workflow polls between steps.
package admission

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Kocoro-lab/deep-research/internal/metrics"
	"go.uber.org/zap"
)

// DefaultCapacity is the number of sessions allowed to run concurrently.
const DefaultCapacity = 2

var (
	// ErrCancelled is returned by Wait when the session was cancelled while queued.
	ErrCancelled = errors.New("admission: session cancelled")
	// ErrQueueFull is returned by Acquire when the wait queue is at its limit.
	ErrQueueFull = errors.New("admission: wait queue is full")
	// ErrDuplicateSession is returned when a session ID is already tracked.
	ErrDuplicateSession = errors.New("admission: session already registered")
)

type ticketState int

const (
	stateQueued ticketState = iota
	stateRunning
	stateReleased
)

// Ticket is a session's claim on the controller, held from Acquire until
// Release.
type Ticket struct {
	SessionID string
	// Position is the 1-based queue position at Acquire time; 0 means admitted immediately.
	Position int

	ctrl       *Controller
	state      ticketState
	elem       *list.Element
	enqueued   time.Time
	admitted   chan struct{}
	cancelled  chan struct{}
	cancelOnce sync.Once
}

// Queued reports whether the ticket had to wait at Acquire time.
func (t *Ticket) Queued() bool { return t.Position > 0 }

// Admitted is closed once the ticket holds a slot.
func (t *Ticket) Admitted() <-chan struct{} { return t.admitted }

// Cancelled is closed once the session is cancelled.
func (t *Ticket) Cancelled() <-chan struct{} { return t.cancelled }

// IsCancelled reports whether cancellation has been signalled.
func (t *Ticket) IsCancelled() bool {
	select {
	case <-t.cancelled:
		return true
	default:
		return false
	}
}

// Wait blocks until the ticket is admitted. It returns ErrCancelled if the
// session is cancelled first, or ctx.Err() if ctx ends first; in both cases
// the ticket leaves the queue and must not run.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.admitted:
		// cancellation can race admission; a cancelled session never runs
		if t.IsCancelled() {
			t.ctrl.Release(t.SessionID)
			return ErrCancelled
		}
		return nil
	case <-t.cancelled:
		t.ctrl.Release(t.SessionID)
		return ErrCancelled
	case <-ctx.Done():
		t.ctrl.Release(t.SessionID)
		return ctx.Err()
	}
}

func (t *Ticket) signalCancel() {
	t.cancelOnce.Do(func() { close(t.cancelled) })
}

// Controller is a bounded-concurrency gate with a FIFO wait queue.
type Controller struct {
	mu       sync.Mutex
	capacity int
	maxQueue int
	running  int
	queue    *list.List // of *Ticket, front = longest waiting
	tickets  map[string]*Ticket
	logger   *zap.Logger
}

// NewController creates a controller. capacity < 1 uses DefaultCapacity;
// maxQueue <= 0 means the queue is unbounded.
func NewController(capacity, maxQueue int, logger *zap.Logger) *Controller {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.AdmissionCapacity.Set(float64(capacity))
	return &Controller{
		capacity: capacity,
		maxQueue: maxQueue,
		queue:    list.New(),
		tickets:  make(map[string]*Ticket),
		logger:   logger,
	}
}

// Acquire registers sessionID. If a slot is free the ticket is admitted at
// once; otherwise it is appended to the queue and Position reports where.
// Acquire never blocks; call Ticket.Wait to block until admission.
func (c *Controller) Acquire(sessionID string) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.tickets[sessionID]; exists {
		return nil, ErrDuplicateSession
	}

	t := &Ticket{
		SessionID: sessionID,
		ctrl:      c,
		enqueued:  time.Now(),
		admitted:  make(chan struct{}),
		cancelled: make(chan struct{}),
	}

	// free capacity is only handed out when nobody is waiting, keeping FIFO
	if c.running < c.capacity && c.queue.Len() == 0 {
		c.tickets[sessionID] = t
		c.admitLocked(t)
		metrics.SessionsStarted.WithLabelValues("immediate").Inc()
		return t, nil
	}

	if c.maxQueue > 0 && c.queue.Len() >= c.maxQueue {
		metrics.SessionsStarted.WithLabelValues("rejected").Inc()
		return nil, ErrQueueFull
	}

	c.tickets[sessionID] = t
	t.state = stateQueued
	t.elem = c.queue.PushBack(t)
	t.Position = c.queue.Len()
	metrics.AdmissionQueued.Set(float64(c.queue.Len()))
	metrics.SessionsStarted.WithLabelValues("queued").Inc()

	c.logger.Info("Session queued",
		zap.String("session_id", sessionID),
		zap.Int("position", t.Position),
		zap.Int("running", c.running),
		zap.Int("capacity", c.capacity),
	)
	return t, nil
}

// Release returns sessionID's slot (or removes it from the queue) and admits
// waiters in FIFO order. Unknown or already released sessions are ignored.
func (c *Controller) Release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tickets[sessionID]
	if !ok {
		return
	}
	delete(c.tickets, sessionID)

	switch t.state {
	case stateRunning:
		c.running--
		metrics.AdmissionRunning.Set(float64(c.running))
	case stateQueued:
		c.queue.Remove(t.elem)
		t.elem = nil
		metrics.AdmissionQueued.Set(float64(c.queue.Len()))
	}
	t.state = stateReleased
	c.admitWaitersLocked()
}

// Cancel signals cancellation for a tracked session. It reports false for
// unknown or completed sessions, which are left untouched.
func (c *Controller) Cancel(sessionID string) bool {
	c.mu.Lock()
	t, ok := c.tickets[sessionID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	t.signalCancel()
	c.logger.Info("Session cancellation requested", zap.String("session_id", sessionID))
	return true
}

// SetCapacity changes the slot count. Raising it admits waiters immediately;
// lowering it lets running sessions finish.
func (c *Controller) SetCapacity(capacity int) {
	if capacity < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if capacity == c.capacity {
		return
	}
	c.logger.Info("Admission capacity changed", zap.Int("from", c.capacity), zap.Int("to", capacity))
	c.capacity = capacity
	metrics.AdmissionCapacity.Set(float64(capacity))
	c.admitWaitersLocked()
}

// Stats is a point-in-time view of the controller.
type Stats struct {
	Capacity int `json:"capacity"`
	Running  int `json:"running"`
	Queued   int `json:"queued"`
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Capacity: c.capacity, Running: c.running, Queued: c.queue.Len()}
}

// QueuePosition returns the current 1-based position of a queued session.
func (c *Controller) QueuePosition(sessionID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tickets[sessionID]
	if !ok || t.state != stateQueued {
		return 0, false
	}
	pos := 1
	for e := c.queue.Front(); e != nil; e = e.Next() {
		if e == t.elem {
			return pos, true
		}
		pos++
	}
	return 0, false
}

func (c *Controller) admitWaitersLocked() {
	for c.running < c.capacity && c.queue.Len() > 0 {
		front := c.queue.Front()
		t := c.queue.Remove(front).(*Ticket)
		t.elem = nil
		metrics.AdmissionWait.Observe(time.Since(t.enqueued).Seconds())
		c.admitLocked(t)
		c.logger.Info("Queued session admitted", zap.String("session_id", t.SessionID))
	}
	metrics.AdmissionQueued.Set(float64(c.queue.Len()))
}

func (c *Controller) admitLocked(t *Ticket) {
	t.state = stateRunning
	c.running++
	metrics.AdmissionRunning.Set(float64(c.running))
	close(t.admitted)
}
