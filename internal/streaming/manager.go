package streaming

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultHistory is the per-session replay capacity.
const DefaultHistory = 512

// Manager provides in-memory pub/sub for session events with a per-session
// replay buffer. Publishing never blocks: slow subscribers miss events and
// can catch up through ReplaySince.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int

	mirror   *RedisMirror
	mirrorCh chan Event
	closed   bool // mirrorCh closed; guarded by mu
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithRedisMirror copies every published event to Redis so observers can
// replay sessions this process no longer holds in memory.
func WithRedisMirror(m *RedisMirror) Option {
	return func(mgr *Manager) { mgr.mirror = m }
}

// NewManager creates a manager keeping capacity events per session.
func NewManager(capacity int, logger *zap.Logger, opts ...Option) *Manager {
	if capacity <= 0 {
		capacity = DefaultHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
	for _, o := range opts {
		o(m)
	}
	if m.mirror != nil {
		m.mirrorCh = make(chan Event, 1024)
		m.wg.Add(1)
		go m.mirrorLoop()
	}
	return m
}

// Subscribe adds a subscriber channel for a session; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, present := subs[ch]; !present {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish assigns the next sequence number for sessionID, records the event
// and fans it out. The stamped event is returned.
func (m *Manager) Publish(sessionID string, evt Event) Event {
	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	rg.push(evt)
	// fan out under the lock so Unsubscribe cannot close a channel mid-send
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			// Drop if subscriber is slow
		}
	}
	// enqueue under the lock: keeps mirror order by seq and Close cannot
	// close the channel mid-send
	if m.mirrorCh != nil && !m.closed {
		select {
		case m.mirrorCh <- evt:
		default:
			m.logger.Warn("Event mirror queue full, dropping event",
				zap.String("session_id", sessionID),
				zap.Uint64("seq", evt.Seq),
			)
		}
	}
	m.mu.Unlock()
	return evt
}

// ReplaySince returns events with Seq > since, from memory when the session
// is still held and from the Redis mirror otherwise.
func (m *Manager) ReplaySince(ctx context.Context, sessionID string, since uint64) []Event {
	m.mu.RLock()
	rg := m.history[sessionID]
	var out []Event
	if rg != nil {
		out = rg.since(since)
	}
	m.mu.RUnlock()
	if rg != nil || m.mirror == nil {
		return out
	}
	events, err := m.mirror.Since(ctx, sessionID, since)
	if err != nil {
		m.logger.Warn("Event replay from Redis failed", zap.String("session_id", sessionID), zap.Error(err))
		return nil
	}
	return events
}

// Known reports whether the manager holds history for sessionID.
func (m *Manager) Known(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.history[sessionID]
	return ok
}

// Forget drops a session's in-memory history after delay, giving late
// observers a window to replay it.
func (m *Manager) Forget(sessionID string, delay time.Duration) {
	drop := func() {
		m.mu.Lock()
		delete(m.history, sessionID)
		m.mu.Unlock()
	}
	if delay <= 0 {
		drop()
		return
	}
	time.AfterFunc(delay, drop)
}

// Close stops the mirror worker after flushing queued events. Events
// published afterwards stay in memory only. Close is idempotent.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.mirrorCh == nil || m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.mirrorCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) mirrorLoop() {
	defer m.wg.Done()
	for evt := range m.mirrorCh {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := m.mirror.Append(ctx, evt); err != nil {
			m.logger.Warn("Event mirror write failed",
				zap.String("session_id", evt.SessionID),
				zap.Uint64("seq", evt.Seq),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
