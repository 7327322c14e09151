package circuitbreaker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dependency is an outbound collaborator guarded by a breaker.
type Dependency string

const (
	DependencyLLM      Dependency = "llm"
	DependencySearch   Dependency = "search"
	DependencyDatabase Dependency = "database"
	DependencyRedis    Dependency = "redis"
)

// Call outcomes recorded per dependency.
const (
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "research_dependency_breaker_state",
			Help: "Breaker position per dependency (0=closed, 1=half-open, 2=open)",
		},
		[]string{"dependency", "backend"},
	)

	dependencyCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_dependency_calls_total",
			Help: "Calls to a guarded dependency by outcome (ok, failed, rejected)",
		},
		[]string{"dependency", "backend", "outcome"},
	)

	breakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_dependency_breaker_trips_total",
			Help: "Times a dependency breaker opened",
		},
		[]string{"dependency", "backend"},
	)
)

// BreakerStatus is a point-in-time view of one guarded dependency.
type BreakerStatus struct {
	Dependency          Dependency `json:"dependency"`
	Backend             string     `json:"backend"`
	State               string     `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutive_failures"`
	OpenedAt            *time.Time `json:"opened_at,omitempty"`
}

type guarded struct {
	dep      Dependency
	backend  string
	cb       *CircuitBreaker
	openedAt atomic.Int64 // unix nanos, 0 when not open
}

// Registry tracks the breakers of one process by dependency and backend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*guarded
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*guarded)}
}

// Breakers is the process-wide registry the wrappers report to.
var Breakers = NewRegistry()

// Track registers cb under dep/backend and hooks its transitions into the
// state gauge and trip counter. Tracking the same pair again replaces the
// earlier breaker.
func (r *Registry) Track(dep Dependency, backend string, cb *CircuitBreaker) {
	g := &guarded{dep: dep, backend: backend, cb: cb}

	// runs under cb's lock: never touch r.mu here
	prev := cb.config.OnStateChange
	cb.config.OnStateChange = func(name string, from, to State) {
		if prev != nil {
			prev(name, from, to)
		}
		breakerState.WithLabelValues(string(dep), backend).Set(float64(to))
		switch {
		case to == StateOpen:
			g.openedAt.Store(time.Now().UnixNano())
			breakerTrips.WithLabelValues(string(dep), backend).Inc()
		case from == StateOpen:
			g.openedAt.Store(0)
		}
	}
	breakerState.WithLabelValues(string(dep), backend).Set(float64(StateClosed))

	r.mu.Lock()
	r.entries[string(dep)+"/"+backend] = g
	r.mu.Unlock()
}

// Observe records the outcome of one guarded call. ok reports whether the
// breaker counted it as a success.
func (r *Registry) Observe(dep Dependency, backend string, err error, ok bool) {
	outcome := OutcomeOK
	switch {
	case errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrTooManyRequests):
		outcome = OutcomeRejected
	case !ok:
		outcome = OutcomeFailed
	}
	dependencyCalls.WithLabelValues(string(dep), backend, outcome).Inc()
}

func (r *Registry) list() []*guarded {
	r.mu.RLock()
	out := make([]*guarded, 0, len(r.entries))
	for _, g := range r.entries {
		out = append(out, g)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].dep != out[j].dep {
			return out[i].dep < out[j].dep
		}
		return out[i].backend < out[j].backend
	})
	return out
}

// Snapshot returns every tracked breaker ordered by dependency, then backend.
func (r *Registry) Snapshot() []BreakerStatus {
	entries := r.list()
	out := make([]BreakerStatus, 0, len(entries))
	for _, g := range entries {
		st := BreakerStatus{
			Dependency:          g.dep,
			Backend:             g.backend,
			State:               g.cb.State().String(),
			ConsecutiveFailures: g.cb.Counts().ConsecutiveFailures,
		}
		if ns := g.openedAt.Load(); ns != 0 && st.State == StateOpen.String() {
			at := time.Unix(0, ns).UTC()
			st.OpenedAt = &at
		}
		out = append(out, st)
	}
	return out
}

// Open returns the tracked breakers that are currently open.
func (r *Registry) Open() []BreakerStatus {
	var open []BreakerStatus
	for _, st := range r.Snapshot() {
		if st.State == StateOpen.String() {
			open = append(open, st)
		}
	}
	return open
}

// Refresh republishes the state gauges. An open breaker only moves to
// half-open when consulted, so this also advances idle breakers.
func (r *Registry) Refresh() {
	for _, g := range r.list() {
		breakerState.WithLabelValues(string(g.dep), g.backend).Set(float64(g.cb.State()))
	}
}

// Run refreshes the gauges every interval until ctx ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.Refresh()
		}
	}
}
