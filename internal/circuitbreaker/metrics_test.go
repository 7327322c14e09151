package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func value(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var out dto.Metric
	require.NoError(t, m.Write(&out))
	if out.Gauge != nil {
		return out.Gauge.GetValue()
	}
	return out.Counter.GetValue()
}

func trackedBreaker(t *testing.T, r *Registry, dep Dependency, backend string) *CircuitBreaker {
	t.Helper()
	cb := NewCircuitBreaker(string(dep)+"/"+backend, Config{
		MaxRequests:      1,
		Timeout:          30 * time.Millisecond,
		FailureThreshold: 1,
		SuccessThreshold: 1,
	}, zaptest.NewLogger(t))
	r.Track(dep, backend, cb)
	return cb
}

func TestRegistry_SnapshotOrdersByDependencyThenBackend(t *testing.T) {
	r := NewRegistry()
	trackedBreaker(t, r, DependencySearch, "tavily-order")
	trackedBreaker(t, r, DependencyLLM, "openai-order")
	trackedBreaker(t, r, DependencyDatabase, "sqlite-order")
	trackedBreaker(t, r, DependencyDatabase, "postgres-order")

	var got []string
	for _, st := range r.Snapshot() {
		got = append(got, string(st.Dependency)+"/"+st.Backend)
		assert.Equal(t, "closed", st.State)
		assert.Nil(t, st.OpenedAt)
	}
	assert.Equal(t, []string{
		"database/postgres-order",
		"database/sqlite-order",
		"llm/openai-order",
		"search/tavily-order",
	}, got)
}

func TestRegistry_TripIsRecordedAndClearedOnRecovery(t *testing.T) {
	r := NewRegistry()
	const backend = "tavily-trip"
	var hookCalls int
	cb := NewCircuitBreaker("search/"+backend, Config{
		MaxRequests:      1,
		Timeout:          30 * time.Millisecond,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OnStateChange:    func(string, State, State) { hookCalls++ },
	}, zaptest.NewLogger(t))
	r.Track(DependencySearch, backend, cb)
	ctx := context.Background()

	trips := value(t, breakerTrips.WithLabelValues("search", backend))
	require.Error(t, cb.Execute(ctx, func() error { return errors.New("upstream 503") }))

	open := r.Open()
	require.Len(t, open, 1)
	assert.Equal(t, backend, open[0].Backend)
	require.NotNil(t, open[0].OpenedAt)
	assert.Equal(t, float64(StateOpen), value(t, breakerState.WithLabelValues("search", backend)))
	assert.Equal(t, trips+1, value(t, breakerTrips.WithLabelValues("search", backend)))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Empty(t, r.Open())
	assert.Nil(t, r.Snapshot()[0].OpenedAt)
	assert.Equal(t, float64(StateClosed), value(t, breakerState.WithLabelValues("search", backend)))
	assert.Equal(t, 3, hookCalls, "the caller's own hook still fires")
}

func TestRegistry_ObserveClassifiesOutcomes(t *testing.T) {
	r := NewRegistry()
	const backend = "openai-observe"
	calls := func(outcome string) float64 {
		return value(t, dependencyCalls.WithLabelValues("llm", backend, outcome))
	}
	ok, failed, rejected := calls(OutcomeOK), calls(OutcomeFailed), calls(OutcomeRejected)

	r.Observe(DependencyLLM, backend, nil, true)
	r.Observe(DependencyLLM, backend, errors.New("rate limited"), false)
	r.Observe(DependencyLLM, backend, ErrCircuitBreakerOpen, false)
	r.Observe(DependencyLLM, backend, ErrTooManyRequests, false)

	assert.Equal(t, ok+1, calls(OutcomeOK))
	assert.Equal(t, failed+1, calls(OutcomeFailed))
	assert.Equal(t, rejected+2, calls(OutcomeRejected))
}

func TestRegistry_RefreshAdvancesIdleOpenBreaker(t *testing.T) {
	r := NewRegistry()
	const backend = "redis-idle"
	cb := trackedBreaker(t, r, DependencyRedis, backend)
	require.Error(t, cb.Execute(context.Background(), func() error { return errors.New("connection refused") }))

	time.Sleep(50 * time.Millisecond)
	r.Refresh()
	assert.Equal(t, float64(StateHalfOpen), value(t, breakerState.WithLabelValues("redis", backend)))
}

func TestRegistry_RunStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewRegistry().Run(ctx, time.Millisecond) }()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
