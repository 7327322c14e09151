package admission

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func admittedWithin(t *Ticket, d time.Duration) bool {
	select {
	case <-t.Admitted():
		return true
	case <-time.After(d):
		return false
	}
}

func TestAcquire_ImmediateUntilCapacity(t *testing.T) {
	c := NewController(2, 0, zaptest.NewLogger(t))

	a, err := c.Acquire("a")
	require.NoError(t, err)
	b, err := c.Acquire("b")
	require.NoError(t, err)

	assert.Equal(t, 0, a.Position)
	assert.Equal(t, 0, b.Position)
	assert.False(t, a.Queued())
	assert.True(t, admittedWithin(a, 0))
	assert.Equal(t, Stats{Capacity: 2, Running: 2, Queued: 0}, c.Stats())
}

func TestAcquire_OverflowQueuedAtPositionOne(t *testing.T) {
	c := NewController(2, 0, zaptest.NewLogger(t))
	_, _ = c.Acquire("a")
	_, _ = c.Acquire("b")

	q, err := c.Acquire("c")
	require.NoError(t, err)
	assert.True(t, q.Queued())
	assert.Equal(t, 1, q.Position)
	assert.False(t, admittedWithin(q, 10*time.Millisecond))

	pos, ok := c.QueuePosition("c")
	assert.True(t, ok)
	assert.Equal(t, 1, pos)
}

func TestRelease_AdmitsInFIFOOrder(t *testing.T) {
	c := NewController(2, 0, zaptest.NewLogger(t))
	_, _ = c.Acquire("a")
	_, _ = c.Acquire("b")
	first, _ := c.Acquire("first")
	second, _ := c.Acquire("second")
	assert.Equal(t, 2, second.Position)

	c.Release("a")
	assert.True(t, admittedWithin(first, time.Second))
	assert.False(t, admittedWithin(second, 10*time.Millisecond))

	// a newcomer must queue behind "second" even though nothing is free
	late, err := c.Acquire("late")
	require.NoError(t, err)
	assert.Equal(t, 2, late.Position)

	c.Release("b")
	assert.True(t, admittedWithin(second, time.Second))
	assert.False(t, admittedWithin(late, 10*time.Millisecond))
}

func TestRelease_NewcomerCannotJumpQueue(t *testing.T) {
	c := NewController(1, 0, zaptest.NewLogger(t))
	_, _ = c.Acquire("a")
	waiting, _ := c.Acquire("waiting")

	c.Release("a")
	require.True(t, admittedWithin(waiting, time.Second))

	newcomer, err := c.Acquire("newcomer")
	require.NoError(t, err)
	assert.True(t, newcomer.Queued())
}

func TestWait_CancelWhileQueued(t *testing.T) {
	c := NewController(1, 0, zaptest.NewLogger(t))
	_, _ = c.Acquire("running")
	q, _ := c.Acquire("queued")

	done := make(chan error, 1)
	go func() { done <- q.Wait(context.Background()) }()

	require.True(t, c.Cancel("queued"))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancellation")
	}

	assert.Equal(t, Stats{Capacity: 1, Running: 1, Queued: 0}, c.Stats())

	// the cancelled session never takes the slot
	c.Release("running")
	assert.Equal(t, 0, c.Stats().Running)
}

func TestWait_ContextCancelledLeavesQueue(t *testing.T) {
	c := NewController(1, 0, zaptest.NewLogger(t))
	_, _ = c.Acquire("running")
	q, _ := c.Acquire("queued")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Stats().Queued)
}

func TestWait_AdmittedAfterRelease(t *testing.T) {
	c := NewController(1, 0, zaptest.NewLogger(t))
	_, _ = c.Acquire("running")
	q, _ := c.Acquire("queued")

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Release("running")
	}()
	require.NoError(t, q.Wait(context.Background()))
	assert.Equal(t, Stats{Capacity: 1, Running: 1, Queued: 0}, c.Stats())
}

func TestCancel_RunningSessionSignalsOnly(t *testing.T) {
	c := NewController(1, 0, zaptest.NewLogger(t))
	tk, _ := c.Acquire("s")

	assert.False(t, tk.IsCancelled())
	assert.True(t, c.Cancel("s"))
	assert.True(t, tk.IsCancelled())
	assert.True(t, c.Cancel("s"), "repeated cancel is harmless")
	assert.Equal(t, 1, c.Stats().Running, "running sessions keep their slot until released")
}

func TestCancel_UnknownOrCompletedHasNoEffect(t *testing.T) {
	c := NewController(1, 0, zaptest.NewLogger(t))
	assert.False(t, c.Cancel("missing"))

	tk, _ := c.Acquire("s")
	c.Release("s")
	assert.False(t, c.Cancel("s"))
	assert.False(t, tk.IsCancelled())

	c.Release("s") // double release is ignored
	assert.Equal(t, 0, c.Stats().Running)
}

func TestAcquire_QueueLimitAndDuplicates(t *testing.T) {
	c := NewController(1, 1, zaptest.NewLogger(t))
	_, _ = c.Acquire("a")
	_, err := c.Acquire("b")
	require.NoError(t, err)

	_, err = c.Acquire("c")
	assert.ErrorIs(t, err, ErrQueueFull)

	_, err = c.Acquire("a")
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestSetCapacity_AdmitsWaiters(t *testing.T) {
	c := NewController(1, 0, zaptest.NewLogger(t))
	_, _ = c.Acquire("a")
	q, _ := c.Acquire("b")

	c.SetCapacity(2)
	assert.True(t, admittedWithin(q, time.Second))
	assert.Equal(t, 2, c.Stats().Capacity)
}

func TestConcurrentSessionsNeverExceedCapacity(t *testing.T) {
	const capacity = 2
	c := NewController(capacity, 0, zaptest.NewLogger(t))

	var mu sync.Mutex
	active, peak := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			tk, err := c.Acquire(id)
			if err != nil {
				t.Errorf("acquire %s: %v", id, err)
				return
			}
			if err := tk.Wait(context.Background()); err != nil {
				t.Errorf("wait %s: %v", id, err)
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			c.Release(id)
		}(fmt.Sprintf("s%d", i))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, capacity)
	assert.Equal(t, Stats{Capacity: capacity}, c.Stats())
}
