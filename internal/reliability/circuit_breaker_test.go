package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	sinkErr := errors.New("sink write failed")

	t.Run("starts closed and passes calls through", func(t *testing.T) {
		cb := NewCircuitBreaker()
		executed := false

		err := cb.Execute(context.Background(), func() error {
			executed = true
			return nil
		})

		require.NoError(t, err)
		assert.True(t, executed)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("opens after failure threshold", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3), WithSinkName("audit-db"))

		for i := 0; i < 3; i++ {
			cb.Execute(context.Background(), func() error { return sinkErr })
		}
		assert.Equal(t, StateOpen, cb.State())

		// Open breaker rejects without touching the sink.
		touched := false
		err := cb.Execute(context.Background(), func() error {
			touched = true
			return nil
		})

		var openErr *CircuitOpenError
		require.ErrorAs(t, err, &openErr)
		assert.Equal(t, "audit-db", openErr.Sink)
		assert.True(t, openErr.IsRetryable())
		assert.False(t, touched)
	})

	t.Run("success in closed state resets the failure count", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(3))

		cb.Execute(context.Background(), func() error { return sinkErr })
		cb.Execute(context.Background(), func() error { return sinkErr })
		cb.Execute(context.Background(), func() error { return nil })
		cb.Execute(context.Background(), func() error { return sinkErr })
		cb.Execute(context.Background(), func() error { return sinkErr })

		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("half-open after recovery timeout", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error { return sinkErr })
		require.Equal(t, StateOpen, cb.State())

		time.Sleep(80 * time.Millisecond)

		err := cb.Execute(context.Background(), func() error { return nil })
		require.NoError(t, err)
		assert.Equal(t, StateHalfOpen, cb.State())
	})

	t.Run("closes after success threshold in half-open", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSuccessThreshold(2),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error { return sinkErr })
		time.Sleep(80 * time.Millisecond)

		for i := 0; i < 2; i++ {
			require.NoError(t, cb.Execute(context.Background(), func() error { return nil }))
		}
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reopens on any half-open failure", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error { return sinkErr })
		time.Sleep(80 * time.Millisecond)

		err := cb.Execute(context.Background(), func() error { return sinkErr })
		require.Error(t, err)
		assert.Equal(t, StateOpen, cb.State())
	})

	t.Run("limits concurrent half-open trial calls", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithHalfOpenMaxCalls(2),
			WithSuccessThreshold(10),
			WithRecoveryTimeout(50*time.Millisecond),
		)

		cb.Execute(context.Background(), func() error { return sinkErr })
		time.Sleep(80 * time.Millisecond)

		var wg sync.WaitGroup
		var admitted int32
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := cb.Execute(context.Background(), func() error {
					time.Sleep(30 * time.Millisecond)
					return nil
				})
				if err == nil {
					atomic.AddInt32(&admitted, 1)
				}
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, atomic.LoadInt32(&admitted), int32(2))
		assert.GreaterOrEqual(t, atomic.LoadInt32(&admitted), int32(1))
	})

	t.Run("notifies state change observers", func(t *testing.T) {
		transitions := make(chan string, 4)
		cb := NewCircuitBreaker(
			WithFailureThreshold(1),
			WithSinkName("audit-db"),
			WithStateChangeFunc(func(sink string, from, to State, reason string) {
				transitions <- from.String() + "->" + to.String()
			}),
		)

		cb.Execute(context.Background(), func() error { return sinkErr })

		select {
		case tr := <-transitions:
			assert.Equal(t, "closed->open", tr)
		case <-time.After(time.Second):
			t.Fatal("no transition notification received")
		}
	})

	t.Run("cancelled context does not count as sink failure", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cb.Execute(ctx, func() error { return nil })
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, StateClosed, cb.State())
	})

	t.Run("reset closes the breaker", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1))

		cb.Execute(context.Background(), func() error { return sinkErr })
		require.Equal(t, StateOpen, cb.State())

		cb.Reset()
		assert.Equal(t, StateClosed, cb.State())
		snap := cb.Snapshot()
		assert.Equal(t, 0, snap.Failures)
	})

	t.Run("concurrent use does not corrupt state", func(t *testing.T) {
		cb := NewCircuitBreaker(WithFailureThreshold(1000))

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				cb.Execute(context.Background(), func() error {
					if i%3 == 0 {
						return sinkErr
					}
					return nil
				})
			}(i)
		}
		wg.Wait()

		snap := cb.Snapshot()
		assert.Equal(t, int64(100), snap.TotalRequests)
		assert.Equal(t, snap.TotalRequests, snap.TotalFailures+snap.TotalSuccesses)
	})
}

func TestSnapshot(t *testing.T) {
	cb := NewCircuitBreaker(WithSinkName("audit-db"))

	cb.Execute(context.Background(), func() error { return errors.New("x") })
	cb.Execute(context.Background(), func() error { return nil })

	snap := cb.Snapshot()
	assert.Equal(t, "audit-db", snap.Sink)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.TotalFailures)
	assert.NotZero(t, snap.LastFailure)
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
