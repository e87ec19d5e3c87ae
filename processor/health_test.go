package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-go/internal/reliability"
)

type fakeInspector struct {
	depth int
	err   error
}

func (f *fakeInspector) QueueDepth(context.Context, string) (int, error) {
	return f.depth, f.err
}

func TestGetHealthStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("stopped processor is unhealthy", func(t *testing.T) {
		p, _ := newTestProcessor(t, NewMemorySink(), WithScheduler(&fakeScheduler{}))

		status := p.GetHealthStatus(ctx)
		assert.False(t, status.Running)
		assert.Zero(t, status.Score)
		assert.Equal(t, HealthUnhealthy, status.State)
	})

	t.Run("running processor with closed breaker is healthy", func(t *testing.T) {
		p, _ := newTestProcessor(t, NewMemorySink(),
			WithScheduler(&fakeScheduler{}),
			WithQueueInspector(&fakeInspector{depth: 3}),
		)
		p.mu.Lock()
		p.running = true
		p.mu.Unlock()

		status := p.GetHealthStatus(ctx)
		assert.Equal(t, HealthHealthy, status.State)
		assert.Equal(t, 100, status.Score)
		assert.Equal(t, 3, status.QueueDepth)
	})

	t.Run("open breaker degrades even when everything else passes", func(t *testing.T) {
		breaker := reliability.NewCircuitBreaker(
			reliability.WithFailureThreshold(1),
			reliability.WithSinkName("audit-sink"),
		)
		p, _ := newTestProcessor(t, NewMemorySink(),
			WithScheduler(&fakeScheduler{}),
			WithBreaker(breaker),
			WithQueueInspector(&fakeInspector{depth: 0}),
		)
		p.mu.Lock()
		p.running = true
		p.mu.Unlock()

		err := breaker.Execute(ctx, func() error { return errors.New("down") })
		require.Error(t, err)

		status := p.GetHealthStatus(ctx)
		assert.Equal(t, "open", status.Breaker.State)
		assert.Equal(t, HealthDegraded, status.State)
	})

	t.Run("deep backlog lowers the score", func(t *testing.T) {
		p, _ := newTestProcessor(t, NewMemorySink(),
			WithScheduler(&fakeScheduler{}),
			WithQueueInspector(&fakeInspector{depth: 5000}),
			WithQueueDepthThreshold(1000),
		)
		p.mu.Lock()
		p.running = true
		p.mu.Unlock()

		status := p.GetHealthStatus(ctx)
		assert.Equal(t, 80, status.Score)
	})

	t.Run("depth inspection failure is treated as unknown backlog", func(t *testing.T) {
		p, _ := newTestProcessor(t, NewMemorySink(),
			WithScheduler(&fakeScheduler{}),
			WithQueueInspector(&fakeInspector{err: errors.New("broker gone")}),
		)
		p.mu.Lock()
		p.running = true
		p.mu.Unlock()

		status := p.GetHealthStatus(ctx)
		assert.Equal(t, -1, status.QueueDepth)
		assert.Less(t, status.Score, 100)
	})
}
