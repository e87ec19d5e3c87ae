package processor

import (
	"context"
	"time"

	"github.com/smedrec/smart-logs-go/deadletter"
	"github.com/smedrec/smart-logs-go/internal/reliability"
)

// HealthState is the coarse verdict derived from the composite score.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus aggregates every signal an operator needs at a glance.
// Score is the composite: the pipeline can be degraded even when every
// individual component check passes.
type HealthStatus struct {
	Running      bool                 `json:"running"`
	State        HealthState          `json:"state"`
	Score        int                  `json:"score"`
	Workers      int                  `json:"workers"`
	Queue        string               `json:"queue"`
	QueueDepth   int                  `json:"queueDepth"`
	Breaker      reliability.Snapshot `json:"breaker"`
	Processed    int64                `json:"processed"`
	Succeeded    int64                `json:"succeeded"`
	Retried      int64                `json:"retried"`
	DeadLettered int64                `json:"deadLettered"`
	Throughput   float64              `json:"throughputPerMinute"`
	AvgLatencyMs float64              `json:"avgLatencyMs"`
	DeadLetter   deadletter.Metrics   `json:"deadLetter"`
	CheckedAt    time.Time            `json:"checkedAt"`
}

// GetHealthStatus computes the composite health of the pipeline.
func (p *Processor) GetHealthStatus(ctx context.Context) HealthStatus {
	p.mu.Lock()
	running := p.running
	startedAt := p.startedAt
	s := p.stats
	p.mu.Unlock()

	status := HealthStatus{
		Running:      running,
		Workers:      p.workers,
		Queue:        p.queue,
		Breaker:      p.breaker.Snapshot(),
		Processed:    s.processed,
		Succeeded:    s.succeeded,
		Retried:      s.retried,
		DeadLettered: s.deadLettered,
		CheckedAt:    time.Now().UTC(),
	}

	if running {
		elapsed := time.Since(startedAt).Minutes()
		if elapsed > 0 {
			status.Throughput = float64(s.processed) / elapsed
		}
	}
	if s.latencyCount > 0 {
		status.AvgLatencyMs = float64(s.latencySum.Milliseconds()) / float64(s.latencyCount)
	}

	if p.inspector != nil {
		depth, err := p.inspector.QueueDepth(ctx, p.queue)
		if err != nil {
			p.logger.Warn("failed to inspect queue depth", "error", err)
			status.QueueDepth = -1
		} else {
			status.QueueDepth = depth
		}
	}

	metrics, err := p.deadLetters.GetMetrics(ctx)
	if err != nil {
		p.logger.Warn("failed to compute dead letter metrics", "error", err)
	} else {
		status.DeadLetter = metrics
	}

	status.Score = p.score(status)
	switch {
	case status.Score >= 80:
		status.State = HealthHealthy
	case status.Score >= 50:
		status.State = HealthDegraded
	default:
		status.State = HealthUnhealthy
	}
	return status
}

// score folds the individual signals into one number out of 100.
func (p *Processor) score(status HealthStatus) int {
	if !status.Running {
		return 0
	}

	score := 100
	switch status.Breaker.State {
	case reliability.StateOpen.String():
		score -= 40
	case reliability.StateHalfOpen.String():
		score -= 15
	}

	if status.QueueDepth < 0 || status.QueueDepth > p.queueDepthThreshold {
		score -= 20
	}
	if status.DeadLetter.CreatedToday > p.deadLetterDayThreshold {
		score -= 25
	}

	if score < 0 {
		score = 0
	}
	return score
}
