package usecase

import (
	"context"
	"sync"

	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/repository"
)

// MemoryMatchRepository keeps the most recent decisions in memory. The daemon
// uses it when no database is configured.
type MemoryMatchRepository struct {
	mu    sync.RWMutex
	limit int
	logs  []*repository.MatchLog
}

// NewMemoryMatchRepository keeps at most limit decisions.
func NewMemoryMatchRepository(limit int) *MemoryMatchRepository {
	if limit <= 0 {
		limit = 1024
	}
	return &MemoryMatchRepository{limit: limit}
}

func (r *MemoryMatchRepository) SaveLog(_ context.Context, log *repository.MatchLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.logs {
		if existing.AttemptID == log.AttemptID {
			return palmerr.Newf(palmerr.KindInvalidArgument, "attempt %s already recorded", log.AttemptID)
		}
	}
	copied := *log
	copied.ID = uint(len(r.logs) + 1)
	r.logs = append(r.logs, &copied)
	if len(r.logs) > r.limit {
		r.logs = r.logs[len(r.logs)-r.limit:]
	}
	return nil
}

func (r *MemoryMatchRepository) FindByAttemptID(_ context.Context, attemptID string) (*repository.MatchLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, log := range r.logs {
		if log.AttemptID == attemptID {
			copied := *log
			return &copied, nil
		}
	}
	return nil, palmerr.Newf(palmerr.KindNotFound, "attempt %s not found", attemptID)
}

func (r *MemoryMatchRepository) AggregateMetrics(context.Context) (*repository.MatchAggregation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg := &repository.MatchAggregation{TotalCount: int64(len(r.logs))}
	if agg.TotalCount == 0 {
		return agg, nil
	}
	var frames, latency float64
	for _, log := range r.logs {
		if log.Matched {
			agg.MatchedCount++
		}
		frames += float64(log.Frames)
		latency += float64(log.LatencyMs)
	}
	agg.AverageFrames = frames / float64(agg.TotalCount)
	agg.AverageLatencyMs = latency / float64(agg.TotalCount)
	return agg, nil
}
