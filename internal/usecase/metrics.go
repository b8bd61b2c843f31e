package usecase

import "context"

// MetricsSummary represents aggregated match insights.
type MetricsSummary struct {
	TotalAttempts    int64   `json:"total_attempts"`
	MatchedAttempts  int64   `json:"matched_attempts"`
	MatchRate        float64 `json:"match_rate"`
	AverageFrames    float64 `json:"average_frames"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
}

// GetMetricsSummary aggregates match metrics from persisted decisions.
func (uc *MatchUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalAttempts:    aggregation.TotalCount,
		MatchedAttempts:  aggregation.MatchedCount,
		AverageFrames:    aggregation.AverageFrames,
		AverageLatencyMs: aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.MatchRate = float64(aggregation.MatchedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
