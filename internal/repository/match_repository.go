package repository

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MatchLog represents a persisted match attempt decision.
type MatchLog struct {
	ID         uint      `gorm:"primaryKey"`
	AttemptID  string    `gorm:"column:attempt_id;uniqueIndex;size:64"`
	SessionID  string    `gorm:"column:session_id;index;size:64"`
	UserKey    string    `gorm:"column:user_key;size:64"`
	TemplateID string    `gorm:"column:template_id;size:64"`
	Matched    bool      `gorm:"column:matched"`
	Frames     int       `gorm:"column:frames"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (MatchLog) TableName() string {
	return "match_logs"
}

// MatchAggregation is the raw aggregate computed over match logs.
type MatchAggregation struct {
	TotalCount       int64
	MatchedCount     int64
	AverageFrames    float64
	AverageLatencyMs float64
}

// MatchRepository provides persistence APIs for match decisions.
type MatchRepository struct {
	db *gorm.DB
	retryPolicy
}

// NewMatchRepository creates a new repository instance.
func NewMatchRepository(db *gorm.DB, logger *zap.Logger) *MatchRepository {
	return &MatchRepository{db: db, retryPolicy: defaultRetryPolicy(logger.Named("match_repository"))}
}

// AutoMigrate ensures the schema is available.
func (r *MatchRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.match.migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&MatchLog{})
	})
}

// SaveLog persists a match decision.
func (r *MatchRepository) SaveLog(ctx context.Context, log *MatchLog) error {
	return r.executeWithRetry(ctx, "repository.match.save_log", log.AttemptID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByAttemptID retrieves the decision recorded for an attempt.
func (r *MatchRepository) FindByAttemptID(ctx context.Context, attemptID string) (*MatchLog, error) {
	var log MatchLog
	err := r.executeWithRetry(ctx, "repository.match.find", attemptID, func() error {
		return r.db.WithContext(ctx).First(&log, "attempt_id = ?", attemptID).Error
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateMetrics summarises every recorded decision.
func (r *MatchRepository) AggregateMetrics(ctx context.Context) (*MatchAggregation, error) {
	var row struct {
		TotalCount       int64
		MatchedCount     int64
		AverageFrames    float64
		AverageLatencyMs float64
	}
	err := r.executeWithRetry(ctx, "repository.match.aggregate", "", func() error {
		return r.db.WithContext(ctx).Model(&MatchLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COUNT(*) FILTER (WHERE matched) AS matched_count, " +
				"COALESCE(AVG(frames), 0) AS average_frames, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		).Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &MatchAggregation{
		TotalCount:       row.TotalCount,
		MatchedCount:     row.MatchedCount,
		AverageFrames:    row.AverageFrames,
		AverageLatencyMs: row.AverageLatencyMs,
	}, nil
}
