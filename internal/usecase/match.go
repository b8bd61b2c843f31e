package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/example/palmid/internal/decoder"
	"github.com/example/palmid/internal/logging"
	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/repository"
)

// MatchRepository defines the persistence operations needed by the use case.
type MatchRepository interface {
	SaveLog(ctx context.Context, log *repository.MatchLog) error
	FindByAttemptID(ctx context.Context, attemptID string) (*repository.MatchLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MatchAggregation, error)
}

// MatchUseCase records match decisions produced by decoder sessions and
// serves them back to clients.
type MatchUseCase struct {
	repo           MatchRepository
	cache          Cache
	logger         *zap.Logger
	resultTTL      time.Duration
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedDecision struct {
	AttemptID  string    `json:"attempt_id"`
	SessionID  string    `json:"session_id"`
	UserKey    string    `json:"user_key"`
	TemplateID string    `json:"template_id,omitempty"`
	Matched    bool      `json:"matched"`
	Frames     int       `json:"frames"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewMatchUseCase constructs a new use case instance.
func NewMatchUseCase(repo MatchRepository, cache Cache, logger *zap.Logger) *MatchUseCase {
	return &MatchUseCase{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("match_usecase"),
		resultTTL:      5 * time.Minute,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func resultKey(attemptID string) string {
	return fmt.Sprintf("match:%s", attemptID)
}

// RecordDecision persists a decision and caches it for result lookups.
func (uc *MatchUseCase) RecordDecision(ctx context.Context, sessionID string, dec decoder.Decision) error {
	opLogger := logging.WithOperation(uc.logger, "usecase.record_decision", dec.AttemptID)

	log := &repository.MatchLog{
		AttemptID:  dec.AttemptID,
		SessionID:  sessionID,
		UserKey:    dec.User.String(),
		TemplateID: dec.TemplateID.String(),
		Matched:    dec.Matched,
		Frames:     dec.Frames,
		LatencyMs:  dec.Latency.Milliseconds(),
		CreatedAt:  dec.DecidedAt,
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	if err := uc.repo.SaveLog(ctx, log); err != nil {
		wrapped := logging.NewOperationError("usecase.save_log", dec.AttemptID, err)
		opLogger.Error("failed to persist match decision", zap.Error(wrapped))
		return wrapped
	}

	serialized, err := json.Marshal(cachedDecision{
		AttemptID:  log.AttemptID,
		SessionID:  log.SessionID,
		UserKey:    log.UserKey,
		TemplateID: log.TemplateID,
		Matched:    log.Matched,
		Frames:     log.Frames,
		LatencyMs:  log.LatencyMs,
		CreatedAt:  log.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize match decision", zap.Error(err))
		return palmerr.Wrap(palmerr.KindSerialization, "serialize match decision", err)
	}

	if err := uc.withRedisRetry(ctx, dec.AttemptID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, resultKey(dec.AttemptID), string(serialized), uc.resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache match decision", zap.Error(err))
		return err
	}
	return nil
}

// GetResult retrieves a cached decision or loads it from persistence.
func (uc *MatchUseCase) GetResult(ctx context.Context, attemptID string) (*repository.MatchLog, error) {
	if cached, err := uc.withRedisGet(ctx, attemptID, "cache.get.result", resultKey(attemptID)); err == nil {
		var payload cachedDecision
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_result", attemptID).Warn("failed to decode cached result", zap.Error(err))
		} else {
			return &repository.MatchLog{
				AttemptID:  attemptID,
				SessionID:  payload.SessionID,
				UserKey:    payload.UserKey,
				TemplateID: payload.TemplateID,
				Matched:    payload.Matched,
				Frames:     payload.Frames,
				LatencyMs:  payload.LatencyMs,
				CreatedAt:  payload.CreatedAt,
			}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_result", attemptID).Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByAttemptID(ctx, attemptID)
}

// Consume drains a decoder's events until the channel is closed or ctx is
// done. Match results are recorded; failures are logged and do not stop
// consumption.
func (uc *MatchUseCase) Consume(ctx context.Context, sessionID string, events <-chan decoder.Event) error {
	sessionLogger := uc.logger.With(zap.String("session_id", sessionID))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case decoder.EventMatchingResult:
				if ev.Decision == nil {
					continue
				}
				if err := uc.RecordDecision(ctx, sessionID, *ev.Decision); err != nil {
					sessionLogger.Warn("match decision not recorded", zap.Error(err))
				}
			case decoder.EventError:
				kind := palmerr.KindOf(ev.Err)
				if kind.Category() == palmerr.CategoryBackground || kind.Category() == palmerr.CategorySecurity {
					sessionLogger.Error("decoder reported a failure", zap.Error(ev.Err), zap.Stringer("kind", kind))
				} else {
					sessionLogger.Debug("decoder reported an error", zap.Error(ev.Err), zap.Stringer("kind", kind))
				}
			default:
				sessionLogger.Debug("decoder event", zap.Stringer("kind", ev.Kind), zap.Uint64("seq", ev.Seq))
			}
		}
	}
}

func (uc *MatchUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *MatchUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
