package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/palmid/internal/logging"
	"github.com/example/palmid/internal/palmerr"
)

// retryPolicy retries transient database failures with exponential backoff.
type retryPolicy struct {
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultRetryPolicy(logger *zap.Logger) retryPolicy {
	return retryPolicy{
		logger:         logger,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

func (p retryPolicy) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := p.retryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.initialBackoff
	opLogger := logging.WithOperation(p.logger, operation, requestID)

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, palmerr.Wrap(palmerr.KindDiskOperationFailed, "retry aborted", ctx.Err()))
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= p.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}

	classified := classify(err)
	if palmerr.KindOf(classified).Category() == palmerr.CategoryBackground {
		opLogger.Error("database operation failed", zap.Error(err))
	}
	return logging.NewOperationError(operation, requestID, classified)
}

// classify maps raw gorm failures onto palm error kinds. Already classified
// errors pass through.
func classify(err error) error {
	switch {
	case palmerr.KindOf(err) != palmerr.KindUnknown:
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return palmerr.Wrap(palmerr.KindNotFound, "record not found", err)
	default:
		return palmerr.Wrap(palmerr.KindDiskOperationFailed, "database operation failed", err)
	}
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
