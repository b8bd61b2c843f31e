package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger.
func NewLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	return cfg.Build()
}

// NewDevelopmentLogger builds a console logger for the admin CLI.
func NewDevelopmentLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if !verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and request identifiers.
// The request identifier is a match attempt id, a template id or an HTTP
// request id depending on the caller.
func WithOperation(logger *zap.Logger, operation, requestID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if requestID != "" {
		fields = append(fields, zap.String("request_id", requestID))
	}
	return logger.With(fields...)
}

// WithSession tags the logger with the decoder session it serves.
func WithSession(logger *zap.Logger, sessionID string, epoch uint64) *zap.Logger {
	return logger.With(zap.String("session_id", sessionID), zap.Uint64("epoch", epoch))
}
