package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	requestIDKey contextKey = "request_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithDownloadState returns a context whose logger carries the task name and
// the download state identity.
func WithDownloadState(ctx context.Context, task string, userID uint64, downloadStateID int64) context.Context {
	logger := LoggerFromContext(ctx).With(
		"task", task,
		"user_id", userID,
		"download_state_id", downloadStateID,
	)

	return WithLogger(ctx, logger)
}

// WithRequestID records the id of the API request that started the work in
// ctx. It survives context.WithoutCancel, so tasks keep it.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
