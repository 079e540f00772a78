package logger

import (
	"context"
	"log/slog"
	"os"
)

type contextKey struct{}

func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithEventID stamps the processed event's UUID into ctx so that logs emitted
// deep in the pipeline can be correlated back to a single event.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKey{}, eventID)
}

func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if eventID, ok := ctx.Value(contextKey{}).(string); ok {
		logger = logger.With("event_id", eventID)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
