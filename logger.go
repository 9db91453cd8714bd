package findex

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with findex-specific fields.
// Labels and keywords are never logged, only their counts.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithCount adds a count field to the logger.
func (l *Logger) WithCount(count int) *Logger {
	return &Logger{Logger: l.Logger.With("count", count)}
}

// WithComponent tags every record with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// LogAdd logs an upsert of additions and deletions.
func (l *Logger) LogAdd(ctx context.Context, additions, deletions, fresh int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "upsert failed",
			"additions", additions,
			"deletions", deletions,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "upsert completed",
		"additions", additions,
		"deletions", deletions,
		"new_keywords", fresh,
	)
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, keywords, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"keywords", keywords,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "search completed",
		"keywords", keywords,
		"results", results,
	)
}

// LogCompact logs a compaction run.
func (l *Logger) LogCompact(ctx context.Context, phases int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"phases", phases,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "compaction completed",
		"phases", phases,
	)
}

// LogKeyCache logs the creation or release of a key cache.
func (l *Logger) LogKeyCache(ctx context.Context, op string, err error) {
	if err != nil {
		l.WarnContext(ctx, "key cache "+op+" failed", "error", err)
		return
	}
	l.DebugContext(ctx, "key cache "+op)
}
