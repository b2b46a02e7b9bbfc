package alloclog

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hupe1980/alloclog/report"
)

// Logger wraps slog.Logger with export-specific helpers.
// This keeps field names consistent across strategies.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRun tags the logger with an export run.
func (l *Logger) WithRun(runID, path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("run_id", runID, "path", path),
	}
}

// WithStrategy adds a strategy field to the logger.
func (l *Logger) WithStrategy(s Strategy) *Logger {
	return &Logger{
		Logger: l.Logger.With("strategy", s.String()),
	}
}

// LogExport logs the outcome of an export.
func (l *Logger) LogExport(ctx context.Context, res *Result, err error) {
	if err != nil {
		l.ErrorContext(ctx, "export failed",
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "export completed",
		"strategy", res.Strategy.String(),
		"records", res.RecordsProcessed,
		"written", humanize.IBytes(uint64(res.BytesWritten)),
		"files", len(res.OutputFiles),
		"duration", res.Duration.Round(time.Millisecond),
	)
}

// LogReport logs a single report.
func (l *Logger) LogReport(ctx context.Context, typ report.Type, sum report.Summary, err error) {
	if err != nil {
		l.WarnContext(ctx, "report failed",
			"report", typ.String(),
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "report written",
		"report", typ.String(),
		"records", sum.Records,
		"written", humanize.IBytes(uint64(sum.BytesWritten)),
	)
}

// LogRecovery logs the start of the per-report fallback.
func (l *Logger) LogRecovery(ctx context.Context, cause error) {
	l.WarnContext(ctx, "primary strategy failed, recovering per report",
		"error", cause,
	)
}
