package hermes

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type SlogAdapter struct {
	logger *slog.Logger
}

func NewSlogAdapter() *SlogAdapter {
	return &SlogAdapter{
		logger: slog.New(slog.NewJSONHandler(os.Stderr, nil)),
	}
}

// NewSlogAdapterWithOptions builds an adapter writing to w. Format is "json"
// or "text"; level is one of debug, info, warn, error.
func NewSlogAdapterWithOptions(w io.Writer, format, level string) *SlogAdapter {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return &SlogAdapter{logger: slog.New(handler)}
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *SlogAdapter) Info(ctx context.Context, msg string, fields map[string]any) {
	l.logger.InfoContext(ctx, msg, attrs(fields)...)
}

func (l *SlogAdapter) Error(ctx context.Context, msg string, fields map[string]any) {
	l.logger.ErrorContext(ctx, msg, attrs(fields)...)
}

func attrs(fields map[string]any) []any {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return args
}

// NopLogger discards everything.
type NopLogger struct{}

func NewNopLogger() *NopLogger {
	return &NopLogger{}
}

func (NopLogger) Info(ctx context.Context, msg string, fields map[string]any)  {}
func (NopLogger) Error(ctx context.Context, msg string, fields map[string]any) {}

type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) IncCounter(name string, value float64, labels ...Label)       {}
func (m *NoopMetrics) ObserveHistogram(name string, value float64, labels ...Label) {}
func (m *NoopMetrics) SetGauge(name string, value float64, labels ...Label)         {}
