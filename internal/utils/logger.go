package utils

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	analysisIDKey contextKey = "analysis_id"
	loggerKey     contextKey = "logger"
)

// NewLogger returns a slog.Logger configured for the desired verbosity and format.
func NewLogger(level string, json bool) *slog.Logger {
	handlerLevel := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		handlerLevel = slog.LevelDebug
	case "warn":
		handlerLevel = slog.LevelWarn
	case "error":
		handlerLevel = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: handlerLevel, AddSource: handlerLevel == slog.LevelDebug}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithAnalysisID tags ctx with the id of the analysis it belongs to.
func WithAnalysisID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, analysisIDKey, id)
}

// AnalysisID extracts the analysis id from ctx.
func AnalysisID(ctx context.Context) string {
	if id, ok := ctx.Value(analysisIDKey).(string); ok {
		return id
	}
	return ""
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// L returns the logger stored in ctx (or fallback, or slog.Default) decorated with the analysis id.
func L(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	logger, ok := ctx.Value(loggerKey).(*slog.Logger)
	if !ok {
		logger = fallback
	}
	if logger == nil {
		logger = slog.Default()
	}
	if id := AnalysisID(ctx); id != "" {
		return logger.With(slog.String("analysis_id", id))
	}
	return logger
}
