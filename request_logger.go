package client

import (
	"context"
	"fmt"
	"log/slog"
)

// RequestLogger receives HTTP request logs and retry policy decisions.
// *logrus.Logger and similar printf-style loggers satisfy it directly.
type RequestLogger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

type NoopLogger struct{}

func (l *NoopLogger) Errorf(_ string, _ ...interface{}) {}
func (l *NoopLogger) Warnf(_ string, _ ...interface{})  {}
func (l *NoopLogger) Debugf(_ string, _ ...interface{}) {}

type slogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger adapts a structured logger. A nil logger uses slog.Default().
func NewSlogLogger(logger *slog.Logger) RequestLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &slogLogger{logger: logger.With("component", "globaldb-client")}
}

func (l *slogLogger) Errorf(format string, v ...interface{}) {
	l.log(slog.LevelError, format, v...)
}

func (l *slogLogger) Warnf(format string, v ...interface{}) {
	l.log(slog.LevelWarn, format, v...)
}

func (l *slogLogger) Debugf(format string, v ...interface{}) {
	l.log(slog.LevelDebug, format, v...)
}

func (l *slogLogger) log(level slog.Level, format string, v ...interface{}) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, fmt.Sprintf(format, v...))
}
