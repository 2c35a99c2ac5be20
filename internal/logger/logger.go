package logger

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/emailassist/emailassist/internal/config"
	"github.com/emailassist/emailassist/internal/trace"
)

// New builds the process logger. Development mode logs human-readable
// console lines; otherwise JSON.
func New(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	return zcfg.Build()
}

// WithTrace returns a child logger tagged with the trace id in ctx, if any
func WithTrace(ctx context.Context, l *zap.Logger) *zap.Logger {
	if id := trace.FromContext(ctx); id != "" {
		return l.With(zap.String("trace_id", id))
	}
	return l
}
