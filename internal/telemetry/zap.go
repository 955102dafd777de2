package telemetry

import (
	"context"

	"go.uber.org/zap"
)

// ZapLogger adapts *zap.SugaredLogger to the Logger interface. The context
// parameter is accepted for interface parity with future context-scoped
// loggers (trace/span correlation) but is not read by this adapter.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &ZapLogger{sugar: l.Sugar()}
}

// NewProductionJSONLogger builds a zap logger writing structured JSON lines
// to stderr, the configuration RedClaus-cortex and teradata-labs-loom both
// reach for by default.
func NewProductionJSONLogger() (Logger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l), nil
}

func (z *ZapLogger) Debug(_ context.Context, msg string, keyvals ...any) {
	z.sugar.Debugw(msg, keyvals...)
}

func (z *ZapLogger) Info(_ context.Context, msg string, keyvals ...any) {
	z.sugar.Infow(msg, keyvals...)
}

func (z *ZapLogger) Warn(_ context.Context, msg string, keyvals ...any) {
	z.sugar.Warnw(msg, keyvals...)
}

func (z *ZapLogger) Error(_ context.Context, msg string, keyvals ...any) {
	z.sugar.Errorw(msg, keyvals...)
}
