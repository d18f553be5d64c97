// Package logger carries a zap logger through context.Context.
//
// The operation id is the correlation key of the whole platform: WithOperation
// stamps it on the context logger so that every registry transition, storage
// call, and progress event can be joined back to its operation.
package logger

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

// Prepare builds a logger from the KTRDR_ENV environment variable and stores
// it in the context. "development"/"dev" selects a console logger at debug
// level; anything else a JSON production logger.
func Prepare(ctx context.Context) (context.Context, *zap.Logger) {
	l := fromEnv()
	return context.WithValue(ctx, contextKey{}, l), l
}

// With stores an existing logger in the context.
func With(ctx context.Context, l *zap.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, l)
}

// FromContext retrieves the logger from the context, never returning nil.
func FromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(contextKey{}).(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return newProduction()
}

// WithFields derives a sub-logger with extra fields and stores it back in the
// context.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return With(ctx, FromContext(ctx).With(fields...))
}

// WithComponent tags the context logger with a component name.
func WithComponent(ctx context.Context, component string) context.Context {
	return WithFields(ctx, zap.String("component", component))
}

// WithOperation tags the context logger with the operation correlation id.
func WithOperation(ctx context.Context, operationID string) context.Context {
	return WithFields(ctx, zap.String("operation_id", operationID))
}

// Sync flushes buffered entries from the context logger. Call before shutdown.
func Sync(ctx context.Context) error {
	return FromContext(ctx).Sync()
}

func fromEnv() *zap.Logger {
	switch os.Getenv("KTRDR_ENV") {
	case "development", "dev":
		return newDevelopment()
	default:
		return newProduction()
	}
}

func newProduction() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

func newDevelopment() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}
