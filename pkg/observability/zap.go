package observability

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger forwards events to a zap.Logger, mapping event fields onto zap fields.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps an existing zap logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

// NewProductionZapLogger builds a JSON zap logger at the given minimum level.
func NewProductionZapLogger(level Level) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(logger), nil
}

// Log implements Logger.
func (l *ZapLogger) Log(_ context.Context, event Event) error {
	if l == nil || l.logger == nil {
		return errors.New("zap logger is not configured")
	}

	fields := make([]zap.Field, 0, len(event.Fields)+4)
	fields = append(fields, zap.String("event", event.Event))
	if event.Instance != "" {
		fields = append(fields, zap.String("instance", event.Instance))
	}
	if event.Component != "" {
		fields = append(fields, zap.String("component", event.Component))
	}
	if !event.Timestamp.IsZero() {
		fields = append(fields, zap.Time("event_ts", event.Timestamp))
	}

	keys := make([]string, 0, len(event.Fields))
	for k := range event.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, event.Fields[k]))
	}

	msg := event.Message
	if msg == "" {
		msg = event.Event
	}

	if ce := l.logger.Check(zapLevel(event.Level), msg); ce != nil {
		ce.Write(fields...)
	}
	return nil
}

// Sync flushes buffered log entries.
func (l *ZapLogger) Sync() error {
	if l == nil || l.logger == nil {
		return nil
	}
	return l.logger.Sync()
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

var _ Logger = (*ZapLogger)(nil)
