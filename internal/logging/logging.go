// Package logging builds the zap logger of the service and adapts it to eventstore.Logger,
// the logger interface all library packages depend on.
package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/AntonStoeckl/cart-eventstore-go/eventstore"
)

const (
	encodingConsole = "console"
	timeKey         = "timestamp"
)

// Config selects the level ("debug", "info", ...) and the encoding ("json" or "console").
type Config struct {
	Level    string
	Encoding string
	Output   io.Writer
}

// New builds a zap.Logger. Unknown levels fall back to info, unknown encodings to json.
func New(cfg Config) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = timeKey
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if err := level.Set(cfg.Level); err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	switch cfg.Encoding {
	case encodingConsole:
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	default:
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	var output io.Writer = os.Stdout
	if cfg.Output != nil {
		output = cfg.Output
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(output)), level)

	return zap.New(core, zap.AddCaller())
}

// EventstoreLogger is an eventstore.Logger writing through zap. Arguments are key-value pairs.
type EventstoreLogger struct {
	sugar *zap.SugaredLogger
}

var _ eventstore.Logger = (*EventstoreLogger)(nil)

// NewEventstoreLogger adapts logger, optionally naming the component that logs.
func NewEventstoreLogger(logger *zap.Logger, component string) *EventstoreLogger {
	if component != "" {
		logger = logger.Named(component)
	}

	return &EventstoreLogger{sugar: logger.WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Debug implements eventstore.Logger.
func (l *EventstoreLogger) Debug(msg string, args ...any) { l.sugar.Debugw(msg, args...) }

// Info implements eventstore.Logger.
func (l *EventstoreLogger) Info(msg string, args ...any) { l.sugar.Infow(msg, args...) }

// Warn implements eventstore.Logger.
func (l *EventstoreLogger) Warn(msg string, args ...any) { l.sugar.Warnw(msg, args...) }

// Error implements eventstore.Logger.
func (l *EventstoreLogger) Error(msg string, args ...any) { l.sugar.Errorw(msg, args...) }
