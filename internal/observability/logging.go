package observability

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/vyrodovalexey/gatekeeper/internal/util"
)

// Logger is the structured logger handed to every gatekeeper component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	// WithContext attaches the request, task and trace ids carried by ctx.
	WithContext(ctx context.Context) Logger
	Sync() error
}

// Field is a single structured log attribute.
type Field = zap.Field

var (
	String     = zap.String
	Strings    = zap.Strings
	Int        = zap.Int
	Int64      = zap.Int64
	Bool       = zap.Bool
	Error      = zap.Error
	Any        = zap.Any
	Duration   = zap.Duration
	ByteString = zap.ByteString
)

// LogConfig selects level, encoding and sink.
type LogConfig struct {
	Level  string
	Format string
	Output string
}

// DefaultLogConfig is info-level JSON on stdout.
func DefaultLogConfig() LogConfig {
	return LogConfig{Level: "info", Format: "json", Output: "stdout"}
}

type zapLogger struct {
	base *zap.Logger
}

// NewLogger builds a zap-backed Logger from cfg.
func NewLogger(cfg LogConfig) (Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(cfg.Format), zapcore.Lock(zapcore.AddSync(sink(cfg.Output))), level)
	return NewZapLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))), nil
}

func newEncoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.MessageKey = "message"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeDuration = zapcore.MillisDurationEncoder

	if format == "console" {
		ec.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func sink(output string) io.Writer {
	if output == "stderr" {
		return os.Stderr
	}
	return os.Stdout
}

// NewZapLogger wraps an existing zap logger. Tests use it with
// zaptest/observer cores to assert on emitted entries.
func NewZapLogger(logger *zap.Logger) Logger {
	return &zapLogger{base: logger}
}

// NopLogger discards everything.
func NopLogger() Logger {
	return &zapLogger{base: zap.NewNop()}
}

func (l *zapLogger) Debug(msg string, fields ...Field) { l.base.Debug(msg, fields...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.base.Info(msg, fields...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.base.Warn(msg, fields...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.base.Error(msg, fields...) }
func (l *zapLogger) Sync() error                       { return l.base.Sync() }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{base: l.base.With(fields...)}
}

func (l *zapLogger) WithContext(ctx context.Context) Logger {
	fields := make([]Field, 0, 3)
	if id := util.RequestIDFromContext(ctx); id != "" {
		fields = append(fields, String("request_id", id))
	}
	if id := util.TaskIDFromContext(ctx); id != "" {
		fields = append(fields, String("task_id", id))
	}
	if id := TraceIDFromContext(ctx); id != "" {
		fields = append(fields, String("trace_id", id))
	}
	if len(fields) == 0 {
		return l
	}
	return l.With(fields...)
}

// TraceIDFromContext returns the hex trace id of the span active in ctx,
// or "" when there is none.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
