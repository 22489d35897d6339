package logger

import (
	"context"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/saas-invoice/saas-invoice/internal/platform/config"
	"github.com/saas-invoice/saas-invoice/internal/platform/requestctx"
)

// Logger interface for structured logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithFields(fields map[string]interface{}) Logger
	WithContext(ctx context.Context) Logger
}

// ZapLogger wraps zap.Logger
type ZapLogger struct {
	logger *zap.SugaredLogger
	fields map[string]interface{}
}

// New creates a new logger instance
func New(cfg config.LoggerConfig) Logger {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
		zapConfig.EncoderConfig.TimeKey = "ts"
		zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	if cfg.OutputPath == "" || cfg.OutputPath == "stdout" {
		zapConfig.OutputPaths = []string{"stdout"}
	} else {
		zapConfig.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zapConfig.Build(
		zap.AddCaller(),
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zap.ErrorLevel),
	)
	if err != nil {
		panic(err)
	}

	return &ZapLogger{
		logger: logger.Sugar(),
		fields: make(map[string]interface{}),
	}
}

// NewNop returns a logger that discards everything
func NewNop() Logger {
	return &ZapLogger{
		logger: zap.NewNop().Sugar(),
		fields: make(map[string]interface{}),
	}
}

// Debug logs a debug message
func (l *ZapLogger) Debug(msg string, fields ...interface{}) {
	l.logger.With(l.flattenFields()...).Debugw(msg, fields...)
}

// Info logs an info message
func (l *ZapLogger) Info(msg string, fields ...interface{}) {
	l.logger.With(l.flattenFields()...).Infow(msg, fields...)
}

// Warn logs a warning message
func (l *ZapLogger) Warn(msg string, fields ...interface{}) {
	l.logger.With(l.flattenFields()...).Warnw(msg, fields...)
}

// Error logs an error message
func (l *ZapLogger) Error(msg string, fields ...interface{}) {
	l.logger.With(l.flattenFields()...).Errorw(msg, fields...)
}

// Fatal logs a fatal message and exits
func (l *ZapLogger) Fatal(msg string, fields ...interface{}) {
	l.logger.With(l.flattenFields()...).Fatalw(msg, fields...)
	os.Exit(1)
}

// Sync flushes buffered entries
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

// WithFields returns a new logger with additional fields
func (l *ZapLogger) WithFields(fields map[string]interface{}) Logger {
	newFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		newFields[k] = v
	}
	for k, v := range fields {
		newFields[k] = v
	}

	return &ZapLogger{
		logger: l.logger,
		fields: newFields,
	}
}

// WithContext returns a new logger carrying the request id, caller and trace id found in ctx
func (l *ZapLogger) WithContext(ctx context.Context) Logger {
	fields := make(map[string]interface{})

	if requestID := requestctx.RequestID(ctx); requestID != "" {
		fields["request_id"] = requestID
	}
	if p, ok := requestctx.PrincipalFrom(ctx); ok {
		fields["user_id"] = p.UserID
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
	}

	if len(fields) == 0 {
		return l
	}
	return l.WithFields(fields)
}

func (l *ZapLogger) flattenFields() []interface{} {
	fields := make([]interface{}, 0, len(l.fields)*2)
	for k, v := range l.fields {
		fields = append(fields, k, v)
	}
	return fields
}

// HTTPMiddleware logs one line per request once the response is written
func HTTPMiddleware(logger Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			entry := logger.WithContext(r.Context()).WithFields(map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      wrapped.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       wrapped.bytesWritten,
				"remote_addr": r.RemoteAddr,
			})

			switch {
			case wrapped.statusCode >= 500:
				entry.Error("HTTP request completed")
			case wrapped.statusCode >= 400:
				entry.Warn("HTTP request completed")
			default:
				entry.Info("HTTP request completed")
			}
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}
