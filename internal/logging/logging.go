// Package logging provides structured logging with zap.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	requestKey contextKey = "request"

	// RequestIDHeader carries the request id in and out.
	RequestIDHeader = "X-Request-ID"
)

var (
	mu          sync.RWMutex
	globalLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	global      *zap.Logger
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init builds the global logger from cfg. An unknown level means info.
func Init(cfg Config) error {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "time"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	globalLevel.SetLevel(level)
	zc.Level = globalLevel
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
		zap.Fields(zap.String("service", "fileflow")),
	)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	UseLogger(logger)
	return nil
}

// UseLogger replaces the global logger. Tests pass a zaptest/observer core.
func UseLogger(logger *zap.Logger) {
	mu.Lock()
	global = logger
	mu.Unlock()
}

// Sync flushes any buffered log entries.
func Sync() error {
	return L().Sync()
}

// SetLevel changes the level of loggers built by Init. An unknown level is
// ignored.
func SetLevel(level string) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return
	}
	globalLevel.SetLevel(l)
}

// LevelHandler serves the current level on GET and changes it on PUT, in
// zap's {"level":"debug"} format.
func LevelHandler() http.Handler {
	return globalLevel
}

// L returns the global logger, building a production logger on first use.
func L() *zap.Logger {
	mu.RLock()
	l := global
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		zc := zap.NewProductionConfig()
		zc.Level = globalLevel
		logger, err := zc.Build(zap.AddCallerSkip(1))
		if err != nil {
			logger = zap.NewNop()
		}
		global = logger
	}
	return global
}

// ─── Request scope ───────────────────────────────────────────────────────────

// requestInfo is filled in as a request passes through middleware. The
// owner is only known after authentication, deeper in the chain.
type requestInfo struct {
	id string

	mu    sync.Mutex
	owner string
}

// WithContext returns the request-scoped logger from ctx, or the global
// logger.
func WithContext(ctx context.Context) *zap.Logger {
	if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok {
		return logger
	}
	return L()
}

// GetRequestID returns the request ID from context.
func GetRequestID(ctx context.Context) string {
	if info, ok := ctx.Value(requestKey).(*requestInfo); ok {
		return info.id
	}
	return ""
}

// SetOwner records the authenticated owner for the request in ctx. It adds
// owner_id to the request's completion log and returns a context whose
// logger carries it too.
func SetOwner(ctx context.Context, ownerID string) context.Context {
	if info, ok := ctx.Value(requestKey).(*requestInfo); ok {
		info.mu.Lock()
		info.owner = ownerID
		info.mu.Unlock()
	}
	logger := WithContext(ctx).With(zap.String("owner_id", ownerID))
	return context.WithValue(ctx, loggerKey, logger)
}

// Debug logs a debug message.
func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

// Info logs an info message.
func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

// Warn logs a warning message.
func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

// Error logs an error message.
func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs a fatal message and exits.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// ─── HTTP middleware ─────────────────────────────────────────────────────────

// responseWriter records status and size. Streaming handlers need Flush
// and the websocket upgrader needs Hijack, so both pass through.
type responseWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.size += int64(n)
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware assigns each request an id, echoes it in RequestIDHeader and
// logs the request when it completes. Server errors log at warn.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		info := &requestInfo{id: r.Header.Get(RequestIDHeader)}
		if info.id == "" {
			info.id = uuid.NewString()
		}

		logger := WithContext(r.Context()).With(zap.String("request_id", info.id))
		ctx := context.WithValue(r.Context(), requestKey, info)
		ctx = context.WithValue(ctx, loggerKey, logger)
		w.Header().Set(RequestIDHeader, info.id)

		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r.WithContext(ctx))

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.status),
			zap.Int64("size", rw.size),
			zap.Duration("duration", time.Since(start)),
		}
		info.mu.Lock()
		if info.owner != "" {
			fields = append(fields, zap.String("owner_id", info.owner))
		}
		info.mu.Unlock()

		switch {
		case rw.status >= http.StatusInternalServerError:
			logger.Warn("request completed", fields...)
		case r.URL.Path == "/health":
			logger.Debug("request completed", fields...)
		default:
			logger.Info("request completed", fields...)
		}
	})
}
