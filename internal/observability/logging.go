// Package observability provides logging, metrics, and tracing.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogContextKey is a type for context keys used by the logging package.
type LogContextKey string

// Context keys for logging
const (
	RequestIDKey    LogContextKey = "request_id"
	SenderKey       LogContextKey = "sender"
	ConnectionIDKey LogContextKey = "connection_id"
	TraceIDKey      LogContextKey = "trace_id"
)

// GlobalLogger is the default logger instance for the application.
var GlobalLogger = slog.New(&ctxHandler{slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})})

// LogOptions configures InitLogger.
type LogOptions struct {
	Level      string
	JSON       bool
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// ctxHandler is a slog.Handler that adds context values to the log record.
type ctxHandler struct {
	slog.Handler
}

// Handle adds context values to the record before passing it to the underlying handler.
func (h *ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []LogContextKey{RequestIDKey, SenderKey, ConnectionIDKey, TraceIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			r.AddAttrs(slog.String(string(key), v))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ctxHandler{h.Handler.WithAttrs(attrs)}
}

func (h *ctxHandler) WithGroup(name string) slog.Handler {
	return &ctxHandler{h.Handler.WithGroup(name)}
}

// InitLogger builds the process logger, installs it as GlobalLogger and as the
// slog default. When File is set output is duplicated into a rotating file.
func InitLogger(opts LogOptions) *slog.Logger {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		})
	}

	handlerOpts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handler slog.Handler
	if opts.JSON {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		// Pretty text output for local development
		handler = slog.NewTextHandler(out, handlerOpts)
	}

	GlobalLogger = slog.New(&ctxHandler{handler})
	slog.SetDefault(GlobalLogger)
	return GlobalLogger
}

// ParseLevel maps LOG_LEVEL values onto slog levels, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// WithSender returns a new context carrying the sender address.
func WithSender(ctx context.Context, sender string) context.Context {
	return context.WithValue(ctx, SenderKey, sender)
}

// WithConnectionID returns a new context carrying the websocket connection ID.
func WithConnectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConnectionIDKey, id)
}

// WithTraceID returns a new context carrying the trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// RepoLogger provides structured logging for store operations.
type RepoLogger struct {
	store string
}

// NewRepoLogger creates a new RepoLogger for the given store.
func NewRepoLogger(store string) *RepoLogger {
	return &RepoLogger{store: store}
}

// LogWrite logs a successful store mutation at debug level.
func (l *RepoLogger) LogWrite(ctx context.Context, operation string, attrs ...slog.Attr) {
	args := []any{
		slog.String("store", l.store),
		slog.String("operation", operation),
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	GlobalLogger.DebugContext(ctx, "store write", args...)
}

// LogError logs a store error.
func (l *RepoLogger) LogError(ctx context.Context, err error, operation string) {
	GlobalLogger.ErrorContext(ctx, "store error",
		slog.String("store", l.store),
		slog.String("operation", operation),
		slog.String("error", err.Error()),
	)
}

// WSLogger provides structured logging for WebSocket operations.
type WSLogger struct {
	hubName string
}

// NewWSLogger creates a new WSLogger for the given hub.
func NewWSLogger(hubName string) *WSLogger {
	return &WSLogger{hubName: hubName}
}

// LogConnect logs a WebSocket connection event.
func (l *WSLogger) LogConnect(ctx context.Context, connID, address string) {
	GlobalLogger.InfoContext(ctx, "websocket connected",
		slog.String("hub", l.hubName),
		slog.String("conn", connID),
		slog.String("address", address),
	)
}

// LogDisconnect logs a WebSocket disconnection event.
func (l *WSLogger) LogDisconnect(ctx context.Context, connID, address, reason string) {
	GlobalLogger.InfoContext(ctx, "websocket disconnected",
		slog.String("hub", l.hubName),
		slog.String("conn", connID),
		slog.String("address", address),
		slog.String("reason", reason),
	)
}

// LogError logs a WebSocket error event.
func (l *WSLogger) LogError(ctx context.Context, connID string, err error, eventType string) {
	GlobalLogger.ErrorContext(ctx, "websocket error",
		slog.String("hub", l.hubName),
		slog.String("conn", connID),
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// LogRejection logs a user-correctable rejection. These are not faults.
func (l *WSLogger) LogRejection(ctx context.Context, eventType, reason string) {
	GlobalLogger.DebugContext(ctx, "websocket event rejected",
		slog.String("hub", l.hubName),
		slog.String("event_type", eventType),
		slog.String("reason", reason),
	)
}

// LogLifecycle logs a WebSocket hub lifecycle event.
func (l *WSLogger) LogLifecycle(ctx context.Context, event string, attrs ...slog.Attr) {
	args := []any{
		slog.String("hub", l.hubName),
		slog.String("event", event),
	}
	for _, a := range attrs {
		args = append(args, a)
	}
	GlobalLogger.InfoContext(ctx, "websocket lifecycle", args...)
}
