package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/telhawk-systems/taskhub-stack/common/middleware"
)

// Logger wraps slog.Logger. Records logged with a context pick up the request
// ID and tenant carried by that context.
type Logger struct {
	*slog.Logger
}

// New creates a new Logger writing to stdout with the specified level and format.
// format can be "json" or "text" (default is json).
func New(level slog.Level, format string) *Logger {
	return NewWithWriter(os.Stdout, level, format)
}

// NewWithWriter creates a Logger that writes to w.
func NewWithWriter(w io.Writer, level slog.Level, format string) *Logger {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level <= slog.LevelDebug,
	}

	switch format {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	return &Logger{Logger: slog.New(&contextHandler{Handler: handler})}
}

// Discard returns a logger that drops every record. Used by tests.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// With returns a new logger with the given attributes added.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// WithGroup returns a new logger with the given group name.
func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{Logger: l.Logger.WithGroup(name)}
}

// ParseLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unknown values.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// SetDefault sets the default logger for the application.
func SetDefault(l *Logger) {
	slog.SetDefault(l.Logger)
}

type tenantKey struct{}

// WithTenant returns a copy of ctx whose log records carry tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	if tenantID == "" {
		return ctx
	}
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// TenantFromContext returns the tenant set by WithTenant, or "".
func TenantFromContext(ctx context.Context) string {
	id, _ := ctx.Value(tenantKey{}).(string)
	return id
}

// contextHandler adds request_id and tenant_id from the record's context
// unless the logger or the record already has them.
type contextHandler struct {
	slog.Handler
	hasRequestID bool
	hasTenant    bool
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx == nil {
		return h.Handler.Handle(ctx, r)
	}
	needReq, needTenant := !h.hasRequestID, !h.hasTenant
	if needReq || needTenant {
		r.Attrs(func(a slog.Attr) bool {
			switch a.Key {
			case FieldRequestID:
				needReq = false
			case FieldTenantID:
				needTenant = false
			}
			return needReq || needTenant
		})
	}
	if needReq {
		if id := middleware.GetRequestID(ctx); id != "" {
			r.AddAttrs(slog.String(FieldRequestID, id))
		}
	}
	if needTenant {
		if id := TenantFromContext(ctx); id != "" {
			r.AddAttrs(slog.String(FieldTenantID, id))
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &contextHandler{
		Handler:      h.Handler.WithAttrs(attrs),
		hasRequestID: h.hasRequestID,
		hasTenant:    h.hasTenant,
	}
	for _, a := range attrs {
		switch a.Key {
		case FieldRequestID:
			next.hasRequestID = true
		case FieldTenantID:
			next.hasTenant = true
		}
	}
	return next
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{
		Handler:      h.Handler.WithGroup(name),
		hasRequestID: h.hasRequestID,
		hasTenant:    h.hasTenant,
	}
}
