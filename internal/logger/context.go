package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds request-scoped logging context for a JSON-RPC call.
type LogContext struct {
	RequestID  string    // HTTP request id
	Method     string    // JSON-RPC method (create, ls, get, ...)
	Caller     string    // authenticated user, empty when anonymous
	RemoteAddr string    // client address
	AdminMode  bool      // admin elevation active for this request
	StartTime  time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext from ctx, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a request from the given address.
func NewLogContext(remoteAddr string) *LogContext {
	return &LogContext{
		RemoteAddr: remoteAddr,
		StartTime:  time.Now(),
	}
}

// appendContextFields appends the LogContext fields, if any, to args.
func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	if lc.RequestID != "" {
		args = append(args, KeyRequestID, lc.RequestID)
	}
	if lc.Method != "" {
		args = append(args, KeyMethod, lc.Method)
	}
	if lc.Caller != "" {
		args = append(args, KeyCaller, lc.Caller)
	}
	if lc.RemoteAddr != "" {
		args = append(args, KeyRemoteAddr, lc.RemoteAddr)
	}
	if lc.AdminMode {
		args = append(args, KeyAdminMode, true)
	}
	if !lc.StartTime.IsZero() {
		args = append(args, KeyElapsed, time.Since(lc.StartTime).String())
	}
	return args
}
