// Package logctx enriches slog records with request, session, and tool data
// carried on the context, so call sites log terse event names and the
// handler attaches the ambient identifiers.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps another slog.Handler and appends context-carried groups.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("path", rd.Path),
			slog.String("remote_addr", rd.RemoteAddr),
		))
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("client_id", sd.ClientID),
		))
	}
	if td, ok := ctx.Value(toolDataKey{}).(*ToolData); ok {
		r.AddAttrs(slog.Group("tool",
			slog.String("name", td.Name),
		))
	}
	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	Path       string
	RemoteAddr string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a request belongs to.
type SessionData struct {
	SessionID string
	ClientID  string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type toolDataKey struct{}

// ToolData identifies the tool being invoked.
type ToolData struct {
	Name string
}

func WithToolData(ctx context.Context, data *ToolData) context.Context {
	return context.WithValue(ctx, toolDataKey{}, data)
}
