package main

import (
	"context"
	"log/slog"

	"github.com/quay/claircore/toolkit/log"
)

// CtxHandler adds the attributes stored with [log.With] to every record and
// honors a level set with [log.WithLevel].
//
// Handlers derived with WithAttrs or WithGroup stay wrapped, so a logger made
// with [slog.Logger.With] keeps the Context attributes.
type ctxHandler struct {
	next slog.Handler
}

var _ slog.Handler = ctxHandler{}

func (h ctxHandler) Enabled(ctx context.Context, l slog.Level) bool {
	if min, ok := ctx.Value(log.LevelKey).(slog.Leveler); ok && l >= min.Level() {
		return true
	}
	return h.next.Enabled(ctx, l)
}

func (h ctxHandler) Handle(ctx context.Context, r slog.Record) error {
	if v, ok := ctx.Value(log.AttrsKey).(slog.Value); ok {
		r.AddAttrs(v.Group()...)
	}
	return h.next.Handle(ctx, r)
}

func (h ctxHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ctxHandler{next: h.next.WithAttrs(attrs)}
}

func (h ctxHandler) WithGroup(name string) slog.Handler {
	return ctxHandler{next: h.next.WithGroup(name)}
}
