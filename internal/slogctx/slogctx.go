// Package slogctx attaches request-scoped fields to a context-carried
// *slog.Logger, the way the teacher's subpackages thread a blob ref
// through their log lines instead of constructing ad hoc format strings.
package slogctx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// With returns a context carrying logger, retrievable with From.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// From returns the logger attached to ctx, or slog.Default() if none.
func From(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// Augment attaches additional attrs to the context's logger and returns
// a context carrying the augmented logger.
func Augment(ctx context.Context, args ...any) context.Context {
	return With(ctx, From(ctx).With(args...))
}
