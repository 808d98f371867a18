package api

import (
	"context"

	"github.com/GoCodeAlone/tasktrack/lifecycle"
)

type contextKey int

const ctxKeyActor contextKey = 0

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, a lifecycle.Actor) context.Context {
	return context.WithValue(ctx, ctxKeyActor, a)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (lifecycle.Actor, bool) {
	a, ok := ctx.Value(ctxKeyActor).(lifecycle.Actor)
	return a, ok && a.ID != ""
}
