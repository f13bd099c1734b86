package shared

import "context"

// Actor carries opaque identity metadata attached to mutating calls.
// The engine records it on audit entries and adjustments but never
// interprets roles for permission decisions.
type Actor struct {
	ID        int64
	Name      string
	Role      string
	IP        string
	UserAgent string
}

// System is the actor recorded for scheduled batch runs.
var System = Actor{ID: 0, Name: "system", Role: "scheduler"}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context, falling back to System.
func ActorFromContext(ctx context.Context) Actor {
	if actor, ok := ctx.Value(actorContextKey{}).(Actor); ok {
		return actor
	}
	return System
}
