package agentcontext

import "context"

// Scope identifies the task a pipeline call is running under.
type Scope struct {
	SessionID string
	TaskID    string
	TraceID   string
}

type scopeKey struct{}

// WithScope attaches scope to ctx. Tasks spawned with the returned context
// in the same session become children of scope.TaskID and share its trace.
func WithScope(ctx context.Context, scope Scope) context.Context {
	if scope.TaskID == "" {
		return ctx
	}
	return context.WithValue(ctx, scopeKey{}, scope)
}

func ScopeFromContext(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	scope, ok := ctx.Value(scopeKey{}).(Scope)
	return scope, ok
}

func TaskIDFromContext(ctx context.Context) string {
	scope, _ := ScopeFromContext(ctx)
	return scope.TaskID
}

func SessionIDFromContext(ctx context.Context) string {
	scope, _ := ScopeFromContext(ctx)
	return scope.SessionID
}
