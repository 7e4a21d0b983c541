package tools

import "context"

type userCtxKey struct{}

// ContextWithUser stamps the conversation's speaker onto the context so
// user-scoped tools resolve the right memory scope.
func ContextWithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userCtxKey{}, user)
}

// UserFromContext returns the speaker set by [ContextWithUser], or
// "default" for anonymous conversations.
func UserFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(userCtxKey{}).(string); ok && u != "" {
		return u
	}
	return "default"
}
