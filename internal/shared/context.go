package shared

import "context"

type (
	sessionContextKey  struct{}
	tempDataContextKey struct{}
)

// ContextWithSession stores the session in context.
func ContextWithSession(ctx context.Context, sess *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, sess)
}

// SessionFromContext extracts the session from context.
func SessionFromContext(ctx context.Context) *Session {
	sess, _ := ctx.Value(sessionContextKey{}).(*Session)
	return sess
}

// ContextWithTempData stores the TempData of the current hop in context.
func ContextWithTempData(ctx context.Context, td *TempData) context.Context {
	return context.WithValue(ctx, tempDataContextKey{}, td)
}

// TempDataFromContext extracts the TempData from context. A nil TempData is safe to use
// and behaves as empty.
func TempDataFromContext(ctx context.Context) *TempData {
	td, _ := ctx.Value(tempDataContextKey{}).(*TempData)
	return td
}
