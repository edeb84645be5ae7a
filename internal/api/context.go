package api

import "context"

type contextKey string

const (
	ctxKeyPrincipal contextKey = "principal"
	ctxKeyRequestID contextKey = "request_id"
)

func withPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, principal)
}

// principalFromCtx returns the authenticated principal id, or "" for an
// anonymous caller.
func principalFromCtx(ctx context.Context) string {
	p, _ := ctx.Value(ctxKeyPrincipal).(string)
	return p
}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func requestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
