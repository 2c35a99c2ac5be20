package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// HeaderName is the HTTP header carrying the trace id between the page,
// the API and the backend service.
const HeaderName = "X-Trace-ID"

type ctxKey struct{}

// NewID generates a new trace id
func NewID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext returns the trace id stored in ctx, or "" if none
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

// WithContext stores the trace id in ctx
func WithContext(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}
