// Package requestid provides request ID propagation via context.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

// Header carries the request ID on HTTP requests and responses.
const Header = "X-Request-ID"

const maxLen = 128

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or "" when none is set.
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// Resolve keeps a caller-supplied ID when it is usable and generates one otherwise.
func Resolve(incoming string) string {
	if incoming == "" || len(incoming) > maxLen {
		return uuid.NewString()
	}
	for _, r := range incoming {
		if r < 0x21 || r > 0x7e {
			return uuid.NewString()
		}
	}
	return incoming
}
