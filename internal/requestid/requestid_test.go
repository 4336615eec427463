package requestid

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithRequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "test-123")
	assert.Equal(t, "test-123", FromContext(ctx))
}

func TestFromContext_Missing(t *testing.T) {
	assert.Empty(t, FromContext(context.Background()))
}

func TestResolve(t *testing.T) {
	assert.Equal(t, "abc-123", Resolve("abc-123"))

	for _, bad := range []string{"", "has space", strings.Repeat("x", 200), "line\nbreak"} {
		id := Resolve(bad)
		assert.NotEqual(t, bad, id)
		assert.Len(t, id, 36)
	}
}
