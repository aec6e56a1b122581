package ctxutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, UserIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(ctx))

	ctx = WithRequestID(WithUserID(ctx, "alice"), "req-1")
	assert.Equal(t, "alice", UserIDFromContext(ctx))
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
}
