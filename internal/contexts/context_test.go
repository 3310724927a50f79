package contexts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserRequest(t *testing.T) {
	ctx := context.Background()
	require.False(t, IsUserRequest(ctx))
	require.True(t, IsUserRequest(AsUserRequest(ctx)))
}

func TestTraceID(t *testing.T) {
	ctx := context.Background()
	require.Empty(t, TraceID(ctx))
	require.Equal(t, "abc", TraceID(WithTraceID(ctx, "abc")))
}
