package idgen

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommand(t *testing.T) {
	id := NewCommand()
	require.True(t, strings.HasPrefix(id, PrefixCommand))

	_, err := uuid.Parse(strings.TrimPrefix(id, PrefixCommand))
	assert.NoError(t, err)
	assert.NotEqual(t, id, NewCommand())
}

func TestRequestIDContext(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))

	ctx := WithRequestID(context.Background(), "req-1")
	assert.Equal(t, "req-1", RequestID(ctx))
}
