package idgen

import (
	"context"

	"github.com/google/uuid"
)

// ID prefixes for different records
const (
	PrefixCommand = "cmd_"
)

type contextKey struct{}

// NewCommand generates a composite command ID with cmd_ prefix
func NewCommand() string {
	return PrefixCommand + uuid.New().String()
}

// New generates a generic UUID without prefix (request IDs)
func New() string {
	return uuid.New().String()
}

// WithRequestID returns a context carrying the id of the inbound request
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// RequestID returns the inbound request id carried by ctx, or ""
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}
