package mesh

import (
	"context"
	"fmt"

	"ramen/internal/raft"
)

// ctxKey is a context key bound to the type of its value
type ctxKey[T any] struct {
	name string
}

func (k ctxKey[T]) String() string {
	return fmt.Sprintf("mesh.ctxKey[%T](%s)", *new(T), k.name)
}

func withValue[T any](ctx context.Context, key ctxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

func valueOf[T any](ctx context.Context, key ctxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}

// senderKey carries the authenticated sender from the interceptor to the service
var senderKey = ctxKey[raft.NodeID]{name: "sender"}

// SenderFromContext returns the node that signed the payload being handled, if the call went through the mesh's
// authentication
func SenderFromContext(ctx context.Context) (raft.NodeID, bool) {
	return valueOf(ctx, senderKey)
}
