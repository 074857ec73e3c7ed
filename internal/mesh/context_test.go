package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"ramen/internal/raft"
)

func TestSenderFromContext(t *testing.T) {
	_, ok := SenderFromContext(context.Background())
	assert.False(t, ok)

	ctx := withValue(context.Background(), senderKey, raft.NodeID(7))
	sender, ok := SenderFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, raft.NodeID(7), sender)

	other := ctxKey[string]{name: "sender"}
	_, ok = valueOf(ctx, other)
	assert.False(t, ok, "keys with the same name but another type must not collide")
	assert.Equal(t, "mesh.ctxKey[raft.NodeID](sender)", senderKey.String())
}
