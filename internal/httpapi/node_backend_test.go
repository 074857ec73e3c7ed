package httpapi

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramen/internal/mesh"
	"ramen/internal/raft"
	"ramen/internal/raft/server"
)

func startNodeBackend(t *testing.T) *NodeBackend {
	t.Helper()

	// The virtual clock never moves, so the node stays a Follower
	m := mesh.NewVirtualMesh(1)
	endpoint, err := m.AddNode(4)
	require.NoError(t, err)
	node, err := server.NewNode(server.DefaultConfig(), endpoint)
	require.NoError(t, err)

	o := server.NewOrchestrator(node, time.Millisecond, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = o.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return NewNodeBackend(o, 4)
}

func TestNodeBackend(t *testing.T) {
	ctx := context.Background()
	b := startNodeBackend(t)

	t.Run("status", func(t *testing.T) {
		statuses, err := b.Statuses(ctx)
		require.NoError(t, err)
		require.Len(t, statuses, 1)
		assert.Equal(t, raft.NodeID(4), statuses[0].ID)
		assert.Equal(t, server.Follower, statuses[0].State)
	})

	t.Run("distribute queues without a leader", func(t *testing.T) {
		id, ok, err := b.Distribute(ctx, 4, []byte("x"), false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.NotEmpty(t, id)

		status, err := b.Status(ctx, 4)
		require.NoError(t, err)
		assert.Equal(t, 1, status.Queued)

		entries, err := b.Entries(ctx, 4, 1, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("other ids are unknown", func(t *testing.T) {
		_, err := b.Status(ctx, 5)
		assert.ErrorIs(t, err, raft.ErrNodeNotFound)
		_, err = b.Entries(ctx, 5, 1, 1)
		assert.ErrorIs(t, err, raft.ErrNodeNotFound)
		_, _, err = b.Distribute(ctx, 5, []byte("x"), false)
		assert.ErrorIs(t, err, raft.ErrNodeNotFound)
	})

	t.Run("served over HTTP", func(t *testing.T) {
		ts := setup(t, b)
		var statuses []server.Status
		assert.Equal(t, 200, get(t, ts.URL+"/nodes", &statuses))
		assert.Len(t, statuses, 1)
		assert.Equal(t, 404, get(t, ts.URL+"/nodes/5", nil))
	})
}
