package mesh

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"ramen/internal/raft"
)

func startGRPCMesh(t *testing.T, id raft.NodeID, config *Config) (*GRPCMesh, *collector) {
	t.Helper()

	m, err := NewGRPCMesh(id, config)
	require.NoError(t, err)
	c := &collector{}
	m.OnReceive(c.receive)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m, c
}

func TestNewGRPCMesh(t *testing.T) {
	config := validConfig()
	config.Seeds[2] = "127.0.0.1:7001"

	m, err := NewGRPCMesh(1, config)
	require.NoError(t, err)

	assert.Equal(t, []raft.NodeID{2}, m.Peers(false))
	addr, ok := m.book.Get(2)
	assert.True(t, ok)
	assert.Equal(t, "127.0.0.1:7001", addr)
	assert.ErrorIs(t, m.Stop(), ErrNotStarted)

	_, err = NewGRPCMesh(raft.None, validConfig())
	assert.Error(t, err)
}

func TestGRPCMesh_Send(t *testing.T) {
	b, fromA := startGRPCMesh(t, 2, validConfig())

	config := validConfig()
	config.Seeds[2] = b.Addr()
	a, fromB := startGRPCMesh(t, 1, config)

	t.Run("payloads arrive in order", func(t *testing.T) {
		require.True(t, a.SendToOne(2, []byte("one")))
		require.True(t, a.SendToOne(2, []byte("two")))

		assert.Eventually(t, func() bool {
			return len(fromA.all()) == 2
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, []received{{from: 1, data: "one"}, {from: 1, data: "two"}}, fromA.all())
	})

	t.Run("receiver learns the sender and its address", func(t *testing.T) {
		assert.Equal(t, []raft.NodeID{1}, b.Peers(false))
		addr, ok := b.book.Get(1)
		assert.True(t, ok)
		assert.Equal(t, a.Addr(), addr)

		require.True(t, b.SendToAll([]byte("back")))
		assert.Eventually(t, func() bool {
			return len(fromB.all()) == 1
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("unknown peer", func(t *testing.T) {
		assert.False(t, a.SendToOne(9, []byte("x")))
	})

	t.Run("removed peer", func(t *testing.T) {
		a.RemovePeer(2)
		assert.Empty(t, a.Peers(false))
	})
}

func TestGRPCMesh_RemovePeerStopsItsSender(t *testing.T) {
	b, fromA := startGRPCMesh(t, 2, validConfig())

	config := validConfig()
	config.Seeds[2] = b.Addr()
	a, _ := startGRPCMesh(t, 1, config)

	require.True(t, a.SendToOne(2, []byte("before")))
	value, ok := a.clientsConnPool.Load(raft.NodeID(2))
	require.True(t, ok)
	first := value.(*peerClient)

	a.RemovePeer(2)
	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "sender of the removed peer is still running")
	}

	// Adding the peer back starts exactly one new sender
	a.AddPeer(2, b.Addr())
	require.True(t, a.SendToOne(2, []byte("after")))
	value, ok = a.clientsConnPool.Load(raft.NodeID(2))
	require.True(t, ok)
	assert.NotSame(t, first, value.(*peerClient))

	assert.Eventually(t, func() bool {
		for _, r := range fromA.all() {
			if r.data == "after" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGRPCMesh_RejectsUnsignedCalls(t *testing.T) {
	b, got := startGRPCMesh(t, 2, validConfig())

	conn, err := grpc.NewClient(b.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	t.Run("no metadata", func(t *testing.T) {
		err := conn.Invoke(ctx, deliverMethod, wrapperspb.Bytes([]byte("x")), new(emptypb.Empty))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	t.Run("wrong secret", func(t *testing.T) {
		s := newSigner("test", "not-the-secret")
		md := metadata.Pairs(mdCluster, "test", mdFrom, "3", mdMAC, hex.EncodeToString(s.sign(3, []byte("x"))))
		err := conn.Invoke(metadata.NewOutgoingContext(ctx, md), deliverMethod, wrapperspb.Bytes([]byte("x")),
			new(emptypb.Empty))
		assert.Equal(t, codes.Unauthenticated, status.Code(err))
	})

	assert.Empty(t, got.all())
	assert.Empty(t, b.Peers(false))
}

func TestGRPCMesh_StoppedMeshRefusesSends(t *testing.T) {
	config := validConfig()
	config.Seeds[2] = "127.0.0.1:1"
	m, err := NewGRPCMesh(1, config)
	require.NoError(t, err)
	require.NoError(t, m.Start())
	require.NoError(t, m.Stop())

	assert.False(t, m.SendToOne(2, []byte("x")))
}
