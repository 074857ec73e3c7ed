package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramen/internal/raft"
)

type inbox struct {
	got []string
}

func (in *inbox) receive(from raft.NodeID, data []byte) {
	in.got = append(in.got, from.String()+":"+string(data))
}

func newVirtualMesh(t *testing.T, ids ...raft.NodeID) (*VirtualMesh, map[raft.NodeID]*Endpoint, map[raft.NodeID]*inbox) {
	t.Helper()

	m := NewVirtualMesh(1)
	endpoints := make(map[raft.NodeID]*Endpoint)
	inboxes := make(map[raft.NodeID]*inbox)
	for _, id := range ids {
		e, err := m.AddNode(id)
		require.NoError(t, err)
		in := &inbox{}
		e.OnReceive(in.receive)
		endpoints[id] = e
		inboxes[id] = in
	}
	return m, endpoints, inboxes
}

func TestVirtualMesh_AddNode(t *testing.T) {
	m := NewVirtualMesh(1)

	_, err := m.AddNode(1)
	require.NoError(t, err)

	_, err = m.AddNode(1)
	assert.ErrorIs(t, err, ErrDuplicateNode)

	_, err = m.AddNode(raft.None)
	assert.Error(t, err)

	assert.Equal(t, []raft.NodeID{1}, m.Nodes())
}

func TestVirtualMesh_Clock(t *testing.T) {
	m, endpoints, _ := newVirtualMesh(t, 1, 2)

	m.SetTime(100)
	m.Advance(5)

	assert.Equal(t, uint32(105), m.Time())
	assert.Equal(t, uint32(105), endpoints[1].LocalTime())
	assert.Equal(t, uint32(105), endpoints[2].LocalTime())
}

func TestVirtualMesh_Delivery(t *testing.T) {
	t.Run("broadcast reaches every peer on deliver", func(t *testing.T) {
		m, endpoints, inboxes := newVirtualMesh(t, 1, 2, 3)

		assert.True(t, endpoints[1].SendToAll([]byte("a")))
		assert.Equal(t, 2, m.Pending())
		assert.Empty(t, inboxes[2].got)

		assert.Equal(t, 2, m.Deliver())
		assert.Equal(t, []string{"1:a"}, inboxes[2].got)
		assert.Equal(t, []string{"1:a"}, inboxes[3].got)
		assert.Empty(t, inboxes[1].got)
	})

	t.Run("unicast keeps send order", func(t *testing.T) {
		m, endpoints, inboxes := newVirtualMesh(t, 1, 2)

		endpoints[1].SendToOne(2, []byte("a"))
		endpoints[1].SendToOne(2, []byte("b"))
		m.Deliver()

		assert.Equal(t, []string{"1:a", "1:b"}, inboxes[2].got)
	})

	t.Run("replies wait for the next round", func(t *testing.T) {
		m, endpoints, inboxes := newVirtualMesh(t, 1, 2)
		endpoints[2].OnReceive(func(from raft.NodeID, data []byte) {
			endpoints[2].SendToOne(from, []byte("re:"+string(data)))
		})

		endpoints[1].SendToOne(2, []byte("a"))
		assert.Equal(t, 1, m.Deliver())
		assert.Empty(t, inboxes[1].got)

		assert.Equal(t, 1, m.Deliver())
		assert.Equal(t, []string{"2:re:a"}, inboxes[1].got)
	})

	t.Run("send to an unknown node fails", func(t *testing.T) {
		_, endpoints, _ := newVirtualMesh(t, 1, 2)
		assert.False(t, endpoints[1].SendToOne(9, []byte("a")))
		assert.False(t, endpoints[1].SendToOne(1, []byte("a")))
	})

	t.Run("drop rate loses payloads", func(t *testing.T) {
		m, endpoints, inboxes := newVirtualMesh(t, 1, 2)
		m.SetDropRate(1)

		assert.True(t, endpoints[1].SendToOne(2, []byte("a")))
		assert.Equal(t, 0, m.Deliver())
		assert.Empty(t, inboxes[2].got)

		_, dropped := m.Stats()
		assert.Equal(t, uint64(1), dropped)
	})
}

func TestVirtualMesh_Partition(t *testing.T) {
	m, endpoints, inboxes := newVirtualMesh(t, 1, 2, 3, 4, 5)

	m.Partition([]raft.NodeID{1, 2})

	assert.Equal(t, []raft.NodeID{2}, endpoints[1].Peers(false))
	assert.Equal(t, []raft.NodeID{3, 4, 5}, endpoints[4].Peers(true))
	assert.False(t, endpoints[1].SendToOne(3, []byte("x")))

	endpoints[3].SendToAll([]byte("y"))
	m.Deliver()
	assert.Empty(t, inboxes[1].got)
	assert.Equal(t, []string{"3:y"}, inboxes[5].got)

	t.Run("payloads in flight are lost when a partition cuts them", func(t *testing.T) {
		m.Heal()
		endpoints[1].SendToOne(3, []byte("z"))
		m.Partition([]raft.NodeID{1}, []raft.NodeID{3})
		m.Deliver()
		assert.Empty(t, inboxes[3].got)
	})

	t.Run("heal reconnects everyone", func(t *testing.T) {
		m.Heal()
		assert.Equal(t, []raft.NodeID{1, 2, 3, 4, 5}, endpoints[2].Peers(true))
	})
}

func TestVirtualMesh_StaticMembership(t *testing.T) {
	m, endpoints, inboxes := newVirtualMesh(t, 1, 2, 3)
	m.SetStaticMembership(true)
	m.Partition([]raft.NodeID{1})
	require.NoError(t, m.Kill(3))

	assert.Equal(t, []raft.NodeID{2, 3}, endpoints[1].Peers(false))
	assert.Equal(t, []raft.NodeID{1, 2, 3}, endpoints[2].Peers(true))

	// Known is not reachable
	assert.False(t, endpoints[1].SendToOne(2, []byte("x")))
	assert.True(t, endpoints[2].SendToAll([]byte("y")))
	m.Deliver()
	assert.Empty(t, inboxes[1].got)
	assert.Empty(t, inboxes[3].got)
}

func TestVirtualMesh_KillRevive(t *testing.T) {
	m, endpoints, inboxes := newVirtualMesh(t, 1, 2, 3)

	endpoints[1].SendToOne(2, []byte("lost"))
	require.NoError(t, m.Kill(2))

	assert.False(t, m.Alive(2))
	assert.Equal(t, []raft.NodeID{3}, endpoints[1].Peers(false))
	assert.False(t, endpoints[2].SendToAll([]byte("x")))
	m.Deliver()
	assert.Empty(t, inboxes[2].got)

	require.NoError(t, m.Revive(2))
	assert.Equal(t, []raft.NodeID{2, 3}, endpoints[1].Peers(false))

	assert.ErrorIs(t, m.Kill(9), ErrUnknownNode)
	assert.ErrorIs(t, m.Revive(9), ErrUnknownNode)
}
