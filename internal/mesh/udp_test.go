package mesh

import (
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramen/internal/raft"
)

type received struct {
	from raft.NodeID
	data string
}

// collector gathers payloads delivered from mesh goroutines
type collector struct {
	mu  sync.Mutex
	got []received
}

func (c *collector) receive(from raft.NodeID, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, received{from: from, data: string(data)})
}

func (c *collector) all() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]received, len(c.got))
	copy(out, c.got)
	return out
}

func startUDPMesh(t *testing.T, id raft.NodeID, config *Config) (*UDPMesh, *collector) {
	t.Helper()

	m, err := NewUDPMesh(id, config)
	require.NoError(t, err)
	c := &collector{}
	m.OnReceive(c.receive)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m, c
}

func TestNewUDPMesh(t *testing.T) {
	t.Run("seeds become peers", func(t *testing.T) {
		config := validConfig()
		config.Seeds[2] = "127.0.0.1:7001"
		config.Seeds[3] = "127.0.0.1:7002"

		m, err := NewUDPMesh(1, config)
		require.NoError(t, err)

		assert.Equal(t, raft.NodeID(1), m.NodeID())
		assert.Equal(t, []raft.NodeID{2, 3}, m.Peers(false))
		assert.Equal(t, []raft.NodeID{1, 2, 3}, m.Peers(true))
		assert.Equal(t, "", m.Addr())
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		config := validConfig()
		config.ClusterSecret = ""
		_, err := NewUDPMesh(1, config)
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("rejects the reserved id", func(t *testing.T) {
		_, err := NewUDPMesh(raft.None, validConfig())
		assert.Error(t, err)
	})

	t.Run("stop before start", func(t *testing.T) {
		m, err := NewUDPMesh(1, validConfig())
		require.NoError(t, err)
		assert.ErrorIs(t, m.Stop(), ErrNotStarted)
	})
}

func TestUDPMesh_Send(t *testing.T) {
	a, _ := startUDPMesh(t, 1, validConfig())
	b, fromA := startUDPMesh(t, 2, validConfig())
	a.AddPeer(2, b.Addr())

	t.Run("send to one", func(t *testing.T) {
		require.True(t, a.SendToOne(2, []byte("hello")))

		assert.Eventually(t, func() bool {
			return len(fromA.all()) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Equal(t, received{from: 1, data: "hello"}, fromA.all()[0])
	})

	t.Run("receiver learns the sender", func(t *testing.T) {
		assert.Equal(t, []raft.NodeID{1}, b.Peers(false))
		assert.True(t, b.SendToAll([]byte("back")))
	})

	t.Run("unknown peer", func(t *testing.T) {
		assert.False(t, a.SendToOne(9, []byte("x")))
	})
}

func TestUDPMesh_RejectsForeignDatagrams(t *testing.T) {
	b, got := startUDPMesh(t, 2, validConfig())

	other := validConfig()
	other.ClusterSecret = "another-secret"
	a, _ := startUDPMesh(t, 1, other)
	a.AddPeer(2, b.Addr())
	require.True(t, a.SendToOne(2, []byte("forged")))

	// A datagram signed for the wrong cluster name
	conn, err := net.Dial("udp", b.Addr())
	require.NoError(t, err)
	defer conn.Close()
	s := newSigner("elsewhere", "s3cr3t-key")
	raw, err := json.Marshal(datagram{Cluster: "elsewhere", From: 3, Data: []byte("x"), MAC: s.sign(3, []byte("x"))})
	require.NoError(t, err)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	// And garbage
	_, err = conn.Write([]byte("not json"))
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, got.all())
	assert.Empty(t, b.Peers(false))
}

func TestUDPMesh_BlockIncoming(t *testing.T) {
	a, _ := startUDPMesh(t, 1, validConfig())
	b, got := startUDPMesh(t, 2, validConfig())
	a.AddPeer(2, b.Addr())

	b.BlockIncoming()
	require.True(t, a.SendToOne(2, []byte("dropped")))
	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, got.all())

	b.UnblockIncoming()
	require.True(t, a.SendToOne(2, []byte("kept")))
	assert.Eventually(t, func() bool {
		return len(got.all()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestUDPMesh_LocalTime(t *testing.T) {
	m, err := NewUDPMesh(1, validConfig())
	require.NoError(t, err)

	first := m.LocalTime()
	time.Sleep(5 * time.Millisecond)
	assert.Greater(t, m.LocalTime(), first)
}

func TestUDPMesh_StopTwice(t *testing.T) {
	m, _ := startUDPMesh(t, 1, validConfig())

	require.NoError(t, m.Stop())
	assert.NotPanics(t, func() {
		assert.NoError(t, m.Stop())
	})
}
