package mocks

import (
	"sync"

	"github.com/stretchr/testify/mock"

	"ramen/internal/raft"
)

// SentMessage is a payload captured by MockTransport. To is raft.None for a broadcast.
type SentMessage struct {
	To   raft.NodeID
	Data []byte
}

// MockTransport is a mock implementation of server.Transport for testing. Identity, clock and peer list are plain
// fields driven by the test; sends are recorded and routed through mock.Mock so tests decide their outcome with
// On("SendToOne", ...) and On("SendToAll", ...).
type MockTransport struct {
	mock.Mock

	mu    sync.RWMutex
	id    raft.NodeID
	now   uint32
	peers []raft.NodeID
	sent  []SentMessage
}

// NewMockTransport creates a transport for node id that sees the given peers
func NewMockTransport(id raft.NodeID, peers ...raft.NodeID) *MockTransport {
	return &MockTransport{
		id:    id,
		peers: peers,
	}
}

func (t *MockTransport) NodeID() raft.NodeID {
	return t.id
}

func (t *MockTransport) LocalTime() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.now
}

// SetTime sets the local clock
func (t *MockTransport) SetTime(now uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Advance moves the local clock forward
func (t *MockTransport) Advance(delta uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now += delta
}

// SetPeers replaces the peer list
func (t *MockTransport) SetPeers(peers ...raft.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers = peers
}

func (t *MockTransport) Peers(includeSelf bool) []raft.NodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]raft.NodeID, 0, len(t.peers)+1)
	if includeSelf {
		out = append(out, t.id)
	}
	return append(out, t.peers...)
}

func (t *MockTransport) SendToAll(data []byte) bool {
	t.record(raft.None, data)
	args := t.Called(data)
	return args.Bool(0)
}

func (t *MockTransport) SendToOne(peer raft.NodeID, data []byte) bool {
	t.record(peer, data)
	args := t.Called(peer, data)
	return args.Bool(0)
}

func (t *MockTransport) record(to raft.NodeID, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, SentMessage{To: to, Data: append([]byte(nil), data...)})
}

// Sent returns a copy of everything sent so far
func (t *MockTransport) Sent() []SentMessage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]SentMessage, len(t.sent))
	copy(out, t.sent)
	return out
}

// ClearSent forgets the recorded sends
func (t *MockTransport) ClearSent() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = nil
}
