package mesh

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"ramen/internal/raft"
)

var (
	// ErrDuplicateNode is returned when a node id joins a VirtualMesh twice
	ErrDuplicateNode = errors.New("node already on the mesh")
	// ErrUnknownNode is returned for operations on a node that never joined
	ErrUnknownNode = errors.New("unknown node")
)

type envelope struct {
	from raft.NodeID
	to   raft.NodeID
	data []byte
}

// VirtualMesh is an in-process mesh with a shared virtual clock. Sends are queued and only reach their target when
// the owner calls Deliver, which makes runs reproducible: with the same seed and the same calls, the same messages
// are delivered and lost.
//
// A VirtualMesh is not safe for concurrent use. The simulation harness drives it from one goroutine.
type VirtualMesh struct {
	now       uint32
	rand      *rand.Rand
	dropRate  float64
	endpoints map[raft.NodeID]*Endpoint
	queue     []envelope

	// group assigns every node to a partition. Nodes only reach nodes of the same group. Empty means no partition.
	group map[raft.NodeID]int

	// static makes Peers report every node on the mesh, reachable or not
	static bool

	dropped   uint64
	delivered uint64
}

// NewVirtualMesh creates an empty mesh. seed drives message loss.
func NewVirtualMesh(seed int64) *VirtualMesh {
	return &VirtualMesh{
		rand:      rand.New(rand.NewSource(seed)),
		endpoints: make(map[raft.NodeID]*Endpoint),
		group:     make(map[raft.NodeID]int),
	}
}

// AddNode puts a new node on the mesh and returns its Transport
func (m *VirtualMesh) AddNode(id raft.NodeID) (*Endpoint, error) {
	if id == raft.None {
		return nil, fmt.Errorf("node id %d is reserved", raft.None)
	}
	if _, ok := m.endpoints[id]; ok {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateNode, id)
	}

	e := &Endpoint{mesh: m, id: id, alive: true}
	m.endpoints[id] = e
	return e, nil
}

// Endpoint returns the Transport of a node
func (m *VirtualMesh) Endpoint(id raft.NodeID) (*Endpoint, bool) {
	e, ok := m.endpoints[id]
	return e, ok
}

// Nodes returns every node on the mesh, dead or alive, in ascending order
func (m *VirtualMesh) Nodes() []raft.NodeID {
	ids := make([]raft.NodeID, 0, len(m.endpoints))
	for id := range m.endpoints {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Time returns the shared clock
func (m *VirtualMesh) Time() uint32 {
	return m.now
}

// SetTime moves the shared clock to t. The clock may wrap.
func (m *VirtualMesh) SetTime(t uint32) {
	m.now = t
}

// Advance moves the shared clock forward by delta
func (m *VirtualMesh) Advance(delta uint32) {
	m.now += delta
}

// SetDropRate makes every send get lost with probability p, clamped to [0, 1]
func (m *VirtualMesh) SetDropRate(p float64) {
	m.dropRate = min(max(p, 0), 1)
}

// SetStaticMembership switches Peers between the nodes currently reachable (the default, like a mesh node list) and
// every node that ever joined (a fixed cluster configuration). Majorities computed over a reachable-only view shrink
// with a partition, so both sides of a split can elect a leader.
func (m *VirtualMesh) SetStaticMembership(static bool) {
	m.static = static
}

// Partition splits the mesh into the given groups. Nodes left out of every group form one more group together.
func (m *VirtualMesh) Partition(groups ...[]raft.NodeID) {
	m.group = make(map[raft.NodeID]int)
	for i, g := range groups {
		for _, id := range g {
			m.group[id] = i + 1
		}
	}
}

// Heal removes every partition
func (m *VirtualMesh) Heal() {
	m.group = make(map[raft.NodeID]int)
}

// Kill takes a node off the mesh. It neither sends nor receives until revived, and the payloads queued for it are
// lost.
func (m *VirtualMesh) Kill(id raft.NodeID) error {
	e, ok := m.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownNode, id)
	}
	e.alive = false
	return nil
}

// Revive puts a killed node back on the mesh
func (m *VirtualMesh) Revive(id raft.NodeID) error {
	e, ok := m.endpoints[id]
	if !ok {
		return fmt.Errorf("%w: %v", ErrUnknownNode, id)
	}
	e.alive = true
	return nil
}

// Alive reports whether a node is on the mesh and not killed
func (m *VirtualMesh) Alive(id raft.NodeID) bool {
	e, ok := m.endpoints[id]
	return ok && e.alive
}

// Reachable reports whether a payload from one node would currently reach the other
func (m *VirtualMesh) Reachable(from, to raft.NodeID) bool {
	if from == to || !m.Alive(from) || !m.Alive(to) {
		return false
	}
	return m.group[from] == m.group[to]
}

// Pending returns the number of queued payloads
func (m *VirtualMesh) Pending() int {
	return len(m.queue)
}

// Stats returns how many payloads were delivered and lost so far
func (m *VirtualMesh) Stats() (delivered, dropped uint64) {
	return m.delivered, m.dropped
}

// Deliver hands every payload queued before the call to its target, in send order. Payloads sent by the handlers
// wait for the next call. Payloads whose target became unreachable in the meantime are lost. It returns the number
// of payloads delivered.
func (m *VirtualMesh) Deliver() int {
	batch := m.queue
	m.queue = nil

	count := 0
	for _, env := range batch {
		if !m.Reachable(env.from, env.to) {
			m.dropped++
			continue
		}
		target := m.endpoints[env.to]
		if target.onReceive == nil {
			continue
		}
		target.onReceive(env.from, env.data)
		m.delivered++
		count++
	}
	return count
}

func (m *VirtualMesh) enqueue(from, to raft.NodeID, data []byte) {
	if m.dropRate > 0 && m.rand.Float64() < m.dropRate {
		m.dropped++
		return
	}
	m.queue = append(m.queue, envelope{from: from, to: to, data: append([]byte(nil), data...)})
}

// Endpoint is the Transport of one node on a VirtualMesh
type Endpoint struct {
	mesh      *VirtualMesh
	id        raft.NodeID
	alive     bool
	onReceive ReceiveFunc
}

// OnReceive sets the callback payloads are delivered to
func (e *Endpoint) OnReceive(fn ReceiveFunc) {
	e.onReceive = fn
}

func (e *Endpoint) NodeID() raft.NodeID {
	return e.id
}

func (e *Endpoint) LocalTime() uint32 {
	return e.mesh.now
}

// Peers returns the nodes this node can currently reach, or every other node with static membership
func (e *Endpoint) Peers(includeSelf bool) []raft.NodeID {
	peers := make([]raft.NodeID, 0, len(e.mesh.endpoints))
	for _, id := range e.mesh.Nodes() {
		if id == e.id {
			continue
		}
		if e.mesh.static || e.mesh.Reachable(e.id, id) {
			peers = append(peers, id)
		}
	}
	if includeSelf {
		return withSelf(e.id, peers)
	}
	return peers
}

// SendToAll queues data for every reachable peer. A dead node cannot send.
func (e *Endpoint) SendToAll(data []byte) bool {
	if !e.alive {
		return false
	}
	for _, peer := range e.Peers(false) {
		if e.mesh.Reachable(e.id, peer) {
			e.mesh.enqueue(e.id, peer, data)
		}
	}
	return true
}

// SendToOne queues data for peer. It reports false when there is no route to the peer, like a mesh without a path
// to the target would.
func (e *Endpoint) SendToOne(peer raft.NodeID, data []byte) bool {
	if !e.mesh.Reachable(e.id, peer) {
		return false
	}
	e.mesh.enqueue(e.id, peer, data)
	return true
}
