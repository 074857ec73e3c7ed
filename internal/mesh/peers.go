package mesh

import (
	"sort"
	"sync"
	"time"

	"ramen/internal/raft"
)

// Peer is a node the local node can send to
type Peer struct {
	ID      raft.NodeID
	Address string
	// LastSeen is the last time an authenticated payload arrived from the peer, or when it was added
	LastSeen time.Time
}

// PeerTable tracks the peers of the local node. A peer is reachable while it was heard from within the timeout;
// silent peers keep their address so they are still sent to and come back as soon as they answer.
type PeerTable struct {
	mu      sync.RWMutex
	local   raft.NodeID
	peers   map[raft.NodeID]*Peer
	timeout time.Duration
	// now is swapped in tests
	now func() time.Time
}

// NewPeerTable creates an empty table for the local node. A zero timeout keeps every peer reachable forever.
func NewPeerTable(local raft.NodeID, timeout time.Duration) *PeerTable {
	return &PeerTable{
		local:   local,
		peers:   make(map[raft.NodeID]*Peer),
		timeout: timeout,
		now:     time.Now,
	}
}

// Add records a peer at addr, or moves a known peer to addr. It reports whether the peer was new. The local node is
// never added.
func (pt *PeerTable) Add(id raft.NodeID, addr string) bool {
	if id == pt.local || id == raft.None {
		return false
	}

	pt.mu.Lock()
	defer pt.mu.Unlock()

	existing, ok := pt.peers[id]
	if !ok {
		pt.peers[id] = &Peer{ID: id, Address: addr, LastSeen: pt.now()}
		return true
	}
	if addr != "" {
		existing.Address = addr
	}
	return false
}

// Observe marks id as heard from just now at addr. It reports whether the peer was new.
func (pt *PeerTable) Observe(id raft.NodeID, addr string) bool {
	isNew := pt.Add(id, addr)

	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p, ok := pt.peers[id]; ok {
		p.LastSeen = pt.now()
	}
	return isNew
}

// Remove forgets a peer
func (pt *PeerTable) Remove(id raft.NodeID) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	delete(pt.peers, id)
}

// Get returns a copy of a peer
func (pt *PeerTable) Get(id raft.NodeID) (Peer, bool) {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	p, ok := pt.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// Address returns the address of a peer, or "" when unknown
func (pt *PeerTable) Address(id raft.NodeID) string {
	p, _ := pt.Get(id)
	return p.Address
}

// All returns a snapshot of every known peer, reachable or not, in id order
func (pt *PeerTable) All() []Peer {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	peers := make([]Peer, 0, len(pt.peers))
	for _, p := range pt.peers {
		peers = append(peers, *p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// Reachable returns the ids of the peers heard from within the timeout, in ascending order
func (pt *PeerTable) Reachable() []raft.NodeID {
	pt.mu.RLock()
	defer pt.mu.RUnlock()

	now := pt.now()
	ids := make([]raft.NodeID, 0, len(pt.peers))
	for id, p := range pt.peers {
		if pt.timeout > 0 && now.Sub(p.LastSeen) > pt.timeout {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of known peers
func (pt *PeerTable) Len() int {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return len(pt.peers)
}

// withSelf turns a peer list into the node list Transport.Peers(true) returns
func withSelf(local raft.NodeID, peers []raft.NodeID) []raft.NodeID {
	out := make([]raft.NodeID, 0, len(peers)+1)
	out = append(out, local)
	out = append(out, peers...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
