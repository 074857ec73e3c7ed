package server

import (
	"fmt"
	"time"

	"ramen/internal/pubsub"
	"ramen/internal/raft"
)

// A State is the role of a node at any given point: follower, candidate or leader, as per Section 5.1 from the
// [Raft paper](https://raft.github.io/raft.pdf)
type State uint8

// As Golang does not support Enums this is a common pattern for implementing one. Follower is the zero value because
// every node starts as a Follower.
const (
	Follower State = iota
	Candidate
	Leader
)

// String returns the string representation of the State
func (s State) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// MarshalText lets State show up by name in JSON snapshots
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText is the inverse of MarshalText
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Follower":
		*s = Follower
	case "Candidate":
		*s = Candidate
	case "Leader":
		*s = Leader
	default:
		return fmt.Errorf("unknown state %q", text)
	}
	return nil
}

// Transport is the mesh capability a Node needs. Implementations must not block: a send that cannot be completed
// right away reports false.
type Transport interface {
	// NodeID returns the id of the local node
	NodeID() raft.NodeID
	// LocalTime returns the node-local clock. It is monotonic in arbitrary units and may wrap.
	LocalTime() uint32
	// Peers returns the nodes currently reachable on the mesh, optionally including the local node
	Peers(includeSelf bool) []raft.NodeID
	SendToAll(data []byte) bool
	SendToOne(peer raft.NodeID, data []byte) bool
}

// MetricsCollector is an optional interface for collecting performance metrics
type MetricsCollector interface {
	RecordCommandLatency(latency time.Duration)
	RecordCommandCommitted()
	RecordAppendEntries()
	RecordRequestVote()
	RecordHeartbeat()
	RecordAppendRejected()
	RecordMalformedMessage()
	RecordSendFailure()
	RecordElection()
	RecordElectionDuration(duration time.Duration)
}

const (
	// RoleChanged is published on every role transition. The payload is RoleChangedPayload.
	RoleChanged pubsub.EventType = iota
	// TermChanged is published when the node adopts a new term. The payload is TermChangedPayload.
	TermChanged
	// LeaderChanged is published when the node learns about a new leader, or forgets the old one. The payload is
	// LeaderChangedPayload.
	LeaderChanged
	// CommitAdvanced is published when the commit index moves forward. The payload is CommitAdvancedPayload.
	CommitAdvanced
)

type RoleChangedPayload struct {
	Node raft.NodeID
	From State
	To   State
	Term uint32
}

type TermChangedPayload struct {
	Node raft.NodeID
	Term uint32
}

type LeaderChangedPayload struct {
	Node   raft.NodeID
	Leader raft.NodeID
	Term   uint32
}

type CommitAdvancedPayload struct {
	Node        raft.NodeID
	CommitIndex uint32
	Term        uint32
}

// Status is a point in time snapshot of a node, used by the trace recorder and the HTTP API
type Status struct {
	ID          raft.NodeID            `json:"id"`
	State       State                  `json:"state"`
	Term        uint32                 `json:"term"`
	VotedFor    raft.NodeID            `json:"votedFor"`
	Leader      raft.NodeID            `json:"leader"`
	CommitIndex uint32                 `json:"commitIndex"`
	LastApplied uint32                 `json:"lastApplied"`
	LogSize     uint32                 `json:"logSize"`
	LastLogTerm uint32                 `json:"lastLogTerm"`
	Queued      int                    `json:"queued"`
	LocalTime   uint32                 `json:"localTime"`
	MatchIndex  map[raft.NodeID]uint32 `json:"matchIndex,omitempty"`
	NextIndex   map[raft.NodeID]uint32 `json:"nextIndex,omitempty"`
}
