// Package raft holds the leaf building blocks of the consensus core: the replicated Log with its per-peer
// replication bookkeeping, the client DataQueue and the periodic Timer used to pace the protocol loop.
//
// Everything in this package is single-threaded. A Log, DataQueue or Timer is owned by exactly one node and is only
// ever touched from that node's tick loop, so none of the types carry locks.
//
// Notes from Section 5.3 of the [Raft paper](https://raft.github.io/raft.pdf):
// If two entries in different logs have the same index and term, then they store the same command, and the logs are
// identical in all preceding entries. The second half is guaranteed by the consistency check performed by
// AppendEntries: the leader includes the index and term of the entry that immediately precedes the new one, and the
// follower refuses the new entry if it does not find a match.
package raft

import (
	"errors"
	"fmt"
)

// NodeID is the id of a node in the mesh. Mesh networks address nodes with 32-bit ids.
type NodeID uint32

// ErrNodeNotFound is returned when a caller names a node that is not part of the cluster
var ErrNodeNotFound = errors.New("node not found")

// None is the reserved NodeID meaning "nobody". It is used for an empty vote and for an unknown leader.
const None NodeID = 0

// String returns the decimal form of the id, or "none"
func (id NodeID) String() string {
	if id == None {
		return "none"
	}
	return fmt.Sprintf("%d", uint32(id))
}

// LogEntry is a single entry of the replicated log: an opaque client payload tagged with the term in which the leader
// received it. Entries are addressed with 1-based indexes; index 0 means "no entry".
type LogEntry struct {
	Term    uint32
	Payload []byte
}

// Equal reports whether both entries carry the same term and payload
func (e LogEntry) Equal(other LogEntry) bool {
	return e.Term == other.Term && string(e.Payload) == string(other.Payload)
}
