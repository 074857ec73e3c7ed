package server

import (
	"fmt"

	"ramen/internal/pubsub"
	"ramen/internal/raft"
	"ramen/internal/raft/message"
)

// replicate sends AppendEntries to peers. Peers that are behind get their next entry on the append-entry cadence;
// every peer gets at least a heartbeat on the heartbeat cadence.
func (n *Node) replicate() {
	// Nodes that joined the mesh after this leader was elected start from our tail
	for _, peer := range n.transport.Peers(false) {
		if n.log.EnsurePeer(peer, n.log.Size()+1) {
			n.logger.Infof("[NODE-%v] [TERM-%d] Tracking new peer %v", n.id, n.term, peer)
		}
	}

	heartbeatDue := n.heartbeatTimer.Check(n.now)
	appendDue := n.appendEntryTimer.Check(n.now)
	if !heartbeatDue && !appendDue {
		return
	}

	for _, peer := range n.log.Peers() {
		lagging := n.log.NextIndex(peer) <= n.log.Size()
		if heartbeatDue || (appendDue && lagging) {
			n.requestAppendEntries(peer)
		}
	}
}

// requestAppendEntries sends peer the entry at nextIndex[peer], or a heartbeat when the peer is caught up. Either way
// the request carries the index and term of the entry immediately preceding it (Section 5.3).
func (n *Node) requestAppendEntries(peer raft.NodeID) {
	next := n.log.NextIndex(peer)
	prev := next - 1

	req := &message.RequestAppendEntry{
		Term:             n.term,
		PreviousLogIndex: prev,
		PreviousLogTerm:  n.log.TermAt(prev),
		CommitIndex:      n.commitIndex,
	}

	if entry, ok := n.log.Entry(next); ok {
		req.Entries = []raft.LogEntry{entry}
		if n.config.Metrics != nil {
			n.config.Metrics.RecordAppendEntries()
		}
	} else if n.config.Metrics != nil {
		n.config.Metrics.RecordHeartbeat()
	}

	n.send(peer, req)
}

// handleAppendEntriesRequest implements the receiver side of AppendEntries from Figure 2 of the
// [Raft paper](https://raft.github.io/raft.pdf). A higher term was already adopted by Receive.
func (n *Node) handleAppendEntriesRequest(from raft.NodeID, req *message.RequestAppendEntry) {
	// 1. Reply false if term < currentTerm (Section 5.1)
	if req.Term < n.term {
		n.rejectAppendEntries(from, "stale term %d", req.Term)
		return
	}

	switch n.role {
	case Leader:
		// Two leaders of one term only happen when majorities were counted over different peer lists, as on the two
		// sides of a healed partition. Both logs may hold different entries under the same index and term, which
		// log matching cannot tell apart, so neither side may adopt the other's entries in this term.
		n.abdicate(from)
		n.rejectAppendEntries(from, "%v already led term %d", n.id, req.Term)
		return
	case Follower:
		if n.abdicated {
			n.rejectAppendEntries(from, "gave up leading term %d", req.Term)
			return
		}
		// A follower serves one leader per term
		if n.leader != raft.None && n.leader != from {
			n.rejectAppendEntries(from, "already following %v in term %d", n.leader, req.Term)
			return
		}
	case Candidate:
		// If the AppendEntries RPC is received from another server claiming to be leader, and the leader's term is
		// at least as large as the candidate's current term, then the candidate recognizes the leader as legitimate
		// and returns to follower state (Section 5.2)
		n.becomeFollower()
	}

	if n.leader != from {
		n.logger.Infof("[NODE-%v] [TERM-%d] Recognized %v as leader", n.id, n.term, from)
	}
	n.setLeader(from)
	n.armElectionTimer(n.config.LeaderAliveSkew)

	// 2. Reply false if log doesn't contain an entry at prevLogIndex whose term matches prevLogTerm (Section 5.3)
	prev := req.PreviousLogIndex
	if prev > 0 && (prev > n.log.Size() || n.log.TermAt(prev) != req.PreviousLogTerm) {
		n.rejectAppendEntries(from, "no entry with term %d at index %d", req.PreviousLogTerm, prev)
		return
	}

	lastVerified := prev
	for i, entry := range req.Entries {
		index := prev + 1 + uint32(i)

		if index <= n.log.Size() {
			if n.log.TermAt(index) == entry.Term {
				lastVerified = index
				continue
			}
			// 3. If an existing entry conflicts with a new one (same index but different terms), delete the existing
			// entry and all that follow it (Section 5.3)
			if index <= n.commitIndex {
				panic(fmt.Sprintf("node %v: leader %v conflicts with committed entry %d", n.id, from, index))
			}
			n.logger.Infof("[NODE-%v] [TERM-%d] Truncating log from index %d", n.id, n.term, index)
			n.log.TruncateFrom(index)
		}

		// 4. Append any new entries not already in the log
		n.log.Push(entry)
		lastVerified = index
	}

	// 5. If leaderCommit > commitIndex, set commitIndex = min(leaderCommit, index of last new entry). Only the prefix
	// this request verified is known to match the leader.
	if req.CommitIndex > n.commitIndex {
		n.setCommitIndex(min(req.CommitIndex, lastVerified))
	}

	n.send(from, &message.RespondAppendEntry{Term: n.term, Success: true, MatchIndex: lastVerified})
}

// abdicate steps down after meeting another leader of the current term. Uncommitted entries of this term are dropped:
// the rival may hold different entries at the same indexes, and a later leader must not mistake ours for its own. The
// node then follows nobody until the term moves on.
//
// The rival is told with a last heartbeat of this term, so it abdicates as well even if none of our earlier
// heartbeats reached it.
func (n *Node) abdicate(rival raft.NodeID) {
	n.logger.Warnf("[NODE-%v] [TERM-%d] %v also leads this term, stepping down", n.id, n.term, rival)
	n.send(rival, &message.RequestAppendEntry{Term: n.term})
	n.becomeFollower()
	n.abdicated = true

	from := n.commitIndex + 1
	for from <= n.log.Size() && n.log.TermAt(from) != n.term {
		from++
	}
	if from <= n.log.Size() {
		n.logger.Warnf("[NODE-%v] [TERM-%d] Dropping uncommitted entries %d-%d", n.id, n.term, from, n.log.Size())
		n.log.TruncateFrom(from)
	}
}

func (n *Node) rejectAppendEntries(to raft.NodeID, reason string, args ...interface{}) {
	n.logger.Debugf("[NODE-%v] [TERM-%d] Rejecting AppendEntries from %v: "+reason,
		append([]interface{}{n.id, n.term, to}, args...)...)
	if n.config.Metrics != nil {
		n.config.Metrics.RecordAppendRejected()
	}
	n.send(to, &message.RespondAppendEntry{Term: n.term, Success: false})
}

// handleAppendEntriesResponse updates the replication bookkeeping of the sender. A higher term was already adopted by
// Receive.
func (n *Node) handleAppendEntriesResponse(from raft.NodeID, resp *message.RespondAppendEntry) {
	if n.role != Leader || resp.Term != n.term {
		return
	}
	n.log.EnsurePeer(from, n.log.Size()+1)

	if !resp.Success {
		// If AppendEntries fails because of log inconsistency: decrement nextIndex and retry (Section 5.3)
		next := n.log.NextIndex(from)
		if next > 1 {
			n.log.SetNextIndex(from, next-1)
		}
		n.logger.Debugf("[NODE-%v] [TERM-%d] %v rejected AppendEntries, nextIndex now %d", n.id, n.term, from,
			n.log.NextIndex(from))
		return
	}

	if resp.MatchIndex > n.log.Size() {
		n.logger.Warnf("[NODE-%v] [TERM-%d] Ignoring matchIndex %d from %v beyond log size %d", n.id, n.term,
			resp.MatchIndex, from, n.log.Size())
		return
	}

	// Responses may arrive out of order, matchIndex only moves forward
	if resp.MatchIndex > n.log.MatchIndex(from) {
		n.log.SetMatchIndex(from, resp.MatchIndex)
	}
	n.log.SetNextIndex(from, n.log.MatchIndex(from)+1)

	n.advanceCommitIndex()

	// Keep a lagging peer busy instead of waiting for the next append-entry tick
	if resp.MatchIndex == n.log.MatchIndex(from) && n.log.NextIndex(from) <= n.log.Size() {
		n.requestAppendEntries(from)
	}
}

// advanceCommitIndex commits the highest index stored on a majority of the nodes. A leader only commits entries from
// its current term by counting replicas; earlier entries are committed indirectly (Section 5.4.2).
func (n *Node) advanceCommitIndex() {
	if n.role != Leader {
		return
	}

	index := n.log.MajorityCommitIndex(n.log.Size())
	if index <= n.commitIndex || n.log.TermAt(index) != n.term {
		return
	}
	n.setCommitIndex(index)
}

// setCommitIndex moves the commit index forward. Committing past the end of the log is a broken invariant.
func (n *Node) setCommitIndex(index uint32) {
	if index <= n.commitIndex {
		return
	}
	if index > n.log.Size() {
		panic(fmt.Sprintf("node %v: commit index %d beyond log size %d", n.id, index, n.log.Size()))
	}

	for i := n.commitIndex + 1; i <= index; i++ {
		appendedAt, ok := n.appendedAt[i]
		if !ok {
			continue
		}
		delete(n.appendedAt, i)
		if n.config.Metrics != nil {
			n.config.Metrics.RecordCommandCommitted()
			n.config.Metrics.RecordCommandLatency(n.ticksToDuration(n.now - appendedAt))
		}
	}

	n.logger.Debugf("[NODE-%v] [TERM-%d] Commit index %d -> %d", n.id, n.term, n.commitIndex, index)
	n.commitIndex = index

	if n.config.Events != nil {
		pubsub.Publish(n.config.Events, pubsub.NewEvent(CommitAdvanced, CommitAdvancedPayload{
			Node:        n.id,
			CommitIndex: index,
			Term:        n.term,
		}))
	}
}

// applyCommitted hands every committed but not yet applied entry to the state machine, in order
func (n *Node) applyCommitted() {
	if n.lastApplied >= n.commitIndex {
		return
	}

	first := n.lastApplied + 1
	entries := n.log.Entries(first, n.commitIndex)
	n.lastApplied = n.commitIndex

	if n.config.StateMachine != nil {
		n.config.StateMachine.Apply(first, entries)
	}
}
