package server

import (
	"maps"
	"slices"

	"ramen/internal/raft"
	"ramen/internal/raft/message"
)

// checkElectionTimeout starts a new election once the election deadline passed. It only looks at the deadline on the
// election-check cadence.
func (n *Node) checkElectionTimeout() {
	if !n.electionCheckTimer.Check(n.now) {
		return
	}
	if !n.electionExpired(n.now) {
		return
	}

	n.logger.Infof("[NODE-%v] [TERM-%d] Election timeout of %d expired as %s", n.id, n.term, n.electionTimeout,
		n.role)
	n.startNewElection()
}

// startNewElection is called when a Follower does not hear from a Leader over an election timeout, or when a
// Candidate's election neither won nor lost in time, as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf)
func (n *Node) startNewElection() {
	peers := n.transport.Peers(false)

	// 1. Increment the current term
	n.setTerm(n.term + 1)

	// 2. Transition to a Candidate state
	n.setRole(Candidate)

	// 3. Vote for itself
	n.votedFor = n.id

	// 4. Start on a clean state: votes and replication bookkeeping only hold for the peers seen right now
	n.votes = make(map[raft.NodeID]bool, len(peers))
	n.voters = make(map[raft.NodeID]struct{}, len(peers))
	for _, peer := range peers {
		n.voters[peer] = struct{}{}
	}
	n.log.ResetMatchIndex(peers, 0)
	n.log.ResetNextIndex(peers, 1)
	n.voteRetries = 0
	n.voteRetryTimer.Restart(n.now)
	n.electionStartedAt = n.now
	n.appendedAt = nil

	// 5. Reset the election timer, so a split vote ends in a new election (Section 5.2)
	n.armElectionTimer(1)

	if n.config.Metrics != nil {
		n.config.Metrics.RecordElection()
	}
	n.logger.Infof("[NODE-%v] [TERM-%d] Starting election with %d peers", n.id, n.term, len(peers))

	// 6. Send a RequestVote to all peers
	if len(peers) > 0 {
		n.broadcast(n.voteRequest())
		if n.config.Metrics != nil {
			n.config.Metrics.RecordRequestVote()
		}
	}

	// A node without peers is a majority on its own
	n.checkElectionResult()
}

func (n *Node) voteRequest() *message.RequestVote {
	return &message.RequestVote{
		Term:         n.term,
		LastLogTerm:  n.log.LastTerm(),
		LastLogIndex: n.log.Size(),
	}
}

// retryVoteRequests re-sends the RequestVote to voters that have not answered yet, at most MaxVoteRequestRetries times
// per election
func (n *Node) retryVoteRequests() {
	if n.voteRetries >= n.config.MaxVoteRequestRetries {
		return
	}
	if !n.voteRetryTimer.Check(n.now) {
		return
	}

	n.voteRetries++
	req := n.voteRequest()
	for _, peer := range slices.Sorted(maps.Keys(n.voters)) {
		if _, answered := n.votes[peer]; answered {
			continue
		}
		n.logger.Debugf("[NODE-%v] [TERM-%d] Retrying RequestVote to %v (%d/%d)", n.id, n.term, peer,
			n.voteRetries, n.config.MaxVoteRequestRetries)
		n.send(peer, req)
		if n.config.Metrics != nil {
			n.config.Metrics.RecordRequestVote()
		}
	}
}

// handleVoteRequest answers a RequestVote as per Section 5.2 and 5.4.1 from the [Raft paper](https://raft.github.io/raft.pdf).
// A higher term was already adopted by Receive.
func (n *Node) handleVoteRequest(from raft.NodeID, req *message.RequestVote) {
	granted := false

	switch {
	case req.Term < n.term:
		// Stale candidate
	case n.votedFor != raft.None && n.votedFor != from:
		// Each server will vote for at most one candidate in a given term, on a first-come-first-served basis
	case !n.candidateLogUpToDate(req.LastLogTerm, req.LastLogIndex):
		// The voter denies its vote if its own log is more up-to-date than that of the candidate
	default:
		granted = true
		n.votedFor = from
		// Granting a vote counts as hearing from a viable candidate
		n.armElectionTimer(1)
	}

	n.logger.Debugf("[NODE-%v] [TERM-%d] Vote for %v in term %d: granted=%t", n.id, n.term, from, req.Term, granted)
	n.send(from, &message.SendVote{Term: n.term, Granted: granted})
}

// candidateLogUpToDate compares logs by the index and term of their last entries. If the logs have last entries with
// different terms, then the log with the later term is more up-to-date. If the logs end with the same term, then
// whichever log is longer is more up-to-date (Section 5.4.1).
func (n *Node) candidateLogUpToDate(lastLogTerm, lastLogIndex uint32) bool {
	if lastLogTerm != n.log.LastTerm() {
		return lastLogTerm > n.log.LastTerm()
	}
	return lastLogIndex >= n.log.Size()
}

// handleVoteResponse records a vote for the current election
func (n *Node) handleVoteResponse(from raft.NodeID, resp *message.SendVote) {
	if n.role != Candidate || resp.Term != n.term {
		return
	}
	if _, ok := n.voters[from]; !ok {
		n.logger.Debugf("[NODE-%v] [TERM-%d] Ignoring vote from %v, it was not a peer when the election started",
			n.id, n.term, from)
		return
	}

	n.votes[from] = resp.Granted
	n.checkElectionResult()
}

// checkElectionResult turns a Candidate into Leader once it holds votes from a strict majority of the voters,
// counting its own vote
func (n *Node) checkElectionResult() {
	if n.role != Candidate {
		return
	}

	granted := n.grantedVotes() + 1
	total := len(n.voters) + 1
	if granted <= total/2 {
		return
	}

	n.logger.Infof("[NODE-%v] [TERM-%d] Won election with %d of %d votes", n.id, n.term, granted, total)
	n.becomeLeader()
}

// becomeLeader is called once a Candidate wins an election. It re-initializes nextIndex to just after its own last
// entry for every peer (Figure 2) and announces itself straight away.
func (n *Node) becomeLeader() {
	peers := n.transport.Peers(false)

	n.setRole(Leader)
	n.setLeader(n.id)
	n.electionArmed = false
	n.votes = nil
	n.voters = nil
	n.appendedAt = make(map[uint32]uint32)

	n.log.ResetNextIndex(peers, n.log.Size()+1)
	n.log.ResetMatchIndex(peers, 0)

	if n.config.Metrics != nil {
		n.config.Metrics.RecordElectionDuration(n.ticksToDuration(n.now - n.electionStartedAt))
	}

	// Send initial empty AppendEntries to each server to prevent election timeouts (Section 5.2)
	n.heartbeatTimer.Restart(n.now)
	n.appendEntryTimer.Restart(n.now)
	for _, peer := range n.log.Peers() {
		n.requestAppendEntries(peer)
	}

	// A leader with no peers commits on its own
	n.advanceCommitIndex()
}

// becomeFollower reverts to Follower in the current term and re-arms the election timer
func (n *Node) becomeFollower() {
	n.setRole(Follower)
	if n.leader == n.id {
		n.setLeader(raft.None)
	}
	n.votes = nil
	n.voters = nil
	n.appendedAt = nil
	n.armElectionTimer(1)
}
