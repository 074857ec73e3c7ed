package server

import (
	"fmt"
	"math/rand"
	"time"

	"ramen/internal/logging"
	"ramen/internal/pubsub"
	"ramen/internal/raft"
	"ramen/internal/raft/message"
)

// Node is the consensus state machine of one mesh node. It drives elections, replicates the log one entry per
// AppendEntries and advances the commit index, as described in Section 5 from the
// [Raft paper](https://raft.github.io/raft.pdf).
//
// A Node never blocks and never spawns goroutines. The host calls Update once per tick and Receive for every inbound
// payload, always from the same goroutine (see Orchestrator).
type Node struct {
	nodeState

	id        raft.NodeID
	config    *Config
	transport Transport
	codec     message.Codec
	logger    logging.Logger
	rand      *rand.Rand

	// log is the replicated Log together with the matchIndex/nextIndex bookkeeping
	log *raft.Log
	// queue holds client writes until they can enter the log
	queue *raft.DataQueue

	electionCheckTimer *raft.Timer
	heartbeatTimer     *raft.Timer
	appendEntryTimer   *raft.Timer
	voteRetryTimer     *raft.Timer

	// now is the local time read at the start of the current Update or Receive call
	now uint32
}

// NewNode creates a Follower at term 0 with an empty log
func NewNode(config *Config, transport Transport) (*Node, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	id := transport.NodeID()
	if id == raft.None {
		return nil, fmt.Errorf("transport reported the reserved node id %d", raft.None)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	rnd := config.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(id)))
	}

	n := &Node{
		id:                 id,
		config:             config,
		transport:          transport,
		codec:              config.Codec,
		logger:             logger,
		rand:               rnd,
		log:                raft.NewLog(),
		queue:              raft.NewDataQueue(),
		electionCheckTimer: raft.NewTimer(config.ElectionCheckPeriod),
		heartbeatTimer:     raft.NewTimer(config.HeartbeatPeriod),
		appendEntryTimer:   raft.NewTimer(config.AppendEntryPeriod),
		voteRetryTimer:     raft.NewTimer(config.VoteRetryPeriod),
	}
	n.role = Follower

	n.now = transport.LocalTime()
	n.electionCheckTimer.Restart(n.now)
	n.armElectionTimer(1)

	n.logger.Infof("[NODE-%v] [TERM-%d] Started as %s, election timeout %d", n.id, n.term, n.role, n.electionTimeout)
	return n, nil
}

// Update runs one tick of the protocol. It must be called periodically by the host.
func (n *Node) Update() {
	n.now = n.transport.LocalTime()

	n.drainQueueToLog()

	switch n.role {
	case Follower:
		n.checkElectionTimeout()
	case Candidate:
		n.checkElectionTimeout()
		if n.role == Candidate {
			n.retryVoteRequests()
		}
	case Leader:
		n.replicate()
		n.advanceCommitIndex()
	}

	n.applyCommitted()
}

// Receive handles one payload delivered by the transport. Payloads that do not decode are dropped.
func (n *Node) Receive(from raft.NodeID, data []byte) {
	n.now = n.transport.LocalTime()

	if from == n.id || from == raft.None {
		n.logger.Debugf("[NODE-%v] [TERM-%d] Ignoring message with sender %v", n.id, n.term, from)
		return
	}

	m, err := n.codec.Decode(data)
	if err != nil {
		n.logger.Debugf("[NODE-%v] [TERM-%d] Dropping message from %v: %v", n.id, n.term, from, err)
		if n.config.Metrics != nil {
			n.config.Metrics.RecordMalformedMessage()
		}
		return
	}

	// If one server's current term is smaller than the other's, then it updates its current term to the larger
	// value. If a candidate or leader discovers that its term is out of date, it immediately reverts to follower
	// state (Section 5.1). This runs before any handler sees the message.
	if m.GetTerm() > n.term {
		n.logger.Infof("[NODE-%v] [TERM-%d] Saw term %d in %s from %v, stepping down", n.id, n.term, m.GetTerm(),
			m.Kind(), from)
		n.setTerm(m.GetTerm())
		n.becomeFollower()
	}

	switch msg := m.(type) {
	case *message.RequestVote:
		n.handleVoteRequest(from, msg)
	case *message.SendVote:
		n.handleVoteResponse(from, msg)
	case *message.RequestAppendEntry:
		n.handleAppendEntriesRequest(from, msg)
	case *message.RespondAppendEntry:
		n.handleAppendEntriesResponse(from, msg)
	case *message.DistributeEntry:
		n.handleDistributeEntry(from, msg)
	case *message.DistributeEntryAck:
		n.handleDistributeEntryAck(from, msg)
	}

	n.applyCommitted()
}

// StepDown makes a Leader or Candidate give up its role without changing term
func (n *Node) StepDown() {
	n.now = n.transport.LocalTime()
	if n.role == Follower {
		return
	}
	n.logger.Infof("[NODE-%v] [TERM-%d] Stepping down from %s", n.id, n.term, n.role)
	n.becomeFollower()
}

func (n *Node) ID() raft.NodeID {
	return n.id
}

func (n *Node) State() State {
	return n.role
}

func (n *Node) Term() uint32 {
	return n.term
}

func (n *Node) VotedFor() raft.NodeID {
	return n.votedFor
}

// LeaderID returns the leader this node recognized in the current term, or raft.None
func (n *Node) LeaderID() raft.NodeID {
	return n.leader
}

func (n *Node) CommitIndex() uint32 {
	return n.commitIndex
}

func (n *Node) LastApplied() uint32 {
	return n.lastApplied
}

// Log returns the node's log. Callers must treat it as read-only.
func (n *Node) Log() *raft.Log {
	return n.log
}

// Status returns a snapshot of the node
func (n *Node) Status() Status {
	status := Status{
		ID:          n.id,
		State:       n.role,
		Term:        n.term,
		VotedFor:    n.votedFor,
		Leader:      n.leader,
		CommitIndex: n.commitIndex,
		LastApplied: n.lastApplied,
		LogSize:     n.log.Size(),
		LastLogTerm: n.log.LastTerm(),
		Queued:      n.queue.Len(),
		LocalTime:   n.transport.LocalTime(),
	}

	if n.role == Leader {
		status.MatchIndex = make(map[raft.NodeID]uint32)
		status.NextIndex = make(map[raft.NodeID]uint32)
		for _, peer := range n.log.Peers() {
			status.MatchIndex[peer] = n.log.MatchIndex(peer)
			status.NextIndex[peer] = n.log.NextIndex(peer)
		}
	}
	return status
}

// setTerm adopts a new term and clears the vote and the known leader, which only held for the old term. Terms never
// move backwards.
func (n *Node) setTerm(term uint32) {
	if term < n.term {
		panic(fmt.Sprintf("node %v: term moving backwards from %d to %d", n.id, n.term, term))
	}
	if term == n.term {
		return
	}

	n.term = term
	n.votedFor = raft.None
	n.setLeader(raft.None)
	n.abdicated = false

	if n.config.Events != nil {
		pubsub.Publish(n.config.Events, pubsub.NewEvent(TermChanged, TermChangedPayload{Node: n.id, Term: term}))
	}
}

func (n *Node) setRole(role State) {
	if n.role == role {
		return
	}
	from := n.role
	n.role = role
	n.logger.Infof("[NODE-%v] [TERM-%d] %s -> %s", n.id, n.term, from, role)

	if n.config.Events != nil {
		pubsub.Publish(n.config.Events, pubsub.NewEvent(RoleChanged, RoleChangedPayload{
			Node: n.id,
			From: from,
			To:   role,
			Term: n.term,
		}))
	}
}

func (n *Node) setLeader(leader raft.NodeID) {
	if n.leader == leader {
		return
	}
	n.leader = leader

	if n.config.Events != nil {
		pubsub.Publish(n.config.Events, pubsub.NewEvent(LeaderChanged, LeaderChangedPayload{
			Node:   n.id,
			Leader: leader,
			Term:   n.term,
		}))
	}
}

// armElectionTimer draws a fresh election timeout starting now
func (n *Node) armElectionTimer(minSkew uint32) {
	n.electionArmed = true
	n.electionArmedAt = n.now
	n.electionTimeout = raft.ElectionTimeout(n.rand, minSkew, n.config.ElectionTimeoutFactor)
}

func (n *Node) send(peer raft.NodeID, m message.Message) bool {
	data, err := n.codec.Encode(m)
	if err != nil {
		n.logger.Errorf("[NODE-%v] [TERM-%d] Failed to encode %s: %v", n.id, n.term, m.Kind(), err)
		return false
	}

	if !n.transport.SendToOne(peer, data) {
		n.logger.Debugf("[NODE-%v] [TERM-%d] Failed to send %s to %v", n.id, n.term, m.Kind(), peer)
		if n.config.Metrics != nil {
			n.config.Metrics.RecordSendFailure()
		}
		return false
	}
	return true
}

func (n *Node) broadcast(m message.Message) bool {
	data, err := n.codec.Encode(m)
	if err != nil {
		n.logger.Errorf("[NODE-%v] [TERM-%d] Failed to encode %s: %v", n.id, n.term, m.Kind(), err)
		return false
	}

	if !n.transport.SendToAll(data) {
		n.logger.Debugf("[NODE-%v] [TERM-%d] Failed to broadcast %s", n.id, n.term, m.Kind())
		if n.config.Metrics != nil {
			n.config.Metrics.RecordSendFailure()
		}
		return false
	}
	return true
}

// ticksToDuration converts a LocalTime span for metrics
func (n *Node) ticksToDuration(ticks uint32) time.Duration {
	return time.Duration(ticks) * n.config.TickDuration
}
