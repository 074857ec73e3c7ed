package server

import (
	"ramen/internal/raft"
)

// nodeState is the container for the state variables defined in Figure 2 from the
// [Raft paper](https://raft.github.io/raft.pdf), plus the timing bookkeeping of the tick driven loop. It is owned by
// exactly one Node and only touched from that node's Update and Receive calls, so it carries no lock.
type nodeState struct {
	// The role of the node as per Section 5.1. When a node initially starts it is a Follower as per Section 5.2.
	role State
	// The latest term the node has seen. It is a [logical clock](https://dl.acm.org/doi/pdf/10.1145/359545.359563)
	// used to detect obsolete info, such as stale leaders. It starts at 0 and only ever increases (Section 5.1).
	term uint32
	// The candidate this node voted for in term, or raft.None. Reset whenever term changes.
	votedFor raft.NodeID
	// The last node this node recognized as leader of term, or raft.None
	leader raft.NodeID
	// Set when this node gave up leading term to a rival leader. It then follows nobody until term changes.
	abdicated bool
	// The highest log index known to be committed. Never decreases.
	commitIndex uint32
	// The highest log index handed to the state machine
	lastApplied uint32

	// electionArmedAt and electionTimeout form the election deadline. Elapsed time is compared with unsigned
	// subtraction so a wrapping clock is tolerated. The deadline is ignored while electionArmed is false (Leader).
	electionArmed   bool
	electionArmedAt uint32
	electionTimeout uint32

	// votes holds the answers received during the current election, keyed by voter. voters is the peer set captured
	// when the election started; only their votes count. Both are only meaningful while Candidate.
	votes  map[raft.NodeID]bool
	voters map[raft.NodeID]struct{}
	// voteRetries counts RequestVote retransmissions within the current election
	voteRetries int
	// electionStartedAt is the local time the current election started, used to report election duration
	electionStartedAt uint32

	// appendedAt tracks, on a leader, the local time every entry it created entered its log, for commit latency
	appendedAt map[uint32]uint32
}

func (s *nodeState) electionExpired(now uint32) bool {
	return s.electionArmed && now-s.electionArmedAt >= s.electionTimeout
}

func (s *nodeState) grantedVotes() int {
	granted := 0
	for voter, ok := range s.votes {
		if _, counted := s.voters[voter]; counted && ok {
			granted++
		}
	}
	return granted
}
