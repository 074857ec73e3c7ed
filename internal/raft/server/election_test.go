package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramen/internal/raft"
	"ramen/internal/raft/message"
	"ramen/internal/raft/mocks"
)

func TestNode_Election(t *testing.T) {
	t.Run("single node elects itself in term 1", func(t *testing.T) {
		config := testConfig()
		collector := mocks.NewMockMetricsCollector()
		config.Metrics = collector
		n, transport := newTestNode(t, config, 1)

		expireElection(n, transport)

		assert.Equal(t, Leader, n.State())
		assert.Equal(t, uint32(1), n.Term())
		assert.Equal(t, raft.NodeID(1), n.VotedFor())
		assert.Equal(t, raft.NodeID(1), n.LeaderID())
		assert.False(t, n.electionArmed)
		assert.Empty(t, transport.Sent())
		assert.Equal(t, 1, collector.ElectionCount)
		assert.Len(t, collector.ElectionDurations, 1)
	})

	t.Run("no election before the deadline", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)

		transport.Advance(n.electionTimeout - 1)
		n.Update()

		assert.Equal(t, Follower, n.State())
		assert.Empty(t, transport.Sent())
	})

	t.Run("follower becomes candidate and broadcasts RequestVote", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		n.log.Push(raft.LogEntry{Term: 0, Payload: []byte("x")})

		expireElection(n, transport)

		assert.Equal(t, Candidate, n.State())
		assert.Equal(t, uint32(1), n.Term())
		assert.Equal(t, raft.NodeID(1), n.VotedFor())

		sent := sentMessages(t, transport)
		require.Len(t, sent, 1)
		assert.Equal(t, raft.None, sent[0].to)
		assert.Equal(t, &message.RequestVote{Term: 1, LastLogTerm: 0, LastLogIndex: 1}, sent[0].msg)
	})

	t.Run("candidate resets replication bookkeeping", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		n.log.ResetMatchIndex([]raft.NodeID{4}, 0)
		n.log.ResetNextIndex([]raft.NodeID{4}, 9)

		expireElection(n, transport)

		assert.Equal(t, []raft.NodeID{2, 3}, n.log.Peers())
		assert.Equal(t, uint32(1), n.log.NextIndex(2))
		assert.Equal(t, uint32(0), n.log.MatchIndex(3))
	})

	t.Run("majority of votes makes a leader", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		expireElection(n, transport)
		transport.ClearSent()

		n.Receive(2, encode(t, &message.SendVote{Term: 1, Granted: true}))

		assert.Equal(t, Leader, n.State())
		assert.Equal(t, raft.NodeID(1), n.LeaderID())
		assert.Equal(t, uint32(1), n.log.NextIndex(2))
		assert.Equal(t, uint32(1), n.log.NextIndex(3))

		// The new leader announces itself to every peer right away
		for _, peer := range []raft.NodeID{2, 3} {
			assert.Equal(t, &message.RequestAppendEntry{Term: 1}, lastSentTo(t, transport, peer))
		}
	})

	t.Run("denied votes keep the candidate waiting", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		expireElection(n, transport)

		n.Receive(2, encode(t, &message.SendVote{Term: 1, Granted: false}))
		assert.Equal(t, Candidate, n.State())

		n.Receive(3, encode(t, &message.SendVote{Term: 1, Granted: true}))
		assert.Equal(t, Leader, n.State())
	})

	t.Run("votes from outside the election are ignored", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3, 4, 5)
		expireElection(n, transport)

		n.Receive(9, encode(t, &message.SendVote{Term: 1, Granted: true}))
		n.Receive(8, encode(t, &message.SendVote{Term: 1, Granted: true}))
		assert.Equal(t, Candidate, n.State())

		// Duplicates count once
		n.Receive(2, encode(t, &message.SendVote{Term: 1, Granted: true}))
		n.Receive(2, encode(t, &message.SendVote{Term: 1, Granted: true}))
		assert.Equal(t, Candidate, n.State())

		n.Receive(3, encode(t, &message.SendVote{Term: 1, Granted: true}))
		assert.Equal(t, Leader, n.State())
	})

	t.Run("stale votes are ignored", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		expireElection(n, transport)
		expireElection(n, transport)
		require.Equal(t, uint32(2), n.Term())

		n.Receive(2, encode(t, &message.SendVote{Term: 1, Granted: true}))
		assert.Equal(t, Candidate, n.State())
	})

	t.Run("split vote starts a new election in a new term", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		expireElection(n, transport)
		n.Receive(2, encode(t, &message.SendVote{Term: 1, Granted: false}))
		n.Receive(3, encode(t, &message.SendVote{Term: 1, Granted: false}))
		transport.ClearSent()

		expireElection(n, transport)

		assert.Equal(t, Candidate, n.State())
		assert.Equal(t, uint32(2), n.Term())
		sent := sentMessages(t, transport)
		require.Len(t, sent, 1)
		assert.Equal(t, &message.RequestVote{Term: 2}, sent[0].msg)
	})

	t.Run("request votes are retried to silent voters only", func(t *testing.T) {
		config := testConfig()
		config.ElectionTimeoutFactor = 1000
		n, transport := newTestNode(t, config, 1, 2, 3)
		expireElection(n, transport)
		n.Receive(2, encode(t, &message.SendVote{Term: 1, Granted: false}))
		transport.ClearSent()

		for i := 0; i < 5; i++ {
			transport.Advance(config.VoteRetryPeriod + 1)
			n.Update()
		}

		require.Equal(t, Candidate, n.State())
		assert.Empty(t, sentTo(t, transport, 2))
		retries := sentTo(t, transport, 3)
		assert.Len(t, retries, config.MaxVoteRequestRetries)
		for _, m := range retries {
			assert.Equal(t, &message.RequestVote{Term: 1}, m)
		}
	})
}

func TestNode_HandleVoteRequest(t *testing.T) {
	t.Run("grants the first candidate of a term", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)

		n.Receive(2, encode(t, &message.RequestVote{Term: 1}))

		assert.Equal(t, uint32(1), n.Term())
		assert.Equal(t, raft.NodeID(2), n.VotedFor())
		assert.Equal(t, &message.SendVote{Term: 1, Granted: true}, lastSentTo(t, transport, 2))
	})

	t.Run("denies a second candidate in the same term", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		n.Receive(2, encode(t, &message.RequestVote{Term: 1}))

		n.Receive(3, encode(t, &message.RequestVote{Term: 1}))

		assert.Equal(t, raft.NodeID(2), n.VotedFor())
		assert.Equal(t, &message.SendVote{Term: 1, Granted: false}, lastSentTo(t, transport, 3))
	})

	t.Run("grants the same candidate again", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		n.Receive(2, encode(t, &message.RequestVote{Term: 1}))

		n.Receive(2, encode(t, &message.RequestVote{Term: 1}))

		assert.Equal(t, &message.SendVote{Term: 1, Granted: true}, lastSentTo(t, transport, 2))
	})

	t.Run("denies a stale term", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		n.Receive(3, encode(t, &message.RequestVote{Term: 2}))

		n.Receive(2, encode(t, &message.RequestVote{Term: 1}))

		assert.Equal(t, uint32(2), n.Term())
		assert.Equal(t, &message.SendVote{Term: 2, Granted: false}, lastSentTo(t, transport, 2))
	})

	t.Run("denies a candidate with an older log", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		n.log.Push(raft.LogEntry{Term: 2})
		n.log.Push(raft.LogEntry{Term: 2})

		n.Receive(2, encode(t, &message.RequestVote{Term: 3, LastLogTerm: 1, LastLogIndex: 5}))
		assert.Equal(t, &message.SendVote{Term: 3, Granted: false}, lastSentTo(t, transport, 2))

		n.Receive(2, encode(t, &message.RequestVote{Term: 3, LastLogTerm: 2, LastLogIndex: 1}))
		assert.Equal(t, &message.SendVote{Term: 3, Granted: false}, lastSentTo(t, transport, 2))

		n.Receive(3, encode(t, &message.RequestVote{Term: 3, LastLogTerm: 2, LastLogIndex: 2}))
		assert.Equal(t, &message.SendVote{Term: 3, Granted: true}, lastSentTo(t, transport, 3))
	})

	t.Run("candidate does not vote for a rival of the same term", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		expireElection(n, transport)

		n.Receive(2, encode(t, &message.RequestVote{Term: 1}))

		assert.Equal(t, Candidate, n.State())
		assert.Equal(t, &message.SendVote{Term: 1, Granted: false}, lastSentTo(t, transport, 2))
	})

	t.Run("granting a vote re-arms the election timer", func(t *testing.T) {
		n, transport := newTestNode(t, testConfig(), 1, 2, 3)
		transport.Advance(100)

		n.Receive(2, encode(t, &message.RequestVote{Term: 1}))

		assert.Equal(t, uint32(100), n.electionArmedAt)
	})
}
