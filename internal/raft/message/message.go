// Package message defines the envelopes exchanged between consensus nodes and the codecs that put them on the wire.
//
// Message is a closed sum type: every variant is a struct in this package and the unexported isMessage method keeps
// other packages from adding more. Handlers switch on the concrete type, so a field can only be read from the variant
// that carries it.
package message

import "ramen/internal/raft"

// Kind is the variant tag carried on the wire in the "type" field
type Kind uint8

const (
	KindRequestVote Kind = iota
	KindSendVote
	KindRequestAppendEntry
	KindRespondAppendEntry
	KindDistributeEntry
	KindDistributeEntryAck
)

// String returns the string representation of the Kind
func (k Kind) String() string {
	switch k {
	case KindRequestVote:
		return "RequestVote"
	case KindSendVote:
		return "SendVote"
	case KindRequestAppendEntry:
		return "RequestAppendEntry"
	case KindRespondAppendEntry:
		return "RespondAppendEntry"
	case KindDistributeEntry:
		return "DistributeEntry"
	case KindDistributeEntryAck:
		return "DistributeEntryAck"
	default:
		return "Unknown"
	}
}

// HeartbeatMarker is the literal sent in place of the entries list of a heartbeat
const HeartbeatMarker = "heartbeat"

// Message is implemented by every envelope variant
type Message interface {
	Kind() Kind
	// GetTerm returns the sender's term at the time the message was built
	GetTerm() uint32
	isMessage()
}

// RequestVote is broadcast by a Candidate to collect votes for its election
type RequestVote struct {
	Term         uint32
	LastLogTerm  uint32
	LastLogIndex uint32
}

// SendVote answers a RequestVote
type SendVote struct {
	Term    uint32
	Granted bool
}

// RequestAppendEntry replicates at most one entry, or asserts leadership when Entries is empty
type RequestAppendEntry struct {
	Term             uint32
	PreviousLogIndex uint32
	PreviousLogTerm  uint32
	Entries          []raft.LogEntry
	CommitIndex      uint32
}

// IsHeartbeat reports whether the request carries no entries
func (m *RequestAppendEntry) IsHeartbeat() bool {
	return len(m.Entries) == 0
}

// RespondAppendEntry answers a RequestAppendEntry. On success MatchIndex is the last index the follower verified
// against the leader's log.
type RespondAppendEntry struct {
	Term       uint32
	Success    bool
	MatchIndex uint32
}

// DistributeEntry forwards a client payload from a follower to the leader it knows about
type DistributeEntry struct {
	Term         uint32
	ID           string
	Payload      []byte
	AckRequested bool
}

// DistributeEntryAck tells the forwarding node whether the leader accepted the entry with the given ID
type DistributeEntryAck struct {
	Term uint32
	ID   string
	OK   bool
}

func (*RequestVote) Kind() Kind        { return KindRequestVote }
func (*SendVote) Kind() Kind           { return KindSendVote }
func (*RequestAppendEntry) Kind() Kind { return KindRequestAppendEntry }
func (*RespondAppendEntry) Kind() Kind { return KindRespondAppendEntry }
func (*DistributeEntry) Kind() Kind    { return KindDistributeEntry }
func (*DistributeEntryAck) Kind() Kind { return KindDistributeEntryAck }

func (m *RequestVote) GetTerm() uint32        { return m.Term }
func (m *SendVote) GetTerm() uint32           { return m.Term }
func (m *RequestAppendEntry) GetTerm() uint32 { return m.Term }
func (m *RespondAppendEntry) GetTerm() uint32 { return m.Term }
func (m *DistributeEntry) GetTerm() uint32    { return m.Term }
func (m *DistributeEntryAck) GetTerm() uint32 { return m.Term }

func (*RequestVote) isMessage()        {}
func (*SendVote) isMessage()           {}
func (*RequestAppendEntry) isMessage() {}
func (*RespondAppendEntry) isMessage() {}
func (*DistributeEntry) isMessage()    {}
func (*DistributeEntryAck) isMessage() {}
