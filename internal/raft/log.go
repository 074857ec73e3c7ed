package raft

import (
	"fmt"
	"sort"
)

// Log is the ordered, tail-only sequence of LogEntry objects held by one node, together with the per-peer replication
// state a leader keeps about its followers (Figure 2 from the [Raft paper](https://raft.github.io/raft.pdf)).
//
// matchIndex and nextIndex are only meaningful while the node is a Candidate or a Leader. They are replaced wholesale
// on every transition into those roles, so peers observed at an older election never linger in them.
type Log struct {
	entries []LogEntry

	// matchIndex is, for each peer, the highest index known to be replicated on that peer
	matchIndex map[NodeID]uint32
	// nextIndex is, for each peer, the index of the next entry to send to that peer
	nextIndex map[NodeID]uint32
}

// NewLog returns an empty log
func NewLog() *Log {
	return &Log{
		matchIndex: make(map[NodeID]uint32),
		nextIndex:  make(map[NodeID]uint32),
	}
}

// Size returns the number of entries, which is also the index of the last entry
func (l *Log) Size() uint32 {
	return uint32(len(l.entries))
}

// LastTerm returns the term of the last entry, or 0 when the log is empty
func (l *Log) LastTerm() uint32 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at the 1-based index. It returns 0 for index 0 and for indexes past the tail.
func (l *Log) TermAt(index uint32) uint32 {
	if index == 0 || index > l.Size() {
		return 0
	}
	return l.entries[index-1].Term
}

// Entry returns the entry at the 1-based index
func (l *Log) Entry(index uint32) (LogEntry, bool) {
	if index == 0 || index > l.Size() {
		return LogEntry{}, false
	}
	return l.entries[index-1], true
}

// Entries returns a copy of the entries in the closed range [from, to]. Out of range bounds are clamped.
func (l *Log) Entries(from, to uint32) []LogEntry {
	if from == 0 {
		from = 1
	}
	if to > l.Size() {
		to = l.Size()
	}
	if from > to {
		return nil
	}

	out := make([]LogEntry, to-from+1)
	copy(out, l.entries[from-1:to])
	return out
}

// Push appends an entry at the tail
func (l *Log) Push(entry LogEntry) {
	l.entries = append(l.entries, entry)
}

// PopTail removes the last entry
func (l *Log) PopTail() (LogEntry, bool) {
	if len(l.entries) == 0 {
		return LogEntry{}, false
	}
	last := l.entries[len(l.entries)-1]
	l.entries[len(l.entries)-1] = LogEntry{}
	l.entries = l.entries[:len(l.entries)-1]
	return last, true
}

// TruncateFrom pops entries off the tail until the entry at index and everything after it are gone
func (l *Log) TruncateFrom(index uint32) {
	if index == 0 {
		index = 1
	}
	for l.Size() >= index {
		l.PopTail()
	}
}

// ResetMatchIndex replaces the whole matchIndex map with one entry per peer set to value
func (l *Log) ResetMatchIndex(peers []NodeID, value uint32) {
	l.matchIndex = make(map[NodeID]uint32, len(peers))
	for _, peer := range peers {
		l.matchIndex[peer] = value
	}
}

// ResetNextIndex replaces the whole nextIndex map with one entry per peer set to value. nextIndex never drops
// below 1.
func (l *Log) ResetNextIndex(peers []NodeID, value uint32) {
	value = max(value, 1)
	l.nextIndex = make(map[NodeID]uint32, len(peers))
	for _, peer := range peers {
		l.nextIndex[peer] = value
	}
}

// EnsurePeer starts tracking a peer that was discovered after the maps were last reset. It reports whether the peer
// was new.
func (l *Log) EnsurePeer(peer NodeID, next uint32) bool {
	if _, ok := l.nextIndex[peer]; ok {
		return false
	}
	l.nextIndex[peer] = max(next, 1)
	if _, ok := l.matchIndex[peer]; !ok {
		l.matchIndex[peer] = 0
	}
	return true
}

// MatchIndex returns the highest index known to be replicated on peer
func (l *Log) MatchIndex(peer NodeID) uint32 {
	return l.matchIndex[peer]
}

// SetMatchIndex records the highest index replicated on peer. A match index past the tail of the log would mean we
// believe a peer holds entries we never had, so it is treated as a broken invariant.
func (l *Log) SetMatchIndex(peer NodeID, index uint32) {
	if index > l.Size() {
		panic(fmt.Sprintf("raft: matchIndex %d for peer %v exceeds log size %d", index, peer, l.Size()))
	}
	l.matchIndex[peer] = index
}

// NextIndex returns the index of the next entry to send to peer. Unknown peers start from the first entry.
func (l *Log) NextIndex(peer NodeID) uint32 {
	next, ok := l.nextIndex[peer]
	if !ok {
		return 1
	}
	return next
}

// SetNextIndex sets the index of the next entry to send to peer, never below 1
func (l *Log) SetNextIndex(peer NodeID, index uint32) {
	l.nextIndex[peer] = max(index, 1)
}

// Peers returns the peers tracked in the replication maps, in ascending order
func (l *Log) Peers() []NodeID {
	peers := make([]NodeID, 0, len(l.nextIndex))
	for peer := range l.nextIndex {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })
	return peers
}

// MajorityCommitIndex returns the highest index replicated on a strict majority of the voters. The voters are the
// peers in matchIndex plus the local node, whose own replication level is selfIndex (a leader passes its log size).
func (l *Log) MajorityCommitIndex(selfIndex uint32) uint32 {
	values := make([]uint32, 0, len(l.matchIndex)+1)
	values = append(values, selfIndex)
	for _, index := range l.matchIndex {
		values = append(values, index)
	}
	return lowerMedian(values)
}
