package raft

import "errors"

// ErrQueueEmpty is returned by DataQueue.Pop when there is nothing to pop
var ErrQueueEmpty = errors.New("data queue is empty")

// QueuedEntry is a client payload waiting to enter the log
type QueuedEntry struct {
	// ID correlates the entry with a DistributeEntryAck
	ID      string
	Payload []byte
	// AckRequested asks the leader to acknowledge the entry once it is in its log
	AckRequested bool
}

// DataQueue is the FIFO of client writes that decouples Distribute from the current role of the node. A leader drains
// it straight into its own log, a follower forwards its contents to the leader it knows about.
type DataQueue struct {
	entries []QueuedEntry
}

// NewDataQueue returns an empty queue
func NewDataQueue() *DataQueue {
	return &DataQueue{}
}

// Push appends an entry at the back of the queue
func (q *DataQueue) Push(entry QueuedEntry) {
	q.entries = append(q.entries, entry)
}

// PushFront puts an entry back at the head of the queue, e.g. after forwarding it failed
func (q *DataQueue) PushFront(entry QueuedEntry) {
	q.entries = append([]QueuedEntry{entry}, q.entries...)
}

// Pop removes and returns the entry at the head of the queue
func (q *DataQueue) Pop() (QueuedEntry, error) {
	if len(q.entries) == 0 {
		return QueuedEntry{}, ErrQueueEmpty
	}

	entry := q.entries[0]
	// Drop the reference so the payload can be collected
	q.entries[0] = QueuedEntry{}
	q.entries = q.entries[1:]
	return entry, nil
}

// IsEmpty reports whether the queue holds no entries
func (q *DataQueue) IsEmpty() bool {
	return len(q.entries) == 0
}

// Len returns the number of queued entries
func (q *DataQueue) Len() int {
	return len(q.entries)
}
