package server

import (
	"github.com/google/uuid"

	"ramen/internal/raft"
	"ramen/internal/raft/message"
)

// Distribute queues a client payload for replication and returns the id it is tracked under. The payload enters the
// log on a later Update: directly when this node leads, otherwise through the leader it knows about.
//
// Without requireAck the call reports success immediately. With requireAck it reports false and the outcome is
// delivered later through Config.OnDistributeAck.
func (n *Node) Distribute(payload []byte, requireAck bool) (string, bool) {
	id := uuid.NewString()
	n.queue.Push(raft.QueuedEntry{
		ID:           id,
		Payload:      append([]byte(nil), payload...),
		AckRequested: requireAck,
	})
	n.logger.Debugf("[NODE-%v] [TERM-%d] Queued entry %s (%d bytes, ack=%t)", n.id, n.term, id, len(payload),
		requireAck)
	return id, !requireAck
}

// drainQueueToLog moves queued client writes towards the log. A Leader appends them to its own log; any other node
// forwards them to the leader it knows about. With no known leader the queue waits.
func (n *Node) drainQueueToLog() {
	for !n.queue.IsEmpty() {
		if n.role != Leader && n.leader == raft.None {
			return
		}

		entry, err := n.queue.Pop()
		if err != nil {
			return
		}

		if n.role == Leader {
			n.appendToLog(entry.Payload)
			if entry.AckRequested {
				n.notifyAck(entry.ID, true)
			}
			continue
		}

		forwarded := n.send(n.leader, &message.DistributeEntry{
			Term:         n.term,
			ID:           entry.ID,
			Payload:      entry.Payload,
			AckRequested: entry.AckRequested,
		})
		if !forwarded {
			// Retry on a later tick
			n.queue.PushFront(entry)
			return
		}
		n.logger.Debugf("[NODE-%v] [TERM-%d] Forwarded entry %s to leader %v", n.id, n.term, entry.ID, n.leader)
	}
}

// appendToLog adds a new entry in the leader's current term. Leaders never overwrite or delete entries in their own
// log (Leader Append-Only, Figure 3).
func (n *Node) appendToLog(payload []byte) uint32 {
	n.log.Push(raft.LogEntry{Term: n.term, Payload: payload})
	index := n.log.Size()
	if n.appendedAt != nil {
		n.appendedAt[index] = n.now
	}
	n.logger.Debugf("[NODE-%v] [TERM-%d] Appended entry at index %d", n.id, n.term, index)
	return index
}

// handleDistributeEntry accepts a client write forwarded by a follower. Only the Leader takes it; anything else
// refuses so the sender's client learns the write did not land.
func (n *Node) handleDistributeEntry(from raft.NodeID, req *message.DistributeEntry) {
	if n.role != Leader {
		n.logger.Debugf("[NODE-%v] [TERM-%d] Refusing entry %s from %v, not the leader", n.id, n.term, req.ID, from)
		if req.AckRequested {
			n.send(from, &message.DistributeEntryAck{Term: n.term, ID: req.ID, OK: false})
		}
		return
	}

	n.appendToLog(req.Payload)
	if req.AckRequested {
		n.send(from, &message.DistributeEntryAck{Term: n.term, ID: req.ID, OK: true})
	}
}

func (n *Node) handleDistributeEntryAck(from raft.NodeID, ack *message.DistributeEntryAck) {
	n.logger.Debugf("[NODE-%v] [TERM-%d] Entry %s acknowledged by %v: ok=%t", n.id, n.term, ack.ID, from, ack.OK)
	n.notifyAck(ack.ID, ack.OK)
}

func (n *Node) notifyAck(id string, ok bool) {
	if n.config.OnDistributeAck != nil {
		n.config.OnDistributeAck(id, ok)
	}
}
