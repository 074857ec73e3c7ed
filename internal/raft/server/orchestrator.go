package server

import (
	"context"
	"errors"
	"time"

	"ramen/internal/raft"
)

// ErrOrchestratorStopped is returned by Do once Run has returned
var ErrOrchestratorStopped = errors.New("orchestrator stopped")

type inbound struct {
	from raft.NodeID
	data []byte
}

type call struct {
	fn   func(*Node)
	done chan struct{}
}

// Orchestrator owns a Node and is the only goroutine that ever touches it. Ticks, inbound payloads and calls from
// other goroutines are funnelled through channels into Run, so they never overlap.
type Orchestrator struct {
	node *Node
	tick time.Duration

	// inbox is buffered so transport receive loops are not held up by a busy node. It is the queue the mesh callback
	// writes into.
	inbox chan inbound
	calls chan call
	// done is closed when Run returns
	done chan struct{}
}

// NewOrchestrator creates an orchestrator calling node.Update every tick. inboxSize bounds the number of payloads
// waiting for the node; anything beyond is dropped like a lost datagram.
func NewOrchestrator(node *Node, tick time.Duration, inboxSize int) *Orchestrator {
	if inboxSize <= 0 {
		inboxSize = 256
	}
	return &Orchestrator{
		node:  node,
		tick:  tick,
		inbox: make(chan inbound, inboxSize),
		calls: make(chan call),
		done:  make(chan struct{}),
	}
}

// Deliver queues a payload for the node. It never blocks and reports false when the inbox is full. Mesh receive
// callbacks call it from their own goroutines.
func (o *Orchestrator) Deliver(from raft.NodeID, data []byte) bool {
	select {
	case o.inbox <- inbound{from: from, data: data}:
		return true
	default:
		o.node.logger.Warnf("[NODE-%v] Inbox full, dropping payload from %v", o.node.id, from)
		return false
	}
}

// Do runs fn on the orchestrator goroutine and waits for it to finish. ctx only bounds the wait for the loop to pick
// fn up: once picked up, fn runs to completion and Do reports its outcome.
func (o *Orchestrator) Do(ctx context.Context, fn func(*Node)) error {
	c := call{fn: fn, done: make(chan struct{})}

	select {
	case o.calls <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-o.done:
		return ErrOrchestratorStopped
	}

	select {
	case <-c.done:
		return nil
	case <-o.done:
		return ErrOrchestratorStopped
	}
}

// Run drives the node until ctx is cancelled. It should be executed as a goroutine.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer close(o.done)

	ticker := time.NewTicker(o.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in := <-o.inbox:
			o.node.Receive(in.from, in.data)
		case c := <-o.calls:
			c.fn(o.node)
			close(c.done)
		case <-ticker.C:
			o.node.Update()
		}
	}
}
