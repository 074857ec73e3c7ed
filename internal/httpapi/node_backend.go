package httpapi

import (
	"context"
	"fmt"

	"ramen/internal/raft"
	"ramen/internal/raft/server"
)

// NodeBackend serves the single node driven by an Orchestrator. Every call runs on the orchestrator goroutine.
type NodeBackend struct {
	orchestrator *server.Orchestrator
	id           raft.NodeID
}

func NewNodeBackend(orchestrator *server.Orchestrator, id raft.NodeID) *NodeBackend {
	return &NodeBackend{orchestrator: orchestrator, id: id}
}

func (b *NodeBackend) Statuses(ctx context.Context) ([]server.Status, error) {
	status, err := b.Status(ctx, b.id)
	if err != nil {
		return nil, err
	}
	return []server.Status{status}, nil
}

func (b *NodeBackend) Status(ctx context.Context, id raft.NodeID) (server.Status, error) {
	if err := b.check(id); err != nil {
		return server.Status{}, err
	}

	var status server.Status
	err := b.orchestrator.Do(ctx, func(n *server.Node) {
		status = n.Status()
	})
	return status, err
}

func (b *NodeBackend) Entries(ctx context.Context, id raft.NodeID, from, to uint32) ([]raft.LogEntry, error) {
	if err := b.check(id); err != nil {
		return nil, err
	}

	var entries []raft.LogEntry
	err := b.orchestrator.Do(ctx, func(n *server.Node) {
		entries = n.Log().Entries(from, to)
	})
	return entries, err
}

func (b *NodeBackend) Distribute(ctx context.Context, id raft.NodeID, payload []byte, requireAck bool) (string,
	bool, error) {
	if err := b.check(id); err != nil {
		return "", false, err
	}

	var (
		entryID string
		ok      bool
	)
	err := b.orchestrator.Do(ctx, func(n *server.Node) {
		entryID, ok = n.Distribute(payload, requireAck)
	})
	return entryID, ok, err
}

func (b *NodeBackend) check(id raft.NodeID) error {
	if id != b.id {
		return fmt.Errorf("%w: %v", raft.ErrNodeNotFound, id)
	}
	return nil
}
