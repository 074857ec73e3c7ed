package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ramen/internal/mesh"
	"ramen/internal/raft"
	"ramen/internal/raft/server"
)

// Runner steps a Cluster in real time and lets other goroutines (the HTTP API) look at it and inject faults. Every
// access to the cluster goes through the runner's mutex.
type Runner struct {
	mu       sync.Mutex
	cluster  *Cluster
	interval time.Duration
	// maxTicks stops the run after this many ticks. Zero runs until the context is cancelled.
	maxTicks uint64
}

func NewRunner(cluster *Cluster, interval time.Duration, maxTicks uint64) *Runner {
	return &Runner{cluster: cluster, interval: interval, maxTicks: maxTicks}
}

// Run steps the cluster every interval until ctx is cancelled, maxTicks is reached or a tick fails. It should be
// executed as a goroutine.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			done, err := r.step()
			if err != nil || done {
				return err
			}
		}
	}
}

func (r *Runner) step() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.cluster.Step(); err != nil {
		return false, err
	}
	return r.maxTicks > 0 && r.cluster.Tick() >= r.maxTicks, nil
}

// Do runs fn with exclusive access to the cluster
func (r *Runner) Do(fn func(*Cluster)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.cluster)
}

func (r *Runner) Statuses(_ context.Context) ([]server.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cluster.Statuses(), nil
}

func (r *Runner) Status(_ context.Context, id raft.NodeID) (server.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.cluster.Node(id)
	if !ok {
		return server.Status{}, fmt.Errorf("%w: %v", raft.ErrNodeNotFound, id)
	}
	return n.Status(), nil
}

// Entries returns a copy of the log entries of node id in [from, to]
func (r *Runner) Entries(_ context.Context, id raft.NodeID, from, to uint32) ([]raft.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.cluster.Node(id)
	if !ok {
		return nil, fmt.Errorf("%w: %v", raft.ErrNodeNotFound, id)
	}
	return n.Log().Entries(from, to), nil
}

func (r *Runner) Distribute(_ context.Context, id raft.NodeID, payload []byte, requireAck bool) (string, bool,
	error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.cluster.Distribute(id, payload, requireAck)
}

func (r *Runner) Kill(_ context.Context, id raft.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notFound(id, r.cluster.Kill(id))
}

func (r *Runner) Revive(_ context.Context, id raft.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notFound(id, r.cluster.Revive(id))
}

func (r *Runner) Partition(_ context.Context, groups ...[]raft.NodeID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, group := range groups {
		for _, id := range group {
			if _, ok := r.cluster.Node(id); !ok {
				return fmt.Errorf("%w: %v", raft.ErrNodeNotFound, id)
			}
		}
	}
	r.cluster.Partition(groups...)
	return nil
}

func (r *Runner) Heal(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cluster.Heal()
	return nil
}

func (r *Runner) notFound(id raft.NodeID, err error) error {
	if errors.Is(err, mesh.ErrUnknownNode) {
		return fmt.Errorf("%w: %v", raft.ErrNodeNotFound, id)
	}
	return err
}
