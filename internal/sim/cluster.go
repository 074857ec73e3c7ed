// Package sim runs whole clusters of Nodes over a VirtualMesh in one goroutine. Every tick advances the shared clock,
// delivers the messages sent during the previous tick and runs Update on every live node, then checks the Raft safety
// properties. Runs are reproducible: the same Config and the same calls give the same trace.
package sim

import (
	"errors"
	"fmt"
	"math/rand"

	"ramen/internal/logging"
	"ramen/internal/mesh"
	"ramen/internal/pubsub"
	"ramen/internal/raft"
	"ramen/internal/raft/server"
	"ramen/internal/raft/state_machine"
	"ramen/internal/trace"
)

// Config describes a simulated cluster
type Config struct {
	// Nodes is the cluster size. Nodes get the ids 1..Nodes.
	Nodes int

	// Seed drives message loss and every node's election jitter
	Seed int64

	// DropRate is the probability of losing any single message, in [0, 1)
	DropRate float64

	// StaticMembership makes every node count the whole cluster as its peers, reachable or not. Without it a node
	// only counts the peers it can reach, and a partition can elect one leader per side in the same term.
	StaticMembership bool

	// TickStep is how far the virtual clock moves per Step
	// Default: 1
	TickStep uint32

	// Node is the template every node's config is copied from. Rand, Logger, Metrics, Events, StateMachine and
	// OnDistributeAck are set per node by the cluster.
	Node *server.Config

	Logger logging.Logger

	// Metrics is optional and shared by all nodes
	Metrics server.MetricsCollector

	// Events is optional and shared by all nodes
	Events *pubsub.PubSubClient

	// StateMachines gives every node a KVStateMachine
	StateMachines bool

	// Recorder is optional. When set every tick is written to the trace.
	Recorder *trace.Recorder

	// Check runs the safety checks after every tick
	Check bool
}

// DefaultNodeConfig returns node parameters scaled for ticks of one abstract unit: elections time out after 10 to 100
// ticks and leaders heartbeat every 3.
func DefaultNodeConfig() *server.Config {
	config := server.DefaultConfig()
	config.ElectionTimeoutFactor = 10
	config.ElectionCheckPeriod = 1
	config.HeartbeatPeriod = 3
	config.AppendEntryPeriod = 1
	config.VoteRetryPeriod = 5
	return config
}

func DefaultConfig() *Config {
	return &Config{
		Nodes:            5,
		Seed:             1,
		StaticMembership: true,
		TickStep:         1,
		Node:             DefaultNodeConfig(),
		Logger:           logging.Nop(),
		Check:            true,
	}
}

func validateConfig(config *Config) error {
	if config == nil {
		return errors.New("config is required")
	}
	if config.Nodes <= 0 {
		return errors.New("Nodes must be positive")
	}
	if config.DropRate < 0 || config.DropRate >= 1 {
		return errors.New("DropRate must be in [0, 1)")
	}
	if config.TickStep == 0 {
		return errors.New("TickStep must be positive")
	}
	if config.Node == nil {
		return errors.New("Node is required")
	}
	return nil
}

// Cluster is a simulated cluster. It is not safe for concurrent use, see Runner.
type Cluster struct {
	config *Config
	logger logging.Logger

	mesh    *mesh.VirtualMesh
	ids     []raft.NodeID
	nodes   map[raft.NodeID]*server.Node
	kv      map[raft.NodeID]*state_machine.KVStateMachine
	checker *Checker

	// acks holds the outcome of every acknowledged Distribute, keyed by entry id
	acks map[string]bool
	// last is the status of every node at the end of the previous tick, to derive trace events
	last map[raft.NodeID]server.Status

	tick uint64
}

// NewCluster creates the nodes and joins them to a fresh VirtualMesh. No time has passed yet.
func NewCluster(config *Config) (*Cluster, error) {
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.Nop()
	}

	c := &Cluster{
		config:  config,
		logger:  logger,
		mesh:    mesh.NewVirtualMesh(config.Seed),
		nodes:   make(map[raft.NodeID]*server.Node),
		kv:      make(map[raft.NodeID]*state_machine.KVStateMachine),
		checker: NewChecker(),
		acks:    make(map[string]bool),
		last:    make(map[raft.NodeID]server.Status),
	}
	c.mesh.SetDropRate(config.DropRate)
	c.mesh.SetStaticMembership(config.StaticMembership)

	for i := 1; i <= config.Nodes; i++ {
		id := raft.NodeID(i)
		endpoint, err := c.mesh.AddNode(id)
		if err != nil {
			return nil, err
		}

		nodeConfig := *config.Node
		nodeConfig.Rand = rand.New(rand.NewSource(config.Seed*1000003 + int64(id)))
		nodeConfig.Logger = logger
		nodeConfig.Metrics = config.Metrics
		nodeConfig.Events = config.Events
		nodeConfig.OnDistributeAck = c.recordAck
		if config.StateMachines {
			kv := state_machine.NewKVStateMachine(id, logger)
			c.kv[id] = kv
			nodeConfig.StateMachine = kv
		}

		node, err := server.NewNode(&nodeConfig, endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to create node %v: %w", id, err)
		}
		endpoint.OnReceive(node.Receive)

		c.ids = append(c.ids, id)
		c.nodes[id] = node
		c.last[id] = node.Status()
	}

	if config.Recorder != nil {
		err := config.Recorder.SetRun(trace.RunInfo{Seed: config.Seed, Nodes: c.IDs(), DropRate: config.DropRate})
		if err != nil {
			return nil, fmt.Errorf("failed to record run: %w", err)
		}
	}

	logger.Infof("[SIM] Created cluster of %d nodes, seed %d, drop rate %.2f", config.Nodes, config.Seed,
		config.DropRate)
	return c, nil
}

// Step runs one tick
func (c *Cluster) Step() error {
	c.mesh.Advance(c.config.TickStep)
	c.mesh.Deliver()

	for _, id := range c.ids {
		if c.mesh.Alive(id) {
			c.nodes[id].Update()
		}
	}
	c.tick++

	var errs []error
	if c.config.Check {
		if err := c.checker.Observe(c.tick, c.nodeList()); err != nil {
			c.logger.Errorf("[SIM] [TICK-%d] %v", c.tick, err)
			errs = append(errs, err)
		}
	}
	if err := c.record(); err != nil {
		errs = append(errs, fmt.Errorf("failed to record tick %d: %w", c.tick, err))
	}
	return errors.Join(errs...)
}

// Run runs n ticks and stops at the first error
func (c *Cluster) Run(n int) error {
	for i := 0; i < n; i++ {
		if err := c.Step(); err != nil {
			return err
		}
	}
	return nil
}

// RunUntil steps until done reports true, for at most maxTicks ticks. It reports whether done was reached.
func (c *Cluster) RunUntil(done func(*Cluster) bool, maxTicks int) (bool, error) {
	for i := 0; i < maxTicks; i++ {
		if done(c) {
			return true, nil
		}
		if err := c.Step(); err != nil {
			return false, err
		}
	}
	return done(c), nil
}

// Tick returns the number of ticks run so far
func (c *Cluster) Tick() uint64 {
	return c.tick
}

// IDs returns the node ids in ascending order
func (c *Cluster) IDs() []raft.NodeID {
	return append([]raft.NodeID(nil), c.ids...)
}

func (c *Cluster) Node(id raft.NodeID) (*server.Node, bool) {
	n, ok := c.nodes[id]
	return n, ok
}

// StateMachine returns the KVStateMachine of a node, if the cluster runs with state machines
func (c *Cluster) StateMachine(id raft.NodeID) (*state_machine.KVStateMachine, bool) {
	kv, ok := c.kv[id]
	return kv, ok
}

func (c *Cluster) Mesh() *mesh.VirtualMesh {
	return c.mesh
}

func (c *Cluster) Checker() *Checker {
	return c.checker
}

// Leader returns the live leader with the highest term. A stale leader cut off by a partition can coexist with it.
func (c *Cluster) Leader() (raft.NodeID, bool) {
	leader, term := raft.None, uint32(0)
	for _, id := range c.ids {
		n := c.nodes[id]
		if !c.mesh.Alive(id) || n.State() != server.Leader {
			continue
		}
		if leader == raft.None || n.Term() > term {
			leader, term = id, n.Term()
		}
	}
	return leader, leader != raft.None
}

// Statuses returns the status of every node in id order
func (c *Cluster) Statuses() []server.Status {
	statuses := make([]server.Status, 0, len(c.ids))
	for _, id := range c.ids {
		statuses = append(statuses, c.nodes[id].Status())
	}
	return statuses
}

// Distribute submits a payload through node id
func (c *Cluster) Distribute(id raft.NodeID, payload []byte, requireAck bool) (string, bool, error) {
	n, ok := c.nodes[id]
	if !ok {
		return "", false, fmt.Errorf("%w: %v", raft.ErrNodeNotFound, id)
	}
	entryID, ok := n.Distribute(payload, requireAck)
	return entryID, ok, nil
}

// Ack returns the acknowledgement of an entry submitted with requireAck. done is false while it is pending.
func (c *Cluster) Ack(entryID string) (ok, done bool) {
	ok, done = c.acks[entryID]
	return ok, done
}

// Kill freezes a node: it stops ticking and loses everything sent to or from it. Its state is kept, so Revive
// resumes it like a node waking up from a long pause.
func (c *Cluster) Kill(id raft.NodeID) error {
	if err := c.mesh.Kill(id); err != nil {
		return err
	}
	c.logger.Infof("[SIM] [TICK-%d] Killed node %v", c.tick, id)
	return nil
}

func (c *Cluster) Revive(id raft.NodeID) error {
	if err := c.mesh.Revive(id); err != nil {
		return err
	}
	c.logger.Infof("[SIM] [TICK-%d] Revived node %v", c.tick, id)
	return nil
}

// Partition splits the mesh into groups that cannot reach each other
func (c *Cluster) Partition(groups ...[]raft.NodeID) {
	c.mesh.Partition(groups...)
	c.logger.Infof("[SIM] [TICK-%d] Partitioned mesh into %v", c.tick, groups)
}

func (c *Cluster) Heal() {
	c.mesh.Heal()
	c.logger.Infof("[SIM] [TICK-%d] Healed mesh", c.tick)
}

func (c *Cluster) SetDropRate(p float64) {
	c.mesh.SetDropRate(p)
}

// Close finishes the trace, if any
func (c *Cluster) Close() error {
	if c.config.Recorder == nil {
		return nil
	}
	return c.config.Recorder.Finish(c.tick)
}

func (c *Cluster) recordAck(id string, ok bool) {
	c.acks[id] = ok
}

func (c *Cluster) nodeList() []*server.Node {
	nodes := make([]*server.Node, 0, len(c.ids))
	for _, id := range c.ids {
		nodes = append(nodes, c.nodes[id])
	}
	return nodes
}

// record writes the tick to the trace: snapshots, events derived from the previous tick and newly committed entries
func (c *Cluster) record() error {
	statuses := c.Statuses()
	defer func() {
		for _, s := range statuses {
			c.last[s.ID] = s
		}
	}()

	r := c.config.Recorder
	if r == nil {
		return nil
	}

	if err := r.RecordTick(c.tick, statuses); err != nil {
		return err
	}
	for _, s := range statuses {
		for _, event := range diffStatus(c.tick, c.last[s.ID], s) {
			if err := r.RecordEvent(event); err != nil {
				return err
			}
		}

		prev := c.last[s.ID].CommitIndex
		for i := prev + 1; i <= s.CommitIndex; i++ {
			entry, ok := c.nodes[s.ID].Log().Entry(i)
			if !ok {
				break
			}
			committed := trace.CommittedEntry{Index: i, Term: entry.Term, Payload: entry.Payload, Tick: c.tick}
			if err := r.RecordCommitted(committed); err != nil {
				return err
			}
		}
	}
	return nil
}

// diffStatus turns the changes between two statuses of a node into trace events
func diffStatus(tick uint64, prev, cur server.Status) []trace.Event {
	var events []trace.Event
	if cur.Term != prev.Term {
		events = append(events, trace.Event{Tick: tick, Node: cur.ID, Kind: "term", Term: cur.Term,
			Detail: fmt.Sprintf("%d -> %d", prev.Term, cur.Term)})
	}
	if cur.State != prev.State {
		events = append(events, trace.Event{Tick: tick, Node: cur.ID, Kind: "role", Term: cur.Term,
			Detail: fmt.Sprintf("%s -> %s", prev.State, cur.State)})
	}
	if cur.Leader != prev.Leader {
		events = append(events, trace.Event{Tick: tick, Node: cur.ID, Kind: "leader", Term: cur.Term,
			Detail: fmt.Sprintf("%v -> %v", prev.Leader, cur.Leader)})
	}
	if cur.CommitIndex != prev.CommitIndex {
		events = append(events, trace.Event{Tick: tick, Node: cur.ID, Kind: "commit", Term: cur.Term,
			Detail: fmt.Sprintf("%d -> %d", prev.CommitIndex, cur.CommitIndex)})
	}
	return events
}
