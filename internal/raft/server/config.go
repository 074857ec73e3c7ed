package server

import (
	"fmt"
	"math/rand"
	"time"

	"ramen/internal/logging"
	"ramen/internal/pubsub"
	"ramen/internal/raft/message"
	"ramen/internal/raft/state_machine"
)

// Config holds the consensus parameters of a Node. Every period is expressed in units of Transport.LocalTime.
type Config struct {
	// ElectionTimeoutFactor scales the randomized election timeout: (minSkew + rand(0..9)) * ElectionTimeoutFactor
	// Default: 150
	ElectionTimeoutFactor uint32

	// LeaderAliveSkew is the minSkew used after hearing from a live leader, so followers near an active leader wait
	// longer before starting an election
	// Default: 5
	LeaderAliveSkew uint32

	// ElectionCheckPeriod is how often Followers and Candidates look at their election deadline
	ElectionCheckPeriod uint32

	// HeartbeatPeriod is how often a Leader asserts itself to peers that are caught up
	// Should be well below ElectionTimeoutFactor
	HeartbeatPeriod uint32

	// AppendEntryPeriod is how often a Leader (re)sends the next entry to a lagging peer
	AppendEntryPeriod uint32

	// VoteRetryPeriod is how often a Candidate re-sends RequestVote to peers that have not answered
	VoteRetryPeriod uint32

	// MaxVoteRequestRetries caps the RequestVote retransmissions within one election
	MaxVoteRequestRetries int

	// TickDuration is the wall-clock length of one LocalTime unit. It is only used to report latencies.
	TickDuration time.Duration

	// Codec encodes and decodes messages on the wire
	Codec message.Codec

	Logger logging.Logger

	// Rand is the source of election timeout jitter. Inject a seeded one for deterministic runs.
	Rand *rand.Rand

	// Metrics is optional
	Metrics MetricsCollector

	// Events is optional. When set the node publishes RoleChanged, TermChanged, LeaderChanged and CommitAdvanced.
	// Publishing never blocks the node: events are dropped while the bus is backed up.
	Events *pubsub.PubSubClient

	// StateMachine is optional. Committed entries are applied to it in order.
	StateMachine state_machine.StateMachine

	// OnDistributeAck is optional. It is called with the id returned by Distribute once the leader acknowledged (or
	// refused) an entry submitted with requireAck.
	OnDistributeAck func(id string, ok bool)
}

// DefaultConfig returns a Config tuned for a mesh whose LocalTime ticks in milliseconds
func DefaultConfig() *Config {
	return &Config{
		ElectionTimeoutFactor: 150,
		LeaderAliveSkew:       5,
		ElectionCheckPeriod:   10,
		HeartbeatPeriod:       50,
		AppendEntryPeriod:     20,
		VoteRetryPeriod:       100,
		MaxVoteRequestRetries: 3,
		TickDuration:          time.Millisecond,
		Codec:                 message.JSONCodec{},
		Logger:                logging.Nop(),
	}
}

func validateConfig(config *Config) error {
	if config == nil {
		return fmt.Errorf("config is required")
	}
	if config.ElectionTimeoutFactor == 0 {
		return fmt.Errorf("ElectionTimeoutFactor must be positive")
	}
	if config.LeaderAliveSkew == 0 {
		return fmt.Errorf("LeaderAliveSkew must be positive")
	}
	if config.HeartbeatPeriod == 0 {
		return fmt.Errorf("HeartbeatPeriod must be positive")
	}
	if config.HeartbeatPeriod >= config.ElectionTimeoutFactor {
		return fmt.Errorf("HeartbeatPeriod must be less than ElectionTimeoutFactor")
	}
	if config.MaxVoteRequestRetries < 0 {
		return fmt.Errorf("MaxVoteRequestRetries cannot be negative")
	}
	if config.Codec == nil {
		return fmt.Errorf("Codec is required")
	}
	return nil
}
