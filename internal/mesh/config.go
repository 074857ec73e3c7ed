// Package mesh provides the transports a consensus node runs on. Every transport implements server.Transport: it
// knows the local node id, keeps a millisecond clock, tracks which peers are reachable and sends opaque payloads to
// one peer or to all of them without blocking.
//
// VirtualMesh is an in-process mesh driven by the simulation harness. UDPMesh and GRPCMesh carry payloads between
// processes and authenticate them with the cluster secret.
package mesh

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"ramen/internal/logging"
	"ramen/internal/raft"
)

// ReceiveFunc is called for every authenticated payload addressed to the local node
type ReceiveFunc func(from raft.NodeID, data []byte)

// MinSecretLength is the shortest accepted cluster secret
const MinSecretLength = 8

// Config holds the settings shared by the network transports
type Config struct {
	// ClusterName separates meshes sharing a network. Payloads from another cluster are dropped.
	ClusterName string

	// ClusterSecret keys the HMAC every payload is signed with
	ClusterSecret string

	// Port to listen on. 0 picks a free port.
	Port int

	// BindHost is the interface to listen on
	// Default: 0.0.0.0
	BindHost string

	// AdvertiseHost is the host other nodes reach this node at. Only GRPCMesh announces it.
	// Default: BindHost, or 127.0.0.1 when BindHost is unspecified
	AdvertiseHost string

	// Seeds are the peers known at startup, by id
	Seeds map[raft.NodeID]string

	// PeerTimeout is how long a silent peer stays in the peer list. 0 keeps peers forever.
	// Default: 5s
	PeerTimeout time.Duration

	Logger logging.Logger
}

// DefaultConfig returns a Config with sensible defaults. ClusterName and ClusterSecret still need to be set.
func DefaultConfig() *Config {
	return &Config{
		Port:        7946,
		BindHost:    "0.0.0.0",
		Seeds:       make(map[raft.NodeID]string),
		PeerTimeout: 5 * time.Second,
		Logger:      logging.Nop(),
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("ClusterName cannot be empty")
	}
	if len(c.ClusterSecret) < MinSecretLength {
		return fmt.Errorf("ClusterSecret must be at least %d characters", MinSecretLength)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("Port %d out of range", c.Port)
	}
	if c.PeerTimeout < 0 {
		return fmt.Errorf("PeerTimeout cannot be negative")
	}
	for id, addr := range c.Seeds {
		if id == raft.None {
			return fmt.Errorf("seed %q uses the reserved node id", addr)
		}
		if addr == "" {
			return fmt.Errorf("seed %v has no address", id)
		}
	}
	return nil
}

// ParseSeeds parses a comma separated list of id=host:port pairs
func ParseSeeds(s string) (map[raft.NodeID]string, error) {
	seeds := make(map[raft.NodeID]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		rawID, addr, ok := strings.Cut(pair, "=")
		if !ok || addr == "" {
			return nil, fmt.Errorf("seed %q is not id=host:port", pair)
		}
		id, err := strconv.ParseUint(rawID, 10, 32)
		if err != nil || raft.NodeID(id) == raft.None {
			return nil, fmt.Errorf("seed %q has an invalid node id", pair)
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return nil, fmt.Errorf("seed %q: %w", pair, err)
		}
		seeds[raft.NodeID(id)] = addr
	}
	return seeds, nil
}

func (c *Config) listenAddr() string {
	return net.JoinHostPort(c.BindHost, strconv.Itoa(c.Port))
}

func (c *Config) advertiseHost() string {
	if c.AdvertiseHost != "" {
		return c.AdvertiseHost
	}
	if c.BindHost == "" || c.BindHost == "0.0.0.0" || c.BindHost == "::" {
		return "127.0.0.1"
	}
	return c.BindHost
}

func (c *Config) logger() logging.Logger {
	if c.Logger == nil {
		return logging.Nop()
	}
	return c.Logger
}
