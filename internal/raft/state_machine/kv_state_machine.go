package state_machine

import (
	"strings"
	"sync"

	"ramen/internal/logging"
	"ramen/internal/raft"
)

// KVStateMachine is a simple key-value store that implements the StateMachine interface.
// Payloads are expected to be in the format: "SET key=value" or "DEL key".
type KVStateMachine struct {
	mu     sync.RWMutex
	store  map[string]string
	id     raft.NodeID
	logger logging.Logger

	applied uint32
}

// NewKVStateMachine creates a new key-value state machine. A nil logger discards apply diagnostics.
func NewKVStateMachine(id raft.NodeID, logger logging.Logger) *KVStateMachine {
	if logger == nil {
		logger = logging.Nop()
	}
	return &KVStateMachine{
		store:  make(map[string]string),
		id:     id,
		logger: logger,
	}
}

// Apply executes the commands carried by entries
func (kv *KVStateMachine) Apply(firstIndex uint32, entries []raft.LogEntry) {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	for i, entry := range entries {
		index := firstIndex + uint32(i)
		kv.applied = index

		command := string(entry.Payload)
		parts := strings.Fields(command)
		if len(parts) < 2 {
			kv.logger.Debugf("[KV-SM-%v] Skipping entry %q (index=%d)", kv.id, command, index)
			continue
		}

		switch strings.ToUpper(parts[0]) {
		case "SET":
			key, value, ok := strings.Cut(parts[1], "=")
			if !ok {
				kv.logger.Warnf("[KV-SM-%v] Malformed SET: %q (index=%d)", kv.id, command, index)
				continue
			}
			kv.store[key] = value
			kv.logger.Debugf("[KV-SM-%v] Applied SET: %s=%s (index=%d)", kv.id, key, value, index)
		case "DEL":
			delete(kv.store, parts[1])
			kv.logger.Debugf("[KV-SM-%v] Applied DEL: %s (index=%d)", kv.id, parts[1], index)
		default:
			kv.logger.Debugf("[KV-SM-%v] Unknown command: %q (index=%d)", kv.id, command, index)
		}
	}
}

// Get returns the value stored under key
func (kv *KVStateMachine) Get(key string) (string, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	value, ok := kv.store[key]
	return value, ok
}

// Snapshot returns a copy of the whole store
func (kv *KVStateMachine) Snapshot() map[string]string {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	out := make(map[string]string, len(kv.store))
	for k, v := range kv.store {
		out[k] = v
	}
	return out
}

// LastApplied returns the index of the last entry handed to Apply
func (kv *KVStateMachine) LastApplied() uint32 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return kv.applied
}
