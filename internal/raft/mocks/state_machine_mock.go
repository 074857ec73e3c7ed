package mocks

import (
	"sync"

	"ramen/internal/raft"
)

// MockStateMachine is a mock implementation of state_machine.StateMachine for testing
type MockStateMachine struct {
	mu             sync.RWMutex
	AppliedEntries []raft.LogEntry
	FirstIndexes   []uint32
	ApplyCallCount int
}

// NewMockStateMachine creates a new mock state machine
func NewMockStateMachine() *MockStateMachine {
	return &MockStateMachine{
		AppliedEntries: make([]raft.LogEntry, 0),
	}
}

func (m *MockStateMachine) Apply(firstIndex uint32, entries []raft.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedEntries = append(m.AppliedEntries, entries...)
	m.FirstIndexes = append(m.FirstIndexes, firstIndex)
	m.ApplyCallCount++
}

// GetAppliedEntries returns a copy of all applied entries
func (m *MockStateMachine) GetAppliedEntries() []raft.LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]raft.LogEntry, len(m.AppliedEntries))
	copy(result, m.AppliedEntries)
	return result
}

// Reset clears the mock state
func (m *MockStateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.AppliedEntries = make([]raft.LogEntry, 0)
	m.FirstIndexes = nil
	m.ApplyCallCount = 0
}
