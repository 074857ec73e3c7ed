package state_machine

import "ramen/internal/raft"

// StateMachine is the application fed with committed entries, as in Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). It is inspired from the FSM interface defined in
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go).
//
// Apply receives committed entries in log order. firstIndex is the log index of entries[0]. Apply is called from the
// node's own loop and must not block.
type StateMachine interface {
	Apply(firstIndex uint32, entries []raft.LogEntry)
}
