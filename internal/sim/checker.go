package sim

import (
	"errors"
	"fmt"
	"maps"
	"slices"

	"ramen/internal/raft"
	"ramen/internal/raft/server"
)

// ErrInvariant wraps every safety violation found by a Checker
var ErrInvariant = errors.New("invariant violated")

type committedEntry struct {
	entry raft.LogEntry
	// term is the term of the node that first reported the entry committed. The entry was committed in this term or
	// an earlier one.
	term uint32
	tick uint64
}

// Checker verifies the Raft safety properties (Figure 3 of the [Raft paper](https://raft.github.io/raft.pdf)) over
// the nodes of a cluster. It keeps the history it needs between observations, so it must see every tick.
type Checker struct {
	// leaders maps a term to the node seen leading it
	leaders map[uint32]raft.NodeID
	// votes maps a node to the vote it cast in each term
	votes   map[raft.NodeID]map[uint32]raft.NodeID
	terms   map[raft.NodeID]uint32
	commits map[raft.NodeID]uint32
	// committed is the cluster-wide committed log, indexed from 1
	committed map[uint32]committedEntry

	violations []error
}

func NewChecker() *Checker {
	return &Checker{
		leaders:   make(map[uint32]raft.NodeID),
		votes:     make(map[raft.NodeID]map[uint32]raft.NodeID),
		terms:     make(map[raft.NodeID]uint32),
		commits:   make(map[raft.NodeID]uint32),
		committed: make(map[uint32]committedEntry),
	}
}

// Observe runs every check against the nodes at tick and remembers the violations
func (c *Checker) Observe(tick uint64, nodes []*server.Node) error {
	err := errors.Join(
		c.CheckElectionSafety(nodes),
		c.CheckTermMonotonic(nodes),
		c.CheckVoteStable(nodes),
		c.CheckCommitMonotonic(nodes),
		c.CheckCommittedAgreement(tick, nodes),
		c.CheckLeaderCompleteness(nodes),
		CheckLogMatching(nodes),
	)
	if err != nil {
		c.violations = append(c.violations, fmt.Errorf("tick %d: %w", tick, err))
	}
	return err
}

// Violations returns every violation observed so far
func (c *Checker) Violations() []error {
	return c.violations
}

// Committed returns the cluster-wide committed log observed so far, starting at index 1
func (c *Checker) Committed() []raft.LogEntry {
	entries := make([]raft.LogEntry, 0, len(c.committed))
	for i := uint32(1); ; i++ {
		ce, ok := c.committed[i]
		if !ok {
			return entries
		}
		entries = append(entries, ce.entry)
	}
}

// CheckElectionSafety verifies that at most one leader is ever elected in a given term
func (c *Checker) CheckElectionSafety(nodes []*server.Node) error {
	var errs []error
	for _, n := range nodes {
		if n.State() != server.Leader {
			continue
		}
		leader, seen := c.leaders[n.Term()]
		if !seen {
			c.leaders[n.Term()] = n.ID()
			continue
		}
		if leader != n.ID() {
			errs = append(errs, fmt.Errorf("%w: election safety: %v and %v both lead term %d", ErrInvariant,
				leader, n.ID(), n.Term()))
		}
	}
	return errors.Join(errs...)
}

// CheckTermMonotonic verifies that no node's term ever decreases
func (c *Checker) CheckTermMonotonic(nodes []*server.Node) error {
	var errs []error
	for _, n := range nodes {
		if prev := c.terms[n.ID()]; n.Term() < prev {
			errs = append(errs, fmt.Errorf("%w: node %v term went from %d to %d", ErrInvariant, n.ID(), prev,
				n.Term()))
		}
		c.terms[n.ID()] = n.Term()
	}
	return errors.Join(errs...)
}

// CheckVoteStable verifies that a node casts at most one vote per term
func (c *Checker) CheckVoteStable(nodes []*server.Node) error {
	var errs []error
	for _, n := range nodes {
		if n.VotedFor() == raft.None {
			continue
		}
		votes, ok := c.votes[n.ID()]
		if !ok {
			votes = make(map[uint32]raft.NodeID)
			c.votes[n.ID()] = votes
		}
		prev, voted := votes[n.Term()]
		if voted && prev != n.VotedFor() {
			errs = append(errs, fmt.Errorf("%w: node %v voted for %v and %v in term %d", ErrInvariant, n.ID(),
				prev, n.VotedFor(), n.Term()))
			continue
		}
		votes[n.Term()] = n.VotedFor()
	}
	return errors.Join(errs...)
}

// CheckCommitMonotonic verifies that no node's commit index ever decreases or passes the end of its log
func (c *Checker) CheckCommitMonotonic(nodes []*server.Node) error {
	var errs []error
	for _, n := range nodes {
		if prev := c.commits[n.ID()]; n.CommitIndex() < prev {
			errs = append(errs, fmt.Errorf("%w: node %v commit index went from %d to %d", ErrInvariant, n.ID(),
				prev, n.CommitIndex()))
		}
		if n.CommitIndex() > n.Log().Size() {
			errs = append(errs, fmt.Errorf("%w: node %v commit index %d beyond log size %d", ErrInvariant, n.ID(),
				n.CommitIndex(), n.Log().Size()))
		}
		c.commits[n.ID()] = n.CommitIndex()
	}
	return errors.Join(errs...)
}

// CheckCommittedAgreement verifies State Machine Safety: every node's committed prefix matches the cluster-wide
// committed log. Entries committed for the first time are added to it.
func (c *Checker) CheckCommittedAgreement(tick uint64, nodes []*server.Node) error {
	var errs []error
	for _, n := range nodes {
		for i := uint32(1); i <= n.CommitIndex() && i <= n.Log().Size(); i++ {
			entry, _ := n.Log().Entry(i)
			known, ok := c.committed[i]
			if !ok {
				c.committed[i] = committedEntry{entry: entry, term: n.Term(), tick: tick}
				continue
			}
			if !known.entry.Equal(entry) {
				errs = append(errs, fmt.Errorf("%w: node %v committed %v at index %d, %v was committed before",
					ErrInvariant, n.ID(), entry, i, known.entry))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// CheckLeaderCompleteness verifies that a leader holds every entry committed in an earlier term
func (c *Checker) CheckLeaderCompleteness(nodes []*server.Node) error {
	var errs []error
	for _, n := range nodes {
		if n.State() != server.Leader {
			continue
		}
		for _, index := range slices.Sorted(maps.Keys(c.committed)) {
			ce := c.committed[index]
			if ce.term >= n.Term() {
				continue
			}
			entry, ok := n.Log().Entry(index)
			if !ok || !entry.Equal(ce.entry) {
				errs = append(errs, fmt.Errorf("%w: leader %v of term %d misses entry %d committed in term %d",
					ErrInvariant, n.ID(), n.Term(), index, ce.term))
			}
		}
	}
	return errors.Join(errs...)
}

// CheckLogMatching verifies the Log Matching property: if two logs hold an entry with the same index and term, the
// logs are identical up to that index. It needs no history.
func CheckLogMatching(nodes []*server.Node) error {
	var errs []error
	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			if err := checkLogPair(a, b); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func checkLogPair(a, b *server.Node) error {
	last := min(a.Log().Size(), b.Log().Size())

	// The highest index where both logs agree on the term bounds the prefix that must be identical
	for last > 0 && a.Log().TermAt(last) != b.Log().TermAt(last) {
		last--
	}

	for i := uint32(1); i <= last; i++ {
		ea, _ := a.Log().Entry(i)
		eb, _ := b.Log().Entry(i)
		if !ea.Equal(eb) {
			return fmt.Errorf("%w: logs of %v and %v share term %d at index %d but differ at index %d",
				ErrInvariant, a.ID(), b.ID(), a.Log().TermAt(last), last, i)
		}
	}
	return nil
}
