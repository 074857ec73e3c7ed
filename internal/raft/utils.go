package raft

import (
	"math/rand"
	"sort"

	"golang.org/x/exp/constraints"
)

// ElectionJitter is the number of distinct multipliers an election timeout is drawn from
const ElectionJitter = 10

// ElectionTimeout draws a randomized election timeout, as required by Section 5.2 from the
// [Raft paper](https://raft.github.io/raft.pdf) to break split votes. The result is
// (minSkew + rand(0..ElectionJitter-1)) * factor ticks. A larger minSkew biases a node towards waiting longer, which
// is what a follower does right after it heard from a live leader.
func ElectionTimeout(r *rand.Rand, minSkew, factor uint32) uint32 {
	return (minSkew + uint32(r.Intn(ElectionJitter))) * factor
}

// lowerMedian returns the element at position (len-1)/2 of the sorted values. For a set of n replicas this is the
// highest value that a strict majority of them is at or above. It returns the zero value for an empty input.
func lowerMedian[T constraints.Ordered](values []T) T {
	var zero T
	if len(values) == 0 {
		return zero
	}

	sorted := make([]T, len(values))
	copy(sorted, values)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	return sorted[(len(sorted)-1)/2]
}
