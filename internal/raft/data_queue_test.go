package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataQueue_FIFO(t *testing.T) {
	q := NewDataQueue()
	assert.True(t, q.IsEmpty())

	q.Push(QueuedEntry{ID: "1", Payload: []byte("a")})
	q.Push(QueuedEntry{ID: "2", Payload: []byte("b"), AckRequested: true})
	assert.False(t, q.IsEmpty())
	assert.Equal(t, 2, q.Len())

	first, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "1", first.ID)

	second, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "2", second.ID)
	assert.True(t, second.AckRequested)

	assert.True(t, q.IsEmpty())
}

func TestDataQueue_PopEmpty(t *testing.T) {
	q := NewDataQueue()

	_, err := q.Pop()
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestDataQueue_PushFront(t *testing.T) {
	q := NewDataQueue()
	q.Push(QueuedEntry{ID: "b"})
	q.PushFront(QueuedEntry{ID: "a"})

	head, err := q.Pop()
	require.NoError(t, err)
	assert.Equal(t, "a", head.ID)
}
