package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTaskQueue(t *testing.T) {
	queue := NewTaskQueue(10, setupTestLogger())
	assert.Equal(t, 10, cap(queue.tasks))
	assert.Zero(t, queue.Len())

	assert.Equal(t, 0, cap(NewTaskQueue(-3, setupTestLogger()).tasks))
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	queue := NewTaskQueue(2, setupTestLogger())

	require.NoError(t, queue.Enqueue(stubTaskFor("chunk 0")))
	require.NoError(t, queue.Enqueue(stubTaskFor("chunk 1")))
	assert.Equal(t, 2, queue.Len())

	overflow := stubTaskFor("chunk 2")
	err := queue.Enqueue(overflow)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Contains(t, err.Error(), "capacity 2")

	<-queue.GetChannel()
	assert.NoError(t, queue.Enqueue(overflow))
}

func TestCloseKeepsBufferedTasks(t *testing.T) {
	queue := NewTaskQueue(4, setupTestLogger())
	buffered := stubTaskFor("chunk 0")
	require.NoError(t, queue.Enqueue(buffered))

	queue.Close()
	queue.Close()
	assert.ErrorIs(t, queue.Enqueue(stubTaskFor("late")), ErrQueueClosed)

	received, ok := <-queue.GetChannel()
	require.True(t, ok)
	assert.Equal(t, buffered.ID(), received.ID())

	select {
	case _, ok := <-queue.GetChannel():
		assert.False(t, ok, "drained queue should be closed")
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out reading closed queue")
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	const producers, perProducer = 5, 10
	queue := NewTaskQueue(producers*perProducer, setupTestLogger())

	done := make(chan error, producers*perProducer)
	for p := 0; p < producers; p++ {
		go func() {
			for i := 0; i < perProducer; i++ {
				done <- queue.Enqueue(stubTaskFor("chunk"))
			}
		}()
	}
	for i := 0; i < producers*perProducer; i++ {
		assert.NoError(t, <-done)
	}

	seen := make(map[string]bool)
	for i := 0; i < producers*perProducer; i++ {
		task := <-queue.GetChannel()
		seen[task.ID().String()] = true
	}
	assert.Len(t, seen, producers*perProducer)
}

func TestEnqueueRejectsActiveTask(t *testing.T) {
	queue := NewTaskQueue(4, setupTestLogger())
	chunk := stubTaskFor("chunk 0")

	require.NoError(t, queue.Enqueue(chunk))
	assert.True(t, queue.Active(chunk.ID()))
	assert.ErrorIs(t, queue.Enqueue(chunk), ErrTaskActive, "buffered")

	// Taken by a worker but not yet released.
	<-queue.GetChannel()
	assert.ErrorIs(t, queue.Enqueue(chunk), ErrTaskActive, "running")
	assert.Zero(t, queue.Len())

	queue.Release(chunk.ID())
	assert.False(t, queue.Active(chunk.ID()))
	assert.NoError(t, queue.Enqueue(chunk))
}

func TestRejectedEnqueueIsNotActive(t *testing.T) {
	queue := NewTaskQueue(1, setupTestLogger())
	require.NoError(t, queue.Enqueue(stubTaskFor("chunk 0")))

	overflow := stubTaskFor("chunk 1")
	require.ErrorIs(t, queue.Enqueue(overflow), ErrQueueFull)
	assert.False(t, queue.Active(overflow.ID()))
}
