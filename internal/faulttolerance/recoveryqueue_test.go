package faulttolerance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryQueue_FIFOOrder(t *testing.T) {
	q := newRecoveryQueue()
	require.NoError(t, q.enqueue(RecoveryAction{Task: "a"}))
	require.NoError(t, q.enqueue(RecoveryAction{Task: "b"}))

	first, ok := q.tryDequeue()
	require.True(t, ok)
	assert.Equal(t, "a", first.Task)

	second, ok := q.tryDequeue()
	require.True(t, ok)
	assert.Equal(t, "b", second.Task)

	_, ok = q.tryDequeue()
	assert.False(t, ok)
}

func TestRecoveryQueue_DequeueWaitBlocksUntilEnqueue(t *testing.T) {
	q := newRecoveryQueue()
	done := make(chan RecoveryAction, 1)
	go func() {
		a, err := q.dequeueWait(context.Background())
		if err == nil {
			done <- a
		}
	}()

	require.NoError(t, q.enqueue(RecoveryAction{Task: "delayed"}))

	select {
	case a := <-done:
		assert.Equal(t, "delayed", a.Task)
	case <-time.After(time.Second):
		t.Fatal("dequeueWait never returned")
	}
}

func TestRecoveryQueue_EnqueueAfterCloseErrors(t *testing.T) {
	q := newRecoveryQueue()
	q.close()
	assert.ErrorIs(t, q.enqueue(RecoveryAction{}), ErrQueueClosed)
}

func TestRecoveryQueue_DequeueWaitReturnsOnContextCancel(t *testing.T) {
	q := newRecoveryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.dequeueWait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
