package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aidenlippert/swarmcore/internal/faulttolerance"
	"github.com/aidenlippert/swarmcore/internal/ids"
)

// newTestRedisQueue skips the test when no Redis is reachable at the
// default address: this mirror is an optional durability layer, not a
// hard dependency of the core, so its tests must not require a live
// broker to exercise the rest of the package.
func newTestRedisQueue(t *testing.T) *RedisActionQueue {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	q, err := NewRedisActionQueue(ctx, DefaultRedisQueueConfig(), nil)
	if err != nil {
		t.Skipf("redis not reachable, skipping: %v", err)
	}
	return q
}

func TestRedisActionQueue_MirrorAckRoundTrip(t *testing.T) {
	q := newTestRedisQueue(t)
	defer q.Close()
	ctx := context.Background()

	action := faulttolerance.RecoveryAction{
		Kind:       faulttolerance.ActionRestartAgent,
		Agent:      ids.NewAgentId(),
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
	}
	id := "test-" + action.Agent.String()

	q.Mirror(ctx, id, action)

	pending, err := q.Pending(ctx)
	require.NoError(t, err)
	found := false
	for _, a := range pending {
		if a.Agent == action.Agent && a.Kind == action.Kind {
			found = true
		}
	}
	require.True(t, found)

	q.Ack(ctx, id)

	pending, err = q.Pending(ctx)
	require.NoError(t, err)
	for _, a := range pending {
		require.NotEqual(t, action.Agent, a.Agent)
	}
}
