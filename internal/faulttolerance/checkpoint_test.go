package faulttolerance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
)

func TestCheckpointStore_LatestReturnsMostRecent(t *testing.T) {
	mc := clockutil.NewMock()
	s := newCheckpointStore(mc, 10)
	agent := ids.NewAgentId()

	s.Save("task-1", agent, []byte("a"), 0.1, nil)
	mc.Add(time.Second)
	id2 := s.Save("task-1", agent, []byte("b"), 0.5, nil)

	cp, ok := s.Latest("task-1")
	require.True(t, ok)
	assert.Equal(t, id2, cp.ID)
	assert.Equal(t, 0.5, cp.Progress)
}

func TestCheckpointStore_RingEvictsOldestBeyondCapacity(t *testing.T) {
	mc := clockutil.NewMock()
	s := newCheckpointStore(mc, 3)
	agent := ids.NewAgentId()

	var ids5 []string
	for i := 0; i < 5; i++ {
		id := s.Save("task-1", agent, nil, float64(i)/10, nil)
		ids5 = append(ids5, id)
	}

	_, ok := s.Get("task-1", ids5[0])
	assert.False(t, ok, "oldest checkpoint should have been evicted")
	_, ok = s.Get("task-1", ids5[1])
	assert.False(t, ok, "second oldest checkpoint should have been evicted")

	cp, ok := s.Get("task-1", ids5[4])
	require.True(t, ok)
	assert.Equal(t, ids5[4], cp.ID)
}

func TestCheckpointStore_SweepDropsOldEntries(t *testing.T) {
	mc := clockutil.NewMock()
	s := newCheckpointStore(mc, 10)
	agent := ids.NewAgentId()

	s.Save("task-1", agent, nil, 0, nil)
	mc.Add(2 * time.Hour)
	s.Save("task-1", agent, nil, 1, nil)

	s.Sweep(time.Hour)

	_, ok := s.Latest("task-1")
	require.True(t, ok)
	assert.Equal(t, 1.0, mustLatest(t, s, "task-1").Progress)
}

func mustLatest(t *testing.T, s *checkpointStore, task string) Checkpoint {
	t.Helper()
	cp, ok := s.Latest(task)
	require.True(t, ok)
	return cp
}

func TestCheckpointStore_TasksAreIndependent(t *testing.T) {
	mc := clockutil.NewMock()
	s := newCheckpointStore(mc, 10)
	agent := ids.NewAgentId()

	s.Save("task-a", agent, nil, 0.2, nil)
	_, ok := s.Latest("task-b")
	assert.False(t, ok)
}
