package trust

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aidenlippert/swarmcore/internal/clockutil"
	"github.com/aidenlippert/swarmcore/internal/ids"
)

func TestBackupScheduler_RunOnceWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()
	require.NoError(t, store.PutScore(ctx, Score{Agent: ids.NewAgentId(), Value: 0.6, Confidence: 0.2, LastUpdated: time.Now()}))

	dir := t.TempDir()
	clock := clockutil.NewMock()
	sched := NewBackupScheduler(store, clock, nil, dir, time.Hour, 2)

	require.NoError(t, sched.RunOnce(ctx))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestBackupScheduler_PrunesBeyondMaxFiles(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	dir := t.TempDir()
	clock := clockutil.NewMock()
	sched := NewBackupScheduler(store, clock, nil, dir, time.Hour, 2)

	for i := 0; i < 5; i++ {
		require.NoError(t, sched.RunOnce(ctx))
		clock.Add(time.Second)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.LessOrEqual(t, len(entries), 2)
}

func TestBackupScheduler_StartAndClose(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	dir := filepath.Join(t.TempDir(), "backups")
	clock := clockutil.NewMock()
	sched := NewBackupScheduler(store, clock, nil, dir, time.Hour, 2)

	require.NoError(t, sched.Start(context.Background()))
	require.NoError(t, sched.Close())

	_, err := os.Stat(dir)
	require.NoError(t, err)
}
