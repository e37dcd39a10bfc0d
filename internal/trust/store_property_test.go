package trust

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// storeFactories enumerates the three backends of spec.md §4.1; every
// property below runs against each of them.
func storeFactories(t *testing.T) map[string]func() Store {
	return map[string]func() Store{
		"memory": func() Store { return NewMemoryStore() },
		"jsonfile": func() Store {
			s, err := NewJSONFileStore(t.TempDir())
			require.NoError(t, err)
			return s
		},
		"sqlite": func() Store {
			s, err := NewSqliteStore(filepath.Join(t.TempDir(), "trust.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			agent := ids.NewAgentId()
			score := Score{Agent: agent, Value: 0.7, Confidence: 0.4, Interactions: 3, LastUpdated: time.Now().UTC()}
			require.NoError(t, store.PutScore(ctx, score))

			got, ok, err := store.GetScore(ctx, agent)
			require.NoError(t, err)
			require.True(t, ok)
			assert.InDelta(t, score.Value, got.Value, 1e-9)
			assert.InDelta(t, score.Confidence, got.Confidence, 1e-9)
			assert.Equal(t, score.Interactions, got.Interactions)

			_, ok, err = store.GetScore(ctx, ids.NewAgentId())
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_AppendUpdateAndHistoryOrdering(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			agent := ids.NewAgentId()
			base := time.Now().UTC()
			// The sqlite backend enforces updates.agent -> scores.agent.
			require.NoError(t, store.PutScore(ctx, Score{Agent: agent, Value: 0.5, LastUpdated: base}))
			for i := 0; i < 5; i++ {
				u := Update{
					Agent:         agent,
					PreviousScore: Score{Agent: agent, Value: 0.5, LastUpdated: base},
					CurrentScore:  Score{Agent: agent, Value: 0.5 + float64(i)*0.01, LastUpdated: base.Add(time.Duration(i) * time.Minute)},
					Reason:        Reason{Kind: ReasonTaskSuccess},
					Timestamp:     base.Add(time.Duration(i) * time.Minute),
				}
				require.NoError(t, store.AppendUpdate(ctx, u))
			}

			history, err := store.History(ctx, agent, 3)
			require.NoError(t, err)
			require.Len(t, history, 3)
			// Newest first.
			assert.True(t, history[0].Timestamp.After(history[1].Timestamp))
			assert.True(t, history[1].Timestamp.After(history[2].Timestamp))

			all, err := store.UpdatesSince(ctx, base)
			require.NoError(t, err)
			require.Len(t, all, 5)
			assert.True(t, all[0].Timestamp.Before(all[1].Timestamp) || all[0].Timestamp.Equal(all[1].Timestamp))
		})
	}
}

func TestStore_TransactionInvisibleUntilCommit(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			agent := ids.NewAgentId()
			tx, err := store.BeginTx(ctx)
			require.NoError(t, err)

			score := Score{Agent: agent, Value: 0.9, Confidence: 0.2, LastUpdated: time.Now().UTC()}
			require.NoError(t, tx.PutScore(score))

			_, ok, err := store.GetScore(ctx, agent)
			require.NoError(t, err)
			assert.False(t, ok, "uncommitted write must stay invisible")

			require.NoError(t, tx.Commit())
			got, ok, err := store.GetScore(ctx, agent)
			require.NoError(t, err)
			require.True(t, ok)
			assert.InDelta(t, 0.9, got.Value, 1e-9)
		})
	}
}

func TestStore_TransactionRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			agent := ids.NewAgentId()
			tx, err := store.BeginTx(ctx)
			require.NoError(t, err)
			require.NoError(t, tx.PutScore(Score{Agent: agent, Value: 0.1, LastUpdated: time.Now().UTC()}))
			require.NoError(t, tx.Rollback())

			_, ok, err := store.GetScore(ctx, agent)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_RemoveAgentDeletesScoreAndHistory(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			agent := ids.NewAgentId()
			now := time.Now().UTC()
			require.NoError(t, store.PutScore(ctx, Score{Agent: agent, Value: 0.5, LastUpdated: now}))
			require.NoError(t, store.AppendUpdate(ctx, Update{Agent: agent, Timestamp: now, Reason: Reason{Kind: ReasonTaskSuccess}}))

			require.NoError(t, store.RemoveAgent(ctx, agent))

			_, ok, err := store.GetScore(ctx, agent)
			require.NoError(t, err)
			assert.False(t, ok)

			history, err := store.History(ctx, agent, 0)
			require.NoError(t, err)
			assert.Empty(t, history)
		})
	}
}

func TestStore_CleanupRemovesOnlyOldUpdates(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			agent := ids.NewAgentId()
			old := time.Now().UTC().Add(-48 * time.Hour)
			recent := time.Now().UTC()
			require.NoError(t, store.PutScore(ctx, Score{Agent: agent, Value: 0.5, LastUpdated: recent}))
			require.NoError(t, store.AppendUpdate(ctx, Update{Agent: agent, Timestamp: old, Reason: Reason{Kind: ReasonTaskSuccess}}))
			require.NoError(t, store.AppendUpdate(ctx, Update{Agent: agent, Timestamp: recent, Reason: Reason{Kind: ReasonTaskSuccess}}))

			n, err := store.Cleanup(ctx, time.Now().UTC().Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			remaining, err := store.History(ctx, agent, 0)
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			assert.True(t, remaining[0].Timestamp.Equal(recent))
		})
	}
}

func TestStore_BackupRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()

			agent := ids.NewAgentId()
			now := time.Now().UTC()
			require.NoError(t, store.PutScore(ctx, Score{Agent: agent, Value: 0.42, LastUpdated: now}))
			require.NoError(t, store.AppendUpdate(ctx, Update{Agent: agent, Timestamp: now, Reason: Reason{Kind: ReasonTaskSuccess}}))

			backupPath := filepath.Join(t.TempDir(), "backup")
			if name == "sqlite" {
				backupPath += ".db"
			}
			require.NoError(t, store.Backup(ctx, backupPath))

			require.NoError(t, store.RemoveAgent(ctx, agent))
			_, ok, err := store.GetScore(ctx, agent)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Restore(ctx, backupPath))
			got, ok, err := store.GetScore(ctx, agent)
			require.NoError(t, err)
			require.True(t, ok)
			assert.InDelta(t, 0.42, got.Value, 1e-9)
		})
	}
}

func TestStore_MigrateRejectsFutureVersion(t *testing.T) {
	ctx := context.Background()
	for name, factory := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			store := factory()
			defer store.Close()
			err := store.Migrate(ctx, schemaVersion+1)
			assert.Error(t, err)
		})
	}
}
