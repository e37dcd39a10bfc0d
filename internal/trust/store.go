package trust

import (
	"context"
	"time"

	"github.com/aidenlippert/swarmcore/internal/ids"
)

// Store is the transactional keyed contract of spec.md §4.1: a scores
// table keyed by AgentId and an append-only updates table indexed by
// (agent, timestamp). Multiple backends satisfy this same contract and the
// same property tests (store_property_test.go): Sqlite (durable,
// production), JSONFile (directory-of-files, inspectable), Memory
// (ephemeral, tests).
type Store interface {
	// PutScore upserts a score. Fails only on storage fault.
	PutScore(ctx context.Context, score Score) error

	// GetScore performs an O(1) lookup, returning ok=false if unknown.
	GetScore(ctx context.Context, agent ids.AgentId) (score Score, ok bool, err error)

	// GetAllScores returns a consistent-within-one-read-transaction snapshot.
	GetAllScores(ctx context.Context) (map[ids.AgentId]Score, error)

	// AppendUpdate appends an immutable update record.
	AppendUpdate(ctx context.Context, update Update) error

	// History returns up to limit updates for agent, newest first.
	History(ctx context.Context, agent ids.AgentId, limit int) ([]Update, error)

	// UpdatesSince returns updates at or after since, oldest first.
	UpdatesSince(ctx context.Context, since time.Time) ([]Update, error)

	// RemoveAgent atomically removes a score and all of its updates.
	RemoveAgent(ctx context.Context, agent ids.AgentId) error

	// BeginTx opens a transaction supporting PutScore+AppendUpdate as one
	// atomic unit; uncommitted writes are invisible to other readers.
	BeginTx(ctx context.Context) (Tx, error)

	// Backup writes a full-store, byte-for-byte-replayable snapshot to path.
	Backup(ctx context.Context, path string) error

	// Restore atomically replaces the live store with the snapshot at path.
	Restore(ctx context.Context, path string) error

	// Migrate applies ordered, forward-only migrations up to targetVersion.
	Migrate(ctx context.Context, targetVersion int) error

	// Cleanup deletes updates strictly older than olderThan; never touches
	// scores. Returns the number of rows deleted.
	Cleanup(ctx context.Context, olderThan time.Time) (int, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Tx is a transaction handle over a single Store, scoping PutScore and
// AppendUpdate into one atomic commit — the mechanism the Trust Manager
// uses to make a score upsert and its audit record indivisible.
type Tx interface {
	PutScore(score Score) error
	AppendUpdate(update Update) error
	Commit() error
	Rollback() error
}
