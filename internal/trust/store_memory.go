package trust

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/swarmerr"
)

// MemoryStore is the ephemeral, in-process backend used by tests: a plain
// map guarded by a mutex, with no durability across process restarts.
type MemoryStore struct {
	mu      sync.Mutex
	scores  map[ids.AgentId]Score
	updates map[ids.AgentId][]Update
	version int
}

// NewMemoryStore returns an empty in-process Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores:  make(map[ids.AgentId]Score),
		updates: make(map[ids.AgentId][]Update),
		version: schemaVersion,
	}
}

func (m *MemoryStore) PutScore(_ context.Context, score Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores[score.Agent] = score
	return nil
}

func (m *MemoryStore) GetScore(_ context.Context, agent ids.AgentId) (Score, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scores[agent]
	return s, ok, nil
}

func (m *MemoryStore) GetAllScores(_ context.Context) (map[ids.AgentId]Score, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ids.AgentId]Score, len(m.scores))
	for k, v := range m.scores {
		out[k] = v
	}
	return out, nil
}

func (m *MemoryStore) AppendUpdate(_ context.Context, update Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[update.Agent] = append(m.updates[update.Agent], update)
	return nil
}

func (m *MemoryStore) History(_ context.Context, agent ids.AgentId, limit int) ([]Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.updates[agent]
	out := make([]Update, len(all))
	copy(out, all)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpdatesSince(_ context.Context, since time.Time) ([]Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Update
	for _, us := range m.updates {
		for _, u := range us {
			if !u.Timestamp.Before(since) {
				out = append(out, u)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) RemoveAgent(_ context.Context, agent ids.AgentId) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scores, agent)
	delete(m.updates, agent)
	return nil
}

func (m *MemoryStore) BeginTx(_ context.Context) (Tx, error) {
	return &memoryTx{store: m}, nil
}

func (m *MemoryStore) Backup(_ context.Context, path string) error {
	m.mu.Lock()
	snap := memorySnapshot{Scores: m.scores, Updates: m.updates, Version: m.version}
	m.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return swarmerr.Storage("marshal backup", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return swarmerr.Storage("write backup", err)
	}
	return nil
}

func (m *MemoryStore) Restore(_ context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return swarmerr.Storage("read backup", err)
	}
	var snap memorySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return swarmerr.Storage("unmarshal backup", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.scores = snap.Scores
	if m.scores == nil {
		m.scores = make(map[ids.AgentId]Score)
	}
	m.updates = snap.Updates
	if m.updates == nil {
		m.updates = make(map[ids.AgentId][]Update)
	}
	m.version = snap.Version
	return nil
}

func (m *MemoryStore) Migrate(_ context.Context, targetVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if targetVersion > schemaVersion {
		return swarmerr.Config("unknown schema version")
	}
	m.version = targetVersion
	return nil
}

func (m *MemoryStore) Cleanup(_ context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for agent, us := range m.updates {
		kept := us[:0:0]
		for _, u := range us {
			if u.Timestamp.Before(olderThan) {
				removed++
				continue
			}
			kept = append(kept, u)
		}
		m.updates[agent] = kept
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }

type memorySnapshot struct {
	Scores  map[ids.AgentId]Score
	Updates map[ids.AgentId][]Update
	Version int
}

// memoryTx buffers writes and applies them to the backing store only on
// Commit, so uncommitted writes stay invisible to concurrent readers.
type memoryTx struct {
	store       *MemoryStore
	pendingScores []Score
	pendingUpdates []Update
	done        bool
}

func (t *memoryTx) PutScore(score Score) error {
	t.pendingScores = append(t.pendingScores, score)
	return nil
}

func (t *memoryTx) AppendUpdate(update Update) error {
	t.pendingUpdates = append(t.pendingUpdates, update)
	return nil
}

func (t *memoryTx) Commit() error {
	if t.done {
		return swarmerr.Storage("transaction already closed", nil)
	}
	t.done = true
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, s := range t.pendingScores {
		t.store.scores[s.Agent] = s
	}
	for _, u := range t.pendingUpdates {
		t.store.updates[u.Agent] = append(t.store.updates[u.Agent], u)
	}
	return nil
}

func (t *memoryTx) Rollback() error {
	t.done = true
	t.pendingScores = nil
	t.pendingUpdates = nil
	return nil
}
