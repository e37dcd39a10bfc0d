package trust

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aidenlippert/swarmcore/internal/ids"
	"github.com/aidenlippert/swarmcore/internal/swarmerr"
)

// sqliteSchema creates the durable, production layout of spec.md §6: a
// schema_info row describing the applied version, a scores table keyed by
// agent, and an append-only updates table indexed by (agent, timestamp).
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS schema_info (
	version     INTEGER PRIMARY KEY,
	created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
	description TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scores (
	agent        TEXT PRIMARY KEY,
	value        REAL NOT NULL,
	confidence   REAL NOT NULL,
	interactions INTEGER NOT NULL DEFAULT 0,
	last_updated DATETIME NOT NULL,
	created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
	updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS updates (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	agent             TEXT NOT NULL,
	prev_value        REAL NOT NULL,
	prev_confidence   REAL NOT NULL,
	prev_interactions INTEGER NOT NULL,
	prev_last_updated DATETIME NOT NULL,
	curr_value        REAL NOT NULL,
	curr_confidence   REAL NOT NULL,
	curr_interactions INTEGER NOT NULL,
	curr_last_updated DATETIME NOT NULL,
	reason_kind       TEXT NOT NULL,
	reason_data       TEXT NOT NULL DEFAULT '',
	timestamp         DATETIME NOT NULL,
	FOREIGN KEY (agent) REFERENCES scores(agent) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_updates_agent ON updates(agent);
CREATE INDEX IF NOT EXISTS idx_updates_timestamp ON updates(timestamp);
`

// SqliteStore is the durable, single-file production backend of spec.md
// §4.1, built on mattn/go-sqlite3 the same way libs/database opens its
// local-development connection.
type SqliteStore struct {
	db   *sql.DB
	path string
}

// NewSqliteStore opens (creating if necessary) a single-file Sqlite store at
// path and applies the initial schema if absent.
func NewSqliteStore(path string) (*SqliteStore, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", path))
	if err != nil {
		return nil, swarmerr.Storage("open sqlite", err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver serializes writers anyway; avoid SQLITE_BUSY churn

	s := &SqliteStore{db: db, path: path}
	if err := s.ensureSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SqliteStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return swarmerr.Storage("create schema", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_info`).Scan(&count); err != nil {
		return swarmerr.Storage("read schema_info", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_info (version, description) VALUES (?, ?)`,
			schemaVersion, schemaDescription[schemaVersion]); err != nil {
			return swarmerr.Storage("seed schema_info", err)
		}
	}
	return nil
}

func (s *SqliteStore) PutScore(ctx context.Context, score Score) error {
	return upsertScore(ctx, s.db, score)
}

func (s *SqliteStore) GetScore(ctx context.Context, agent ids.AgentId) (Score, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT value, confidence, interactions, last_updated
		FROM scores WHERE agent = ?
	`, agent.String())
	var score Score
	score.Agent = agent
	if err := row.Scan(&score.Value, &score.Confidence, &score.Interactions, &score.LastUpdated); err != nil {
		if err == sql.ErrNoRows {
			return Score{}, false, nil
		}
		return Score{}, false, swarmerr.Storage("get score", err)
	}
	return score, true, nil
}

func (s *SqliteStore) GetAllScores(ctx context.Context) (map[ids.AgentId]Score, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent, value, confidence, interactions, last_updated FROM scores`)
	if err != nil {
		return nil, swarmerr.Storage("list scores", err)
	}
	defer rows.Close()

	out := make(map[ids.AgentId]Score)
	for rows.Next() {
		var agentStr string
		var score Score
		if err := rows.Scan(&agentStr, &score.Value, &score.Confidence, &score.Interactions, &score.LastUpdated); err != nil {
			return nil, swarmerr.Storage("scan score", err)
		}
		agent, err := ids.AgentIdFromString(agentStr)
		if err != nil {
			continue
		}
		score.Agent = agent
		out[agent] = score
	}
	if err := rows.Err(); err != nil {
		return nil, swarmerr.Storage("iterate scores", err)
	}
	return out, nil
}

func (s *SqliteStore) AppendUpdate(ctx context.Context, update Update) error {
	return insertUpdate(ctx, s.db, update)
}

func insertUpdate(ctx context.Context, ex execer, u Update) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO updates (
			agent, prev_value, prev_confidence, prev_interactions, prev_last_updated,
			curr_value, curr_confidence, curr_interactions, curr_last_updated,
			reason_kind, reason_data, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.Agent.String(),
		u.PreviousScore.Value, u.PreviousScore.Confidence, u.PreviousScore.Interactions, u.PreviousScore.LastUpdated,
		u.CurrentScore.Value, u.CurrentScore.Confidence, u.CurrentScore.Interactions, u.CurrentScore.LastUpdated,
		string(u.Reason.Kind), u.Reason.Text, u.Timestamp)
	if err != nil {
		return swarmerr.Storage("append update", err)
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx so insertUpdate/upsertScore
// can run inside or outside a transaction without duplicating SQL.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertScore(ctx context.Context, ex execer, score Score) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO scores (agent, value, confidence, interactions, last_updated, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(agent) DO UPDATE SET
			value = excluded.value,
			confidence = excluded.confidence,
			interactions = excluded.interactions,
			last_updated = excluded.last_updated,
			updated_at = CURRENT_TIMESTAMP
	`, score.Agent.String(), score.Value, score.Confidence, score.Interactions, score.LastUpdated)
	if err != nil {
		return swarmerr.Storage("put score", err)
	}
	return nil
}

func (s *SqliteStore) History(ctx context.Context, agent ids.AgentId, limit int) ([]Update, error) {
	query := `
		SELECT agent, prev_value, prev_confidence, prev_interactions, prev_last_updated,
		       curr_value, curr_confidence, curr_interactions, curr_last_updated,
		       reason_kind, reason_data, timestamp
		FROM updates WHERE agent = ? ORDER BY timestamp DESC
	`
	args := []any{agent.String()}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryUpdates(ctx, query, args...)
}

func (s *SqliteStore) UpdatesSince(ctx context.Context, since time.Time) ([]Update, error) {
	return s.queryUpdates(ctx, `
		SELECT agent, prev_value, prev_confidence, prev_interactions, prev_last_updated,
		       curr_value, curr_confidence, curr_interactions, curr_last_updated,
		       reason_kind, reason_data, timestamp
		FROM updates WHERE timestamp >= ? ORDER BY timestamp ASC
	`, since)
}

func (s *SqliteStore) queryUpdates(ctx context.Context, query string, args ...any) ([]Update, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, swarmerr.Storage("query updates", err)
	}
	defer rows.Close()

	var out []Update
	for rows.Next() {
		var agentStr, reasonKind, reasonData string
		var u Update
		if err := rows.Scan(&agentStr,
			&u.PreviousScore.Value, &u.PreviousScore.Confidence, &u.PreviousScore.Interactions, &u.PreviousScore.LastUpdated,
			&u.CurrentScore.Value, &u.CurrentScore.Confidence, &u.CurrentScore.Interactions, &u.CurrentScore.LastUpdated,
			&reasonKind, &reasonData, &u.Timestamp); err != nil {
			return nil, swarmerr.Storage("scan update", err)
		}
		agent, err := ids.AgentIdFromString(agentStr)
		if err != nil {
			continue
		}
		u.Agent = agent
		u.PreviousScore.Agent, u.CurrentScore.Agent = agent, agent
		u.Reason = Reason{Kind: ReasonKind(reasonKind), Text: reasonData}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, swarmerr.Storage("iterate updates", err)
	}
	return out, nil
}

func (s *SqliteStore) RemoveAgent(ctx context.Context, agent ids.AgentId) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return swarmerr.Storage("begin remove", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM updates WHERE agent = ?`, agent.String()); err != nil {
		tx.Rollback()
		return swarmerr.Storage("delete updates", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM scores WHERE agent = ?`, agent.String()); err != nil {
		tx.Rollback()
		return swarmerr.Storage("delete score", err)
	}
	if err := tx.Commit(); err != nil {
		return swarmerr.Storage("commit remove", err)
	}
	return nil
}

func (s *SqliteStore) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, swarmerr.Storage("begin tx", err)
	}
	return &sqliteTx{tx: tx, ctx: ctx}, nil
}

// Backup uses Sqlite's backup API surface via VACUUM INTO, producing a
// single-file, directly-openable copy of the live database.
func (s *SqliteStore) Backup(ctx context.Context, path string) error {
	_ = os.Remove(path)
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return swarmerr.Storage("vacuum into backup", err)
	}
	return nil
}

// Restore closes the live handle, replaces the file on disk, and reopens.
func (s *SqliteStore) Restore(_ context.Context, path string) error {
	if err := s.db.Close(); err != nil {
		return swarmerr.Storage("close before restore", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return swarmerr.Storage("read snapshot", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return swarmerr.Storage("install snapshot", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_foreign_keys=on", s.path))
	if err != nil {
		return swarmerr.Storage("reopen after restore", err)
	}
	db.SetMaxOpenConns(1)
	s.db = db
	return nil
}

func (s *SqliteStore) Migrate(ctx context.Context, targetVersion int) error {
	if targetVersion > schemaVersion {
		return swarmerr.Config("unknown schema version")
	}
	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_info`).Scan(&current); err != nil {
		return swarmerr.Storage("read current version", err)
	}
	if targetVersion < current {
		return swarmerr.Config("migrations are forward-only")
	}
	for v := current + 1; v <= targetVersion; v++ {
		desc, ok := schemaDescription[v]
		if !ok {
			return swarmerr.Config(fmt.Sprintf("no migration registered for version %d", v))
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_info (version, description) VALUES (?, ?)`, v, desc); err != nil {
			return swarmerr.Storage("record migration", err)
		}
	}
	return nil
}

func (s *SqliteStore) Cleanup(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM updates WHERE timestamp < ?`, olderThan)
	if err != nil {
		return 0, swarmerr.Storage("cleanup updates", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, swarmerr.Storage("rows affected", err)
	}
	return int(n), nil
}

func (s *SqliteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return swarmerr.Storage("close sqlite", err)
	}
	return nil
}

// sqliteTx adapts *sql.Tx to the Tx interface; unlike the in-memory/JSON
// backends it writes through immediately and relies on Sqlite's own
// transaction isolation rather than buffering in Go.
type sqliteTx struct {
	tx   *sql.Tx
	ctx  context.Context
	done bool
}

func (t *sqliteTx) PutScore(score Score) error {
	return upsertScore(t.ctx, t.tx, score)
}

func (t *sqliteTx) AppendUpdate(update Update) error {
	return insertUpdate(t.ctx, t.tx, update)
}

func (t *sqliteTx) Commit() error {
	if t.done {
		return swarmerr.Storage("transaction already closed", nil)
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		return swarmerr.Storage("commit tx", err)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Rollback(); err != nil {
		return swarmerr.Storage("rollback tx", err)
	}
	return nil
}
