package facts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kizunalab/kizuna/pkg/errs"
)

// SQLiteStore persists fact memories.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the facts database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create facts db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS fact_memories (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			archived_at_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS fact_memories_user_idx ON fact_memories(user_id, archived_at_ms, updated_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

// Upsert writes a fact by its deterministic id. Re-asserting an archived
// fact revives it.
func (s *SQLiteStore) Upsert(ctx context.Context, userID, text string) (Fact, error) {
	if strings.TrimSpace(userID) == "" {
		return Fact{}, fmt.Errorf("upsert fact: empty userId: %w", errs.ErrValidation)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Fact{}, fmt.Errorf("upsert fact: empty text: %w", errs.ErrValidation)
	}
	now := nowMS()
	f := Fact{
		ID:        FactID(userID, text),
		UserID:    userID,
		Text:      text,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO fact_memories(id, user_id, text, created_at_ms, updated_at_ms, archived_at_ms)
VALUES(?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	text = excluded.text,
	updated_at_ms = excluded.updated_at_ms,
	archived_at_ms = 0`,
		f.ID, f.UserID, f.Text, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return Fact{}, fmt.Errorf("upsert fact: %w", err)
	}
	return f, nil
}

// ActiveFacts lists unarchived facts, newest first. limit <= 0 means all.
func (s *SQLiteStore) ActiveFacts(ctx context.Context, userID string, limit int) ([]Fact, error) {
	query := `
SELECT id, user_id, text, created_at_ms, updated_at_ms, archived_at_ms
FROM fact_memories
WHERE user_id = ? AND archived_at_ms = 0
ORDER BY updated_at_ms DESC, id ASC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list active facts: %w", err)
	}
	defer rows.Close()

	out := []Fact{}
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.UserID, &f.Text, &f.CreatedAt, &f.UpdatedAt, &f.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate facts: %w", err)
	}
	return out, nil
}

// ActiveCount returns the number of unarchived facts for a user.
func (s *SQLiteStore) ActiveCount(ctx context.Context, userID string) (int, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM fact_memories WHERE user_id = ? AND archived_at_ms = 0`, userID)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count active facts: %w", err)
	}
	return n, nil
}

// Get returns a fact by id.
func (s *SQLiteStore) Get(ctx context.Context, userID, id string) (Fact, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, user_id, text, created_at_ms, updated_at_ms, archived_at_ms
FROM fact_memories
WHERE user_id = ? AND id = ?`, userID, id)
	var f Fact
	if err := row.Scan(&f.ID, &f.UserID, &f.Text, &f.CreatedAt, &f.UpdatedAt, &f.ArchivedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Fact{}, fmt.Errorf("get fact %s: %w", id, errs.ErrNotFound)
		}
		return Fact{}, fmt.Errorf("get fact: %w", err)
	}
	return f, nil
}

// Archive soft-deletes a fact.
func (s *SQLiteStore) Archive(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE fact_memories SET archived_at_ms = ? WHERE user_id = ? AND id = ? AND archived_at_ms = 0`,
		nowMS(), userID, id)
	if err != nil {
		return fmt.Errorf("archive fact: %w", err)
	}
	return nil
}

// DeleteHard removes a fact row entirely.
func (s *SQLiteStore) DeleteHard(ctx context.Context, userID, id string) error {
	_, err := s.db.ExecContext(ctx, `
DELETE FROM fact_memories WHERE user_id = ? AND id = ?`, userID, id)
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}

// ApplyPlan applies validated merge and archive operations in one
// transaction: replacements are written before their sources disappear, so
// an interrupted apply never loses information.
func (s *SQLiteStore) ApplyPlan(ctx context.Context, userID string, merges []MergeOp, archive []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply plan begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := nowMS()
	for _, m := range merges {
		into := strings.TrimSpace(m.Into)
		if into == "" || len(m.From) == 0 {
			continue
		}
		newID := FactID(userID, into)
		if _, err := tx.ExecContext(ctx, `
INSERT INTO fact_memories(id, user_id, text, created_at_ms, updated_at_ms, archived_at_ms)
VALUES(?, ?, ?, ?, ?, 0)
ON CONFLICT(id) DO UPDATE SET
	text = excluded.text,
	updated_at_ms = excluded.updated_at_ms,
	archived_at_ms = 0`, newID, userID, into, now, now); err != nil {
			return fmt.Errorf("apply plan merge insert: %w", err)
		}
		for _, oldID := range m.From {
			if oldID == newID {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
DELETE FROM fact_memories WHERE user_id = ? AND id = ?`, userID, oldID); err != nil {
				return fmt.Errorf("apply plan merge delete: %w", err)
			}
		}
	}

	for _, id := range archive {
		if _, err := tx.ExecContext(ctx, `
UPDATE fact_memories SET archived_at_ms = ? WHERE user_id = ? AND id = ? AND archived_at_ms = 0`,
			now, userID, id); err != nil {
			return fmt.Errorf("apply plan archive: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply plan commit: %w", err)
	}
	return nil
}
