package relationship

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

// SQLiteStore persists relationship states.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the relationship database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create relationship db dir: %w", err)
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
		`CREATE TABLE IF NOT EXISTS relationship_states (
			user_id TEXT PRIMARY KEY,
			status_label TEXT NOT NULL,
			status_pill_color TEXT NOT NULL,
			status_text_color TEXT NOT NULL,
			status_reason TEXT NOT NULL DEFAULT '',
			status_updated_at_ms INTEGER NOT NULL DEFAULT 0,
			intimacy INTEGER NOT NULL DEFAULT 0,
			last_interaction_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

// ReadState returns the user's state with read-time decay applied. Users
// without a row get neutral defaults; nothing is written.
func (s *SQLiteStore) ReadState(ctx context.Context, userID string) (State, error) {
	if strings.TrimSpace(userID) == "" {
		return State{}, fmt.Errorf("read state: empty userId: %w", errs.ErrValidation)
	}
	now := nowMS()
	st, err := s.getStored(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return defaultState(userID, now), nil
		}
		return State{}, fmt.Errorf("read state: %w", err)
	}
	st.Intimacy = decayedIntimacy(st.Intimacy, st.LastInteractionAt, now)
	return st, nil
}

// ApplyDelta adjusts intimacy by a clamped, possibly dampened delta and
// touches the interaction timestamps. Returns the stored result.
func (s *SQLiteStore) ApplyDelta(ctx context.Context, userID string, delta int) (State, error) {
	if strings.TrimSpace(userID) == "" {
		return State{}, fmt.Errorf("apply delta: empty userId: %w", errs.ErrValidation)
	}
	now := nowMS()
	st, err := s.getStored(ctx, userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return State{}, fmt.Errorf("apply delta: %w", err)
		}
		st = defaultState(userID, now)
	}

	// Decay accrued during the silence lands first, then the delta.
	current := decayedIntimacy(st.Intimacy, st.LastInteractionAt, now)
	st.Intimacy = clampIntimacy(current + effectiveDelta(current, delta))
	st.LastInteractionAt = now
	st.UpdatedAt = now

	if err := s.upsert(ctx, st); err != nil {
		return State{}, fmt.Errorf("apply delta: %w", err)
	}
	return st, nil
}

// UpdateStatus replaces the display status and touches the interaction
// timestamps.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, userID, label, pillColor, textColor, reason string) (State, error) {
	if strings.TrimSpace(userID) == "" {
		return State{}, fmt.Errorf("update status: empty userId: %w", errs.ErrValidation)
	}
	if strings.TrimSpace(label) == "" {
		return State{}, fmt.Errorf("update status: empty label: %w", errs.ErrValidation)
	}
	now := nowMS()
	st, err := s.getStored(ctx, userID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return State{}, fmt.Errorf("update status: %w", err)
		}
		st = defaultState(userID, now)
	}

	st.StatusLabel = label
	if pillColor != "" {
		st.StatusPillColor = pillColor
	}
	if textColor != "" {
		st.StatusTextColor = textColor
	}
	st.StatusReason = reason
	st.StatusUpdatedAt = now
	st.LastInteractionAt = now
	st.UpdatedAt = now

	if err := s.upsert(ctx, st); err != nil {
		return State{}, fmt.Errorf("update status: %w", err)
	}
	return st, nil
}

func (s *SQLiteStore) getStored(ctx context.Context, userID string) (State, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, status_label, status_pill_color, status_text_color, status_reason,
	status_updated_at_ms, intimacy, last_interaction_at_ms, updated_at_ms
FROM relationship_states
WHERE user_id = ?`, userID)
	var st State
	err := row.Scan(&st.UserID, &st.StatusLabel, &st.StatusPillColor, &st.StatusTextColor,
		&st.StatusReason, &st.StatusUpdatedAt, &st.Intimacy, &st.LastInteractionAt, &st.UpdatedAt)
	return st, err
}

func (s *SQLiteStore) upsert(ctx context.Context, st State) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO relationship_states(user_id, status_label, status_pill_color, status_text_color, status_reason, status_updated_at_ms, intimacy, last_interaction_at_ms, updated_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id) DO UPDATE SET
	status_label = excluded.status_label,
	status_pill_color = excluded.status_pill_color,
	status_text_color = excluded.status_text_color,
	status_reason = excluded.status_reason,
	status_updated_at_ms = excluded.status_updated_at_ms,
	intimacy = excluded.intimacy,
	last_interaction_at_ms = excluded.last_interaction_at_ms,
	updated_at_ms = excluded.updated_at_ms`,
		st.UserID, st.StatusLabel, st.StatusPillColor, st.StatusTextColor, st.StatusReason,
		st.StatusUpdatedAt, st.Intimacy, st.LastInteractionAt, st.UpdatedAt)
	return err
}
