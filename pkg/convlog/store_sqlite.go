package convlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kizunalab/kizuna/pkg/errs"
)

// SQLiteStore is the canonical persistent conversation storage.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates/opens the conversation database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create conversation db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process service. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
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
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS conversation_logs (
			user_id TEXT NOT NULL,
			id TEXT NOT NULL,
			date TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			attachments_json TEXT NOT NULL DEFAULT '[]',
			reply_to TEXT NOT NULL DEFAULT '',
			ts_ms INTEGER NOT NULL,
			display_name TEXT NOT NULL DEFAULT '',
			time_zone TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			PRIMARY KEY(user_id, id)
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_logs_user_ts_idx ON conversation_logs(user_id, ts_ms, id);`,
		`CREATE INDEX IF NOT EXISTS conversation_logs_reply_idx ON conversation_logs(user_id, reply_to);`,
		`CREATE TABLE IF NOT EXISTS conversation_tombstones (
			user_id TEXT NOT NULL,
			log_id TEXT NOT NULL,
			deleted_at_ms INTEGER NOT NULL,
			PRIMARY KEY(user_id, log_id)
		);`,
		`CREATE INDEX IF NOT EXISTS conversation_tombstones_user_at_idx ON conversation_tombstones(user_id, deleted_at_ms, log_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func nowMS() int64 { return time.Now().UnixMilli() }

func encodeAttachments(atts []Attachment) string {
	if len(atts) == 0 {
		return "[]"
	}
	b, err := json.Marshal(atts)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeAttachments(raw string) []Attachment {
	if raw == "" || raw == "[]" {
		return nil
	}
	out := []Attachment{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// UpsertEntry writes or refreshes an entry. Re-sending the same id is a
// no-op update; reply_to is sticky: once set the first value stays.
func (s *SQLiteStore) UpsertEntry(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO conversation_logs(user_id, id, date, role, content, attachments_json, reply_to, ts_ms, display_name, time_zone, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, id) DO UPDATE SET
	date = excluded.date,
	role = excluded.role,
	content = excluded.content,
	attachments_json = excluded.attachments_json,
	reply_to = CASE WHEN conversation_logs.reply_to <> '' THEN conversation_logs.reply_to ELSE excluded.reply_to END,
	ts_ms = excluded.ts_ms,
	display_name = CASE WHEN excluded.display_name <> '' THEN excluded.display_name ELSE conversation_logs.display_name END,
	time_zone = CASE WHEN excluded.time_zone <> '' THEN excluded.time_zone ELSE conversation_logs.time_zone END`,
		e.UserID, e.ID, e.Date, e.Role, e.Content, encodeAttachments(e.Attachments), e.ReplyTo, e.Timestamp, e.DisplayName, e.TimeZone, nowMS())
	if err != nil {
		return fmt.Errorf("upsert entry: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, userID, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, id, date, role, content, attachments_json, reply_to, ts_ms, display_name, time_zone
FROM conversation_logs
WHERE user_id = ? AND id = ?`, userID, id)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("get entry %s: %w", id, errs.ErrNotFound)
		}
		return Entry{}, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var e Entry
	var attsRaw string
	if err := row.Scan(&e.UserID, &e.ID, &e.Date, &e.Role, &e.Content, &attsRaw, &e.ReplyTo, &e.Timestamp, &e.DisplayName, &e.TimeZone); err != nil {
		return Entry{}, err
	}
	e.Attachments = decodeAttachments(attsRaw)
	return e, nil
}

// notTombstoned guards every timeline read: a log with a tombstone is
// invisible even if its row has not been physically removed yet.
const notTombstoned = ` AND NOT EXISTS (
	SELECT 1 FROM conversation_tombstones t
	WHERE t.user_id = conversation_logs.user_id AND t.log_id = conversation_logs.id)`

// ListAfter returns entries with ts_ms strictly greater than afterMS in
// ascending timeline order, optionally filtered by role.
func (s *SQLiteStore) ListAfter(ctx context.Context, userID string, afterMS int64, limit int, roles []string) ([]Entry, error) {
	query := `
SELECT user_id, id, date, role, content, attachments_json, reply_to, ts_ms, display_name, time_zone
FROM conversation_logs
WHERE user_id = ? AND ts_ms > ?` + notTombstoned
	args := []any{userID, afterMS}
	if len(roles) > 0 {
		query += ` AND role IN (` + strings.TrimRight(strings.Repeat("?,", len(roles)), ",") + `)`
		for _, r := range roles {
			args = append(args, r)
		}
	}
	query += ` ORDER BY ts_ms ASC, id ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entries after: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

// ListRange returns entries with fromMS <= ts_ms < toMS ascending.
func (s *SQLiteStore) ListRange(ctx context.Context, userID string, fromMS, toMS int64, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT user_id, id, date, role, content, attachments_json, reply_to, ts_ms, display_name, time_zone
FROM conversation_logs
WHERE user_id = ? AND ts_ms >= ? AND ts_ms < ?`+notTombstoned+`
ORDER BY ts_ms ASC, id ASC
LIMIT ?`, userID, fromMS, toMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list entries range: %w", err)
	}
	defer rows.Close()

	return collectEntries(rows)
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entries: %w", err)
	}
	return out, nil
}

// LatestEntry returns the newest entry for a user.
func (s *SQLiteStore) LatestEntry(ctx context.Context, userID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT user_id, id, date, role, content, attachments_json, reply_to, ts_ms, display_name, time_zone
FROM conversation_logs
WHERE user_id = ?`+notTombstoned+`
ORDER BY ts_ms DESC, id DESC
LIMIT 1`, userID)
	e, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, fmt.Errorf("latest entry for %s: %w", userID, errs.ErrNotFound)
		}
		return Entry{}, fmt.Errorf("latest entry: %w", err)
	}
	return e, nil
}

// EntriesReplyingTo returns ids of entries whose reply_to points at any of
// the given ids. One hop only.
func (s *SQLiteStore) EntriesReplyingTo(ctx context.Context, userID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT id FROM conversation_logs
WHERE user_id = ? AND reply_to IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("entries replying to: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reply id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reply ids: %w", err)
	}
	return out, nil
}

// IDsAfterTimestamp returns ids of entries strictly newer than tsMS.
func (s *SQLiteStore) IDsAfterTimestamp(ctx context.Context, userID string, tsMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM conversation_logs
WHERE user_id = ? AND ts_ms > ?`, userID, tsMS)
	if err != nil {
		return nil, fmt.Errorf("ids after timestamp: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ids: %w", err)
	}
	return out, nil
}

// IsDeleted reports whether a tombstone exists for the id.
func (s *SQLiteStore) IsDeleted(ctx context.Context, userID, id string) (bool, error) {
	if id == "" {
		return false, nil
	}
	row := s.db.QueryRowContext(ctx, `
SELECT 1 FROM conversation_tombstones WHERE user_id = ? AND log_id = ?`, userID, id)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return true, nil
}

// InsertTombstones records deletions at atMS. Re-deleting keeps the later
// deleted_at so the sync feed stays monotonic.
func (s *SQLiteStore) InsertTombstones(ctx context.Context, userID string, ids []string, atMS int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("insert tombstones begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO conversation_tombstones(user_id, log_id, deleted_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(user_id, log_id) DO UPDATE SET
	deleted_at_ms = MAX(conversation_tombstones.deleted_at_ms, excluded.deleted_at_ms)`)
	if err != nil {
		return fmt.Errorf("insert tombstones prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, userID, id, atMS); err != nil {
			return fmt.Errorf("insert tombstone %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("insert tombstones commit: %w", err)
	}
	return nil
}

// DeleteWithTombstones tombstones the ids and physically removes their
// rows in one transaction, so a crash never leaves a deleted row without
// its tombstone or vice versa. Returns how many rows existed. Re-deleting
// keeps the later deleted_at so the sync feed stays monotonic.
func (s *SQLiteStore) DeleteWithTombstones(ctx context.Context, userID string, ids []string, atMS int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO conversation_tombstones(user_id, log_id, deleted_at_ms)
VALUES(?, ?, ?)
ON CONFLICT(user_id, log_id) DO UPDATE SET
	deleted_at_ms = MAX(conversation_tombstones.deleted_at_ms, excluded.deleted_at_ms)`)
	if err != nil {
		return 0, fmt.Errorf("delete prepare tombstones: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, userID, id, atMS); err != nil {
			return 0, fmt.Errorf("tombstone %s: %w", id, err)
		}
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
DELETE FROM conversation_logs WHERE user_id = ? AND id IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("delete entries: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete commit: %w", err)
	}
	return int(n), nil
}

// ListTombstonesAfter returns tombstones with deleted_at_ms strictly
// greater than afterMS, ascending.
func (s *SQLiteStore) ListTombstonesAfter(ctx context.Context, userID string, afterMS int64, limit int) ([]Tombstone, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT log_id, deleted_at_ms
FROM conversation_tombstones
WHERE user_id = ? AND deleted_at_ms > ?
ORDER BY deleted_at_ms ASC, log_id ASC
LIMIT ?`, userID, afterMS, limit)
	if err != nil {
		return nil, fmt.Errorf("list tombstones after: %w", err)
	}
	defer rows.Close()

	out := []Tombstone{}
	for rows.Next() {
		var t Tombstone
		if err := rows.Scan(&t.LogID, &t.DeletedAt); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tombstones: %w", err)
	}
	return out, nil
}

// ActiveUsersSince returns distinct user ids with at least one entry newer
// than sinceMS.
func (s *SQLiteStore) ActiveUsersSince(ctx context.Context, sinceMS int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT user_id FROM conversation_logs
WHERE ts_ms > ?`+notTombstoned+`
ORDER BY user_id ASC`, sinceMS)
	if err != nil {
		return nil, fmt.Errorf("active users since: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return out, nil
}
