package proactive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kizunalab/kizuna/pkg/errs"
)

// SQLiteStore persists proactive send state and pending messages.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the proactive tables at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS proactive_user_states (
			user_id              TEXT PRIMARY KEY,
			last_proactive_at_ms INTEGER NOT NULL DEFAULT 0,
			daily_count          INTEGER NOT NULL DEFAULT 0,
			daily_count_date     TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS proactive_messages (
			id                   TEXT PRIMARY KEY,
			user_id              TEXT NOT NULL,
			content              TEXT NOT NULL,
			status               TEXT NOT NULL DEFAULT 'pending',
			created_at_ms        INTEGER NOT NULL,
			expires_at_ms        INTEGER NOT NULL,
			delivered_at_ms      INTEGER NOT NULL DEFAULT 0,
			trigger_context      TEXT NOT NULL DEFAULT '',
			notification_channel TEXT NOT NULL DEFAULT '',
			notification_sent    INTEGER NOT NULL DEFAULT 0,
			notification_error   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proactive_messages_user_status
			ON proactive_messages(user_id, status, created_at_ms)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table %q: %w", trimSQL(stmt), err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UserState returns the send bookkeeping for a user. A user with no row
// gets the zero state without writing one.
func (s *SQLiteStore) UserState(ctx context.Context, userID string) (UserState, error) {
	if userID == "" {
		return UserState{}, fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	st := UserState{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT last_proactive_at_ms, daily_count, daily_count_date
		FROM proactive_user_states WHERE user_id = ?`, userID).
		Scan(&st.LastProactiveAt, &st.DailyCount, &st.DailyCountDate)
	if errors.Is(err, sql.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return UserState{}, fmt.Errorf("read user state: %w", err)
	}
	return st, nil
}

// MarkSent charges one send against the user's counter. The increment is
// conditional inside the statement: a row carrying yesterday's date
// restarts the count at 1 for today instead of piling on.
func (s *SQLiteStore) MarkSent(ctx context.Context, userID string, atMS int64, localDate string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proactive_user_states (user_id, last_proactive_at_ms, daily_count, daily_count_date)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			daily_count = CASE
				WHEN proactive_user_states.daily_count_date = excluded.daily_count_date
				THEN proactive_user_states.daily_count + 1
				ELSE 1
			END,
			daily_count_date = excluded.daily_count_date,
			last_proactive_at_ms = MAX(proactive_user_states.last_proactive_at_ms, excluded.last_proactive_at_ms)`,
		userID, atMS, localDate)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	return nil
}

// InsertMessage stores a new pending message.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg Message) error {
	if msg.ID == "" || msg.UserID == "" {
		return fmt.Errorf("%w: message id and user id are required", errs.ErrValidation)
	}
	if msg.Status == "" {
		msg.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proactive_messages
			(id, user_id, content, status, created_at_ms, expires_at_ms,
			 delivered_at_ms, trigger_context, notification_channel, notification_sent, notification_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.UserID, msg.Content, msg.Status, msg.CreatedAt, msg.ExpiresAt,
		msg.DeliveredAt, msg.TriggerContext, msg.NotificationChannel, boolToInt(msg.NotificationSent), msg.NotificationError)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FetchPending returns the user's pending messages oldest first and marks
// them delivered in the same transaction, so a second fetch comes back
// empty. Pending messages past their expiry are flipped to expired first
// and never returned.
func (s *SQLiteStore) FetchPending(ctx context.Context, userID string, limit int, now time.Time) ([]Message, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", errs.ErrValidation)
	}
	nowMS := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin fetch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE proactive_messages SET status = ?
		WHERE user_id = ? AND status = ? AND expires_at_ms <= ?`,
		StatusExpired, userID, StatusPending, nowMS); err != nil {
		return nil, fmt.Errorf("expire stale messages: %w", err)
	}

	query := `
		SELECT id, user_id, content, status, created_at_ms, expires_at_ms,
		       delivered_at_ms, trigger_context, notification_channel, notification_sent, notification_error
		FROM proactive_messages
		WHERE user_id = ? AND status = ?
		ORDER BY created_at_ms ASC`
	args := []any{userID, StatusPending}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pending messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}

	if len(msgs) > 0 {
		ids := make([]string, len(msgs))
		params := make([]any, 0, len(msgs)+2)
		params = append(params, StatusDelivered, nowMS)
		for i, m := range msgs {
			ids[i] = "?"
			params = append(params, m.ID)
		}
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE proactive_messages SET status = ?, delivered_at_ms = ?
			WHERE id IN (%s)`, strings.Join(ids, ",")), params...); err != nil {
			return nil, fmt.Errorf("mark delivered: %w", err)
		}
		for i := range msgs {
			msgs[i].Status = StatusDelivered
			msgs[i].DeliveredAt = nowMS
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit fetch tx: %w", err)
	}
	return msgs, nil
}

// GetMessage returns one message by id.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, status, created_at_ms, expires_at_ms,
		       delivered_at_ms, trigger_context, notification_channel, notification_sent, notification_error
		FROM proactive_messages WHERE id = ?`, id)
	if err != nil {
		return Message{}, fmt.Errorf("query message: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, fmt.Errorf("%w: message %s", errs.ErrNotFound, id)
	}
	return msgs[0], nil
}

// RecordNotification stores the outcome of the out-of-band push for a
// message. Delivery status is untouched; the client still picks the
// message up through the pending feed.
func (s *SQLiteStore) RecordNotification(ctx context.Context, id, channel string, sent bool, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE proactive_messages
		SET notification_channel = ?, notification_sent = ?, notification_error = ?
		WHERE id = ?`,
		channel, boolToInt(sent), errMsg, id)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record notification rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s", errs.ErrNotFound, id)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	var msgs []Message
	for rows.Next() {
		var m Message
		var sent int
		if err := rows.Scan(&m.ID, &m.UserID, &m.Content, &m.Status, &m.CreatedAt,
			&m.ExpiresAt, &m.DeliveredAt, &m.TriggerContext, &m.NotificationChannel, &sent, &m.NotificationError); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.NotificationSent = sent != 0
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return msgs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func trimSQL(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) > 6 {
		fields = fields[:6]
	}
	return strings.Join(fields, " ")
}
