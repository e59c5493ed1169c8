// Package convlog stores the per-user conversation history and implements
// the client sync protocol: idempotent appends, incremental pulls, and
// tombstoned deletes so every device converges on the same timeline.
package convlog

import "time"

// Roles a log entry can carry.
const (
	RoleUser      = "user"
	RoleCompanion = "companion"
)

// Attachment is an opaque media reference carried alongside an entry.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
}

// Entry is one conversation log row. IDs are client-generated and unique
// per user; the (userID, timestamp) pair defines the timeline order.
type Entry struct {
	ID          string       `json:"id"`
	UserID      string       `json:"userId"`
	Date        string       `json:"date"` // YYYY-MM-DD in the entry's time zone
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	Timestamp   int64        `json:"timestamp"` // ms since epoch
	DisplayName string       `json:"displayName,omitempty"`
	TimeZone    string       `json:"timeZone,omitempty"`
}

// Tombstone records a deleted entry id so offline clients can drop local
// copies on their next pull.
type Tombstone struct {
	LogID     string `json:"logId"`
	DeletedAt int64  `json:"deletedAt"` // ms since epoch
}

// AppendResult acknowledges an append with the stored coordinates.
type AppendResult struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	Timestamp int64  `json:"timestamp"`
}

// Activity summarizes the most recent entry for a user. TimeZone is the
// zone that entry was written in, empty when the client never sent one.
type Activity struct {
	Date      string  `json:"date"`
	DaysSince float64 `json:"daysSince"`
	Timestamp int64   `json:"timestamp"`
	TimeZone  string  `json:"timeZone,omitempty"`
}

// DateForTimestamp renders the calendar date of a ms timestamp in the named
// zone, falling back to UTC when the zone is unknown.
func DateForTimestamp(tsMS int64, timeZone string) string {
	loc := time.UTC
	if timeZone != "" {
		if l, err := time.LoadLocation(timeZone); err == nil {
			loc = l
		}
	}
	return time.UnixMilli(tsMS).In(loc).Format("2006-01-02")
}
