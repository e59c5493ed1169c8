// Package proactive decides when the companion reaches out first, writes
// the message through the conversation log, and tracks its delivery.
package proactive

// SkipReason explains why a user was not messaged this tick. The gate
// chain reports the first failing gate.
type SkipReason string

const (
	ReasonEligible      SkipReason = "eligible"
	ReasonDisabled      SkipReason = "disabled"
	ReasonQuietHours    SkipReason = "quiet_hours"
	ReasonDailyLimit    SkipReason = "daily_limit"
	ReasonCooldown      SkipReason = "cooldown"
	ReasonIntimacyLow   SkipReason = "intimacy_too_low"
	ReasonRecentActive  SkipReason = "recent_active"
	ReasonAgentDeclined SkipReason = "agent_declined"
	ReasonError         SkipReason = "error"
)

// Message statuses.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusExpired   = "expired"
)

// UserState is the per-user send bookkeeping. dailyCount only counts when
// dailyCountDate equals the user's current local date; a stale date means
// the counter lazily resets on the next send.
type UserState struct {
	UserID          string `json:"userId"`
	LastProactiveAt int64  `json:"lastProactiveAt"` // ms since epoch, 0 = never
	DailyCount      int    `json:"dailyCount"`
	DailyCountDate  string `json:"dailyCountDate"` // YYYY-MM-DD local
}

// Message is one proactive send awaiting client pickup. Undelivered
// messages expire lazily at fetch time.
type Message struct {
	ID                  string `json:"id"`
	UserID              string `json:"userId"`
	Content             string `json:"content"`
	Status              string `json:"status"`
	CreatedAt           int64  `json:"createdAt"`             // ms since epoch
	ExpiresAt           int64  `json:"expiresAt"`             // ms since epoch
	DeliveredAt         int64  `json:"deliveredAt,omitempty"` // ms since epoch
	TriggerContext      string `json:"triggerContext,omitempty"`
	NotificationChannel string `json:"notificationChannel,omitempty"`
	NotificationSent    bool   `json:"notificationSent"`
	NotificationError   string `json:"notificationError,omitempty"`
}

// UserResult is the per-user outcome of one tick.
type UserResult struct {
	UserID string     `json:"userId"`
	Sent   bool       `json:"sent"`
	Reason SkipReason `json:"reason"`
	Error  string     `json:"error,omitempty"`
}

// TickReport summarizes a scheduler pass.
type TickReport struct {
	Candidates int          `json:"candidates"`
	Sent       int          `json:"sent"`
	Results    []UserResult `json:"results"`
}
