// Package relationship tracks the companion's bond with each user: a
// display status and an intimacy score that decays with silence.
package relationship

// State is the per-user relationship row. Intimacy is clamped to
// [-100, 100]; the stored value is the last written one, decay is applied
// when reading.
type State struct {
	UserID            string `json:"userId"`
	StatusLabel       string `json:"statusLabel"`
	StatusPillColor   string `json:"statusPillColor"`
	StatusTextColor   string `json:"statusTextColor"`
	StatusReason      string `json:"statusReason,omitempty"`
	StatusUpdatedAt   int64  `json:"statusUpdatedAt"` // ms since epoch
	Intimacy          int    `json:"intimacy"`
	LastInteractionAt int64  `json:"lastInteractionAt"` // ms since epoch
	UpdatedAt         int64  `json:"updatedAt"`         // ms since epoch
}

// Neutral defaults for users without a stored state yet.
const (
	defaultStatusLabel     = "acquaintance"
	defaultStatusPillColor = "#9CA3AF"
	defaultStatusTextColor = "#FFFFFF"
)

func defaultState(userID string, nowMS int64) State {
	return State{
		UserID:            userID,
		StatusLabel:       defaultStatusLabel,
		StatusPillColor:   defaultStatusPillColor,
		StatusTextColor:   defaultStatusTextColor,
		Intimacy:          0,
		LastInteractionAt: nowMS,
		UpdatedAt:         nowMS,
	}
}
