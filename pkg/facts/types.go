// Package facts keeps the durable things the companion has learned about
// each user, and periodically asks the model to tidy them up.
package facts

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Fact is one remembered statement. The id is deterministic from the user
// and normalized text, so re-asserting the same fact is a no-op upsert.
type Fact struct {
	ID         string `json:"id"`
	UserID     string `json:"userId"`
	Text       string `json:"text"`
	CreatedAt  int64  `json:"createdAt"`  // ms since epoch
	UpdatedAt  int64  `json:"updatedAt"`  // ms since epoch
	ArchivedAt int64  `json:"archivedAt"` // ms since epoch, 0 = active
}

// FactID derives the canonical id: fact:<user>:<contenthash>.
func FactID(userID, text string) string {
	n := strings.ToLower(strings.TrimSpace(text))
	h := sha1.Sum([]byte(n))
	return "fact:" + userID + ":" + hex.EncodeToString(h[:8])
}

// Plan is the model's partition of the active facts.
type Plan struct {
	Keep    []string  `json:"keep"`
	Merge   []MergeOp `json:"merge"`
	Archive []string  `json:"archive"`
}

// MergeOp folds several facts into one replacement text.
type MergeOp struct {
	From []string `json:"from"`
	Into string   `json:"into"`
}
