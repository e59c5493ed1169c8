package facts

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/kizunalab/kizuna/pkg/logger"
	"github.com/kizunalab/kizuna/pkg/providers"
)

// DefaultConsolidationThreshold is the active-fact count that triggers a
// tidy-up pass.
const DefaultConsolidationThreshold = 15

// Consolidator asks the model to partition the active facts into keep /
// merge / archive and applies the result.
type Consolidator struct {
	store     *SQLiteStore
	provider  providers.LLMProvider
	threshold int
	log       zerolog.Logger
}

func NewConsolidator(store *SQLiteStore, provider providers.LLMProvider, threshold int) *Consolidator {
	if threshold <= 0 {
		threshold = DefaultConsolidationThreshold
	}
	return &Consolidator{
		store:     store,
		provider:  provider,
		threshold: threshold,
		log:       logger.C("facts"),
	}
}

// ConsolidateIfNeeded runs a consolidation pass when the user has reached
// the threshold. A malformed model response is a logged no-op: an
// incomplete plan must never delete anything.
func (c *Consolidator) ConsolidateIfNeeded(ctx context.Context, userID, userName string) error {
	all, err := c.store.ActiveFacts(ctx, userID, 0)
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	if len(all) < c.threshold {
		c.log.Debug().Str("user", userID).Int("count", len(all)).Msg("consolidation skipped, below threshold")
		return nil
	}

	var sb strings.Builder
	for _, f := range all {
		fmt.Fprintf(&sb, "[%s] %s\n", f.ID, f.Text)
	}

	resp, err := c.provider.Chat(ctx, []providers.Message{
		{Role: "system", Content: consolidationSystemPrompt},
		{Role: "user", Content: fmt.Sprintf("Here is everything I have written down about %s:\n\n%s\nPlease tidy it up.", displayName(userName), sb.String())},
	}, nil, "", map[string]any{"temperature": 0.3, "max_tokens": 4096})
	if err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}

	plan, ok := ParsePlan(resp.Content)
	if !ok {
		c.log.Warn().Str("user", userID).Str("raw", truncateRaw(resp.Content)).Msg("consolidation plan unparseable, skipping")
		return nil
	}

	existing := make(map[string]struct{}, len(all))
	for _, f := range all {
		existing[f.ID] = struct{}{}
	}

	merges := make([]MergeOp, 0, len(plan.Merge))
	for _, m := range plan.Merge {
		valid := make([]string, 0, len(m.From))
		for _, id := range m.From {
			if _, ok := existing[id]; ok {
				valid = append(valid, id)
			}
		}
		if len(valid) == 0 || strings.TrimSpace(m.Into) == "" {
			continue
		}
		merges = append(merges, MergeOp{From: valid, Into: m.Into})
	}
	archive := make([]string, 0, len(plan.Archive))
	for _, id := range plan.Archive {
		if _, ok := existing[id]; ok {
			archive = append(archive, id)
		}
	}

	if len(merges) == 0 && len(archive) == 0 {
		c.log.Info().Str("user", userID).Int("count", len(all)).Msg("consolidation kept everything")
		return nil
	}

	if err := c.store.ApplyPlan(ctx, userID, merges, archive); err != nil {
		return fmt.Errorf("consolidate: %w", err)
	}
	c.log.Info().Str("user", userID).
		Int("kept", len(plan.Keep)).
		Int("merged", len(merges)).
		Int("archived", len(archive)).
		Msg("consolidation applied")
	return nil
}

const consolidationSystemPrompt = `You are tidying up your own notebook of things you know about your friend.

Some notes may repeat each other, some may be outdated. Reorganize them without losing anything that could still matter.

Rules:
- merge: two notes describing the same thing (different wording) become one note keeping the fuller information
- archive: notes clearly outdated or contradicted by later ones
- keep: when in doubt, keep; never archive something you are unsure about

Output format: return exactly one JSON object, no explanation, no Markdown:
{
  "keep": ["fact:xxx:yyy", ...],
  "merge": [{ "from": ["fact:xxx:aaa", "fact:xxx:bbb"], "into": "merged text" }, ...],
  "archive": ["fact:xxx:zzz", ...]
}

Hard rules:
1. Output a single JSON object only, no prefix, suffix or code fence.
2. Every input id must appear in exactly one of keep, merge.from or archive.
3. merge.into must be one concise sentence.`

// ParsePlan defensively extracts a Plan from raw model output: code fences
// are stripped, the outermost {...} is taken, anything unparseable yields
// ok=false.
func ParsePlan(raw string) (Plan, bool) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Plan{}, false
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return Plan{}, false
	}

	var plan Plan
	if err := json.Unmarshal([]byte(text[start:end+1]), &plan); err != nil {
		return Plan{}, false
	}
	return plan, true
}

func displayName(name string) string {
	if strings.TrimSpace(name) == "" {
		return "them"
	}
	return name
}

func truncateRaw(raw string) string {
	if len(raw) > 500 {
		return raw[:500] + "..."
	}
	return raw
}
