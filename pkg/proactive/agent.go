package proactive

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/logger"
	"github.com/kizunalab/kizuna/pkg/providers"
)

const (
	defaultMaxRounds = 3
	defaultCompanion = "Kizuna"
	skipMarker       = "[SKIP]"
	sendNotifyTool   = "send_notification"
)

const systemPromptTemplate = `You are %s, a warm conversational companion. You noticed %s has been quiet and you are considering reaching out first.

You will see the recent conversation between you and them. Write one short, natural message to send right now. It should pick up on something from the conversation or the time of day, not read like a template.

Rules:
- Write in the language the user writes in.
- Keep it to a sentence or two. No greetings like a newsletter, no "just checking in".
- If you think reaching out now would feel clingy or there is nothing worth saying, reply with exactly %s and nothing else.
- If the message is time-sensitive and worth a push notification, call send_notification once with a short title and body. Still reply with the chat message afterwards.
- Reply with the message text only. Never prefix it with timestamps or speaker names.`

// NotificationRequest is the agent's single allowed push request.
type NotificationRequest struct {
	Title string
	Body  string
}

// Decision is what the agent wants done for one user.
type Decision struct {
	Message      string
	Skip         bool
	Notification *NotificationRequest
}

// AgentInput is everything the agent sees about one user at decision time.
type AgentInput struct {
	UserID            string
	Intimacy          int
	HoursSinceContact float64
	Entries           []convlog.Entry
	Now               time.Time
	Location          *time.Location
}

// Agent runs the bounded tool loop that drafts proactive messages.
type Agent struct {
	provider  providers.LLMProvider
	model     string
	maxRounds int
	maxRunes  int
	companion string
	log       zerolog.Logger
}

// NewAgent builds an agent on the given provider. model empty means the
// provider default; maxRunes <= 0 disables truncation.
func NewAgent(provider providers.LLMProvider, model string, maxRunes int) *Agent {
	if model == "" {
		model = provider.GetDefaultModel()
	}
	return &Agent{
		provider:  provider,
		model:     model,
		maxRounds: defaultMaxRounds,
		maxRunes:  maxRunes,
		companion: defaultCompanion,
		log:       logger.C("proactive-agent"),
	}
}

// Decide drafts the outgoing message for one user, or declines. The model
// gets at most maxRounds rounds; a conversation that still wants tools
// after the last round produces no message.
func (a *Agent) Decide(ctx context.Context, in AgentInput) (Decision, error) {
	userName := displayName(in.Entries)
	messages := []providers.Message{
		{Role: "system", Content: fmt.Sprintf(systemPromptTemplate, a.companion, userName, skipMarker)},
		{Role: "user", Content: a.buildPrompt(in, userName)},
	}
	tools := []providers.ToolDefinition{notificationTool()}
	options := map[string]any{"temperature": 0.8, "max_tokens": 1024}

	var notification *NotificationRequest
	for round := 0; round < a.maxRounds; round++ {
		resp, err := a.provider.Chat(ctx, messages, tools, a.model, options)
		if err != nil {
			return Decision{}, fmt.Errorf("agent chat round %d: %w", round+1, err)
		}

		if !resp.HasToolCalls() {
			text := sanitizeMessage(resp.Content)
			if text == "" || strings.HasPrefix(text, skipMarker) {
				return Decision{Skip: true}, nil
			}
			return Decision{Message: truncateRunes(text, a.maxRunes), Notification: notification}, nil
		}

		messages = append(messages, assistantEcho(resp))
		for _, call := range resp.ToolCalls {
			result := "unknown tool"
			if call.Name == sendNotifyTool {
				if notification != nil {
					result = "already requested"
				} else {
					notification = &NotificationRequest{
						Title: stringArg(call.Arguments, "title"),
						Body:  stringArg(call.Arguments, "body"),
					}
					result = "ok"
				}
			}
			messages = append(messages, providers.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Name:       call.Name,
				Content:    result,
			})
		}
	}

	a.log.Debug().Str("user", in.UserID).Msg("agent exhausted rounds without a message")
	return Decision{Skip: true}, nil
}

func (a *Agent) buildPrompt(in AgentInput, userName string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current time: %s\n", in.Now.In(in.Location).Format("2006-01-02 15:04 (Mon)"))
	fmt.Fprintf(&b, "Closeness with %s: %d (range -100 to 100)\n", userName, in.Intimacy)
	fmt.Fprintf(&b, "Hours since they last wrote: %.1f\n\n", in.HoursSinceContact)

	if len(in.Entries) == 0 {
		b.WriteString("No recent conversation on record.")
		return b.String()
	}

	b.WriteString("Recent conversation:\n")
	b.WriteString(transcript(in.Entries, a.companion, userName, in.Location))
	return b.String()
}

// transcript renders entries as one line per message, grouped under day
// headers, with the speaker name and local send time.
func transcript(entries []convlog.Entry, companion, userName string, loc *time.Location) string {
	var b strings.Builder
	lastDate := ""
	for _, e := range entries {
		t := time.UnixMilli(e.Timestamp).In(loc)
		date := t.Format("2006-01-02")
		if date != lastDate {
			if lastDate != "" {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "## %s\n", date)
			lastDate = date
		}
		speaker := userName
		if e.Role == convlog.RoleCompanion {
			speaker = companion
		} else if e.DisplayName != "" {
			speaker = e.DisplayName
		}
		fmt.Fprintf(&b, "[%s] %s：%s\n", t.Format("15:04"), speaker, e.Content)
	}
	return b.String()
}

func displayName(entries []convlog.Entry) string {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Role != convlog.RoleCompanion && entries[i].DisplayName != "" {
			return entries[i].DisplayName
		}
	}
	return "the user"
}

func notificationTool() providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunction{
			Name:        sendNotifyTool,
			Description: "Request a push notification for this message. May be used at most once.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string", "description": "Short notification title"},
					"body":  map[string]any{"type": "string", "description": "Notification body text"},
				},
				"required": []string{"title", "body"},
			},
		},
	}
}

// assistantEcho rebuilds the assistant turn for the replay the chat
// completions protocol requires before tool results.
func assistantEcho(resp *providers.LLMResponse) providers.Message {
	calls := make([]providers.WireCall, 0, len(resp.ToolCalls))
	for _, c := range resp.ToolCalls {
		args, err := json.Marshal(c.Arguments)
		if err != nil {
			args = []byte("{}")
		}
		calls = append(calls, providers.WireCall{
			ID:   c.ID,
			Type: "function",
			Function: providers.WireFunction{
				Name:      c.Name,
				Arguments: string(args),
			},
		})
	}
	return providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: calls}
}

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

var timestampPrefix = regexp.MustCompile(`^(?:\[?\d{1,2}:\d{2}(?::\d{2})?\]?|\d{4}-\d{2}-\d{2}(?:[ T]\d{1,2}:\d{2}(?::\d{2})?)?)[\s：:-]*`)

// sanitizeMessage strips the transcript artifacts models sometimes
// imitate, like leading "[21:30]" stamps, from each line.
func sanitizeMessage(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		for {
			stripped := timestampPrefix.ReplaceAllString(trimmed, "")
			if stripped == trimmed {
				break
			}
			trimmed = stripped
		}
		lines[i] = trimmed
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
