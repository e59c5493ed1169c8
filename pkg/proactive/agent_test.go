package proactive

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/providers"
)

// scriptedProvider returns canned responses in order and records every
// request so tests can inspect the replayed tool results.
type scriptedProvider struct {
	responses []*providers.LLMResponse
	err       error
	calls     int
	requests  [][]providers.Message
}

func (p *scriptedProvider) Chat(_ context.Context, messages []providers.Message, _ []providers.ToolDefinition, _ string, _ map[string]any) (*providers.LLMResponse, error) {
	p.requests = append(p.requests, messages)
	if p.err != nil {
		return nil, p.err
	}
	if p.calls >= len(p.responses) {
		return &providers.LLMResponse{Content: skipMarker}, nil
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) GetDefaultModel() string { return "test-model" }

func textResponse(s string) *providers.LLMResponse {
	return &providers.LLMResponse{Content: s, FinishReason: "stop"}
}

func toolResponse(id string, args map[string]any) *providers.LLMResponse {
	return &providers.LLMResponse{
		ToolCalls:    []providers.ToolCall{{ID: id, Type: "function", Name: sendNotifyTool, Arguments: args}},
		FinishReason: "tool_calls",
	}
}

func agentInput(entries []convlog.Entry) AgentInput {
	return AgentInput{
		UserID:            "u1",
		Intimacy:          20,
		HoursSinceContact: 6,
		Entries:           entries,
		Now:               time.Date(2024, 3, 1, 18, 0, 0, 0, time.UTC),
		Location:          time.UTC,
	}
}

func TestDecideReturnsMessage(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{textResponse("还记得你说的那部电影吗？")}}
	agent := NewAgent(provider, "", 500)

	d, err := agent.Decide(context.Background(), agentInput(nil))
	require.NoError(t, err)
	assert.False(t, d.Skip)
	assert.Equal(t, "还记得你说的那部电影吗？", d.Message)
	assert.Nil(t, d.Notification)
	assert.Equal(t, 1, provider.calls)
}

func TestDecideSkipMarker(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{textResponse("  [SKIP]  ")}}
	agent := NewAgent(provider, "", 500)

	d, err := agent.Decide(context.Background(), agentInput(nil))
	require.NoError(t, err)
	assert.True(t, d.Skip)
	assert.Empty(t, d.Message)
}

func TestDecideStripsTimestampPrefixes(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		textResponse("[21:30] Hey, how did the interview go?"),
	}}
	agent := NewAgent(provider, "", 500)

	d, err := agent.Decide(context.Background(), agentInput(nil))
	require.NoError(t, err)
	assert.Equal(t, "Hey, how did the interview go?", d.Message)
}

func TestDecideTruncatesLongMessages(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{textResponse(strings.Repeat("あ", 600))}}
	agent := NewAgent(provider, "", 500)

	d, err := agent.Decide(context.Background(), agentInput(nil))
	require.NoError(t, err)
	assert.Equal(t, 500, len([]rune(d.Message)))
}

func TestDecideNotificationTool(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		toolResponse("call-1", map[string]any{"title": "Kizuna", "body": "thinking of you"}),
		textResponse("Long day? I found that song you mentioned."),
	}}
	agent := NewAgent(provider, "", 500)

	d, err := agent.Decide(context.Background(), agentInput(nil))
	require.NoError(t, err)
	require.NotNil(t, d.Notification)
	assert.Equal(t, "Kizuna", d.Notification.Title)
	assert.Equal(t, "thinking of you", d.Notification.Body)
	assert.Equal(t, "Long day? I found that song you mentioned.", d.Message)

	// The tool round is replayed with its result before the final turn.
	require.Len(t, provider.requests, 2)
	second := provider.requests[1]
	last := second[len(second)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "ok", last.Content)
}

func TestDecideSecondNotificationRefused(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		toolResponse("call-1", map[string]any{"title": "a", "body": "b"}),
		toolResponse("call-2", map[string]any{"title": "c", "body": "d"}),
		textResponse("ok, just the one then"),
	}}
	agent := NewAgent(provider, "", 500)

	d, err := agent.Decide(context.Background(), agentInput(nil))
	require.NoError(t, err)
	require.NotNil(t, d.Notification)
	assert.Equal(t, "a", d.Notification.Title)

	require.Len(t, provider.requests, 3)
	third := provider.requests[2]
	last := third[len(third)-1]
	assert.Equal(t, "tool", last.Role)
	assert.Equal(t, "already requested", last.Content)
}

func TestDecideExhaustedRoundsProducesNoMessage(t *testing.T) {
	provider := &scriptedProvider{responses: []*providers.LLMResponse{
		toolResponse("c1", map[string]any{"title": "t", "body": "b"}),
		toolResponse("c2", map[string]any{"title": "t", "body": "b"}),
		toolResponse("c3", map[string]any{"title": "t", "body": "b"}),
	}}
	agent := NewAgent(provider, "", 500)

	d, err := agent.Decide(context.Background(), agentInput(nil))
	require.NoError(t, err)
	assert.True(t, d.Skip)
	assert.Equal(t, 3, provider.calls)
}

func TestTranscriptFormat(t *testing.T) {
	base := time.Date(2024, 2, 29, 21, 0, 0, 0, time.UTC)
	entries := []convlog.Entry{
		{Role: convlog.RoleUser, Content: "today was rough", DisplayName: "Mika", Timestamp: base.UnixMilli()},
		{Role: convlog.RoleCompanion, Content: "want to talk about it?", Timestamp: base.Add(time.Minute).UnixMilli()},
		{Role: convlog.RoleUser, Content: "maybe tomorrow", DisplayName: "Mika", Timestamp: base.Add(4 * time.Hour).UnixMilli()},
	}

	got := transcript(entries, "Kizuna", "Mika", time.UTC)
	assert.Contains(t, got, "## 2024-02-29")
	assert.Contains(t, got, "## 2024-03-01")
	assert.Contains(t, got, "[21:00] Mika：today was rough")
	assert.Contains(t, got, "[21:01] Kizuna：want to talk about it?")
	assert.Contains(t, got, "[01:00] Mika：maybe tomorrow")
}

func TestSanitizeMessage(t *testing.T) {
	cases := map[string]string{
		"[12:03] hello":                "hello",
		"12:03 hello":                  "hello",
		"2024-03-01 12:03 hello":       "hello",
		"plain message":                "plain message",
		"[09:00] line one\nline two":   "line one\nline two",
		"[1:05] [2:06] double stamped": "double stamped",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeMessage(in), "input %q", in)
	}
}
