package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/errs"
)

func TestParseChatCompletionsResponse_Text(t *testing.T) {
	body := `{"choices":[{"message":{"content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`

	resp, err := parseChatCompletionsResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.False(t, resp.HasToolCalls())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestParseChatCompletionsResponse_ToolCalls(t *testing.T) {
	body := `{"choices":[{"message":{"content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"send_notification","arguments":"{\"title\":\"hi\"}"}}]},"finish_reason":"tool_calls"}]}`

	resp, err := parseChatCompletionsResponse([]byte(body))
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	call := resp.ToolCalls[0]
	assert.Equal(t, "send_notification", call.Name)
	assert.Equal(t, "hi", call.Arguments["title"])
}

func TestParseChatCompletionsResponse_MalformedArgumentsKeptRaw(t *testing.T) {
	body := `{"choices":[{"message":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"send_notification","arguments":"{broken"}}]},"finish_reason":"tool_calls"}]}`

	resp, err := parseChatCompletionsResponse([]byte(body))
	require.NoError(t, err)
	require.True(t, resp.HasToolCalls())
	assert.Equal(t, "{broken", resp.ToolCalls[0].Arguments["raw"])
}

func TestParseChatCompletionsResponse_ContentParts(t *testing.T) {
	body := `{"choices":[{"message":{"content":[{"type":"text","text":"part one "},{"type":"text","text":"part two"}]},"finish_reason":"stop"}]}`

	resp, err := parseChatCompletionsResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "part one part two", resp.Content)
}

func TestParseChatCompletionsResponse_NoChoices(t *testing.T) {
	resp, err := parseChatCompletionsResponse([]byte(`{"choices":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestExtractAPIError(t *testing.T) {
	assert.Equal(t, "rate limited", extractAPIError([]byte(`{"error":{"message":"rate limited"}}`)))
	assert.Equal(t, "bad gateway", extractAPIError([]byte(`{"message":"bad gateway"}`)))
	assert.Equal(t, "plain text body", extractAPIError([]byte("plain text body")))
	assert.Equal(t, "empty response body", extractAPIError(nil))
}

func newTestProvider(t *testing.T, url string) *ChatCompletionsProvider {
	t.Helper()
	p, err := NewChatCompletionsProvider(config.ProviderConfig{
		APIBase: url,
		APIKey:  "test-key",
		Model:   "test/model",
	})
	require.NoError(t, err)
	return p
}

func TestChat_SendsAuthAndModel(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	resp, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "/chat/completions", gotPath)
}

func TestChat_HTTPErrorIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	p := newTestProvider(t, srv.URL)
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}}, nil, "", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrUpstream))
	assert.Contains(t, err.Error(), "overloaded")
}

func TestNewChatCompletionsProvider_Validation(t *testing.T) {
	_, err := NewChatCompletionsProvider(config.ProviderConfig{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewChatCompletionsProvider(config.ProviderConfig{APIBase: "https://x.test"})
	assert.Error(t, err)
}
