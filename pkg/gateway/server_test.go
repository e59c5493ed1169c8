package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kizunalab/kizuna/pkg/config"
	"github.com/kizunalab/kizuna/pkg/convlog"
	"github.com/kizunalab/kizuna/pkg/facts"
	"github.com/kizunalab/kizuna/pkg/proactive"
	"github.com/kizunalab/kizuna/pkg/providers"
	"github.com/kizunalab/kizuna/pkg/relationship"
)

type stubProvider struct{}

func (stubProvider) Chat(context.Context, []providers.Message, []providers.ToolDefinition, string, map[string]any) (*providers.LLMResponse, error) {
	return &providers.LLMResponse{Content: "[SKIP]"}, nil
}

func (stubProvider) GetDefaultModel() string { return "stub" }

func newTestServer(t *testing.T, token string) (*httptest.Server, *config.Config) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kizuna.db")

	convStore, err := convlog.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { convStore.Close() })
	relStore, err := relationship.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { relStore.Close() })
	factStore, err := facts.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { factStore.Close() })
	proStore, err := proactive.NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { proStore.Close() })

	conv := convlog.NewSyncService(convStore)
	agent := proactive.NewAgent(stubProvider{}, "", 500)
	sched := proactive.NewScheduler(conv, relStore, proStore, agent, nil)

	cfg := config.DefaultConfig()
	cfg.Server.AppToken = token
	cfg.Proactive.DefaultTimeZone = "UTC"

	srv := NewServer(cfg, "", Deps{
		Conv:      conv,
		Rel:       relStore,
		Facts:     factStore,
		Proactive: proStore,
		Scheduler: sched,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, cfg
}

func doJSON(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestAppTokenRequired(t *testing.T) {
	ts, _ := newTestServer(t, "secret")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/health", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["error"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/health", "secret", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestAppendAndPullRoundtrip(t *testing.T) {
	ts, _ := newTestServer(t, "")

	entry := map[string]any{
		"id":        "e1",
		"userId":    "u1",
		"role":      "user",
		"content":   "hello",
		"timestamp": time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
	}
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/conversation/log", "", entry)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "e1", body["id"])
	assert.Equal(t, "2024-03-01", body["date"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/conversation/pull?userId=u1&after=0&tombstones=1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0].(map[string]any)["content"])
	assert.NotNil(t, body["tombstones"])
}

func TestAppendInvalidRoleIsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/conversation/log", "", map[string]any{
		"id": "e1", "userId": "u1", "role": "narrator", "content": "hi",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation error", body["error"])
}

func TestDeleteAndPrune(t *testing.T) {
	ts, _ := newTestServer(t, "")
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, _ = doJSON(t, http.MethodPost, ts.URL+"/conversation/log", "", map[string]any{
			"id":        fmt.Sprintf("e%d", i),
			"userId":    "u1",
			"role":      "user",
			"content":   "m",
			"timestamp": base.Add(time.Duration(i) * time.Minute).UnixMilli(),
		})
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/conversation/prune", "", map[string]any{
		"userId": "u1", "anchorId": "e0",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["deleted"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/conversation/delete", "", map[string]any{
		"userId": "u1", "ids": []string{"e0"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["deleted"])
}

func TestLastActivityNotFound(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/conversation/last?userId=ghost", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["error"])
}

func TestRelationshipEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/relationship/delta", "", map[string]any{
		"userId": "u1", "delta": 7,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), body["intimacy"])

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/relationship?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(7), body["intimacy"])

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/relationship/status", "", map[string]any{
		"userId": "u1", "label": "close friend", "reason": "long talk",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "close friend", body["statusLabel"])
}

func TestFactsEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/facts", "", map[string]any{
		"userId": "u1", "text": "allergic to cats",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["id"], "fact:u1:")

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/facts?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["facts"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "allergic to cats", list[0].(map[string]any)["text"])

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/facts", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProactivePendingEmpty(t *testing.T) {
	ts, _ := newTestServer(t, "")

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/proactive/pending?userId=u1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{}, body["messages"])
}

func TestProactiveTickEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, "")

	_, _ = doJSON(t, http.MethodPost, ts.URL+"/conversation/log", "", map[string]any{
		"id": "e1", "userId": "u1", "role": "user", "content": "hi",
		"timestamp": time.Now().Add(-2 * time.Hour).UnixMilli(),
	})

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/proactive/tick", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["candidates"])
	// The stub agent always declines, so nothing is sent.
	assert.Equal(t, float64(0), body["sent"])
}

func TestInvalidBodyRejected(t *testing.T) {
	ts, _ := newTestServer(t, "")

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/conversation/delete", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
