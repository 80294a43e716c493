package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therese-ai/therese/pkg/config"
)

func newTestGeminiProvider(t *testing.T, host string) *GeminiProvider {
	t.Helper()

	p, err := NewGeminiProvider(&config.LLMProviderConfig{
		Type:          config.ProviderGemini,
		Model:         "gemini-2.0-flash",
		APIKey:        "test-key",
		Host:          host,
		MaxTokens:     1024,
		ContextWindow: 128000,
		Timeout:       5,
	})
	require.NoError(t, err)
	return p
}

func TestGeminiStreamText(t *testing.T) {
	lines := []string{
		`data: {"candidates":[{"content":{"parts":[{"text":"Bonjour"}]}}]}`,
		`data: {"candidates":[{"content":{"parts":[{"text":" Marie."}]},"finishReason":"STOP"}],"usageMetadata":{"totalTokenCount":11}}`,
	}

	var gotPath, gotKey string
	server := sseBackend(t, lines, func(r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.URL.Query().Get("key")
	})
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "Tu es Therese.", []Message{
		{Role: RoleUser, Content: "Bonjour"},
	}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, "Bonjour", events[0].Content)
	assert.Equal(t, " Marie.", events[1].Content)
	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "STOP", events[2].StopReason)
	assert.Equal(t, 11, events[2].Tokens)

	assert.Equal(t, "/v1beta/models/gemini-2.0-flash:streamGenerateContent", gotPath)
	assert.Equal(t, "test-key", gotKey)
}

func TestGeminiGroundingTool(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		_, _ = w.Write([]byte(`data: {"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}` + "\n\n"))
	}))
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "meteo?"}}, nil,
		StreamOptions{EnableGrounding: true})
	require.NoError(t, err)
	collectEvents(t, ch)

	body := <-bodies
	require.Contains(t, body, "tools")
	tools, ok := body["tools"].([]any)
	require.True(t, ok)
	require.Len(t, tools, 1)
	assert.Contains(t, tools[0].(map[string]any), "google_search")
}

func TestGeminiStreamServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":400,"message":"bad request"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	p := newTestGeminiProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.NotEmpty(t, events[0].Content)
	assert.Error(t, events[0].Err)
}
