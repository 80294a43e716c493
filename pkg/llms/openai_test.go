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

func newTestOpenAIProvider(t *testing.T, host, model string) *OpenAIProvider {
	t.Helper()

	p, err := NewOpenAIProvider(&config.LLMProviderConfig{
		Type:          config.ProviderOpenAI,
		Model:         model,
		APIKey:        "test-key",
		Host:          host,
		MaxTokens:     1024,
		ContextWindow: 128000,
		Timeout:       5,
	})
	require.NoError(t, err)
	return p
}

func TestOpenAIStreamText(t *testing.T) {
	lines := []string{
		`data: {"choices":[{"delta":{"content":"Bonjour"}}]}`,
		`data: {"choices":[{"delta":{"content":" Marie."}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"total_tokens":17}}`,
		`data: [DONE]`,
	}

	var gotPath, gotAuth string
	server := sseBackend(t, lines, func(r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
	})
	defer server.Close()

	p := newTestOpenAIProvider(t, server.URL, "gpt-4o")
	ch, err := p.Stream(context.Background(), "Tu es Therese.", []Message{
		{Role: RoleUser, Content: "Bonjour"},
	}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 3)
	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "Bonjour", events[0].Content)
	assert.Equal(t, " Marie.", events[1].Content)
	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "stop", events[2].StopReason)
	assert.Equal(t, 17, events[2].Tokens)

	assert.Equal(t, "/chat/completions", gotPath)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestOpenAIStreamToolCallFragments(t *testing.T) {
	// Arguments arrive split across deltas and must concatenate per index.
	lines := []string{
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"id":"call_1","function":{"name":"fichiers__list"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}}]}`,
		`data: {"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"/tmp\"}"}}]}}]}`,
		`data: {"choices":[{"delta":{},"finish_reason":"tool_calls"}]}`,
		`data: [DONE]`,
	}
	server := sseBackend(t, lines, nil)
	defer server.Close()

	p := newTestOpenAIProvider(t, server.URL, "gpt-4o")
	ch, err := p.Stream(context.Background(), "", []Message{
		{Role: RoleUser, Content: "Liste mes fichiers."},
	}, []ToolDefinition{{Name: "fichiers__list"}}, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)

	require.Equal(t, EventToolCall, events[0].Type)
	require.NotNil(t, events[0].ToolCall)
	assert.Equal(t, "call_1", events[0].ToolCall.ID)
	assert.Equal(t, "fichiers__list", events[0].ToolCall.Name)
	assert.Equal(t, map[string]any{"path": "/tmp"}, events[0].ToolCall.Args)

	assert.Equal(t, EventDone, events[1].Type)
	assert.Equal(t, "tool_calls", events[1].StopReason)
}

func TestOpenAIMaxCompletionTokens(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	p := newTestOpenAIProvider(t, server.URL, "gpt-5")
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)
	collectEvents(t, ch)

	body := <-bodies
	assert.Contains(t, body, "max_completion_tokens")
	assert.NotContains(t, body, "max_tokens")
}

func TestOpenAIStreamServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key","type":"auth"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	p := newTestOpenAIProvider(t, server.URL, "gpt-4o")
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.NotEmpty(t, events[0].Content)
	assert.Error(t, events[0].Err)
}

func TestMistralProviderDropsTools(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	p, err := NewMistralProvider(&config.LLMProviderConfig{
		Type: config.ProviderMistral, Model: "mistral-large-latest",
		APIKey: "test-key", Host: server.URL, MaxTokens: 512, Timeout: 5,
	})
	require.NoError(t, err)

	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}},
		[]ToolDefinition{{Name: "fichiers__list"}}, StreamOptions{})
	require.NoError(t, err)
	collectEvents(t, ch)

	body := <-bodies
	assert.NotContains(t, body, "tools")
}
