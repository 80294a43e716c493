package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therese-ai/therese/pkg/config"
)

// collectEvents drains a stream channel, failing the test if the
// provider never closes it.
func collectEvents(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()

	var events []StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("stream channel never closed")
		}
	}
}

func sseBackend(t *testing.T, lines []string, inspect func(r *http.Request)) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n\n"))
		}
	}))
}

func newTestAnthropicProvider(t *testing.T, host string) *AnthropicProvider {
	t.Helper()

	p, err := NewAnthropicProvider(&config.LLMProviderConfig{
		Type:          config.ProviderAnthropic,
		Model:         "claude-sonnet-4-20250514",
		APIKey:        "test-key",
		Host:          host,
		MaxTokens:     1024,
		ContextWindow: 200000,
		Timeout:       5,
	})
	require.NoError(t, err)
	return p
}

func TestAnthropicStreamTextAndToolCall(t *testing.T) {
	lines := []string{
		`data: {"type":"message_start"}`,
		`data: {"type":"content_block_start","index":0,"content_block":{"type":"text"}}`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Je verifie."}}`,
		`data: {"type":"content_block_stop","index":0}`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"t1","name":"fichiers__list"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"/tmp\"}"}}`,
		`data: {"type":"content_block_stop","index":1}`,
		`data: {"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":42}}`,
		`data: {"type":"message_stop"}`,
	}

	var gotPath, gotKey, gotVersion string
	server := sseBackend(t, lines, func(r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
	})
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "Tu es Therese.", []Message{
		{Role: RoleUser, Content: "Liste mes fichiers."},
	}, []ToolDefinition{{Name: "fichiers__list", Description: "liste un dossier"}}, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 3)

	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "Je verifie.", events[0].Content)

	require.Equal(t, EventToolCall, events[1].Type)
	require.NotNil(t, events[1].ToolCall)
	assert.Equal(t, "t1", events[1].ToolCall.ID)
	assert.Equal(t, "fichiers__list", events[1].ToolCall.Name)
	assert.Equal(t, map[string]any{"path": "/tmp"}, events[1].ToolCall.Args)

	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "tool_use", events[2].StopReason)
	assert.Equal(t, 42, events[2].Tokens)

	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "test-key", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
}

func TestAnthropicStreamServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.NotEmpty(t, events[0].Content)
	assert.Error(t, events[0].Err)
}

func TestAnthropicStreamAPIErrorEvent(t *testing.T) {
	lines := []string{
		`data: {"type":"error","error":{"type":"overloaded_error","message":"surcharge"}}`,
	}
	server := sseBackend(t, lines, nil)
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.ErrorContains(t, events[0].Err, "surcharge")
}

func TestAnthropicMaxTokensOverride(t *testing.T) {
	bodies := make(chan map[string]any, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		bodies <- body
		_, _ = w.Write([]byte(`data: {"type":"message_stop"}` + "\n\n"))
	}))
	defer server.Close()

	p := newTestAnthropicProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "titre ?"}}, nil,
		StreamOptions{MaxTokens: 64})
	require.NoError(t, err)
	collectEvents(t, ch)

	body := <-bodies
	assert.EqualValues(t, 64, body["max_tokens"])
	// The shared config keeps its own cap.
	assert.Equal(t, 1024, p.config.MaxTokens)
}

func TestAnthropicRequiresAPIKey(t *testing.T) {
	_, err := NewAnthropicProvider(&config.LLMProviderConfig{Type: config.ProviderAnthropic, Model: "claude-sonnet-4-20250514"})
	require.Error(t, err)
}
