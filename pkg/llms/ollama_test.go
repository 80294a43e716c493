package llms

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therese-ai/therese/pkg/config"
)

func newTestOllamaProvider(t *testing.T, host string) *OllamaProvider {
	t.Helper()

	p, err := NewOllamaProvider(&config.LLMProviderConfig{
		Type:          config.ProviderOllama,
		Model:         "llama3.2",
		Host:          host,
		MaxTokens:     1024,
		ContextWindow: 8192,
		Timeout:       5,
	})
	require.NoError(t, err)
	return p
}

func jsonLinesBackend(t *testing.T, lines []string, inspect func(r *http.Request)) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
		}
	}))
}

func TestOllamaStreamText(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"Bon"},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":false}`,
		`{"message":{"role":"assistant","content":"jour."},"done":false}`,
		`{"message":{"role":"assistant","content":""},"done":true,"eval_count":9}`,
	}

	var gotPath string
	server := jsonLinesBackend(t, lines, func(r *http.Request) {
		gotPath = r.URL.Path
	})
	defer server.Close()

	p := newTestOllamaProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "Tu es Therese.", []Message{
		{Role: RoleUser, Content: "Bonjour"},
	}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	// Empty-content chunks are skipped.
	require.Len(t, events, 3)
	assert.Equal(t, "Bon", events[0].Content)
	assert.Equal(t, "jour.", events[1].Content)
	assert.Equal(t, EventDone, events[2].Type)
	assert.Equal(t, "stop", events[2].StopReason)
	assert.Equal(t, 9, events[2].Tokens)

	assert.Equal(t, "/api/chat", gotPath)
}

func TestOllamaModelNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	p := newTestOllamaProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.ErrorIs(t, events[0].Err, ErrOllamaModelNotFound)
	assert.Contains(t, events[0].Err.Error(), "ollama pull")
}

func TestOllamaUnreachable(t *testing.T) {
	// Closed port: connection refused.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	host := server.URL
	server.Close()

	p := newTestOllamaProvider(t, host)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.ErrorIs(t, events[0].Err, ErrOllamaUnreachable)
}

func TestOllamaMidStreamError(t *testing.T) {
	lines := []string{
		`{"message":{"role":"assistant","content":"Je"},"done":false}`,
		`{"error":"model llama3.2 not found"}`,
	}
	server := jsonLinesBackend(t, lines, nil)
	defer server.Close()

	p := newTestOllamaProvider(t, server.URL)
	ch, err := p.Stream(context.Background(), "", []Message{{Role: RoleUser, Content: "salut"}}, nil, StreamOptions{})
	require.NoError(t, err)

	events := collectEvents(t, ch)
	require.Len(t, events, 2)
	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, EventError, events[1].Type)
	assert.ErrorIs(t, events[1].Err, ErrOllamaModelNotFound)
}
