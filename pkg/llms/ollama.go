package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/therese-ai/therese/pkg/config"
	"github.com/therese-ai/therese/pkg/httpclient"
)

// Typed Ollama failures, so the facade can tell a missing local daemon
// from a missing model.
var (
	ErrOllamaUnreachable = errors.New("ollama server unreachable")
	ErrOllamaTimeout     = errors.New("ollama request timed out")
	ErrOllamaModelNotFound = errors.New("ollama model not found")
)

// OllamaProvider speaks the local Ollama chat API: one JSON object per
// line, no SSE framing. Tool calling is not wired.
type OllamaProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
	baseURL    string
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamChunk struct {
	Message   ollamaMessage `json:"message"`
	Done      bool          `json:"done"`
	EvalCount int           `json:"eval_count"`
	Error     string        `json:"error,omitempty"`
}

func NewOllamaProvider(cfg *config.LLMProviderConfig) (*OllamaProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	baseURL := cfg.Host
	if baseURL == "" {
		baseURL = config.DefaultHost(config.ProviderOllama)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	return &OllamaProvider{
		config:  cfg,
		baseURL: baseURL,
		httpClient: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(0),
		),
	}, nil
}

func (p *OllamaProvider) Name() config.ProviderType { return config.ProviderOllama }
func (p *OllamaProvider) ModelName() string         { return p.config.Model }
func (p *OllamaProvider) ContextWindow() int        { return p.config.ContextWindow }
func (p *OllamaProvider) Close() error              { return nil }

func (p *OllamaProvider) Stream(ctx context.Context, system string, messages []Message, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	request := p.buildRequest(system, messages, opts)
	return p.startStream(ctx, request), nil
}

func (p *OllamaProvider) ContinueWithToolResults(ctx context.Context, system string, messages []Message, assistantText string, toolCalls []*ToolCall, toolResults []ToolResult, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	if len(toolCalls) != len(toolResults) {
		return nil, fmt.Errorf("tool call/result count mismatch: %d != %d", len(toolCalls), len(toolResults))
	}

	// No tool protocol; continue as a plain turn.
	request := p.buildRequest(system, messages, opts)
	request.Messages = append(request.Messages,
		ollamaMessage{Role: "assistant", Content: assistantText},
		ollamaMessage{Role: "user", Content: stringifyToolResults(toolResults)},
	)
	return p.startStream(ctx, request), nil
}

func (p *OllamaProvider) buildRequest(system string, messages []Message, opts StreamOptions) *ollamaRequest {
	ollamaMessages := make([]ollamaMessage, 0, len(messages)+1)
	if system != "" {
		ollamaMessages = append(ollamaMessages, ollamaMessage{Role: "system", Content: system})
	}
	for _, msg := range messages {
		role := string(msg.Role)
		if msg.Role == RoleTool {
			role = "user"
		}
		ollamaMessages = append(ollamaMessages, ollamaMessage{Role: role, Content: msg.Content})
	}

	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	return &ollamaRequest{
		Model:    p.config.Model,
		Messages: ollamaMessages,
		Stream:   true,
		Options: &ollamaOptions{
			Temperature: p.config.Temperature,
			NumPredict:  maxTokens,
		},
	}
}

func (p *OllamaProvider) startStream(ctx context.Context, request *ollamaRequest) <-chan StreamEvent {
	outputCh := make(chan StreamEvent, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			slog.Error("ollama stream failed", "model", p.config.Model, "error", err)
			outputCh <- StreamEvent{Type: EventError, Content: userSafeError, Err: err}
		}
	}()

	return outputCh
}

func (p *OllamaProvider) classifyError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrOllamaTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrOllamaTimeout, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrOllamaUnreachable, err)
	}
	if strings.Contains(err.Error(), "connection refused") {
		return fmt.Errorf("%w: %v", ErrOllamaUnreachable, err)
	}
	return err
}

func (p *OllamaProvider) makeStreamingRequest(ctx context.Context, request *ollamaRequest, outputCh chan<- StreamEvent) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/api/chat", bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return p.classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("%w: %s (pull it with `ollama pull %s`)", ErrOllamaModelNotFound, p.config.Model, p.config.Model)
		}
		return fmt.Errorf("ollama API error (HTTP %d): %s", resp.StatusCode, string(body))
	}

	totalTokens := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var chunk ollamaStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}

		if chunk.Error != "" {
			if strings.Contains(chunk.Error, "not found") {
				return fmt.Errorf("%w: %s", ErrOllamaModelNotFound, chunk.Error)
			}
			return fmt.Errorf("ollama error: %s", chunk.Error)
		}

		// Chunks may carry empty content; only `done` terminates.
		if chunk.Message.Content != "" {
			outputCh <- StreamEvent{Type: EventText, Content: chunk.Message.Content}
		}

		if chunk.Done {
			totalTokens = chunk.EvalCount
			outputCh <- StreamEvent{Type: EventDone, StopReason: "stop", Tokens: totalTokens}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return p.classifyError(fmt.Errorf("failed to read streaming response: %w", err))
	}

	outputCh <- StreamEvent{Type: EventDone, StopReason: "stop", Tokens: totalTokens}
	return nil
}
