package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/therese-ai/therese/pkg/config"
	"github.com/therese-ai/therese/pkg/httpclient"
)

// OpenAIProvider speaks the OpenAI chat-completions wire protocol. It
// also backs the Mistral and Grok adapters, which expose the same
// protocol minus tool calling.
type OpenAIProvider struct {
	config        *config.LLMProviderConfig
	httpClient    *httpclient.Client
	providerType  config.ProviderType
	supportsTools bool
}

type openAIRequest struct {
	Model               string          `json:"model"`
	Messages            []openAIMessage `json:"messages"`
	MaxTokens           *int            `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int            `json:"max_completion_tokens,omitempty"`
	Temperature         float64         `json:"temperature"`
	Stream              bool            `json:"stream"`
	Tools               []openAITool    `json:"tools,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type openAIToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

type openAIStreamResponse struct {
	Choices []struct {
		Delta struct {
			Content   string           `json:"content,omitempty"`
			ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage,omitempty"`
	Error *openAIError `json:"error,omitempty"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

func NewOpenAIProvider(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	return newOpenAICompatible(cfg, config.ProviderOpenAI, true)
}

// NewMistralProvider returns an OpenAI-compatible adapter for Mistral.
// Tool calling is not wired for this adapter.
func NewMistralProvider(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	return newOpenAICompatible(cfg, config.ProviderMistral, false)
}

// NewGrokProvider returns an OpenAI-compatible adapter for xAI Grok.
// Tool calling is not wired for this adapter.
func NewGrokProvider(cfg *config.LLMProviderConfig) (*OpenAIProvider, error) {
	return newOpenAICompatible(cfg, config.ProviderGrok, false)
}

func newOpenAICompatible(cfg *config.LLMProviderConfig, providerType config.ProviderType, supportsTools bool) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for %s", providerType)
	}
	if cfg.Host == "" {
		cfg.Host = config.DefaultHost(providerType)
	}

	return &OpenAIProvider{
		config:        cfg,
		providerType:  providerType,
		supportsTools: supportsTools,
		httpClient: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(0),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) Name() config.ProviderType { return p.providerType }
func (p *OpenAIProvider) ModelName() string         { return p.config.Model }
func (p *OpenAIProvider) ContextWindow() int        { return p.config.ContextWindow }
func (p *OpenAIProvider) Close() error              { return nil }

func (p *OpenAIProvider) Stream(ctx context.Context, system string, messages []Message, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	request := p.buildRequest(system, messages, tools, opts)
	return p.startStream(ctx, request), nil
}

func (p *OpenAIProvider) ContinueWithToolResults(ctx context.Context, system string, messages []Message, assistantText string, toolCalls []*ToolCall, toolResults []ToolResult, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	if len(toolCalls) != len(toolResults) {
		return nil, fmt.Errorf("tool call/result count mismatch: %d != %d", len(toolCalls), len(toolResults))
	}

	request := p.buildRequest(system, messages, tools, opts)

	if !p.supportsTools {
		// No tool protocol on this provider; continue as a plain turn.
		request.Messages = append(request.Messages,
			openAIMessage{Role: "assistant", Content: assistantText},
			openAIMessage{Role: "user", Content: stringifyToolResults(toolResults)},
		)
		return p.startStream(ctx, request), nil
	}

	assistant := openAIMessage{Role: "assistant", Content: assistantText}
	for _, tc := range toolCalls {
		args, err := json.Marshal(tc.Args)
		if err != nil {
			args = []byte("{}")
		}
		call := openAIToolCall{ID: tc.ID, Type: "function"}
		call.Function.Name = tc.Name
		call.Function.Arguments = string(args)
		assistant.ToolCalls = append(assistant.ToolCalls, call)
	}
	request.Messages = append(request.Messages, assistant)

	for _, tr := range toolResults {
		request.Messages = append(request.Messages, openAIMessage{
			Role:       "tool",
			Content:    tr.Content,
			ToolCallID: tr.ToolCallID,
		})
	}

	return p.startStream(ctx, request), nil
}

func (p *OpenAIProvider) buildRequest(system string, messages []Message, tools []ToolDefinition, opts StreamOptions) openAIRequest {
	openaiMessages := make([]openAIMessage, 0, len(messages)+1)
	if system != "" {
		openaiMessages = append(openaiMessages, openAIMessage{Role: "system", Content: system})
	}

	for _, msg := range messages {
		m := openAIMessage{Role: string(msg.Role), Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, tc := range msg.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				args = []byte("{}")
			}
			call := openAIToolCall{ID: tc.ID, Type: "function"}
			call.Function.Name = tc.Name
			call.Function.Arguments = string(args)
			m.ToolCalls = append(m.ToolCalls, call)
		}
		openaiMessages = append(openaiMessages, m)
	}

	request := openAIRequest{
		Model:       p.config.Model,
		Messages:    openaiMessages,
		Temperature: p.config.Temperature,
		Stream:      true,
	}

	// Newer model families reject max_tokens in favor of
	// max_completion_tokens.
	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	if usesCompletionTokens(p.config.Model) {
		request.MaxCompletionTokens = &maxTokens
	} else {
		request.MaxTokens = &maxTokens
	}

	if p.supportsTools && len(tools) > 0 {
		request.Tools = make([]openAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = openAITool{
				Type: "function",
				Function: openAIToolFunction{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  tool.Parameters,
				},
			}
		}
	}

	return request
}

func usesCompletionTokens(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"gpt-5", "o1", "o3", "o4"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func stringifyToolResults(toolResults []ToolResult) string {
	var sb strings.Builder
	sb.WriteString("Resultats des outils:\n")
	for _, tr := range toolResults {
		sb.WriteString(fmt.Sprintf("[%s] %s\n", tr.ToolCallID, tr.Content))
	}
	return sb.String()
}

func (p *OpenAIProvider) startStream(ctx context.Context, request openAIRequest) <-chan StreamEvent {
	outputCh := make(chan StreamEvent, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			slog.Error("stream failed", "provider", p.providerType, "model", p.config.Model, "error", err)
			outputCh <- StreamEvent{Type: EventError, Content: userSafeError, Err: err}
		}
	}()

	return outputCh
}

func parseOpenAIErrorBody(body []byte) *openAIError {
	var errorResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamEvent) error {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		if apiErr := parseOpenAIErrorBody(body); apiErr != nil {
			return fmt.Errorf("API request failed with status %d: %s (type: %s)", resp.StatusCode, apiErr.Message, apiErr.Type)
		}
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	// Tool-call fragments arrive indexed; arguments concatenate until
	// finish_reason reports tool_calls.
	toolCallsByIndex := make(map[int]*openAIToolCall)
	order := []int{}
	totalTokens := 0

	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			totalTokens = streamResp.Usage.TotalTokens
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Content != "" {
			outputCh <- StreamEvent{Type: EventText, Content: choice.Delta.Content}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			idx := len(order)
			if deltaCall.Index != nil {
				idx = *deltaCall.Index
			}
			existing, ok := toolCallsByIndex[idx]
			if !ok {
				copied := deltaCall
				toolCallsByIndex[idx] = &copied
				order = append(order, idx)
				continue
			}
			if deltaCall.ID != "" {
				existing.ID = deltaCall.ID
			}
			if deltaCall.Function.Name != "" {
				existing.Function.Name = deltaCall.Function.Name
			}
			existing.Function.Arguments += deltaCall.Function.Arguments
		}

		if choice.FinishReason == "tool_calls" {
			for _, idx := range order {
				tc := toolCallsByIndex[idx]
				args := map[string]any{}
				if tc.Function.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
						slog.Warn("unparseable tool arguments", "tool", tc.Function.Name, "error", err)
					}
				}
				outputCh <- StreamEvent{
					Type:     EventToolCall,
					ToolCall: &ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args},
				}
			}
			outputCh <- StreamEvent{Type: EventDone, StopReason: "tool_calls", Tokens: totalTokens}
			return nil
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "length" {
			outputCh <- StreamEvent{Type: EventDone, StopReason: choice.FinishReason, Tokens: totalTokens}
			return nil
		}
	}

	outputCh <- StreamEvent{Type: EventDone, StopReason: "stop", Tokens: totalTokens}
	return nil
}
