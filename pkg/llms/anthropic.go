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
	"time"

	"github.com/therese-ai/therese/pkg/config"
	"github.com/therese-ai/therese/pkg/httpclient"
)

type AnthropicProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicContent struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     *map[string]any `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicStreamResponse struct {
	Type         string            `json:"type"`
	Index        int               `json:"index,omitempty"`
	Delta        *anthropicDelta   `json:"delta,omitempty"`
	ContentBlock *anthropicContent `json:"content_block,omitempty"`
	Usage        *anthropicUsage   `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewAnthropicProvider(cfg *config.LLMProviderConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}
	if cfg.Host == "" {
		cfg.Host = config.DefaultHost(config.ProviderAnthropic)
	}

	return &AnthropicProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(0),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) Name() config.ProviderType { return config.ProviderAnthropic }
func (p *AnthropicProvider) ModelName() string         { return p.config.Model }
func (p *AnthropicProvider) ContextWindow() int        { return p.config.ContextWindow }
func (p *AnthropicProvider) Close() error              { return nil }

func (p *AnthropicProvider) Stream(ctx context.Context, system string, messages []Message, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	request := p.buildRequest(system, messages, tools, opts)
	return p.startStream(ctx, request), nil
}

func (p *AnthropicProvider) ContinueWithToolResults(ctx context.Context, system string, messages []Message, assistantText string, toolCalls []*ToolCall, toolResults []ToolResult, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	if len(toolCalls) != len(toolResults) {
		return nil, fmt.Errorf("tool call/result count mismatch: %d != %d", len(toolCalls), len(toolResults))
	}

	request := p.buildRequest(system, messages, tools, opts)

	// Assistant turn: text block plus one tool_use block per call.
	assistant := anthropicMessage{Role: "assistant"}
	if assistantText != "" {
		assistant.Content = append(assistant.Content, anthropicContent{Type: "text", Text: assistantText})
	}
	for _, tc := range toolCalls {
		input := tc.Args
		if input == nil {
			input = map[string]any{}
		}
		assistant.Content = append(assistant.Content, anthropicContent{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Name,
			Input: &input,
		})
	}
	request.Messages = append(request.Messages, assistant)

	// User turn carrying the tool_result blocks.
	results := anthropicMessage{Role: "user"}
	for _, tr := range toolResults {
		results.Content = append(results.Content, anthropicContent{
			Type:      "tool_result",
			ToolUseID: tr.ToolCallID,
			Content:   tr.Content,
			IsError:   tr.IsError,
		})
	}
	request.Messages = append(request.Messages, results)

	return p.startStream(ctx, request), nil
}

func (p *AnthropicProvider) buildRequest(system string, messages []Message, tools []ToolDefinition, opts StreamOptions) anthropicRequest {
	anthropicMessages := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			// System goes in the top-level field, never the message list.
			if system == "" {
				system = msg.Content
			} else {
				system += "\n\n" + msg.Content
			}

		case RoleUser:
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role:    "user",
				Content: []anthropicContent{{Type: "text", Text: msg.Content}},
			})

		case RoleTool:
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicContent{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		case RoleAssistant:
			contents := []anthropicContent{}
			if msg.Content != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]any{}
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			if len(contents) > 0 {
				anthropicMessages = append(anthropicMessages, anthropicMessage{Role: "assistant", Content: contents})
			}
		}
	}

	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	request := anthropicRequest{
		Model:       p.config.Model,
		Messages:    anthropicMessages,
		MaxTokens:   maxTokens,
		Temperature: p.config.Temperature,
		Stream:      true,
		System:      system,
	}

	if len(tools) > 0 {
		request.Tools = make([]anthropicTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
	}

	return request
}

func (p *AnthropicProvider) startStream(ctx context.Context, request anthropicRequest) <-chan StreamEvent {
	outputCh := make(chan StreamEvent, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			slog.Error("anthropic stream failed", "model", p.config.Model, "error", err)
			outputCh <- StreamEvent{Type: EventError, Content: userSafeError, Err: err}
		}
	}()

	return outputCh
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request anthropicRequest, outputCh chan<- StreamEvent) error {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.config.Host+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
	}

	toolCalls := make(map[int]*ToolCall)
	toolJSONBuffers := make(map[int]string)
	var totalTokens int
	var stopReason string

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || !bytes.HasPrefix([]byte(line), []byte("data: ")) {
			continue
		}

		var streamResp anthropicStreamResponse
		if err := json.Unmarshal([]byte(line[len("data: "):]), &streamResp); err != nil {
			return fmt.Errorf("failed to decode streaming response: %w", err)
		}

		switch streamResp.Type {
		case "error":
			if streamResp.Error != nil {
				return fmt.Errorf("anthropic API error: %s", streamResp.Error.Message)
			}

		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = &ToolCall{
					ID:   streamResp.ContentBlock.ID,
					Name: streamResp.ContentBlock.Name,
					Args: map[string]any{},
				}
				toolJSONBuffers[streamResp.Index] = ""
			}

		case "content_block_delta":
			if streamResp.Delta == nil {
				continue
			}
			if streamResp.Delta.Text != "" {
				outputCh <- StreamEvent{Type: EventText, Content: streamResp.Delta.Text}
			}
			if streamResp.Delta.Type == "input_json_delta" && streamResp.Delta.PartialJSON != "" {
				toolJSONBuffers[streamResp.Index] += streamResp.Delta.PartialJSON
			}

		case "content_block_stop":
			if tc, exists := toolCalls[streamResp.Index]; exists {
				if jsonStr := toolJSONBuffers[streamResp.Index]; jsonStr != "" {
					var args map[string]any
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Args = args
					}
				}
				outputCh <- StreamEvent{Type: EventToolCall, ToolCall: tc}
				delete(toolCalls, streamResp.Index)
			}

		case "message_delta":
			if streamResp.Delta != nil && streamResp.Delta.StopReason != "" {
				stopReason = streamResp.Delta.StopReason
			}
			if streamResp.Usage != nil {
				totalTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamEvent{Type: EventDone, StopReason: stopReason, Tokens: totalTokens}
			return nil
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	// Stream ended without message_stop; still emit the terminal event.
	outputCh <- StreamEvent{Type: EventDone, StopReason: stopReason, Tokens: totalTokens}
	return nil
}
