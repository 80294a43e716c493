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

// GeminiProvider speaks the Google generative-language streaming API.
// Tool calling is not wired; grounding via google_search is supported.
type GeminiProvider struct {
	config     *config.LLMProviderConfig
	httpClient *httpclient.Client
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type geminiTool struct {
	GoogleSearch *struct{} `json:"google_search,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
}

type geminiStreamResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason,omitempty"`
	} `json:"candidates"`
	UsageMetadata *struct {
		TotalTokenCount int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func NewGeminiProvider(cfg *config.LLMProviderConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}
	if cfg.Host == "" {
		cfg.Host = config.DefaultHost(config.ProviderGemini)
	}

	return &GeminiProvider{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithTimeout(time.Duration(cfg.Timeout)*time.Second),
			httpclient.WithMaxRetries(0),
			httpclient.WithHeaderParser(httpclient.ParseGeminiHeaders),
		),
	}, nil
}

func (p *GeminiProvider) Name() config.ProviderType { return config.ProviderGemini }
func (p *GeminiProvider) ModelName() string         { return p.config.Model }
func (p *GeminiProvider) ContextWindow() int        { return p.config.ContextWindow }
func (p *GeminiProvider) Close() error              { return nil }

func (p *GeminiProvider) Stream(ctx context.Context, system string, messages []Message, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	request := p.buildRequest(system, messages, opts)
	return p.startStream(ctx, request), nil
}

func (p *GeminiProvider) ContinueWithToolResults(ctx context.Context, system string, messages []Message, assistantText string, toolCalls []*ToolCall, toolResults []ToolResult, tools []ToolDefinition, opts StreamOptions) (<-chan StreamEvent, error) {
	if len(toolCalls) != len(toolResults) {
		return nil, fmt.Errorf("tool call/result count mismatch: %d != %d", len(toolCalls), len(toolResults))
	}

	// No native tool protocol wired; continue as a plain turn.
	request := p.buildRequest(system, messages, opts)
	request.Contents = append(request.Contents,
		geminiContent{Role: "model", Parts: []geminiPart{{Text: assistantText}}},
		geminiContent{Role: "user", Parts: []geminiPart{{Text: stringifyToolResults(toolResults)}}},
	)
	return p.startStream(ctx, request), nil
}

func (p *GeminiProvider) buildRequest(system string, messages []Message, opts StreamOptions) *geminiRequest {
	contents := make([]geminiContent, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system == "" {
				system = msg.Content
			} else {
				system += "\n\n" + msg.Content
			}
		case RoleAssistant:
			contents = append(contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			contents = append(contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}

	maxTokens := p.config.MaxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}

	request := &geminiRequest{
		Contents: contents,
		GenerationConfig: &geminiGenerationConfig{
			Temperature:     p.config.Temperature,
			MaxOutputTokens: maxTokens,
		},
	}

	if system != "" {
		request.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	if opts.EnableGrounding {
		request.Tools = append(request.Tools, geminiTool{GoogleSearch: &struct{}{}})
	}

	return request
}

func (p *GeminiProvider) startStream(ctx context.Context, request *geminiRequest) <-chan StreamEvent {
	outputCh := make(chan StreamEvent, 100)

	go func() {
		defer close(outputCh)

		if err := p.makeStreamingRequest(ctx, request, outputCh); err != nil {
			slog.Error("gemini stream failed", "model", p.config.Model, "error", err)
			outputCh <- StreamEvent{Type: EventError, Content: userSafeError, Err: err}
		}
	}()

	return outputCh
}

func (p *GeminiProvider) makeStreamingRequest(ctx context.Context, request *geminiRequest, outputCh chan<- StreamEvent) error {
	reqBody, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse",
		p.config.Host, p.config.Model, p.config.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("Gemini API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("Gemini API error (HTTP %d): %s", resp.StatusCode, string(bodyBytes))
	}

	var totalTokens int
	stopReason := "stop"

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}

		var streamResp geminiStreamResponse
		if err := json.Unmarshal(line[6:], &streamResp); err != nil {
			continue
		}

		if streamResp.Error != nil {
			return fmt.Errorf("Gemini API error: %s", streamResp.Error.Message)
		}
		if streamResp.UsageMetadata != nil {
			totalTokens = streamResp.UsageMetadata.TotalTokenCount
		}

		for _, candidate := range streamResp.Candidates {
			for _, part := range candidate.Content.Parts {
				if part.Text != "" {
					outputCh <- StreamEvent{Type: EventText, Content: part.Text}
				}
			}
			if candidate.FinishReason != "" {
				stopReason = candidate.FinishReason
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read streaming response: %w", err)
	}

	outputCh <- StreamEvent{Type: EventDone, StopReason: stopReason, Tokens: totalTokens}
	return nil
}
