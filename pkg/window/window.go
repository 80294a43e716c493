// Package window builds the finite prompt state sent to a provider:
// system prompt, conversation history and a token budget.
package window

import (
	"github.com/therese-ai/therese/pkg/llms"
)

// roleOverheadTokens is the per-message allowance for role markers and
// framing the providers add around each message.
const roleOverheadTokens = 4

// ReservedTokens is subtracted from the provider context window so the
// response always has room.
const ReservedTokens = 4096

// ContextWindow is derived per request, never stored.
type ContextWindow struct {
	SystemPrompt string
	Messages     []llms.Message
	MaxTokens    int
}

// EstimateTokens over-approximates at roughly four characters per
// token. Over-estimation is acceptable; under-estimation is not.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// Estimate returns the token estimate for the whole window.
func (w *ContextWindow) Estimate() int {
	total := EstimateTokens(w.SystemPrompt) + roleOverheadTokens
	for _, msg := range w.Messages {
		total += EstimateTokens(msg.Content) + roleOverheadTokens
	}
	return total
}

// New builds a window and trims it to fit maxTokens.
func New(systemPrompt string, messages []llms.Message, maxTokens int) *ContextWindow {
	w := &ContextWindow{
		SystemPrompt: systemPrompt,
		Messages:     append([]llms.Message(nil), messages...),
		MaxTokens:    maxTokens,
	}
	w.TrimToFit()
	return w
}

// TrimToFit drops the oldest non-system messages in user+assistant
// pairs until the estimate fits the budget. The most recent message is
// never dropped.
func (w *ContextWindow) TrimToFit() {
	for w.Estimate() > w.MaxTokens && len(w.Messages) > 1 {
		dropped := false
		for i, msg := range w.Messages {
			if msg.Role == llms.RoleSystem {
				continue
			}
			// Drop this message and its partner if the next one
			// completes a user+assistant pair.
			end := i + 1
			if end < len(w.Messages) && msg.Role == llms.RoleUser && w.Messages[end].Role == llms.RoleAssistant {
				end++
			}
			if end >= len(w.Messages) {
				end = len(w.Messages) - 1
				if end <= i {
					return
				}
			}
			w.Messages = append(w.Messages[:i], w.Messages[end:]...)
			dropped = true
			break
		}
		if !dropped {
			return
		}
	}
}

// ToAnthropic returns the system prompt separately from the messages,
// the shape the Anthropic API expects.
func (w *ContextWindow) ToAnthropic() (string, []llms.Message) {
	return w.SystemPrompt, w.nonSystemMessages()
}

// ToOpenAI returns one message list with the system prompt prepended.
func (w *ContextWindow) ToOpenAI() []llms.Message {
	messages := make([]llms.Message, 0, len(w.Messages)+1)
	if w.SystemPrompt != "" {
		messages = append(messages, llms.Message{Role: llms.RoleSystem, Content: w.SystemPrompt})
	}
	return append(messages, w.nonSystemMessages()...)
}

// GeminiContent is a provider-native content entry for Gemini.
type GeminiContent struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ToGemini returns the system instruction and contents with the
// assistant role mapped to "model".
func (w *ContextWindow) ToGemini() (string, []GeminiContent) {
	contents := make([]GeminiContent, 0, len(w.Messages))
	for _, msg := range w.nonSystemMessages() {
		role := "user"
		if msg.Role == llms.RoleAssistant {
			role = "model"
		}
		contents = append(contents, GeminiContent{Role: role, Text: msg.Content})
	}
	return w.SystemPrompt, contents
}

func (w *ContextWindow) nonSystemMessages() []llms.Message {
	messages := make([]llms.Message, 0, len(w.Messages))
	for _, msg := range w.Messages {
		if msg.Role != llms.RoleSystem {
			messages = append(messages, msg)
		}
	}
	return messages
}
