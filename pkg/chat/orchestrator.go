// Package chat orchestrates one conversation turn: screening, context
// assembly, provider streaming, tool rounds and persistence.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/therese-ai/therese/pkg/llms"
	"github.com/therese-ai/therese/pkg/mcp"
	"github.com/therese-ai/therese/pkg/memory"
	"github.com/therese-ai/therese/pkg/security"
	"github.com/therese-ai/therese/pkg/store"
	"github.com/therese-ai/therese/pkg/therr"
	"github.com/therese-ai/therese/pkg/window"
)

// Tool rounds per turn are bounded so a misbehaving model cannot loop.
const maxToolRounds = 5

// ToolHost is the slice of the MCP supervisor the orchestrator needs.
type ToolHost interface {
	NamespacedDefinitions() []llms.ToolDefinition
	CallTool(ctx context.Context, compositeName string, args map[string]any) *mcp.ToolCallResult
}

// MemoryRetriever fetches semantic context. Nil disables memory.
type MemoryRetriever interface {
	Retrieve(ctx context.Context, query string, types []string, minScore float32, scope memory.Scope, topK int) ([]memory.Match, error)
}

// Request is one chat turn. FilePath optionally attaches a local file
// as context; it must resolve inside the configured sandbox.
type Request struct {
	Message        string
	ConversationID string
	IncludeMemory  bool
	Scope          memory.Scope
	FilePath       string
}

// ProviderSource is the slice of the LLM facade the orchestrator
// needs. Satisfied by *llms.Service.
type ProviderSource interface {
	ActiveProvider(ctx context.Context) (llms.Provider, error)
}

// Orchestrator wires the facade, stores and tool host together. The
// cancellation registry is keyed by conversation id.
type Orchestrator struct {
	llm      ProviderSource
	store    *store.Store
	tools    ToolHost
	memories MemoryRetriever
	screener *security.Screener
	sandbox  *security.PathSandbox
	health   *therr.ServiceHealth

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewOrchestrator(llm ProviderSource, st *store.Store, tools ToolHost, memories MemoryRetriever, health *therr.ServiceHealth) *Orchestrator {
	return &Orchestrator{
		llm:      llm,
		store:    st,
		tools:    tools,
		memories: memories,
		screener: security.NewScreener(),
		health:   health,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// UseSandbox enables file attachments, restricted to paths the sandbox
// admits.
func (o *Orchestrator) UseSandbox(sandbox *security.PathSandbox) {
	o.sandbox = sandbox
}

// Cancel flips the cancellation flag for a live generation; reports
// whether one was found.
func (o *Orchestrator) Cancel(conversationID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancels[conversationID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (o *Orchestrator) register(conversationID string, cancel context.CancelFunc) {
	o.mu.Lock()
	o.cancels[conversationID] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) unregister(conversationID string) {
	o.mu.Lock()
	delete(o.cancels, conversationID)
	o.mu.Unlock()
}

// Send runs one turn. The returned channel carries the provider's
// stream events and closes after the terminal event; the conversation
// id is returned up front so clients can cancel mid-stream.
func (o *Orchestrator) Send(ctx context.Context, req Request) (<-chan llms.StreamEvent, string, error) {
	scan := o.screener.Scan(req.Message)
	if !scan.IsSafe {
		_ = o.store.Audit(ctx, "chat.injection_rejected", scan)
		return nil, "", therr.Recoverable(therr.CodeValidationError,
			"Votre message contient un motif non autorise et n'a pas ete envoye.").
			WithDetails(map[string]any{"threat_type": scan.ThreatType, "threat_level": scan.ThreatLevel.String()})
	}

	fileBlock, err := o.loadFileContext(req.FilePath)
	if err != nil {
		return nil, "", err
	}

	conv, err := o.resolveConversation(ctx, req)
	if err != nil {
		return nil, "", err
	}

	history, err := o.loadHistory(ctx, conv.ID)
	if err != nil {
		return nil, "", err
	}

	if err := o.store.AppendMessage(ctx, &store.StoredMessage{
		ConversationID: conv.ID,
		Role:           string(llms.RoleUser),
		Content:        req.Message,
	}); err != nil {
		return nil, "", err
	}

	provider, err := o.llm.ActiveProvider(ctx)
	if err != nil {
		return nil, "", err
	}

	system, err := o.composeSystem(ctx, req)
	if err != nil {
		return nil, "", err
	}

	turn := req.Message
	if fileBlock != "" {
		turn += "\n\n" + fileBlock
	}
	messages := append(history, llms.Message{Role: llms.RoleUser, Content: turn})
	win := window.New(system, messages, provider.ContextWindow()-window.ReservedTokens)

	streamCtx, cancel := context.WithCancel(ctx)
	o.register(conv.ID, cancel)

	out := make(chan llms.StreamEvent)
	go func() {
		defer close(out)
		defer cancel()
		defer o.unregister(conv.ID)
		o.runTurn(streamCtx, provider, win, conv.ID, out)
	}()
	return out, conv.ID, nil
}

const maxFileContextBytes = 100 * 1024

// loadFileContext reads an attached file through the sandbox and wraps
// it as untrusted content. The file never reaches the model unfenced.
func (o *Orchestrator) loadFileContext(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if o.sandbox == nil {
		return "", therr.Recoverable(therr.CodeValidationError,
			"Les fichiers joints ne sont pas actives.")
	}
	resolved, err := o.sandbox.Validate(path)
	if err != nil {
		return "", therr.Recoverable(therr.CodeValidationError,
			"Chemin de fichier non autorise.").
			WithDetails(map[string]any{"path": path})
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return "", therr.Wrap(therr.CodeValidationError, "Impossible de lire le fichier joint.", err)
	}
	text := truncateRunes(string(content), maxFileContextBytes)
	return security.WrapUntrusted("fichier "+filepath.Base(resolved), text), nil
}

// truncateRunes cuts s to at most limit bytes without splitting a
// UTF-8 sequence.
func truncateRunes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}

func (o *Orchestrator) resolveConversation(ctx context.Context, req Request) (*store.Conversation, error) {
	if req.ConversationID == "" {
		title := truncateRunes(req.Message, 80)
		return o.store.CreateConversation(ctx, title)
	}
	conv, err := o.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, therr.New(therr.CodeHTTPError, "Conversation introuvable.")
	}
	return conv, nil
}

func (o *Orchestrator) loadHistory(ctx context.Context, conversationID string) ([]llms.Message, error) {
	stored, err := o.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	messages := make([]llms.Message, 0, len(stored))
	for _, m := range stored {
		msg := llms.Message{Role: llms.Role(m.Role), Content: m.Content}
		if m.ToolCallsJSON != "" {
			_ = json.Unmarshal([]byte(m.ToolCallsJSON), &msg.ToolCalls)
		}
		msg.ToolCallID = m.ToolCallID
		messages = append(messages, msg)
	}
	return messages, nil
}

// composeSystem assembles identity, long-form instructions and the
// optional memory block. Memory failures degrade to no memory.
func (o *Orchestrator) composeSystem(ctx context.Context, req Request) (string, error) {
	identity, _ := o.store.GetPreference(ctx, "user_identity")
	userContext, _ := o.store.GetPreference(ctx, "user_context")

	memoryBlock := ""
	if req.IncludeMemory && o.memories != nil {
		scope := req.Scope
		if scope.Kind == "" {
			scope = memory.GlobalScope()
		}
		matches, err := therr.WithGracefulDegradation(ctx, o.health, "vector_store",
			func(ctx context.Context) ([]memory.Match, error) {
				return o.memories.Retrieve(ctx, req.Message, nil, 0.6, scope, 5)
			}, nil, nil)
		if err == nil {
			memoryBlock = memory.ContextBlock(matches)
		}
	}

	return llms.ComposeSystemPrompt(identity, userContext, memoryBlock), nil
}

// runTurn streams the model's answer, dispatching tool rounds until a
// turn ends without tool calls. Whatever text was produced is
// persisted even when the stream fails or is cancelled.
func (o *Orchestrator) runTurn(ctx context.Context, provider llms.Provider, win *window.ContextWindow, conversationID string, out chan<- llms.StreamEvent) {
	var fullText strings.Builder
	var totalTokens int

	defer func() {
		// Persistence must survive cancellation.
		persistCtx := context.WithoutCancel(ctx)
		if fullText.Len() > 0 {
			err := o.store.AppendMessage(persistCtx, &store.StoredMessage{
				ConversationID: conversationID,
				Role:           string(llms.RoleAssistant),
				Content:        fullText.String(),
			})
			if err != nil {
				slog.Error("failed to persist assistant message", "error", err)
			}
		}
		if totalTokens > 0 {
			_ = o.store.RecordTokenUsage(persistCtx, conversationID, string(provider.Name()), provider.ModelName(), totalTokens)
		}
		_ = o.store.Audit(persistCtx, "chat.turn", map[string]any{
			"conversation_id": conversationID,
			"provider":        string(provider.Name()),
			"chars":           fullText.Len(),
		})
	}()

	var tools []llms.ToolDefinition
	if o.tools != nil {
		tools = o.tools.NamespacedDefinitions()
	}

	system, messages := win.ToAnthropic()

	events, err := provider.Stream(ctx, system, messages, tools, llms.StreamOptions{EnableGrounding: true})
	if err != nil {
		send(ctx, out, llms.StreamEvent{Type: llms.EventError, Content: userFacing(err), Err: err})
		return
	}

	for round := 0; ; round++ {
		roundText, toolCalls, terminal := o.consume(ctx, events, out)
		fullText.WriteString(roundText)
		totalTokens += terminal.Tokens

		if terminal.Type == llms.EventError || len(toolCalls) == 0 || round >= maxToolRounds {
			send(ctx, out, terminal)
			return
		}

		// Cancellation is checked before every tool round.
		if ctx.Err() != nil {
			send(ctx, out, llms.StreamEvent{Type: llms.EventDone, StopReason: "cancelled"})
			return
		}

		results := o.executeTools(ctx, toolCalls)
		events, err = provider.ContinueWithToolResults(ctx, system, messages, roundText, toolCalls, results, tools, llms.StreamOptions{EnableGrounding: true})
		if err != nil {
			send(ctx, out, llms.StreamEvent{Type: llms.EventError, Content: userFacing(err), Err: err})
			return
		}

		// Fold the finished round into history so later rounds carry it.
		messages = append(messages, llms.Message{Role: llms.RoleAssistant, Content: roundText, ToolCalls: toolCalls})
		for _, result := range results {
			messages = append(messages, llms.Message{Role: llms.RoleTool, Content: result.Content, ToolCallID: result.ToolCallID})
		}
	}
}

// consume drains one stream round, forwarding text events and
// collecting tool calls until the terminal event. An abandoned reader
// ends the round as a cancellation so the turn can unwind and persist.
func (o *Orchestrator) consume(ctx context.Context, events <-chan llms.StreamEvent, out chan<- llms.StreamEvent) (string, []*llms.ToolCall, llms.StreamEvent) {
	var text strings.Builder
	var toolCalls []*llms.ToolCall

	cancelled := llms.StreamEvent{Type: llms.EventDone, StopReason: "cancelled"}

	for ev := range events {
		switch ev.Type {
		case llms.EventText:
			text.WriteString(ev.Content)
			if !send(ctx, out, ev) {
				return text.String(), nil, cancelled
			}
		case llms.EventToolCall:
			toolCalls = append(toolCalls, ev.ToolCall)
			if !send(ctx, out, ev) {
				return text.String(), nil, cancelled
			}
		case llms.EventDone, llms.EventError:
			return text.String(), toolCalls, ev
		}

		if ctx.Err() != nil {
			return text.String(), nil, cancelled
		}
	}
	return text.String(), toolCalls, llms.StreamEvent{Type: llms.EventDone}
}

// send forwards one event unless the context ends first. It reports
// whether the reader took the event.
func send(ctx context.Context, out chan<- llms.StreamEvent, ev llms.StreamEvent) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) executeTools(ctx context.Context, toolCalls []*llms.ToolCall) []llms.ToolResult {
	results := make([]llms.ToolResult, 0, len(toolCalls))
	for _, call := range toolCalls {
		if o.tools == nil {
			results = append(results, llms.ToolResult{
				ToolCallID: call.ID,
				Content:    "aucun serveur d'outils disponible",
				IsError:    true,
			})
			continue
		}

		result := o.tools.CallTool(ctx, call.Name, call.Args)
		content := ""
		if result.Success {
			content = stringifyResult(result.Result)
		} else {
			content = result.Error
		}
		results = append(results, llms.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    !result.Success,
		})
	}
	return results
}

func stringifyResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func userFacing(err error) string {
	if te := therr.As(err); te != nil {
		return te.Message
	}
	return "Le service IA est momentanement indisponible. Reessayez dans un instant."
}
