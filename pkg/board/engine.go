package board

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/therese-ai/therese/pkg/config"
	"github.com/therese-ai/therese/pkg/llms"
	"github.com/therese-ai/therese/pkg/store"
	"github.com/therese-ai/therese/pkg/window"
)

// EventType enumerates the SSE frames a deliberation emits.
type EventType string

const (
	EventWebSearchStart EventType = "web_search_start"
	EventWebSearchDone  EventType = "web_search_done"
	EventAdvisorStart   EventType = "advisor_start"
	EventAdvisorChunk   EventType = "advisor_chunk"
	EventAdvisorDone    EventType = "advisor_done"
	EventSynthesisStart EventType = "synthesis_start"
	EventSynthesisChunk EventType = "synthesis_chunk"
	EventDone           EventType = "done"

	// internal sentinel, never emitted to clients
	eventAdvisorsFinished EventType = "advisors_finished"
)

// Event is one frame of a streamed deliberation.
type Event struct {
	Type       EventType  `json:"type"`
	Role       string     `json:"role,omitempty"`
	Name       string     `json:"name,omitempty"`
	Emoji      string     `json:"emoji,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Content    string     `json:"content,omitempty"`
	Synthesis  *Synthesis `json:"synthesis,omitempty"`
	DecisionID string     `json:"decision_id,omitempty"`
}

// Opinion is one advisor's full answer.
type Opinion struct {
	Role    string `json:"role"`
	Name    string `json:"name"`
	Emoji   string `json:"emoji"`
	Content string `json:"content"`
}

// Synthesis is the structured verdict distilled from the opinions.
type Synthesis struct {
	ConsensusPoints  []string `json:"consensus_points"`
	DivergencePoints []string `json:"divergence_points"`
	Recommendation   string   `json:"recommendation"`
	Confidence       string   `json:"confidence"`
	NextSteps        []string `json:"next_steps"`
}

const apologySentence = "Je n'ai pas pu donner mon avis cette fois-ci, veuillez m'en excuser."

// Events from all five advisors funnel through one bounded queue.
const queueCapacity = 64

// ProviderSource is the slice of the LLM facade the engine needs.
// Satisfied by *llms.Service.
type ProviderSource interface {
	ProviderFor(ctx context.Context, pt config.ProviderType) (llms.Provider, error)
	ActiveProvider(ctx context.Context) (llms.Provider, error)
}

// Engine orchestrates deliberations.
type Engine struct {
	llm      ProviderSource
	store    *store.Store
	searcher webSearcher
	identity string
}

func NewEngine(llm ProviderSource, st *store.Store, identity string) *Engine {
	return &Engine{llm: llm, store: st, searcher: newWebSearcher(), identity: identity}
}

// Deliberate fans the question out to the five advisors and streams
// the whole deliberation. The returned channel closes after the final
// done event.
func (e *Engine) Deliberate(ctx context.Context, question, userContext string) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		e.run(ctx, question, userContext, out)
	}()
	return out
}

func (e *Engine) run(ctx context.Context, question, userContext string, out chan<- Event) {
	if !emit(ctx, out, Event{Type: EventWebSearchStart}) {
		return
	}
	enriched, results := e.enrichQuestion(ctx, question)
	if !emit(ctx, out, Event{Type: EventWebSearchDone, Content: results}) {
		return
	}

	boardAdvisors := Advisors()
	providers := e.resolveProviders(ctx, boardAdvisors)

	queue := make(chan Event, queueCapacity)

	g, gctx := errgroup.WithContext(ctx)
	for i, advisor := range boardAdvisors {
		provider := providers[i]
		g.Go(func() error {
			e.runAdvisor(gctx, advisor, provider, enriched, userContext, queue)
			return nil
		})
	}
	// Monitor: post the sentinel once every advisor has finished.
	go func() {
		_ = g.Wait()
		emit(ctx, queue, Event{Type: eventAdvisorsFinished})
	}()

	byRole := make(map[string]Opinion, len(boardAdvisors))
	for ev := range queue {
		if ev.Type == eventAdvisorsFinished {
			break
		}
		if ev.Type == EventAdvisorDone {
			byRole[ev.Role] = Opinion{Role: ev.Role, Name: ev.Name, Emoji: ev.Emoji, Content: ev.Content}
		}
		if !emit(ctx, out, ev) {
			return
		}
	}

	// Opinions persist in board order, not completion order.
	opinions := make([]Opinion, 0, len(boardAdvisors))
	for _, advisor := range boardAdvisors {
		if op, ok := byRole[advisor.Role]; ok {
			opinions = append(opinions, op)
		}
	}

	if !emit(ctx, out, Event{Type: EventSynthesisStart}) {
		return
	}
	synthesis := e.synthesise(ctx, question, opinions)

	// Persistence must survive a late disconnect.
	decisionID, err := e.persist(context.WithoutCancel(ctx), question, userContext, opinions, synthesis)
	if err != nil {
		slog.Error("failed to persist board decision", "error", err)
	}

	if !emit(ctx, out, Event{Type: EventSynthesisChunk, Synthesis: synthesis}) {
		return
	}
	emit(ctx, out, Event{Type: EventDone, DecisionID: decisionID})
}

// emit forwards one frame unless the context ends first. It reports
// whether the frame was taken.
func emit(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// enrichQuestion runs the best-effort web search. Failures degrade to
// the bare question and empty search results.
func (e *Engine) enrichQuestion(ctx context.Context, question string) (string, string) {
	results, err := e.searcher.Search(ctx, question)
	if err != nil {
		slog.Debug("board web search failed", "error", err)
		results = ""
	}

	if results == "" {
		return question, ""
	}
	return question + "\n\nContexte web:\n" + results, results
}

// resolveProviders is done up front, before any advisor goroutine
// exists, to keep credential reads out of the concurrent phase. An
// unavailable preferred provider falls back to the active one.
func (e *Engine) resolveProviders(ctx context.Context, boardAdvisors []Advisor) []llms.Provider {
	providers := make([]llms.Provider, len(boardAdvisors))
	for i, advisor := range boardAdvisors {
		p, err := e.llm.ProviderFor(ctx, advisor.PreferredProvider)
		if err != nil {
			slog.Warn("advisor provider unavailable, using default",
				"advisor", advisor.Role, "preferred", advisor.PreferredProvider, "error", err)
			p, err = e.llm.ActiveProvider(ctx)
			if err != nil {
				providers[i] = nil
				continue
			}
		}
		providers[i] = p
	}
	return providers
}

// runAdvisor streams one opinion into the queue. The framing per
// advisor is strictly start, chunks, done; a failure replaces the
// content with an apology but still reaches done.
func (e *Engine) runAdvisor(ctx context.Context, advisor Advisor, provider llms.Provider, question, userContext string, queue chan<- Event) {
	base := Event{Role: advisor.Role, Name: advisor.Name, Emoji: advisor.Emoji}

	start := base
	start.Type = EventAdvisorStart
	if provider != nil {
		start.Provider = string(provider.Name())
	}
	if !emit(ctx, queue, start) {
		return
	}

	content := e.streamOpinion(ctx, advisor, provider, question, userContext, queue)
	if content == "" {
		content = apologySentence
	}

	done := base
	done.Type = EventAdvisorDone
	done.Content = content
	emit(ctx, queue, done)
}

func (e *Engine) streamOpinion(ctx context.Context, advisor Advisor, provider llms.Provider, question, userContext string, queue chan<- Event) string {
	if provider == nil {
		return ""
	}

	system := llms.ComposeSystemPrompt(e.identity, userContext, "")
	system = advisor.SystemPrompt + "\n\n" + system

	win := window.New(system, []llms.Message{{Role: llms.RoleUser, Content: question}},
		provider.ContextWindow()-window.ReservedTokens)
	sys, messages := win.ToAnthropic()

	events, err := provider.Stream(ctx, sys, messages, nil, llms.StreamOptions{EnableGrounding: true})
	if err != nil {
		slog.Warn("advisor stream failed to start", "advisor", advisor.Role, "error", err)
		return ""
	}

	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case llms.EventText:
			b.WriteString(ev.Content)
			chunk := Event{Type: EventAdvisorChunk, Role: advisor.Role, Name: advisor.Name, Emoji: advisor.Emoji, Content: ev.Content}
			if !emit(ctx, queue, chunk) {
				return b.String()
			}
		case llms.EventError:
			slog.Warn("advisor stream failed", "advisor", advisor.Role, "error", ev.Err)
			return ""
		case llms.EventDone:
			return b.String()
		}
	}
	return b.String()
}

// synthesise asks the default provider for a strict-JSON verdict. A
// parse failure yields the low-confidence fallback instead of an error.
func (e *Engine) synthesise(ctx context.Context, question string, opinions []Opinion) *Synthesis {
	provider, err := e.llm.ActiveProvider(ctx)
	if err != nil {
		slog.Error("no provider available for synthesis", "error", err)
		return fallbackSynthesis()
	}

	text, err := llms.GenerateContent(ctx, provider, synthesisSystemPrompt, synthesisPrompt(question, opinions), 0)
	if err != nil {
		slog.Error("synthesis generation failed", "error", err)
		return fallbackSynthesis()
	}

	synthesis, err := parseSynthesis(text)
	if err != nil {
		slog.Warn("synthesis was not valid JSON, using fallback", "error", err)
		return fallbackSynthesis()
	}
	return synthesis
}

const synthesisSystemPrompt = `Tu es la secretaire du conseil de direction. On te donne une question
et les avis de cinq conseillers. Tu produis une synthese STRICTEMENT au format JSON:
{"consensus_points": [...], "divergence_points": [...], "recommendation": "...", "confidence": "low|medium|high", "next_steps": [...]}
Reponds uniquement avec le JSON, sans texte autour.`

func synthesisPrompt(question string, opinions []Opinion) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question posee au conseil:\n%s\n", question)
	for _, op := range opinions {
		fmt.Fprintf(&b, "\n--- Avis de %s (%s) ---\n%s\n", op.Name, op.Role, op.Content)
	}
	return b.String()
}

// parseSynthesis tolerates the code fences most models wrap JSON in.
func parseSynthesis(text string) (*Synthesis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var s Synthesis
	if err := json.Unmarshal([]byte(text), &s); err != nil {
		return nil, err
	}
	if s.Recommendation == "" {
		return nil, fmt.Errorf("synthesis missing recommendation")
	}
	return &s, nil
}

func fallbackSynthesis() *Synthesis {
	return &Synthesis{
		Recommendation: "Le conseil n'a pas pu produire de synthese fiable. Reformulez votre question, par exemple en la rendant plus concrete.",
		Confidence:     "low",
	}
}

// persist writes the decision before any synthesis frame leaves the
// process, so a client disconnect cannot lose it.
func (e *Engine) persist(ctx context.Context, question, userContext string, opinions []Opinion, synthesis *Synthesis) (string, error) {
	opinionsJSON, err := json.Marshal(opinions)
	if err != nil {
		return "", err
	}
	synthesisJSON, err := json.Marshal(synthesis)
	if err != nil {
		return "", err
	}

	decision := &store.BoardDecision{
		Question:       question,
		Context:        userContext,
		OpinionsJSON:   string(opinionsJSON),
		SynthesisJSON:  string(synthesisJSON),
		Confidence:     synthesis.Confidence,
		Recommendation: synthesis.Recommendation,
	}
	if err := e.store.SaveBoardDecision(ctx, decision); err != nil {
		return "", err
	}
	_ = e.store.Audit(ctx, "board.deliberation", map[string]any{
		"decision_id": decision.ID,
		"confidence":  decision.Confidence,
	})
	return decision.ID, nil
}
