// Package memory is the semantic memory layer: embeddings in the
// vector store, retrieval filtered by scope, and the context block
// appended to system prompts.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/therese-ai/therese/pkg/databases"
)

const collection = "therese_memories"

// ScopeKind selects which slice of memory a retrieval sees.
type ScopeKind string

const (
	ScopeGlobal       ScopeKind = "global"
	ScopeProject      ScopeKind = "project"
	ScopeConversation ScopeKind = "conversation"
	ScopeContact      ScopeKind = "contact"
)

// Scope is global, or a kind plus the entity id it is attached to.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeProject, ScopeConversation, ScopeContact:
		if s.ID == "" {
			return fmt.Errorf("scope %s requires an id", s.Kind)
		}
		return nil
	default:
		return fmt.Errorf("unknown scope kind: %s", s.Kind)
	}
}

// Match is one retrieved memory.
type Match struct {
	ID      string  `json:"id"`
	Content string  `json:"content"`
	Type    string  `json:"type"`
	Score   float32 `json:"score"`
}

// Service glues the embedder and vector store together.
type Service struct {
	store    databases.VectorStore
	embedder Embedder
}

func NewService(store databases.VectorStore, embedder Embedder) *Service {
	return &Service{store: store, embedder: embedder}
}

// Remember embeds and stores one memory under a scope.
func (s *Service) Remember(ctx context.Context, content, memType string, scope Scope) (string, error) {
	if err := scope.Validate(); err != nil {
		return "", err
	}
	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("failed to embed memory: %w", err)
	}

	id := uuid.New().String()
	metadata := map[string]any{
		"content":    content,
		"type":       memType,
		"scope":      string(scope.Kind),
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	if scope.ID != "" {
		metadata["scope_id"] = scope.ID
	}

	if err := s.store.Upsert(ctx, collection, id, vector, metadata); err != nil {
		return "", fmt.Errorf("failed to store memory: %w", err)
	}
	return id, nil
}

// Retrieve returns the top-K matches above minScore, restricted to the
// given scope and optionally to a set of memory types.
func (s *Service) Retrieve(ctx context.Context, query string, types []string, minScore float32, scope Scope, topK int) ([]Match, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if topK <= 0 {
		topK = 5
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	filter := map[string]any{"scope": string(scope.Kind)}
	if scope.ID != "" {
		filter["scope_id"] = scope.ID
	}

	results, err := s.store.Search(ctx, collection, vector, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}

	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	var matches []Match
	for _, r := range results {
		if r.Score < minScore {
			continue
		}
		memType, _ := r.Metadata["type"].(string)
		if len(typeSet) > 0 && !typeSet[memType] {
			continue
		}
		matches = append(matches, Match{ID: r.ID, Content: r.Content, Type: memType, Score: r.Score})
	}
	slog.Debug("memory retrieval", "query_length", len(query), "matches", len(matches))
	return matches, nil
}

// Forget deletes one memory by id.
func (s *Service) Forget(ctx context.Context, id string) error {
	return s.store.Delete(ctx, collection, id)
}

// ForgetScope deletes every memory attached to a scope.
func (s *Service) ForgetScope(ctx context.Context, scope Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	filter := map[string]any{"scope": string(scope.Kind)}
	if scope.ID != "" {
		filter["scope_id"] = scope.ID
	}
	return s.store.DeleteByFilter(ctx, collection, filter)
}

// ContextBlock formats matches as the memory section appended to the
// system prompt. Returns "" when there is nothing to say.
func ContextBlock(matches []Match) string {
	if len(matches) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Contexte mémoire:\n")
	for _, m := range matches {
		b.WriteString("- ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}
