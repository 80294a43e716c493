package llms

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/therese-ai/therese/pkg/config"
	"github.com/therese-ai/therese/pkg/therr"
)

const baseSystemPrompt = `Tu es Therese, l'assistante personnelle d'un dirigeant de petite entreprise.
Tu reponds en francais, de facon concise et concrete. Tu connais la gestion
quotidienne d'une petite entreprise: devis, factures, relances, clients,
planification. Quand tu ne sais pas, tu le dis.`

// Long-form user instructions are bounded before injection.
const maxUserContextChars = 10000

const truncationMarker = "\n[... contexte tronque ...]"

// PreferenceReader is the slice of the relational store the facade
// needs: persisted provider choice and encrypted API keys.
type PreferenceReader interface {
	GetPreference(ctx context.Context, key string) (string, error)
}

// Decryptor decrypts preference values that carry the ciphertext prefix.
type Decryptor interface {
	DecryptIfNeeded(value string) (string, error)
}

// Service selects and constructs the active provider and composes the
// system prompt. One instance per process.
type Service struct {
	cfg    *config.Config
	prefs  PreferenceReader
	crypto Decryptor

	mu       sync.Mutex
	keyCache map[config.ProviderType]string
}

func NewService(cfg *config.Config, prefs PreferenceReader, crypto Decryptor) *Service {
	return &Service{
		cfg:      cfg,
		prefs:    prefs,
		crypto:   crypto,
		keyCache: make(map[config.ProviderType]string),
	}
}

// InvalidateKeys clears the decrypted key cache. Call after any
// credential change so the next request re-reads preferences.
func (s *Service) InvalidateKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyCache = make(map[config.ProviderType]string)
}

// apiKey resolves a provider key: cache, then encrypted preference,
// then environment.
func (s *Service) apiKey(ctx context.Context, pt config.ProviderType) (string, error) {
	s.mu.Lock()
	if key, ok := s.keyCache[pt]; ok {
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	key := ""
	if s.prefs != nil {
		stored, err := s.prefs.GetPreference(ctx, "api_key_"+string(pt))
		if err != nil {
			return "", fmt.Errorf("failed to read api key preference: %w", err)
		}
		if stored != "" && s.crypto != nil {
			key, err = s.crypto.DecryptIfNeeded(stored)
			if err != nil {
				return "", fmt.Errorf("failed to decrypt api key: %w", err)
			}
		} else {
			key = stored
		}
	}
	if key == "" {
		key = config.APIKeyFromEnv(pt)
	}

	s.mu.Lock()
	s.keyCache[pt] = key
	s.mu.Unlock()
	return key, nil
}

// usable reports whether a provider can serve requests. Ollama is
// local and needs no key.
func (s *Service) usable(ctx context.Context, pt config.ProviderType) bool {
	if pt == config.ProviderOllama {
		return true
	}
	key, err := s.apiKey(ctx, pt)
	return err == nil && key != ""
}

// ActiveProvider builds the provider selected by the llm_provider and
// llm_model preferences, falling back to the first usable provider in
// the fixed preference order.
func (s *Service) ActiveProvider(ctx context.Context) (Provider, error) {
	var pt config.ProviderType
	var model string

	if s.prefs != nil {
		stored, err := s.prefs.GetPreference(ctx, "llm_provider")
		if err == nil && stored != "" {
			pt = config.ProviderType(stored)
		}
		model, _ = s.prefs.GetPreference(ctx, "llm_model")
	}

	if pt == "" || !s.usable(ctx, pt) {
		pt = ""
		for _, candidate := range config.AllProviders {
			if s.usable(ctx, candidate) {
				pt = candidate
				break
			}
		}
	}
	if pt == "" {
		return nil, therr.Recoverable(therr.CodeAPIAuthFailed,
			"Aucun fournisseur IA configure. Ajoutez une cle API dans les reglages.")
	}

	return s.BuildProvider(ctx, pt, model)
}

// ProviderFor builds a provider for an explicit type, using the
// default model when none is given. Used by the board to pin advisors.
func (s *Service) ProviderFor(ctx context.Context, pt config.ProviderType) (Provider, error) {
	if !s.usable(ctx, pt) {
		return nil, therr.Recoverable(therr.CodeAPIAuthFailed,
			fmt.Sprintf("Aucune cle API pour le fournisseur %s.", pt))
	}
	return s.BuildProvider(ctx, pt, "")
}

// BuildProvider constructs the adapter for a provider type.
func (s *Service) BuildProvider(ctx context.Context, pt config.ProviderType, model string) (Provider, error) {
	key, err := s.apiKey(ctx, pt)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = config.DefaultModel(pt)
	}

	cfg := &config.LLMProviderConfig{
		Type:   pt,
		Model:  model,
		APIKey: key,
	}
	cfg.SetDefaults()

	switch pt {
	case config.ProviderAnthropic:
		return NewAnthropicProvider(cfg)
	case config.ProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case config.ProviderGemini:
		return NewGeminiProvider(cfg)
	case config.ProviderMistral:
		return NewMistralProvider(cfg)
	case config.ProviderGrok:
		return NewGrokProvider(cfg)
	case config.ProviderOllama:
		return NewOllamaProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown provider type: %s", pt)
	}
}

// ComposeSystemPrompt assembles the system prompt: static base, user
// identity, bounded long-form instructions, then the memory block.
func ComposeSystemPrompt(identity, userContext, memoryBlock string) string {
	var b strings.Builder
	b.WriteString(baseSystemPrompt)

	if identity = strings.TrimSpace(identity); identity != "" {
		b.WriteString("\n\n## Utilisateur\n")
		b.WriteString(identity)
	}

	if userContext = strings.TrimSpace(userContext); userContext != "" {
		if len(userContext) > maxUserContextChars {
			userContext = truncateRunes(userContext, maxUserContextChars) + truncationMarker
		}
		b.WriteString("\n\n## Instructions de l'utilisateur\n")
		b.WriteString(userContext)
	}

	if memoryBlock = strings.TrimSpace(memoryBlock); memoryBlock != "" {
		b.WriteString("\n\n")
		b.WriteString(memoryBlock)
	}
	return b.String()
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

// GenerateContent is the non-streaming helper for internal callers
// (titles, summaries, board synthesis fallbacks). Unlike streaming
// handlers it retries transient failures with exponential backoff.
// maxTokens caps the output when positive without touching the shared
// provider config; zero keeps the provider default.
func GenerateContent(ctx context.Context, provider Provider, system, prompt string, maxTokens int) (string, error) {
	messages := []Message{{Role: RoleUser, Content: prompt}}

	var lastErr error
	backoff := 500 * time.Millisecond
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		text, err := collectStream(ctx, provider, system, messages, maxTokens)
		if err == nil {
			return text, nil
		}
		lastErr = err
		slog.Warn("generation attempt failed", "provider", provider.Name(), "attempt", attempt+1, "error", err)
	}
	return "", therr.Classify(lastErr)
}

func collectStream(ctx context.Context, provider Provider, system string, messages []Message, maxTokens int) (string, error) {
	events, err := provider.Stream(ctx, system, messages, nil, StreamOptions{MaxTokens: maxTokens})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for ev := range events {
		switch ev.Type {
		case EventText:
			b.WriteString(ev.Content)
		case EventError:
			if ev.Err != nil {
				return "", ev.Err
			}
			return "", fmt.Errorf("%s", ev.Content)
		case EventDone:
			return b.String(), nil
		}
	}
	return b.String(), nil
}
