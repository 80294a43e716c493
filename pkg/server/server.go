// Package server is the HTTP/SSE surface consumed by the desktop shell.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/therese-ai/therese/pkg/board"
	"github.com/therese-ai/therese/pkg/chat"
	"github.com/therese-ai/therese/pkg/config"
	"github.com/therese-ai/therese/pkg/llms"
	"github.com/therese-ai/therese/pkg/mcp"
	"github.com/therese-ai/therese/pkg/memory"
	"github.com/therese-ai/therese/pkg/ratelimit"
	"github.com/therese-ai/therese/pkg/security"
	"github.com/therese-ai/therese/pkg/store"
	"github.com/therese-ai/therese/pkg/therr"
)

// ChatService is implemented by *chat.Orchestrator.
type ChatService interface {
	Send(ctx context.Context, req chat.Request) (<-chan llms.StreamEvent, string, error)
	Cancel(conversationID string) bool
}

// BoardService is implemented by *board.Engine.
type BoardService interface {
	Deliberate(ctx context.Context, question, userContext string) <-chan board.Event
}

// MCPService is implemented by *mcp.Supervisor.
type MCPService interface {
	ListServers() []mcp.ServerView
	AddServer(ctx context.Context, name, command string, args []string, env map[string]string, enabled bool) (*mcp.ServerRecord, error)
	RemoveServer(id string) (bool, error)
	StartServer(ctx context.Context, id string) error
	StopServer(id string)
	CallTool(ctx context.Context, compositeName string, args map[string]any) *mcp.ToolCallResult
}

// Server owns the router and the per-process session state.
type Server struct {
	cfg      *config.ServerConfig
	token    *security.SessionToken
	limiter  *ratelimit.Limiter
	chat     ChatService
	board    BoardService
	mcps     MCPService
	store    *store.Store
	health   *therr.ServiceHealth
	screener *security.Screener
}

func New(cfg *config.ServerConfig, token *security.SessionToken, limiter *ratelimit.Limiter, chatSvc ChatService, boardSvc BoardService, mcpSvc MCPService, st *store.Store, health *therr.ServiceHealth) *Server {
	return &Server{
		cfg:      cfg,
		token:    token,
		limiter:  limiter,
		chat:     chatSvc,
		board:    boardSvc,
		mcps:     mcpSvc,
		store:    st,
		health:   health,
		screener: security.NewScreener(),
	}
}

// Router assembles the middleware stack, outermost first: CORS, rate
// limit, auth, security headers, then the route handlers.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))
	if s.limiter != nil {
		r.Use(ratelimit.Middleware(s.limiter))
	}
	r.Use(authMiddleware(s.token))
	r.Use(securityHeadersMiddleware)

	r.Get("/health", s.handleHealth)
	r.Get("/health/services", s.handleHealthServices)
	r.Get("/api/auth/token", s.handleToken)

	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/send", s.handleChatSend)
		r.Post("/cancel/{conversationID}", s.handleChatCancel)
		r.Get("/conversations", s.handleConversationList)
		r.Get("/conversations/{conversationID}/messages", s.handleConversationMessages)
	})

	r.Route("/api/board", func(r chi.Router) {
		r.Post("/deliberate", s.handleBoardDeliberate)
		r.Get("/decisions", s.handleBoardList)
		r.Get("/decisions/{id}", s.handleBoardGet)
		r.Delete("/decisions/{id}", s.handleBoardDelete)
	})

	r.Route("/api/mcp", func(r chi.Router) {
		r.Get("/servers", s.handleMCPList)
		r.Post("/servers", s.handleMCPAdd)
		r.Delete("/servers/{id}", s.handleMCPRemove)
		r.Post("/servers/{id}/start", s.handleMCPStart)
		r.Post("/servers/{id}/stop", s.handleMCPStop)
		r.Post("/tools/call", s.handleMCPCallTool)
	})

	return r
}

// Serve blocks until ctx is cancelled, then drains with a grace period.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("server listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthServices(w http.ResponseWriter, r *http.Request) {
	snapshot := map[string]therr.ServiceStatus{}
	if s.health != nil {
		snapshot = s.health.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": snapshot})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"token": s.token.Value()})
}

type chatSendRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	Stream         *bool  `json:"stream,omitempty"`
	IncludeMemory  bool   `json:"include_memory,omitempty"`
	FilePath       string `json:"file_path,omitempty"`
	ContextScope   *struct {
		Kind string `json:"kind"`
		ID   string `json:"id,omitempty"`
	} `json:"context_scope,omitempty"`
}

func (s *Server) handleChatSend(w http.ResponseWriter, r *http.Request) {
	var body chatSendRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, therr.Recoverable(therr.CodeValidationError, "Corps de requete invalide."))
		return
	}
	if strings.TrimSpace(body.Message) == "" {
		writeError(w, therr.Recoverable(therr.CodeValidationError, "Le message est vide."))
		return
	}

	req := chat.Request{
		Message:        body.Message,
		ConversationID: body.ConversationID,
		IncludeMemory:  body.IncludeMemory,
		FilePath:       body.FilePath,
	}
	if body.ContextScope != nil {
		req.Scope = memory.Scope{Kind: memory.ScopeKind(body.ContextScope.Kind), ID: body.ContextScope.ID}
	}

	events, conversationID, err := s.chat.Send(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}

	streaming := body.Stream == nil || *body.Stream
	if streaming {
		s.streamChat(w, events, conversationID)
		return
	}

	var text strings.Builder
	var terminal llms.StreamEvent
	for ev := range events {
		if ev.Type == llms.EventText {
			text.WriteString(ev.Content)
		}
		if ev.Type == llms.EventDone || ev.Type == llms.EventError {
			terminal = ev
		}
	}
	if terminal.Type == llms.EventError {
		writeError(w, therr.New(therr.CodeGenerationFailed, terminal.Content))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conversationID,
		"text":            text.String(),
		"stop_reason":     terminal.StopReason,
		"tokens":          terminal.Tokens,
	})
}

func (s *Server) streamChat(w http.ResponseWriter, events <-chan llms.StreamEvent, conversationID string) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, therr.New(therr.CodeUnknown, "Le streaming n'est pas disponible."))
		return
	}

	// First frame carries the conversation id so the client can cancel.
	_ = sse.Send(map[string]string{"type": "conversation", "conversation_id": conversationID})

	for ev := range events {
		frame := map[string]any{"type": string(ev.Type)}
		if ev.Content != "" {
			frame["content"] = ev.Content
		}
		if ev.ToolCall != nil {
			frame["tool_call"] = ev.ToolCall
		}
		if ev.StopReason != "" {
			frame["stop_reason"] = ev.StopReason
		}
		if ev.Tokens > 0 {
			frame["tokens"] = ev.Tokens
		}
		if err := sse.Send(frame); err != nil {
			return
		}
	}
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conversations, err := s.store.ListConversations(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (s *Server) handleConversationMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	conversation, err := s.store.GetConversation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if conversation == nil {
		writeError(w, therr.New(therr.CodeHTTPError, "Conversation introuvable."))
		return
	}
	messages, err := s.store.ListMessages(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conversation,
		"messages":     messages,
	})
}

func (s *Server) handleChatCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "conversationID")
	found := s.chat.Cancel(id)
	writeJSON(w, http.StatusOK, map[string]bool{"found": found})
}

func (s *Server) handleBoardDeliberate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Question string `json:"question"`
		Context  string `json:"context,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Question) == "" {
		writeError(w, therr.Recoverable(therr.CodeValidationError, "La question est vide."))
		return
	}
	if scan := s.screener.Scan(body.Question); !scan.IsSafe {
		_ = s.store.Audit(r.Context(), "board.injection_rejected", scan)
		writeError(w, therr.Recoverable(therr.CodeValidationError,
			"Votre question contient un motif non autorise et a ete rejetee.").
			WithDetails(map[string]any{"threat_type": scan.ThreatType}))
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, therr.New(therr.CodeUnknown, "Le streaming n'est pas disponible."))
		return
	}
	for ev := range s.board.Deliberate(r.Context(), body.Question, body.Context) {
		if err := sse.Send(ev); err != nil {
			return
		}
	}
}

func (s *Server) handleBoardList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	decisions, err := s.store.ListBoardDecisions(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
}

func (s *Server) handleBoardGet(w http.ResponseWriter, r *http.Request) {
	decision, err := s.store.GetBoardDecision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if decision == nil {
		writeError(w, therr.New(therr.CodeHTTPError, "Decision introuvable."))
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handleBoardDelete(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.DeleteBoardDecision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !deleted {
		writeError(w, therr.New(therr.CodeHTTPError, "Decision introuvable."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleMCPList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"servers": s.mcps.ListServers()})
}

func (s *Server) handleMCPAdd(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string            `json:"name"`
		Command string            `json:"command"`
		Args    []string          `json:"args"`
		Env     map[string]string `json:"env,omitempty"`
		Enabled bool              `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, therr.Recoverable(therr.CodeValidationError, "Corps de requete invalide."))
		return
	}

	record, err := s.mcps.AddServer(r.Context(), body.Name, body.Command, body.Args, body.Env, body.Enabled)
	if err != nil {
		writeError(w, therr.Wrap(therr.CodeValidationError, err.Error(), err).
			WithDetails(map[string]any{"command": body.Command}))
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (s *Server) handleMCPRemove(w http.ResponseWriter, r *http.Request) {
	removed, err := s.mcps.RemoveServer(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !removed {
		writeError(w, therr.New(therr.CodeHTTPError, "Serveur introuvable."))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handleMCPStart(w http.ResponseWriter, r *http.Request) {
	if err := s.mcps.StartServer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, therr.Wrap(therr.CodeValidationError, err.Error(), err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

func (s *Server) handleMCPStop(w http.ResponseWriter, r *http.Request) {
	s.mcps.StopServer(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleMCPCallTool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ToolName  string         `json:"tool_name"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.ToolName == "" {
		writeError(w, therr.Recoverable(therr.CodeValidationError, "Nom d'outil manquant."))
		return
	}
	result := s.mcps.CallTool(r.Context(), body.ToolName, body.Arguments)
	_ = s.store.Audit(r.Context(), "mcp.tool_call", map[string]any{
		"tool_name": body.ToolName,
		"success":   result.Success,
	})
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps any error to the stable envelope. Unknown errors are
// logged with the technical detail and surfaced generically.
func writeError(w http.ResponseWriter, err error) {
	te := therr.As(err)
	if te == nil {
		slog.Error("unhandled error", "error", err)
		te = therr.New(therr.CodeUnknown, "Une erreur inattendue s'est produite.")
	}
	writeJSON(w, therr.HTTPStatus(te), te)
}
