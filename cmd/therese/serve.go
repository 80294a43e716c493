package main

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/therese-ai/therese/pkg/board"
	"github.com/therese-ai/therese/pkg/chat"
	"github.com/therese-ai/therese/pkg/config"
	"github.com/therese-ai/therese/pkg/databases"
	"github.com/therese-ai/therese/pkg/llms"
	"github.com/therese-ai/therese/pkg/mcp"
	"github.com/therese-ai/therese/pkg/memory"
	"github.com/therese-ai/therese/pkg/ratelimit"
	"github.com/therese-ai/therese/pkg/security"
	"github.com/therese-ai/therese/pkg/server"
	"github.com/therese-ai/therese/pkg/store"
	"github.com/therese-ai/therese/pkg/therr"
)

// ServeCmd starts the local API server.
type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	// Les cles API peuvent vivre dans un .env a cote du binaire.
	_ = godotenv.Load()

	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	home := config.HomeDir()

	crypto, err := security.Encryption(home)
	if err != nil {
		return err
	}

	token, err := security.NewSessionToken(home)
	if err != nil {
		return err
	}
	defer func() {
		if err := token.Clear(); err != nil {
			slog.Warn("failed to clear session token", "error", err)
		}
	}()

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer st.Close()

	health := therr.NewServiceHealth()
	health.Declare("llm", true)
	health.Declare("vector_store", false)
	health.Declare("mcp", false)

	llm := llms.NewService(cfg, st, crypto)

	// Le magasin vectoriel est optionnel: sans Qdrant l'assistant tourne
	// sans memoire semantique.
	var memories chat.MemoryRetriever
	vectors, err := databases.NewQdrantStore(&cfg.VectorStore)
	if err != nil {
		slog.Warn("vector store unavailable, memory disabled", "error", err)
		health.SetAvailable("vector_store", false, "Memoire semantique indisponible pour le moment.")
	} else {
		defer vectors.Close()
		embedder := memory.NewOllamaEmbedder(config.DefaultHost(config.ProviderOllama), "")
		memories = memory.NewService(vectors, embedder)
	}

	supervisor := mcp.NewSupervisor(mcp.NewConfigStore(home), crypto)
	if err := supervisor.LoadAndStart(ctx); err != nil {
		slog.Warn("failed to load MCP servers", "error", err)
	}
	defer supervisor.StopAll()

	orchestrator := chat.NewOrchestrator(llm, st, supervisor, memories, health)
	if sandbox, err := security.NewPathSandbox(cfg.DataDir, nil); err != nil {
		slog.Warn("file attachments disabled", "error", err)
	} else {
		orchestrator.UseSandbox(sandbox)
	}

	identity, err := st.GetPreference(ctx, "user_identity")
	if err != nil {
		slog.Warn("failed to read user identity", "error", err)
	}
	engine := board.NewEngine(llm, st, identity)

	var limiter *ratelimit.Limiter
	if !cfg.RateLimit.Disabled {
		limiter = ratelimit.New(cfg.RateLimit.RequestsPerMinute)
		defer limiter.Close()
	}

	srv := server.New(&cfg.Server, token, limiter, orchestrator, engine, supervisor, st, health)

	slog.Info("therese starting",
		"version", version,
		"data_dir", cfg.DataDir,
		"port", cfg.Server.Port)

	if err := srv.Serve(ctx); err != nil && err != http.ErrServerClosed {
		return err
	}
	slog.Info("therese stopped")
	return nil
}
