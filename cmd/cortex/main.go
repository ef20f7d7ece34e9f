package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cortexchat/cortex/pkg/config"
	"github.com/cortexchat/cortex/pkg/logger"
	"github.com/cortexchat/cortex/pkg/metadata"
	"github.com/cortexchat/cortex/pkg/prompt"
	"github.com/cortexchat/cortex/pkg/rag"
	"github.com/cortexchat/cortex/pkg/server"
	"github.com/cortexchat/cortex/pkg/store"
	"github.com/cortexchat/cortex/pkg/tools"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.LogLevel, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mysql, err := store.NewMySQLStore(cfg.MySQL)
	if err != nil {
		slog.Error("failed to open mysql", "error", err)
		os.Exit(1)
	}
	defer mysql.Close()
	if err := mysql.Ping(ctx); err != nil {
		slog.Error("mysql is unreachable", "error", err)
		os.Exit(1)
	}

	cache := store.NewRegistryCache(cfg.Redis, mysql)
	cache.Refresh(ctx)
	meta := metadata.NewService(cache)

	objects, err := store.NewObjectStore(ctx, cfg.S3)
	if err != nil {
		slog.Error("failed to configure object store", "error", err)
		os.Exit(1)
	}

	builtins := tools.NewToolRegistry()
	if err := tools.RegisterBuiltins(builtins, tools.BuiltinDeps{
		Config: cfg,
		DB:     mysql.DB(),
		Store:  objects,
	}); err != nil {
		slog.Error("failed to register builtin tools", "error", err)
		os.Exit(1)
	}

	assembler := prompt.NewAssembler(meta, mysql, objects, buildRetriever(ctx, cfg, meta))
	service := server.NewChatService(cfg, meta, mysql, assembler, builtins, nil)
	defer service.Close()
	srv := server.NewServer(cfg, service)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			slog.Error("shutdown failed", "error", err)
		}
	}()

	if err := srv.Start(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// buildRetriever wires the knowledge base when the embedding operator is
// usable. A missing operator or key disables retrieval rather than failing
// startup.
func buildRetriever(ctx context.Context, cfg *config.Config, meta *metadata.Service) prompt.Retriever {
	op, err := meta.Operator(ctx, cfg.EmbeddingOperator)
	if err != nil {
		slog.Warn("embedding operator not configured, knowledge base disabled", "operator", cfg.EmbeddingOperator, "error", err)
		return nil
	}
	embedder, err := rag.NewEmbedder(op, cfg.EmbeddingModel)
	if err != nil {
		slog.Warn("embedder unavailable, knowledge base disabled", "error", err)
		return nil
	}
	kb, err := rag.NewKnowledgeBase(cfg.Qdrant, embedder)
	if err != nil {
		slog.Warn("qdrant unavailable, knowledge base disabled", "error", err)
		return nil
	}
	return kb
}
