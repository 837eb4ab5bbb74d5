package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tabletalk/tabletalk/internal/agent"
	"github.com/tabletalk/tabletalk/internal/api"
	"github.com/tabletalk/tabletalk/internal/auth"
	"github.com/tabletalk/tabletalk/internal/config"
	"github.com/tabletalk/tabletalk/internal/dataset"
	"github.com/tabletalk/tabletalk/internal/llm"
	"github.com/tabletalk/tabletalk/internal/observability"
	"github.com/tabletalk/tabletalk/internal/session"
	"github.com/tabletalk/tabletalk/internal/source"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv("tabletalk-api")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)

	client, err := llm.NewOpenAIClient(llm.Config{
		BaseURL:       cfg.AI.BaseURL,
		APIKey:        cfg.AI.APIKey,
		Timeout:       cfg.AI.Timeout,
		RetryAttempts: cfg.AI.RetryAttempts,
		RetryBaseWait: cfg.AI.RetryBaseWait,
		OnRetry:       observability.IncrementModelRetry,
	})
	if err != nil {
		logger.Error("failed to initialize language model client", slog.Any("error", err))
		os.Exit(1)
	}

	registry := session.NewRegistry(logger)

	deps := api.Dependencies{
		Logger:   logger,
		Sessions: registry,
		Stage:    dataset.Stage,
		NewRunner: func(src source.Source) api.QuestionRunner {
			return agent.New(client, src, agent.Options{
				Model:       cfg.AI.Model,
				Temperature: cfg.AI.Temperature,
				MaxSteps:    cfg.Agent.MaxSteps,
				RowLimit:    cfg.Agent.RowLimit,
				SampleRows:  cfg.Agent.SchemaSamples,
				Logger:      logger,
			})
		},
		Readiness: api.CheckAIConfig(cfg),
	}
	if cfg.Auth.Required {
		validator, err := auth.NewStaticAPIKeyValidator(cfg.Auth.StaticKeys)
		if err != nil {
			logger.Error("failed to parse static auth keys", slog.Any("error", err))
			os.Exit(1)
		}
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting api server", slog.String("addr", cfg.HTTP.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down api server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
	if err := registry.Shutdown(shutdownCtx); err != nil {
		logger.Error("session cleanup failed", slog.Any("error", err))
	}
}
