package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"embedchat/internal/chat"
	"embedchat/internal/config"
	"embedchat/internal/crypto"
	"embedchat/internal/metrics"
	"embedchat/internal/prompt"
	"embedchat/internal/providers/registry"
	"embedchat/internal/server"
	"embedchat/internal/storage"
	"embedchat/internal/usage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("provider", cfg.Providers.Default).
		Str("db_driver", cfg.DB.Driver).
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Msg("starting embedchat")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	cryptoManager, err := crypto.NewManager(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize crypto manager")
	}

	m := metrics.Global()

	reg := registry.New(registry.Settings{
		DefaultProvider: cfg.Providers.Default,
		OllamaHost:      cfg.Providers.OllamaHost,
		OllamaModel:     cfg.Providers.OllamaModel,
		OpenAIAPIKey:    cfg.Providers.OpenAIAPIKey,
		OpenAIModel:     cfg.Providers.OpenAIModel,
		AnthropicAPIKey: cfg.Providers.AnthropicAPIKey,
		AnthropicModel:  cfg.Providers.AnthropicModel,
	})

	recorder := usage.NewRecorder(rdb, store, m, log.Logger)

	chatService := chat.New(chat.Config{
		Sessions:  store,
		Tenants:   store,
		Usage:     recorder,
		Resolver:  reg,
		Crypto:    cryptoManager,
		Prompts:   prompt.Builder{BasePrompt: cfg.Chat.BasePrompt},
		MaxTokens: cfg.Chat.MaxTokens,
		Logger:    log.Logger,
		Metrics:   m,
	})

	srv := server.New(server.Config{
		Store:    store,
		Chat:     chatService,
		Usage:    recorder,
		Registry: reg,
		Logger:   log.Logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           srv.Mux(cfg.HTTP.HealthPath, cfg.HTTP.MetricsPath),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
