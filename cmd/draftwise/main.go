// Package main provides the CLI entry point for the draftwise
// co-authoring server.
//
// Start the server:
//
//	draftwise serve --config draftwise.yaml
//
// Run database migrations:
//
//	draftwise migrate --config draftwise.yaml
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/draftwise/draftwise/internal/canvas"
	"github.com/draftwise/draftwise/internal/config"
	"github.com/draftwise/draftwise/internal/quota"
	"github.com/draftwise/draftwise/internal/server"
	"github.com/draftwise/draftwise/internal/session"
	"github.com/draftwise/draftwise/internal/storage"
	"github.com/draftwise/draftwise/internal/tools"
	"github.com/draftwise/draftwise/internal/transport"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "draftwise",
		Short:        "Draftwise - conversational document co-authoring server",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(
		buildServeCmd(),
		buildMigrateCmd(),
	)
	return rootCmd
}

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the draftwise server",
		Long: `Start the draftwise server.

The server loads its configuration, connects the session store (Postgres
or in-memory), initializes the configured model provider and serves the
HTTP API. Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "draftwise.yaml", "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := newLogger(cfg.Logging, debug)
	slog.SetDefault(logger)
	logger.Info("starting draftwise",
		"version", version,
		"commit", commit,
		"config", configPath,
	)

	var (
		sessionStore storage.Store
		canvasStore  canvas.Store
		quotaStore   quota.Store
	)
	if cfg.Database.URL != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.URL, &storage.PostgresConfig{
			MaxOpenConns:    cfg.Database.MaxConnections,
			MaxIdleConns:    cfg.Database.MaxIdle,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("failed to connect database: %w", err)
		}
		defer pg.Close()

		cs, err := canvas.NewPostgresStore(pg.DB())
		if err != nil {
			return err
		}
		sessionStore = pg
		canvasStore = cs
		quotaStore = storage.NewPostgresQuotaStore(pg.DB())
		logger.Info("using postgres stores")
	} else {
		sessionStore = storage.NewMemoryStore()
		canvasStore = canvas.NewMemoryStore()
		quotaStore = quota.NewMemoryStore()
		logger.Warn("no database configured, state is in-memory only")
	}

	provider, model, err := buildProvider(cfg.LLM)
	if err != nil {
		return err
	}
	logger.Info("model provider ready", "provider", provider.Name(), "model", model)

	cm := canvas.NewManager(canvasStore, logger)
	gate := quota.NewGate(cfg.Quota.StaticPlans(), quotaStore, quota.WithLogger(logger))
	dispatcher := tools.NewDispatcher(tools.Builtin(), cm, logger)
	runtime := session.NewRuntime(sessionStore, cm, gate, dispatcher, provider, session.Config{
		Model:         model,
		SystemPrompt:  cfg.Session.SystemPrompt,
		MaxTokens:     cfg.Session.MaxTokens,
		MaxToolRounds: cfg.Session.MaxToolRounds,
		HistoryLimit:  cfg.Session.HistoryLimit,
	}, logger)

	srv := server.New(runtime, cm, gate, server.Config{
		Host:        cfg.Server.Host,
		HTTPPort:    cfg.Server.HTTPPort,
		MetricsPort: cfg.Server.MetricsPort,
	}, logger)
	if err := srv.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context cancelled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return nil
}

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Database.URL == "" {
				return fmt.Errorf("database.url is required for migrations")
			}

			pg, err := storage.NewPostgresStore(cfg.Database.URL, nil)
			if err != nil {
				return fmt.Errorf("failed to connect database: %w", err)
			}
			defer pg.Close()

			ctx := cmd.Context()
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("session schema: %w", err)
			}
			cs, err := canvas.NewPostgresStore(pg.DB())
			if err != nil {
				return err
			}
			if err := cs.Migrate(ctx); err != nil {
				return fmt.Errorf("canvas schema: %w", err)
			}
			if err := storage.NewPostgresQuotaStore(pg.DB()).Migrate(ctx); err != nil {
				return fmt.Errorf("quota schema: %w", err)
			}

			slog.Info("migrations applied")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "draftwise.yaml", "Path to YAML configuration file")
	return cmd
}

func buildProvider(cfg config.LLMConfig) (transport.Provider, string, error) {
	pcfg := cfg.Providers[cfg.DefaultProvider]
	switch cfg.DefaultProvider {
	case "anthropic":
		p, err := transport.NewAnthropicProvider(transport.AnthropicConfig{
			APIKey:       pcfg.APIKey,
			BaseURL:      pcfg.BaseURL,
			DefaultModel: pcfg.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		return p, pcfg.DefaultModel, nil
	case "openai":
		p, err := transport.NewOpenAIProvider(transport.OpenAIConfig{
			APIKey:       pcfg.APIKey,
			BaseURL:      pcfg.BaseURL,
			DefaultModel: pcfg.DefaultModel,
		})
		if err != nil {
			return nil, "", err
		}
		return p, pcfg.DefaultModel, nil
	default:
		return nil, "", fmt.Errorf("unknown llm provider %q", cfg.DefaultProvider)
	}
}

func newLogger(cfg config.LoggingConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
