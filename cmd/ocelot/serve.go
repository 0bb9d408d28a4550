package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ocelotbot/ocelot/internal/agent"
	"github.com/ocelotbot/ocelot/internal/channels/telegram"
	"github.com/ocelotbot/ocelot/internal/config"
	"github.com/ocelotbot/ocelot/internal/history"
	"github.com/ocelotbot/ocelot/internal/llm"
	"github.com/ocelotbot/ocelot/internal/observability"
	"github.com/ocelotbot/ocelot/internal/prefilter"
	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/internal/tools/builtin"
	"github.com/ocelotbot/ocelot/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var envFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the bot until interrupted",
		RunE: func(*cobra.Command, []string) error {
			return runServe(envFile)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "path to a .env file (default \".env\")")
	return cmd
}

func runServe(envFile string) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})
	slog.SetDefault(logger)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := history.NewStore(history.StoreConfig{
		Path:   cfg.DatabasePath,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
	}()

	manager := history.NewManager(store, history.ManagerConfig{
		HistoryLength: cfg.MaxHistoryLength,
		Logger:        logger,
	})

	litePrompt, err := config.ReadPrompt(cfg.LitePromptFile)
	if err != nil {
		return err
	}
	proPrompt, err := config.ReadPrompt(cfg.ProPromptFile)
	if err != nil {
		return err
	}

	// The adapter and the loop reference each other; the handler
	// closure resolves the cycle.
	var loop *agent.Loop
	adapter, err := telegram.NewAdapter(telegram.Config{
		Token: cfg.BotToken,
		Handler: func(ctx context.Context, msg *models.IncomingMessage) {
			loop.HandleMessage(ctx, msg)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	registry, err := buildRegistry(cfg, adapter, store, logger)
	if err != nil {
		return err
	}
	dispatcher := tools.NewDispatcher(registry, logger)
	logger.Info("tool registry built", "tools", registry.Names())

	primary, secondary, filter, err := buildDrivers(ctx, cfg, registry, dispatcher, store, metrics, litePrompt, logger)
	if err != nil {
		return err
	}

	loop, err = agent.New(agent.Config{
		Store:        store,
		Manager:      manager,
		Primary:      primary,
		Secondary:    secondary,
		Prefilter:    filter,
		Messenger:    adapter,
		Identity:     adapter.Identity,
		SystemPrompt: proPrompt,
		MaxSteps:     cfg.MaxSteps,
		AdminIDs:     cfg.AdminIDs,
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, logger)
	}

	logger.Info("ocelot starting", "version", version)
	return adapter.Start(ctx)
}

func buildRegistry(cfg *config.Config, adapter *telegram.Adapter, store *history.Store, logger *slog.Logger) (*tools.Registry, error) {
	builder := tools.NewBuilder(logger).
		Register(builtin.SendMessage(adapter)).
		Register(builtin.RememberUserInfo(store))

	if cfg.ToolDeclarationsFile != "" {
		decls, err := tools.LoadDeclarations(cfg.ToolDeclarationsFile)
		if err != nil {
			return nil, err
		}
		// Declared tools are implemented by the deployment; this build
		// ships only the builtins, so unbound names are surfaced once
		// at startup instead of failing mid-conversation.
		for _, decl := range decls {
			logger.Warn("declared tool has no bound handler, skipping", "tool", decl.Name)
		}
	}
	return builder.Build(), nil
}

func buildDrivers(
	ctx context.Context,
	cfg *config.Config,
	registry *tools.Registry,
	dispatcher *tools.Dispatcher,
	store *history.Store,
	metrics *observability.Metrics,
	litePrompt string,
	logger *slog.Logger,
) (primary, secondary llm.Driver, filter *prefilter.Filter, err error) {
	var gemini *llm.GeminiDriver
	if len(cfg.GoogleAPIKeys) > 0 {
		keyring, err := llm.NewKeyring(cfg.GoogleAPIKeys)
		if err != nil {
			return nil, nil, nil, err
		}
		keyring.SetAdvanceHook(func(int) {
			metrics.KeyRotations.WithLabelValues("gemini").Inc()
		})
		gemini, err = llm.NewGeminiDriver(ctx, llm.GeminiConfig{
			APIKeys:      cfg.GoogleAPIKeys,
			DefaultModel: cfg.ProModelName,
			QuotaBackoff: cfg.QuotaBackoff,
			Registry:     registry,
			Dispatcher:   dispatcher,
			ExecLog:      store,
			Logger:       logger,
		}, keyring)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	var openaiDriver *llm.OpenAIDriver
	if cfg.OpenAIAPIKey != "" {
		keyring, err := llm.NewKeyring([]string{cfg.OpenAIAPIKey})
		if err != nil {
			return nil, nil, nil, err
		}
		openaiDriver, err = llm.NewOpenAIDriver(llm.OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			OrganizationID: cfg.OpenAIOrganizationID,
			DefaultModel:   cfg.OpenAIModelName,
			Registry:       registry,
			Dispatcher:     dispatcher,
			ExecLog:        store,
			Logger:         logger,
		}, keyring)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	switch {
	case gemini != nil:
		primary = gemini
	case openaiDriver != nil:
		primary = openaiDriver
	default:
		return nil, nil, nil, fmt.Errorf("no provider configured")
	}
	if openaiDriver != nil {
		secondary = openaiDriver
	}

	if gemini != nil && litePrompt != "" {
		filter, err = prefilter.New(prefilter.Config{
			Generator: gemini.Lite(cfg.LiteModelName),
			Notes:     store,
			Prompt:    litePrompt,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	return primary, secondary, filter, nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}()

	logger.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}
