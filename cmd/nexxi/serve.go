package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/nexxi/internal/dispatch"
	"github.com/aixgo-dev/nexxi/internal/janitor"
	"github.com/aixgo-dev/nexxi/internal/logging"
	tracing "github.com/aixgo-dev/nexxi/internal/observability"
	"github.com/aixgo-dev/nexxi/internal/server"
	"github.com/aixgo-dev/nexxi/internal/turn"
	"github.com/aixgo-dev/nexxi/pkg/config"
	"github.com/aixgo-dev/nexxi/pkg/llm"
	"github.com/aixgo-dev/nexxi/pkg/observability"
	"github.com/aixgo-dev/nexxi/pkg/quota"
	"github.com/aixgo-dev/nexxi/pkg/safety"
	"github.com/aixgo-dev/nexxi/pkg/session"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = os.Getenv("NEXXI_CONFIG")
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(logging.Config{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			}, os.Stderr, cfg.Secrets()...)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().StringP("config", "c", "", "path to config file (defaults to $NEXXI_CONFIG, then built-in defaults)")
	return cmd
}

// components are the long-lived pieces serve assembles.
type components struct {
	turns   *turn.Orchestrator
	health  *observability.HealthChecker
	janitor *janitor.Janitor
	closers []func() error
}

func (c *components) close(logger *slog.Logger) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting nexxi", "version", version, "addr", cfg.Server.Addr)

	if err := tracing.Init(tracing.FromEnv(tracing.Config{
		ServiceName: cfg.Tracing.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
	}), logger); err != nil {
		return err
	}
	observability.InitMetrics()

	comps, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.close(logger)

	if comps.janitor != nil {
		if err := comps.janitor.Start(); err != nil {
			return err
		}
	}

	api := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		RequestTimeout:  cfg.Server.RequestTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		APIKeys:         cfg.Auth.APIKeys,
	}, comps.turns, comps.health, logger)
	if len(cfg.Auth.APIKeys) == 0 {
		logger.Warn("no API keys configured, quotas are charged per client address")
	}

	var admin *observability.Server
	if cfg.Server.AdminAddr != "" {
		admin = observability.NewServer(cfg.Server.AdminAddr, comps.health)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(api.Start)
	if admin != nil {
		g.Go(func() error {
			logger.Info("admin listener started", "addr", cfg.Server.AdminAddr)
			return admin.Start()
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		timeout := cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		var errs []error
		errs = append(errs, api.Shutdown(shutdownCtx))
		if admin != nil {
			errs = append(errs, admin.Shutdown(shutdownCtx))
		}
		if comps.janitor != nil {
			errs = append(errs, comps.janitor.Stop(shutdownCtx))
		}
		errs = append(errs, tracing.Shutdown(shutdownCtx))
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("nexxi stopped")
	return err
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*components, error) {
	comps := &components{health: observability.NewHealthChecker(version)}
	var targets []janitor.Target

	var rdb *redis.Client
	if cfg.UsesRedis() {
		opts, err := redisOptions(cfg.Redis)
		if err != nil {
			return nil, err
		}
		rdb = redis.NewClient(opts)
		comps.closers = append(comps.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			comps.close(logger)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		comps.health.RegisterCheck(observability.ExternalServiceCheck("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}))
	}

	var backend session.Backend
	switch cfg.Session.Backend {
	case config.BackendRedis:
		backend = session.NewRedisBackendFromClient(rdb, cfg.Session.KeyPrefix, cfg.Session.TTL)
	default:
		mem := session.NewMemoryBackend(cfg.Session.TTL)
		targets = append(targets, janitor.Target{
			Name:    "sessions",
			Sweeper: mem,
			Report:  observability.SetActiveSessions,
		})
		backend = mem
	}
	comps.closers = append(comps.closers, backend.Close)
	comps.health.RegisterCheck(observability.StoreCheck(backend.Ping))

	quotaCfg := quota.Config{Limit: cfg.Quota.Limit, Window: cfg.Quota.Window}
	var tracker quota.Tracker
	switch cfg.Quota.Backend {
	case config.BackendRedis:
		tracker = quota.NewRedisTracker(rdb, cfg.Quota.KeyPrefix, quotaCfg)
	default:
		mem := quota.NewMemoryTracker(quotaCfg)
		targets = append(targets, janitor.Target{Name: "quota", Sweeper: mem})
		tracker = mem
	}
	comps.closers = append(comps.closers, tracker.Close)

	model, err := buildModel(cfg.Model, logger)
	if err != nil {
		comps.close(logger)
		return nil, err
	}
	comps.health.RegisterCheck(observability.ModelCheck(model.Ping))

	store := session.NewStore(backend, session.Config{
		TTL:                 cfg.Session.TTL,
		MaxTurns:            cfg.Session.MaxTurns,
		MaxContextTokens:    cfg.Session.MaxContextTokens,
		SystemPrompt:        cfg.Session.SystemPrompt,
		SummarizeAfterTurns: cfg.Session.SummarizeAfterTurns,
	})

	dispatcher := dispatch.New(model, dispatch.Config{
		Workers:           cfg.Dispatch.Workers,
		QueueTimeout:      cfg.Dispatch.QueueTimeout,
		FirstTokenTimeout: cfg.Dispatch.FirstTokenTimeout,
		IdleTimeout:       cfg.Dispatch.IdleTimeout,
		Timeout:           cfg.Dispatch.Timeout,
		RequestsPerSecond: cfg.Dispatch.RequestsPerSecond,
		Burst:             cfg.Dispatch.Burst,
	}, logger)

	comps.turns = turn.New(tracker, store, safety.New(cfg.Safety.BlockedTopics), dispatcher, turn.Config{
		MaxInputLength: cfg.Safety.MaxInputLength,
		LockTimeout:    cfg.Session.LockTimeout,
		PersistPartial: cfg.Session.PersistPartial,
		OutputWindow:   cfg.Safety.OutputWindow,
		Params: llm.Params{
			MaxNewTokens: cfg.Model.MaxNewTokens,
			Temperature:  cfg.Model.Temperature,
			TopP:         cfg.Model.TopP,
		},
	}, logger)

	if len(targets) > 0 {
		comps.janitor = janitor.New(cfg.Session.SweepSchedule, logger, targets...)
	}
	return comps, nil
}

func redisOptions(cfg config.RedisConfig) (*redis.Options, error) {
	if cfg.URL != "" {
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		if cfg.PoolSize > 0 {
			opts.PoolSize = cfg.PoolSize
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}, nil
}

// buildModel returns the configured backend. Several OpenAI-compatible
// models are tried in order.
func buildModel(cfg config.ModelConfig, logger *slog.Logger) (llm.Model, error) {
	switch cfg.Provider {
	case config.ProviderMock:
		return llm.NewMockModel("mock"), nil

	case config.ProviderTGI:
		tgi, err := llm.NewTGI(llm.TGIConfig{
			BaseURL: cfg.BaseURL,
			Token:   cfg.APIKey,
			Model:   cfg.Models[0],
		})
		if err != nil {
			return nil, err
		}
		return tgi, nil

	case config.ProviderOpenAI:
		models := make([]llm.Model, 0, len(cfg.Models))
		for _, name := range cfg.Models {
			models = append(models, llm.NewOpenAI(llm.OpenAIConfig{
				BaseURL: cfg.BaseURL,
				APIKey:  cfg.APIKey,
				Model:   name,
			}))
		}
		if len(models) == 1 {
			return models[0], nil
		}
		return llm.NewChain(logger, models...), nil
	}
	return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
}
