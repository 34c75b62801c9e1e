package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/cyberelf/claude-code-server/internal/auth"
	"github.com/cyberelf/claude-code-server/internal/config"
	"github.com/cyberelf/claude-code-server/internal/container"
	"github.com/cyberelf/claude-code-server/internal/engine"
	"github.com/cyberelf/claude-code-server/internal/engine/acp"
	"github.com/cyberelf/claude-code-server/internal/engine/claudecli"
	"github.com/cyberelf/claude-code-server/internal/events"
	"github.com/cyberelf/claude-code-server/internal/idle"
	"github.com/cyberelf/claude-code-server/internal/persistence"
	"github.com/cyberelf/claude-code-server/internal/retry"
	"github.com/cyberelf/claude-code-server/internal/server"
	"github.com/cyberelf/claude-code-server/internal/session"
	"github.com/cyberelf/claude-code-server/internal/task"
)

// app is the assembled server process.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     session.Store
	scheduler *idle.Scheduler
	server    *server.Server
}

// build wires every component from cfg. ctx scopes background work started
// during construction, such as JWKS refresh.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(store, session.Config{
		MaxConcurrent: cfg.SessionMaxConcurrent,
		IdleTimeout:   cfg.SessionIdleTimeout,
		Logger:        logger.With("component", "sessions"),
	})
	if n, err := sessions.Recover(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("recover sessions: %w", err)
	} else if n > 0 {
		logger.Info("Recovered sessions from store", "count", n, "storage", cfg.StorageType)
	}

	bus := events.NewMemoryBus(events.Config{
		QueueSize:      cfg.EventsQueueSize,
		PublishTimeout: cfg.EventsPublishTimeout,
		GracePeriod:    cfg.EventsGracePeriod,
		ReplayBuffer:   cfg.EventsReplayBuffer,
		Logger:         logger.With("component", "events"),
	})

	executor := task.NewExecutor(newAdapter(cfg, logger), sessions, bus, task.Config{
		DefaultTimeout: cfg.TaskDefaultTimeout,
		Defaults: engine.Options{
			AllowedTools:   cfg.DefaultAllowedTools,
			PermissionMode: cfg.DefaultPermissionMode,
			MaxTurns:       cfg.DefaultMaxTurns,
			Model:          cfg.DefaultModel,
		},
		Env:    engineEnv(cfg),
		Logger: logger.With("component", "tasks"),
	})

	scheduler := idle.NewScheduler(sessions, cfg.SessionCleanupInterval, logger.With("component", "cleanup"))

	authenticator, err := newAuthenticator(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	srv, err := server.New(cfg, server.Deps{
		Sessions:  sessions,
		Tasks:     executor,
		Bus:       bus,
		Scheduler: scheduler,
		Auth:      authenticator,
		Version:   Version,
		Logger:    logger.With("component", "api"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: store, scheduler: scheduler, server: srv}, nil
}

// run serves until ctx ends or the listener fails, then shuts down within
// the configured timeout.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(a.server.Start)
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Shutting down", "timeout", a.cfg.ShutdownTimeout)
		sctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		return a.server.Stop(sctx)
	})

	err := g.Wait()
	if cerr := a.store.Close(); cerr != nil {
		a.logger.Warn("Failed to close session store", "error", cerr)
	}
	if err != nil {
		return err
	}
	a.logger.Info("Server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Store, error) {
	switch cfg.StorageType {
	case config.StorageMemory:
		return session.NewMemoryStore(), nil
	case config.StorageSQLite:
		store, err := persistence.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	case config.StorageRedis:
		rc := retry.DefaultConfig()
		if cfg.StorageAttempts > 0 {
			rc.MaxAttempts = cfg.StorageAttempts
		}
		rc.Logger = logger
		store, err := persistence.OpenRedis(ctx, cfg.RedisURL, cfg.RedisKeyPrefix, rc)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.StorageType)
	}
}

func newAdapter(cfg *config.Config, logger *slog.Logger) engine.Adapter {
	var containers engine.ContainerResolver
	if cfg.ContainerMode {
		containers = container.NewDiscovery(container.Config{
			LabelKey:   cfg.ContainerLabelKey,
			LabelValue: cfg.ContainerLabelValue,
			CacheTTL:   cfg.ContainerCacheTTL,
			Logger:     logger.With("component", "container"),
		})
	}

	if cfg.EngineType == config.EngineACP {
		return acp.New(acp.Config{
			Command:       cfg.ACPCommand,
			Args:          cfg.ACPArgs,
			CancelGrace:   cfg.EngineCancelGrace,
			Containers:    containers,
			ContainerUser: cfg.ContainerUser,
		})
	}
	return claudecli.New(claudecli.Config{
		Path:          cfg.ClaudePath,
		PTY:           cfg.EnginePTY,
		CancelGrace:   cfg.EngineCancelGrace,
		Containers:    containers,
		ContainerUser: cfg.ContainerUser,
	})
}

func engineEnv(cfg *config.Config) []string {
	if cfg.ClaudeAPIKey == "" {
		return nil
	}
	return []string{"ANTHROPIC_API_KEY=" + cfg.ClaudeAPIKey}
}

// newAuthenticator returns nil when the API gate is off.
func newAuthenticator(ctx context.Context, cfg *config.Config) (auth.Authenticator, error) {
	if !cfg.AuthEnabled {
		return nil, nil
	}
	switch cfg.AuthType {
	case config.AuthBearer:
		key, err := auth.NewAPIKey(cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("bearer auth: %w", err)
		}
		return key, nil
	case config.AuthJWT:
		v, err := auth.NewJWTValidator(ctx, cfg.JWKSURL, cfg.JWTAudience, cfg.JWTIssuer)
		if err != nil {
			return nil, fmt.Errorf("jwt auth: %w", err)
		}
		return v, nil
	default:
		return nil, errors.New("unknown auth type " + cfg.AuthType)
	}
}
