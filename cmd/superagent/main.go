// Package main is the entry point for the Superagent host process. One
// binary runs the container manager, session stream processing, realtime
// event bus, scheduler and HTTP surface together.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/agent"
	"github.com/superagent/superagent/internal/common/config"
	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/common/sqlite"
	"github.com/superagent/superagent/internal/container"
	"github.com/superagent/superagent/internal/events"
	"github.com/superagent/superagent/internal/notifications"
	"github.com/superagent/superagent/internal/scheduler"
	"github.com/superagent/superagent/internal/secrets"
	"github.com/superagent/superagent/internal/server"
	"github.com/superagent/superagent/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger.SetDefault(log)

	log.Info("Starting Superagent...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// App database: scheduled tasks, notifications and settings share it.
	db, err := sqlite.Open(cfg.Data.AppDBPath())
	if err != nil {
		log.Fatal("Failed to open app database", zap.Error(err), zap.String("db_path", cfg.Data.AppDBPath()))
	}
	defer func() {
		_ = db.Close()
	}()
	log.Info("App database ready", zap.String("db_path", cfg.Data.AppDBPath()))

	// Event bus, with an optional NATS mirror for external observers.
	bus := events.NewBus(log)
	if cfg.Bus.NATSURL != "" {
		mirror, err := events.NewNATSMirror(cfg.Bus.NATSURL, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer mirror.Close()
		bus.SetMirror(mirror)
	}

	// Container runtime selection: the configured runner only. If it is
	// unavailable the server still starts and reports RUNTIME_UNAVAILABLE.
	var runtime container.Runtime
	switch cfg.Runtime.Runner {
	case "apple":
		runtime = container.NewAppleRuntime(log)
	default:
		dockerRuntime, err := container.NewDockerRuntime(cfg.Docker, log)
		if err != nil {
			log.Fatal("Failed to create docker runtime", zap.Error(err))
		}
		defer func() {
			_ = dockerRuntime.Close()
		}()
		runtime = dockerRuntime
	}
	if !runtime.Eligible() || !runtime.Available(ctx) {
		log.Warn("Container runtime unavailable; container operations will be refused",
			zap.String("runner", cfg.Runtime.Runner))
	}

	agents := agent.NewRegistry(cfg.Data.Dir, log)

	secretChain := secrets.Chain{secrets.EnvProvider{}}
	if secretsFile := os.Getenv("SUPERAGENT_SECRETS_FILE"); secretsFile != "" {
		secretChain = append(secretChain, &secrets.FileProvider{Path: secretsFile})
	}

	resolveEnv := func(ctx context.Context, agentSlug string) ([]string, error) {
		def, err := agents.Get(agentSlug)
		if err != nil {
			return nil, err
		}
		env := secretChain.Resolve(def.EnvVars)
		// Reserved keys every agent container gets.
		if apiKey, ok := secretChain.Get("ANTHROPIC_API_KEY"); ok {
			env = append(env, "ANTHROPIC_API_KEY="+apiKey)
		}
		env = append(env, "WORKSPACE_DIR=/workspace")
		if def.Model != "" {
			env = append(env, "AGENT_MODEL="+def.Model)
		}
		return env, nil
	}

	manager := container.NewManager(runtime, cfg.Container, cfg.Data, resolveEnv, log)

	transcripts := session.NewTranscriptStore(cfg.Data.Dir, log)
	scanner := session.NewSubagentScanner(transcripts, log)

	noteStore, err := notifications.NewSQLiteStore(db)
	if err != nil {
		log.Fatal("Failed to initialize notification store", zap.Error(err))
	}
	policy := notifications.NewPolicy(noteStore, bus, cfg.Notifications.Enabled, log)

	taskStore, err := scheduler.NewSQLiteStore(db)
	if err != nil {
		log.Fatal("Failed to initialize scheduled task store", zap.Error(err))
	}

	settings, err := server.NewSettingsStore(db)
	if err != nil {
		log.Fatal("Failed to initialize settings store", zap.Error(err))
	}

	// The server is created after the registry, but the idle hook needs
	// it to drop the per-turn stream reference.
	var srv *server.Server

	hooks := session.Hooks{
		Interrupt: func(ctx context.Context, agentSlug, sessionID string) error {
			return manager.GetClient(agentSlug).Interrupt(ctx, sessionID)
		},
		OnConnectionError: func(agentSlug string, err error) {
			log.Warn("container stream failed",
				zap.String("agent_slug", agentSlug),
				zap.Error(err))
		},
		OnSessionIdle: func(agentSlug, sessionID string) {
			policy.SessionComplete(context.Background(), agentSlug, sessionID)
			if srv != nil {
				srv.ReleaseTurn(sessionID)
			}
		},
		OnScheduledTaskCreated: func(agentSlug string, data json.RawMessage) {
			log.Info("agent created scheduled task", zap.String("agent_slug", agentSlug))
		},
	}
	registry := session.NewRegistry(transcripts, bus, scanner, hooks, log)

	engine := scheduler.NewEngine(taskStore, nil, cfg.Scheduler.TickIntervalDuration(), log)

	srv = server.New(server.Deps{
		Config:      cfg,
		Manager:     manager,
		Registry:    registry,
		Transcripts: transcripts,
		Bus:         bus,
		Engine:      engine,
		TaskStore:   taskStore,
		NoteStore:   noteStore,
		Settings:    settings,
		Agents:      agents,
		Logger:      log,
	})
	engine.SetDispatcher(srv)

	keepAlive := events.NewKeepAlive(bus, registry.IsActive, events.DefaultKeepAliveInterval, log)

	go keepAlive.Run(ctx)
	go engine.Run(ctx)
	go manager.HandleSignals(ctx, cancel)

	if err := srv.Run(ctx); err != nil {
		log.Error("HTTP server failed", zap.Error(err))
		manager.Shutdown(nil)
		os.Exit(1)
	}

	// cancel() already fired via signal handling; make sure containers
	// are gone before exit.
	manager.Shutdown(nil)
	log.Info("Superagent stopped")
}
