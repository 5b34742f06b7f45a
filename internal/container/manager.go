package container

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/superagent/superagent/internal/common/config"
	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/session"
)

// EnvResolver produces the env var set for an agent's container: process
// env, per-agent secrets and reserved keys, merged by the caller's
// policy.
type EnvResolver func(ctx context.Context, agentSlug string) ([]string, error)

// Manager maintains the 1:1 mapping from agent slug to container client.
// Clients are created lazily and cached; containers start on demand.
type Manager struct {
	runtime     Runtime
	cfg         config.ContainerConfig
	dataCfg     config.DataConfig
	resolveEnv  EnvResolver
	logger      *logger.Logger
	stopTimeout time.Duration

	mu      sync.Mutex
	clients map[string]*Client

	shutdownOnce sync.Once
}

// NewManager creates a container manager over the given runtime.
func NewManager(rt Runtime, cfg config.ContainerConfig, dataCfg config.DataConfig, resolveEnv EnvResolver, log *logger.Logger) *Manager {
	return &Manager{
		runtime:     rt,
		cfg:         cfg,
		dataCfg:     dataCfg,
		resolveEnv:  resolveEnv,
		stopTimeout: cfg.StopTimeoutDuration(),
		clients:     make(map[string]*Client),
		logger:      log.WithFields(zap.String("component", "container_manager")),
	}
}

// RuntimeAvailable reports whether the configured runtime can serve
// container operations right now.
func (m *Manager) RuntimeAvailable(ctx context.Context) bool {
	return m.runtime.Eligible() && m.runtime.Available(ctx)
}

// GetClient returns the agent's container client, creating it if absent.
// The container itself is not started.
func (m *Manager) GetClient(agentSlug string) *Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	client, ok := m.clients[agentSlug]
	if !ok {
		client = NewClient(agentSlug, m.runtime, m.cfg, m.dataCfg, m.logger)
		m.clients[agentSlug] = client
	}
	return client
}

// EnsureRunning returns the agent's client with its container running,
// starting it if needed.
func (m *Manager) EnsureRunning(ctx context.Context, agentSlug string) (*Client, error) {
	if !m.RuntimeAvailable(ctx) {
		return nil, ErrRuntimeUnavailable
	}

	client := m.GetClient(agentSlug)

	info, err := client.GetInfo(ctx)
	if err != nil {
		return nil, err
	}
	if info.Status == StatusRunning {
		return client, nil
	}

	env, err := m.resolveEnv(ctx, agentSlug)
	if err != nil {
		return nil, &StartError{AgentSlug: agentSlug, Reason: "env resolution failed", Err: err}
	}

	if err := client.Start(ctx, env); err != nil {
		return nil, err
	}
	return client, nil
}

// HasRunningAgents reports whether any tracked container is running.
func (m *Manager) HasRunningAgents(ctx context.Context) bool {
	return len(m.RunningAgentSlugs(ctx)) > 0
}

// RunningAgentSlugs returns the slugs of agents with running containers.
func (m *Manager) RunningAgentSlugs(ctx context.Context) []string {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.Unlock()

	var slugs []string
	for _, client := range clients {
		if client.IsRunning(ctx) {
			slugs = append(slugs, client.AgentSlug())
		}
	}
	return slugs
}

// StopAll stops every tracked container in parallel. Per-container
// failures are logged and do not prevent stopping the others.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, client := range clients {
		client := client
		g.Go(func() error {
			if err := client.Stop(gctx); err != nil {
				m.logger.Warn("failed to stop container",
					zap.String("agent_slug", client.AgentSlug()),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("all containers stopped", zap.Int("count", len(clients)))
}

// StopAllSync is the best-effort stop for process-exit paths. Each stop
// gets a short hard deadline so a hung runtime cannot wedge the exit.
func (m *Manager) StopAllSync() {
	m.mu.Lock()
	clients := make([]*Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	m.mu.Unlock()

	for _, client := range clients {
		ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout+5*time.Second)
		if err := client.Stop(ctx); err != nil {
			m.logger.Warn("failed to stop container",
				zap.String("agent_slug", client.AgentSlug()),
				zap.Error(err))
		}
		cancel()
	}
}

// SubscribeToStream opens the container-side stream for a session,
// satisfying the session registry's StreamSource.
func (m *Manager) SubscribeToStream(ctx context.Context, agentSlug, sessionID string, onMessage func(session.StreamMessage), onError func(error)) (func(), error) {
	client := m.GetClient(agentSlug)
	return client.SubscribeToStream(ctx, sessionID, onMessage, onError)
}

// HandleSignals blocks until SIGTERM, SIGINT or SIGHUP, stops all
// containers once and invokes the shutdown callback. A second signal
// during shutdown is a no-op.
func (m *Manager) HandleSignals(ctx context.Context, onShutdown func()) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		m.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	m.Shutdown(onShutdown)
}

// Shutdown stops all containers exactly once.
func (m *Manager) Shutdown(onShutdown func()) {
	m.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.StopAll(ctx)
		if onShutdown != nil {
			onShutdown()
		}
	})
}
