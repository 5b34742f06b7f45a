package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/config"
	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/session"
)

// infoCacheTTL bounds how stale a cached inspect result may be. Hot paths
// hit GetCachedInfo instead of spawning inspects per request.
const infoCacheTTL = time.Second

// healthPollInterval is the wait between startup health probes.
const healthPollInterval = 500 * time.Millisecond

// ContainerName returns the canonical container name for an agent.
func ContainerName(agentSlug string) string {
	return "superagent-" + agentSlug
}

// SessionInfo is the container's description of a session.
type SessionInfo struct {
	ID               string   `json:"id"`
	CreatedAt        string   `json:"createdAt"`
	LastActivity     string   `json:"lastActivity"`
	WorkingDirectory string   `json:"workingDirectory"`
	SlashCommands    []string `json:"slashCommands,omitempty"`
}

// CreateSessionRequest is the body for opening a new container session.
type CreateSessionRequest struct {
	Metadata         map[string]any `json:"metadata,omitempty"`
	SystemPrompt     string         `json:"systemPrompt,omitempty"`
	AvailableEnvVars []string       `json:"availableEnvVars,omitempty"`
	InitialMessage   string         `json:"initialMessage,omitempty"`
	Model            string         `json:"model,omitempty"`
}

// Client is the per-agent container handle: it starts and stops the
// agent's container and proxies the container's HTTP/WS session API.
type Client struct {
	agentSlug string
	runtime   Runtime
	cfg       config.ContainerConfig
	dataCfg   config.DataConfig
	http      *http.Client
	logger    *logger.Logger

	mu         sync.Mutex
	hostPort   int
	cachedInfo *Info
	cachedAt   time.Time
}

// NewClient creates a client for one agent's container. It does not start
// the container.
func NewClient(agentSlug string, rt Runtime, cfg config.ContainerConfig, dataCfg config.DataConfig, log *logger.Logger) *Client {
	return &Client{
		agentSlug: agentSlug,
		runtime:   rt,
		cfg:       cfg,
		dataCfg:   dataCfg,
		http:      &http.Client{Timeout: 30 * time.Second},
		logger: log.WithFields(
			zap.String("component", "container_client"),
			zap.String("agent_slug", agentSlug)),
	}
}

// AgentSlug returns the agent this client serves.
func (c *Client) AgentSlug() string { return c.agentSlug }

// Start brings the agent's container up: ensure the image, create the
// workspace, allocate a port, replace any previous container, run, and
// wait for health. On health timeout the container is removed and the
// start fails.
func (c *Client) Start(ctx context.Context, env []string) error {
	name := ContainerName(c.agentSlug)

	hasImage, err := c.runtime.HasImage(ctx, c.cfg.Image)
	if err != nil {
		return &StartError{AgentSlug: c.agentSlug, Reason: "image check failed", Err: err}
	}
	if !hasImage {
		if err := c.runtime.Build(ctx, c.cfg.Image, c.cfg.BuildDir); err != nil {
			return &StartError{AgentSlug: c.agentSlug, Reason: "image build failed", Err: err}
		}
	}

	workspace := c.dataCfg.WorkspaceDir(c.agentSlug)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return &StartError{AgentSlug: c.agentSlug, Reason: "workspace creation failed", Err: err}
	}

	hostPort, err := AllocateHostPort(ctx, c.runtime, c.cfg.BasePort)
	if err != nil {
		return &StartError{AgentSlug: c.agentSlug, Reason: "port allocation failed", Err: err}
	}

	// A previous container with the canonical name may linger after a
	// crash; replace it.
	if err := c.runtime.Remove(ctx, name); err != nil {
		c.logger.Warn("failed to remove previous container", zap.Error(err))
	}

	_, err = c.runtime.Run(ctx, RunConfig{
		Name:          name,
		Image:         c.cfg.Image,
		Env:           env,
		HostPort:      hostPort,
		ContainerPort: c.cfg.InternalPort,
		WorkspaceDir:  workspace,
		Labels:        map[string]string{"superagent.agent": c.agentSlug},
	})
	if err != nil {
		return &StartError{AgentSlug: c.agentSlug, Reason: "run failed", Err: err}
	}

	c.mu.Lock()
	c.hostPort = hostPort
	c.cachedInfo = nil
	c.mu.Unlock()

	if err := c.waitHealthy(ctx); err != nil {
		if rmErr := c.runtime.Remove(ctx, name); rmErr != nil {
			c.logger.Warn("failed to remove unhealthy container", zap.Error(rmErr))
		}
		return err
	}

	c.logger.Info("container ready", zap.Int("host_port", hostPort))
	return nil
}

func (c *Client) waitHealthy(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HealthTimeoutDuration())
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"/health", nil)
		if err == nil {
			resp, err := c.http.Do(req)
			if err == nil {
				_ = resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
		time.Sleep(healthPollInterval)
	}
	return &NotHealthyError{AgentSlug: c.agentSlug}
}

// Stop stops and removes the agent's container.
func (c *Client) Stop(ctx context.Context) error {
	name := ContainerName(c.agentSlug)
	if err := c.runtime.Stop(ctx, name, c.cfg.StopTimeoutDuration()); err != nil {
		return err
	}
	if err := c.runtime.Remove(ctx, name); err != nil {
		c.logger.Warn("failed to remove stopped container", zap.Error(err))
	}
	c.mu.Lock()
	c.cachedInfo = nil
	c.mu.Unlock()
	return nil
}

// GetInfo inspects the container, bypassing the cache.
func (c *Client) GetInfo(ctx context.Context) (*Info, error) {
	info, err := c.runtime.Inspect(ctx, ContainerName(c.agentSlug))
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.cachedInfo = info
	c.cachedAt = time.Now()
	if info.HostPort > 0 {
		c.hostPort = info.HostPort
	}
	c.mu.Unlock()
	return info, nil
}

// GetCachedInfo returns a recent inspect result, re-inspecting only when
// the cache is older than one second.
func (c *Client) GetCachedInfo(ctx context.Context) (*Info, error) {
	c.mu.Lock()
	if c.cachedInfo != nil && time.Since(c.cachedAt) < infoCacheTTL {
		info := *c.cachedInfo
		c.mu.Unlock()
		return &info, nil
	}
	c.mu.Unlock()
	return c.GetInfo(ctx)
}

// IsRunning reports whether the container is currently running.
func (c *Client) IsRunning(ctx context.Context) bool {
	info, err := c.GetCachedInfo(ctx)
	return err == nil && info.Status == StatusRunning
}

func (c *Client) baseURL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("http://127.0.0.1:%d", c.hostPort)
}

// CreateSession opens a new session in the container.
func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.doJSON(ctx, http.MethodPost, "/sessions", req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetSession fetches a session's info; ErrSessionNotFound on 404.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var info SessionInfo
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// DeleteSession removes a session from the container.
func (c *Client) DeleteSession(ctx context.Context, sessionID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

// SendMessage forwards a user message into the session.
func (c *Client) SendMessage(ctx context.Context, sessionID, content string) error {
	body := map[string]string{"content": content}
	return c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/messages", body, nil)
}

// GetMessages fetches the container-side persisted entries for a session.
func (c *Client) GetMessages(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	var entries []json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/sessions/"+sessionID+"/messages", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Interrupt asks the container to interrupt the session's current turn.
func (c *Client) Interrupt(ctx context.Context, sessionID string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/sessions/"+sessionID+"/interrupt", nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("container rejected interrupt for session %s", sessionID)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("container request %s %s failed: %w", method, path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusNotFound {
		return ErrSessionNotFound
	}
	if resp.StatusCode == http.StatusConflict {
		return ErrSessionActive
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("container request %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode container response: %w", err)
		}
	}
	return nil
}

// SubscribeToStream opens the session's WebSocket stream and dispatches
// frames until the returned stop function is called or the socket fails.
// Unparseable frames are logged and dropped.
func (c *Client) SubscribeToStream(ctx context.Context, sessionID string, onMessage func(session.StreamMessage), onError func(error)) (func(), error) {
	c.mu.Lock()
	port := c.hostPort
	c.mu.Unlock()

	url := fmt.Sprintf("ws://127.0.0.1:%d/sessions/%s/stream", port, sessionID)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dial session stream: %w", err)
	}

	done := make(chan struct{})
	var closeOnce sync.Once
	stop := func() {
		closeOnce.Do(func() {
			close(done)
			_ = conn.Close()
		})
	}

	go func() {
		defer stop()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				select {
				case <-done:
					// Closed by stop; not a wire error.
				default:
					if onError != nil {
						onError(err)
					}
				}
				return
			}
			var msg session.StreamMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.logger.Warn("dropping malformed stream frame",
					zap.String("session_id", sessionID),
					zap.Error(err))
				continue
			}
			onMessage(msg)
		}
	}()

	return stop, nil
}
