// Package server exposes the public HTTP surface: session streams,
// messages, interrupts, scheduled tasks and settings.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/agent"
	"github.com/superagent/superagent/internal/common/config"
	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/container"
	"github.com/superagent/superagent/internal/events"
	"github.com/superagent/superagent/internal/notifications"
	"github.com/superagent/superagent/internal/scheduler"
	"github.com/superagent/superagent/internal/session"
)

// Server wires the subsystems behind the HTTP surface.
type Server struct {
	cfg         *config.Config
	manager     *container.Manager
	registry    *session.Registry
	transcripts *session.TranscriptStore
	bus         *events.Bus
	engine      *scheduler.Engine
	taskStore   scheduler.Store
	noteStore   notifications.Store
	settings    *SettingsStore
	agents      *agent.Registry
	logger      *logger.Logger

	httpSrv *http.Server

	// Server-held stream references for sessions with a turn in flight,
	// so the container stream stays open with no viewers attached.
	turnMu sync.Mutex
	turns  map[string]func()
}

// Deps bundles the server's collaborators.
type Deps struct {
	Config      *config.Config
	Manager     *container.Manager
	Registry    *session.Registry
	Transcripts *session.TranscriptStore
	Bus         *events.Bus
	Engine      *scheduler.Engine
	TaskStore   scheduler.Store
	NoteStore   notifications.Store
	Settings    *SettingsStore
	Agents      *agent.Registry
	Logger      *logger.Logger
}

// New creates the server and its router.
func New(deps Deps) *Server {
	s := &Server{
		cfg:         deps.Config,
		manager:     deps.Manager,
		registry:    deps.Registry,
		transcripts: deps.Transcripts,
		bus:         deps.Bus,
		engine:      deps.Engine,
		taskStore:   deps.TaskStore,
		noteStore:   deps.NoteStore,
		settings:    deps.Settings,
		agents:      deps.Agents,
		turns:       make(map[string]func()),
		logger:      deps.Logger.WithFields(zap.String("component", "http_server")),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)

	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", deps.Config.Server.Host, deps.Config.Server.Port),
		Handler:     router,
		ReadTimeout: deps.Config.Server.ReadTimeoutDuration(),
		// WriteTimeout stays zero; SSE connections are long-lived.
		WriteTimeout: deps.Config.Server.WriteTimeoutDuration(),
	}
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.GET("/readyz", s.handleReadiness)
	api.GET("/agents", s.handleListAgents)

	api.POST("/agents/:slug/sessions", s.handleCreateSession)
	api.GET("/agents/:slug/sessions", s.handleListSessions)
	api.GET("/agents/:slug/sessions/:id", s.handleGetSession)
	api.GET("/agents/:slug/sessions/:id/stream", s.handleSessionStream)
	api.GET("/agents/:slug/sessions/:id/messages", s.handleGetMessages)
	api.POST("/agents/:slug/sessions/:id/messages", s.handlePostMessage)

	api.POST("/sessions/:id/interrupt", s.handleInterrupt)

	api.GET("/settings", s.handleGetSettings)
	api.PUT("/settings", s.handlePutSettings)

	api.GET("/notifications", s.handleListNotifications)
	api.POST("/notifications/:id/read", s.handleMarkNotificationRead)

	api.GET("/agents/:slug/scheduled-tasks", s.handleListTasks)
	api.POST("/agents/:slug/scheduled-tasks", s.handleCreateTask)
	api.GET("/agents/:slug/scheduled-tasks/:taskId", s.handleGetTask)
	api.POST("/agents/:slug/scheduled-tasks/:taskId/cancel", s.handleCancelTask)
	api.POST("/agents/:slug/scheduled-tasks/:taskId/reset", s.handleResetTask)
	api.DELETE("/agents/:slug/scheduled-tasks/:taskId", s.handleDeleteTask)
}

// Run serves HTTP until the context is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Container.StopTimeoutDuration())
		defer cancel()
		s.releaseAllTurns()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// holdTurn keeps the session's container stream open for the duration of
// a turn, independent of viewers.
func (s *Server) holdTurn(ctx context.Context, agentSlug, sessionID string) error {
	s.turnMu.Lock()
	_, held := s.turns[sessionID]
	s.turnMu.Unlock()
	if held {
		return nil
	}

	_, release, err := s.registry.Acquire(ctx, agentSlug, sessionID, s.manager)
	if err != nil {
		return err
	}

	s.turnMu.Lock()
	if _, raced := s.turns[sessionID]; raced {
		s.turnMu.Unlock()
		release()
		return nil
	}
	s.turns[sessionID] = release
	s.turnMu.Unlock()
	return nil
}

// ReleaseTurn drops the server-held stream reference for a session. Wired
// to the processor's session-idle hook.
func (s *Server) ReleaseTurn(sessionID string) {
	s.turnMu.Lock()
	release := s.turns[sessionID]
	delete(s.turns, sessionID)
	s.turnMu.Unlock()
	if release != nil {
		release()
	}
}

func (s *Server) releaseAllTurns() {
	s.turnMu.Lock()
	releases := make([]func(), 0, len(s.turns))
	for _, release := range s.turns {
		releases = append(releases, release)
	}
	s.turns = make(map[string]func())
	s.turnMu.Unlock()
	for _, release := range releases {
		release()
	}
}

// findSessionAgent resolves which agent owns a session by scanning the
// transcript directories.
func (s *Server) findSessionAgent(sessionID string) (string, bool) {
	slugs, err := s.agents.List()
	if err != nil {
		return "", false
	}
	for _, slug := range slugs {
		if s.transcripts.Exists(slug, sessionID) {
			return slug, true
		}
	}
	return "", false
}

// OpenSession starts an agent session with an initial prompt, satisfying
// the scheduler's dispatcher. The prompt is persisted as the session's
// first user turn.
func (s *Server) OpenSession(ctx context.Context, agentSlug, prompt string) (string, error) {
	client, err := s.manager.EnsureRunning(ctx, agentSlug)
	if err != nil {
		return "", err
	}

	def, err := s.agents.Get(agentSlug)
	if err != nil {
		return "", err
	}

	info, err := client.CreateSession(ctx, container.CreateSessionRequest{
		SystemPrompt:     def.SystemPrompt,
		AvailableEnvVars: def.EnvVars,
		Model:            def.Model,
		InitialMessage:   prompt,
	})
	if err != nil {
		return "", err
	}

	if err := s.holdTurn(ctx, agentSlug, info.ID); err != nil {
		return "", err
	}
	proc, ok := s.registry.Get(info.ID)
	if !ok {
		return "", fmt.Errorf("session processor missing for %s", info.ID)
	}
	if err := proc.SaveUserMessage(prompt); err != nil {
		return "", err
	}
	return info.ID, nil
}
