package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/container"
	"github.com/superagent/superagent/internal/events"
	"github.com/superagent/superagent/internal/session"
)

// subscriberBuffer is the per-client event queue. The bus does not queue;
// a client that falls this far behind starts losing events and reconciles
// via refetch.
const subscriberBuffer = 256

func (s *Server) handleReadiness(c *gin.Context) {
	if !s.manager.RuntimeAvailable(c.Request.Context()) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "RUNTIME_UNAVAILABLE"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleListAgents(c *gin.Context) {
	slugs, err := s.agents.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	running := make(map[string]bool)
	for _, slug := range s.manager.RunningAgentSlugs(c.Request.Context()) {
		running[slug] = true
	}

	type agentView struct {
		Slug    string `json:"slug"`
		Running bool   `json:"running"`
	}
	out := make([]agentView, 0, len(slugs))
	for _, slug := range slugs {
		out = append(out, agentView{Slug: slug, Running: running[slug]})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleCreateSession(c *gin.Context) {
	slug := c.Param("slug")

	var req struct {
		InitialMessage string         `json:"initialMessage"`
		Metadata       map[string]any `json:"metadata"`
	}
	// An empty body is fine; anything unparseable is not.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	client, err := s.manager.EnsureRunning(c.Request.Context(), slug)
	if err != nil {
		s.respondContainerError(c, err)
		return
	}

	def, err := s.agents.Get(slug)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	info, err := client.CreateSession(c.Request.Context(), container.CreateSessionRequest{
		Metadata:         req.Metadata,
		SystemPrompt:     def.SystemPrompt,
		AvailableEnvVars: def.EnvVars,
		Model:            def.Model,
		InitialMessage:   req.InitialMessage,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.InitialMessage != "" {
		if err := s.holdTurn(c.Request.Context(), slug, info.ID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if proc, ok := s.registry.Get(info.ID); ok {
			if err := proc.SaveUserMessage(req.InitialMessage); err != nil {
				s.logger.Error("failed to persist initial message", zap.Error(err))
			}
		}
	}

	c.JSON(http.StatusCreated, info)
}

func (s *Server) handleListSessions(c *gin.Context) {
	ids, err := s.transcripts.ListSessionIDs(c.Param("slug"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ids})
}

func (s *Server) handleGetSession(c *gin.Context) {
	slug := c.Param("slug")
	sessionID := c.Param("id")

	if !s.transcripts.Exists(slug, sessionID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	isActive := false
	if proc, ok := s.registry.Get(sessionID); ok {
		isActive = proc.IsActive()
	}
	c.JSON(http.StatusOK, gin.H{
		"id":       sessionID,
		"agent":    slug,
		"isActive": isActive,
	})
}

func (s *Server) handleGetMessages(c *gin.Context) {
	entries, err := s.transcripts.Read(c.Param("slug"), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": session.Transform(entries)})
}

// handlePostMessage saves the user turn, activates the session and
// forwards the message to the container. Unknown sessions are rejected
// before a stream is opened; a second message while a turn is in flight
// is a 409. The processor owns the active-turn check, so concurrent
// posts cannot both start a turn.
func (s *Server) handlePostMessage(c *gin.Context) {
	slug := c.Param("slug")
	sessionID := c.Param("id")

	var req struct {
		Content string `json:"content" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}

	client, err := s.manager.EnsureRunning(c.Request.Context(), slug)
	if err != nil {
		s.respondContainerError(c, err)
		return
	}

	// A session unknown to both the transcript store and the container
	// does not exist; the container is the authority for sessions that
	// have not produced a transcript yet.
	if !s.transcripts.Exists(slug, sessionID) {
		if _, err := client.GetSession(c.Request.Context(), sessionID); err != nil {
			if errors.Is(err, container.ErrSessionNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	if err := s.holdTurn(c.Request.Context(), slug, sessionID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	proc, ok := s.registry.Get(sessionID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session stream unavailable"})
		return
	}

	if err := proc.SaveUserMessage(req.Content); err != nil {
		if errors.Is(err, session.ErrTurnActive) {
			c.JSON(http.StatusConflict, gin.H{"error": "session already has an active turn"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := client.SendMessage(c.Request.Context(), sessionID, req.Content); err != nil {
		if errors.Is(err, container.ErrSessionActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleInterrupt interrupts a session's current turn: 404 when the
// session is unknown, 400 when the agent's container is not running, 500
// when the container-side interrupt fails.
func (s *Server) handleInterrupt(c *gin.Context) {
	sessionID := c.Param("id")

	slug, found := s.findSessionAgent(sessionID)
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}

	client := s.manager.GetClient(slug)
	if !client.IsRunning(c.Request.Context()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent container is not running"})
		return
	}

	proc, ok := s.registry.Get(sessionID)
	if !ok {
		// No live stream; interrupt the container session directly.
		if err := client.Interrupt(c.Request.Context(), sessionID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
		return
	}

	if err := proc.Interrupt(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// handleSessionStream is the SSE endpoint: one normalized event per
// data: frame. The subscription is registered before the connected event
// is written so nothing broadcast after subscribe is missed.
func (s *Server) handleSessionStream(c *gin.Context) {
	slug := c.Param("slug")
	sessionID := c.Param("id")

	proc, release, err := s.registry.Acquire(c.Request.Context(), slug, sessionID, s.manager)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	defer release()

	eventCh := make(chan events.Event, subscriberBuffer)
	unsubscribe := s.bus.Subscribe(sessionID, func(event events.Event) {
		select {
		case eventCh <- event:
		default:
			// Slow client; it reconciles via refetch and ping.isActive.
		}
	})
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return
	}

	writeEvent := func(event events.Event) bool {
		data, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("failed to marshal event", zap.Error(err))
			return true
		}
		if _, err := c.Writer.Write(append(append([]byte("data: "), data...), '\n', '\n')); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if !writeEvent(events.NewWithFields(events.TypeConnected, map[string]any{
		"isActive": proc.IsActive(),
	})) {
		return
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eventCh:
			if !writeEvent(event) {
				return
			}
		}
	}
}

func (s *Server) respondContainerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, container.ErrRuntimeUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "RUNTIME_UNAVAILABLE"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
