package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.settings.GetAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (s *Server) handlePutSettings(c *gin.Context) {
	var values map[string]json.RawMessage
	if err := c.ShouldBindJSON(&values); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "settings body must be a JSON object"})
		return
	}
	if err := s.settings.SetAll(c.Request.Context(), values); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleListNotifications(c *gin.Context) {
	notes, err := s.noteStore.ListUnread(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	type noteView struct {
		ID        string    `json:"id"`
		Kind      string    `json:"kind"`
		AgentSlug string    `json:"agentSlug"`
		SessionID string    `json:"sessionId"`
		Title     string    `json:"title"`
		Body      string    `json:"body,omitempty"`
		CreatedAt time.Time `json:"createdAt"`
	}
	out := make([]noteView, 0, len(notes))
	for _, n := range notes {
		out = append(out, noteView{
			ID:        n.ID,
			Kind:      n.Kind,
			AgentSlug: n.AgentSlug,
			SessionID: n.SessionID,
			Title:     n.Title,
			Body:      n.Body,
			CreatedAt: n.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"notifications": out})
}

func (s *Server) handleMarkNotificationRead(c *gin.Context) {
	if err := s.noteStore.MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
