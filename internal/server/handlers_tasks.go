package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/superagent/superagent/internal/scheduler"
)

type taskView struct {
	ID                 string     `json:"id"`
	AgentSlug          string     `json:"agentSlug"`
	ScheduleType       string     `json:"scheduleType"`
	ScheduleExpression string     `json:"scheduleExpression"`
	Prompt             string     `json:"prompt"`
	Name               string     `json:"name,omitempty"`
	Status             string     `json:"status"`
	NextExecutionAt    time.Time  `json:"nextExecutionAt"`
	LastExecutedAt     *time.Time `json:"lastExecutedAt,omitempty"`
	IsRecurring        bool       `json:"isRecurring"`
	ExecutionCount     int        `json:"executionCount"`
	LastSessionID      string     `json:"lastSessionId,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	CancelledAt        *time.Time `json:"cancelledAt,omitempty"`
}

func toTaskView(t *scheduler.Task) taskView {
	return taskView{
		ID:                 t.ID,
		AgentSlug:          t.AgentSlug,
		ScheduleType:       t.ScheduleType,
		ScheduleExpression: t.ScheduleExpression,
		Prompt:             t.Prompt,
		Name:               t.Name,
		Status:             t.Status,
		NextExecutionAt:    t.NextExecutionAt,
		LastExecutedAt:     t.LastExecutedAt,
		IsRecurring:        t.IsRecurring,
		ExecutionCount:     t.ExecutionCount,
		LastSessionID:      t.LastSessionID,
		CreatedAt:          t.CreatedAt,
		CancelledAt:        t.CancelledAt,
	}
}

func (s *Server) handleListTasks(c *gin.Context) {
	var (
		tasks []*scheduler.Task
		err   error
	)
	if c.Query("status") == scheduler.StatusPending {
		tasks, err = s.taskStore.ListPendingByAgent(c.Request.Context(), c.Param("slug"))
	} else {
		tasks, err = s.taskStore.ListByAgent(c.Request.Context(), c.Param("slug"))
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, toTaskView(t))
	}
	c.JSON(http.StatusOK, gin.H{"tasks": out})
}

// handleCreateTask validates the schedule expression at create time; a
// bad expression never reaches persistence.
func (s *Server) handleCreateTask(c *gin.Context) {
	var req struct {
		ScheduleType       string `json:"scheduleType" binding:"required"`
		ScheduleExpression string `json:"scheduleExpression" binding:"required"`
		Prompt             string `json:"prompt" binding:"required"`
		Name               string `json:"name"`
		CreatedBySessionID string `json:"createdBySessionId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "scheduleType, scheduleExpression and prompt are required"})
		return
	}

	task := &scheduler.Task{
		AgentSlug:          c.Param("slug"),
		ScheduleType:       req.ScheduleType,
		ScheduleExpression: req.ScheduleExpression,
		Prompt:             req.Prompt,
		Name:               req.Name,
		CreatedBySessionID: req.CreatedBySessionID,
	}
	if err := s.engine.CreateTask(c.Request.Context(), task); err != nil {
		var parseErr *scheduler.ParseError
		if errors.As(err, &parseErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, toTaskView(task))
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.taskStore.Get(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheduled task not found"})
		return
	}
	c.JSON(http.StatusOK, toTaskView(task))
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.taskStore.Cancel(c.Request.Context(), c.Param("taskId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheduled task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleResetTask(c *gin.Context) {
	if err := s.engine.ResetTask(c.Request.Context(), c.Param("taskId")); err != nil {
		var parseErr *scheduler.ParseError
		if errors.As(err, &parseErr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": parseErr.Error()})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "scheduled task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.taskStore.Delete(c.Request.Context(), c.Param("taskId")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "scheduled task not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}
