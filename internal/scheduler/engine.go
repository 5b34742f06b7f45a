package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// Dispatcher opens a session on an agent with an initial prompt. The
// container manager's session layer satisfies it.
type Dispatcher interface {
	OpenSession(ctx context.Context, agentSlug, prompt string) (sessionID string, err error)
}

// Engine is the interval-driven task firing loop. Ticks are re-entrant
// safe: the claim CAS guarantees each due task fires once even when ticks
// overlap.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	interval   time.Duration
	now        func() time.Time
	logger     *logger.Logger
}

// NewEngine creates a scheduler engine. The tick interval is capped at
// one minute so a due task never waits longer than that.
func NewEngine(store Store, dispatcher Dispatcher, interval time.Duration, log *logger.Logger) *Engine {
	if interval <= 0 || interval > time.Minute {
		interval = time.Minute
	}
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		interval:   interval,
		now:        time.Now,
		logger:     log.WithFields(zap.String("component", "scheduler")),
	}
}

// SetClock overrides the engine's time source. Tests drive a virtual
// clock through it.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetDispatcher attaches the session-opening dispatcher. The engine and
// the HTTP layer reference each other, so the dispatcher arrives after
// construction; it must be set before Run.
func (e *Engine) SetDispatcher(d Dispatcher) {
	e.dispatcher = d
}

// CreateTask validates the schedule expression, computes the first
// execution time and persists the task.
func (e *Engine) CreateTask(ctx context.Context, task *Task) error {
	next, err := ComputeNext(task.ScheduleType, task.ScheduleExpression, e.now())
	if err != nil {
		return err
	}
	task.NextExecutionAt = next.UTC()
	return e.store.Create(ctx, task)
}

// ResetTask recomputes a task's next execution from its original
// expression and returns it to pending.
func (e *Engine) ResetTask(ctx context.Context, id string) error {
	task, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	next, err := ComputeNext(task.ScheduleType, task.ScheduleExpression, e.now())
	if err != nil {
		return err
	}
	return e.store.Reset(ctx, id, next.UTC())
}

// Run ticks until the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("scheduler started", zap.Duration("interval", e.interval))
	defer e.logger.Info("scheduler stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick fires every due task once. A task whose next execution time
// passed while the process was down fires a single time; recurring tasks
// then jump to their next future occurrence without backfill.
func (e *Engine) Tick(ctx context.Context) {
	now := e.now()
	due, err := e.store.GetDue(ctx, now)
	if err != nil {
		e.logger.Error("failed to query due tasks", zap.Error(err))
		return
	}

	for _, task := range due {
		claimed, err := e.store.Claim(ctx, task.ID)
		if err != nil {
			e.logger.Error("failed to claim task",
				zap.String("task_id", task.ID),
				zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		e.fire(ctx, task)
	}
}

func (e *Engine) fire(ctx context.Context, task *Task) {
	now := e.now()
	e.logger.Info("firing scheduled task",
		zap.String("task_id", task.ID),
		zap.String("agent_slug", task.AgentSlug),
		zap.String("schedule", task.ScheduleExpression))

	var sessionID string
	err := fmt.Errorf("no dispatcher configured")
	if e.dispatcher != nil {
		sessionID, err = e.dispatcher.OpenSession(ctx, task.AgentSlug, task.Prompt)
	}
	if err != nil {
		e.logger.Error("scheduled task dispatch failed",
			zap.String("task_id", task.ID),
			zap.Error(err))
		if markErr := e.store.MarkFailed(ctx, task.ID); markErr != nil {
			e.logger.Error("failed to mark task failed",
				zap.String("task_id", task.ID),
				zap.Error(markErr))
		}
		return
	}

	if task.IsRecurring {
		next, err := ResolveCron(task.ScheduleExpression, now)
		if err != nil {
			e.logger.Error("failed to compute next execution",
				zap.String("task_id", task.ID),
				zap.Error(err))
			_ = e.store.MarkFailed(ctx, task.ID)
			return
		}
		if err := e.store.UpdateNextExecution(ctx, task.ID, next.UTC(), now.UTC(), sessionID); err != nil {
			e.logger.Error("failed to re-arm recurring task",
				zap.String("task_id", task.ID),
				zap.Error(err))
		}
		return
	}

	if err := e.store.MarkExecuted(ctx, task.ID, now.UTC(), sessionID); err != nil {
		e.logger.Error("failed to mark task executed",
			zap.String("task_id", task.ID),
			zap.Error(err))
	}
}
