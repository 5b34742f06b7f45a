package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagent/superagent/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

type dispatchCall struct {
	AgentSlug string
	Prompt    string
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *fakeDispatcher) OpenSession(ctx context.Context, agentSlug, prompt string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.calls = append(d.calls, dispatchCall{AgentSlug: agentSlug, Prompt: prompt})
	return "sess-fired", nil
}

func (d *fakeDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

// virtualClock drives the engine without real time passing.
type virtualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *virtualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *virtualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func setupTestEngine(t *testing.T) (*Engine, *SQLiteStore, *fakeDispatcher, *virtualClock) {
	t.Helper()
	store := setupTestStore(t)
	dispatcher := &fakeDispatcher{}
	clock := &virtualClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}

	engine := NewEngine(store, dispatcher, time.Minute, testLogger(t))
	engine.SetClock(clock.Now)
	return engine, store, dispatcher, clock
}

func TestEngineCreateTaskComputesNextExecution(t *testing.T) {
	engine, _, _, clock := setupTestEngine(t)

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeAt,
		ScheduleExpression: "at now + 10 minutes",
		Prompt:             "check the build",
	}
	require.NoError(t, engine.CreateTask(context.Background(), task))
	assert.True(t, task.NextExecutionAt.Equal(clock.Now().Add(10*time.Minute)))
}

func TestEngineCreateTaskRejectsBadExpression(t *testing.T) {
	engine, store, _, _ := setupTestEngine(t)

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeCron,
		ScheduleExpression: "not a cron",
		Prompt:             "nope",
	}
	err := engine.CreateTask(context.Background(), task)
	require.Error(t, err)

	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)

	tasks, listErr := store.ListByAgent(context.Background(), "dev")
	require.NoError(t, listErr)
	assert.Empty(t, tasks, "rejected expressions never persist")
}

func TestEngineOneShotFiresOnce(t *testing.T) {
	engine, store, dispatcher, clock := setupTestEngine(t)
	ctx := context.Background()

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeAt,
		ScheduleExpression: "at now + 10 minutes",
		Prompt:             "run the report",
	}
	require.NoError(t, engine.CreateTask(ctx, task))

	// Not due yet.
	engine.Tick(ctx)
	assert.Zero(t, dispatcher.callCount())

	clock.Advance(11 * time.Minute)
	engine.Tick(ctx)
	require.Equal(t, 1, dispatcher.callCount())
	assert.Equal(t, "dev", dispatcher.calls[0].AgentSlug)
	assert.Equal(t, "run the report", dispatcher.calls[0].Prompt)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, "sess-fired", got.LastSessionID)

	// Executed tasks never fire again.
	clock.Advance(time.Hour)
	engine.Tick(ctx)
	assert.Equal(t, 1, dispatcher.callCount())
}

func TestEngineRecurringTaskReArms(t *testing.T) {
	engine, store, dispatcher, clock := setupTestEngine(t)
	ctx := context.Background()

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeCron,
		ScheduleExpression: "0 * * * *",
		Prompt:             "hourly sweep",
	}
	require.NoError(t, engine.CreateTask(ctx, task))
	require.True(t, task.NextExecutionAt.Equal(clock.Now().Add(time.Hour)))

	clock.Advance(time.Hour + time.Second)
	engine.Tick(ctx)
	require.Equal(t, 1, dispatcher.callCount())

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.True(t, got.NextExecutionAt.After(clock.Now()), "re-armed to the next occurrence")

	// A tick before the next occurrence does nothing.
	engine.Tick(ctx)
	assert.Equal(t, 1, dispatcher.callCount())

	clock.Advance(time.Hour)
	engine.Tick(ctx)
	assert.Equal(t, 2, dispatcher.callCount())

	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
}

func TestEngineNoBackfillAfterDowntime(t *testing.T) {
	engine, store, dispatcher, clock := setupTestEngine(t)
	ctx := context.Background()

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeCron,
		ScheduleExpression: "0 * * * *",
		Prompt:             "hourly sweep",
	}
	require.NoError(t, engine.CreateTask(ctx, task))

	// Six occurrences pass while the process is down; the task fires a
	// single time and jumps to the next future occurrence.
	clock.Advance(6*time.Hour + 30*time.Minute)
	engine.Tick(ctx)
	assert.Equal(t, 1, dispatcher.callCount())

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.True(t, got.NextExecutionAt.After(clock.Now()))

	engine.Tick(ctx)
	assert.Equal(t, 1, dispatcher.callCount())
}

func TestEngineDispatchFailureMarksFailed(t *testing.T) {
	engine, store, dispatcher, clock := setupTestEngine(t)
	ctx := context.Background()
	dispatcher.err = errors.New("container would not start")

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeAt,
		ScheduleExpression: "at now + 1 minute",
		Prompt:             "doomed",
	}
	require.NoError(t, engine.CreateTask(ctx, task))

	clock.Advance(2 * time.Minute)
	engine.Tick(ctx)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Zero(t, got.ExecutionCount)

	// Failed tasks stay put until an explicit reset.
	clock.Advance(time.Hour)
	engine.Tick(ctx)
	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestEngineResetTaskRevivesFailedTask(t *testing.T) {
	engine, store, dispatcher, clock := setupTestEngine(t)
	ctx := context.Background()
	dispatcher.err = errors.New("transient outage")

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeAt,
		ScheduleExpression: "at now + 1 minute",
		Prompt:             "retry me",
	}
	require.NoError(t, engine.CreateTask(ctx, task))
	clock.Advance(2 * time.Minute)
	engine.Tick(ctx)

	dispatcher.err = nil
	require.NoError(t, engine.ResetTask(ctx, task.ID))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	assert.True(t, got.NextExecutionAt.Equal(clock.Now().Add(time.Minute)))

	clock.Advance(2 * time.Minute)
	engine.Tick(ctx)
	assert.Equal(t, 1, dispatcher.callCount())
}

func TestEngineWithoutDispatcherMarksFailed(t *testing.T) {
	store := setupTestStore(t)
	clock := &virtualClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(store, nil, time.Minute, testLogger(t))
	engine.SetClock(clock.Now)
	ctx := context.Background()

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeAt,
		ScheduleExpression: "at now + 1 minute",
		Prompt:             "orphaned",
	}
	require.NoError(t, engine.CreateTask(ctx, task))
	clock.Advance(2 * time.Minute)
	engine.Tick(ctx)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
}

func TestEngineConcurrentTicksFireOnce(t *testing.T) {
	engine, store, dispatcher, clock := setupTestEngine(t)
	ctx := context.Background()

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeAt,
		ScheduleExpression: "at now + 1 minute",
		Prompt:             "claim race",
	}
	require.NoError(t, engine.CreateTask(ctx, task))
	clock.Advance(2 * time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Tick(ctx)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dispatcher.callCount())

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
}
