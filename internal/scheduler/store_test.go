package scheduler

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// One connection: each :memory: connection is its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func newTask(agentSlug string, next time.Time) *Task {
	return &Task{
		AgentSlug:          agentSlug,
		ScheduleType:       ScheduleTypeAt,
		ScheduleExpression: "at now + 5 minutes",
		Prompt:             "check the deploy",
		NextExecutionAt:    next,
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	next := time.Now().UTC().Add(5 * time.Minute).Truncate(time.Second)

	task := newTask("dev", next)
	task.Name = "deploy check"
	require.NoError(t, store.Create(ctx, task))
	require.NotEmpty(t, task.ID)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "dev", got.AgentSlug)
	assert.Equal(t, "deploy check", got.Name)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.IsRecurring, "at tasks are one-shot")
	assert.True(t, got.NextExecutionAt.Equal(next))
	assert.Nil(t, got.LastExecutedAt)
	assert.Zero(t, got.ExecutionCount)
}

func TestStoreCronTaskIsRecurring(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeCron,
		ScheduleExpression: "0 9 * * *",
		Prompt:             "daily report",
		NextExecutionAt:    time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.IsRecurring)
}

func TestStoreGetMissing(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Get(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestStoreListByAgentOrdersBySoonest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	later := newTask("dev", now.Add(2*time.Hour))
	sooner := newTask("dev", now.Add(10*time.Minute))
	other := newTask("other", now.Add(time.Minute))
	require.NoError(t, store.Create(ctx, later))
	require.NoError(t, store.Create(ctx, sooner))
	require.NoError(t, store.Create(ctx, other))

	tasks, err := store.ListByAgent(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, sooner.ID, tasks[0].ID)
	assert.Equal(t, later.ID, tasks[1].ID)
}

func TestStoreListPendingExcludesOtherStatuses(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := newTask("dev", now.Add(time.Minute))
	cancelled := newTask("dev", now.Add(time.Minute))
	require.NoError(t, store.Create(ctx, pending))
	require.NoError(t, store.Create(ctx, cancelled))
	require.NoError(t, store.Cancel(ctx, cancelled.ID))

	tasks, err := store.ListPendingByAgent(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, pending.ID, tasks[0].ID)
}

func TestStoreGetDue(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := newTask("dev", now.Add(-time.Minute))
	future := newTask("dev", now.Add(time.Hour))
	require.NoError(t, store.Create(ctx, due))
	require.NoError(t, store.Create(ctx, future))

	tasks, err := store.GetDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, due.ID, tasks[0].ID)
}

func TestStoreClaimIsExclusive(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := newTask("dev", time.Now().UTC())
	require.NoError(t, store.Create(ctx, task))

	claimed, err := store.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// A second claim loses the race.
	claimed, err = store.Claim(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuting, got.Status)
}

func TestStoreMarkExecuted(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	executedAt := time.Now().UTC().Truncate(time.Second)

	task := newTask("dev", executedAt.Add(-time.Minute))
	require.NoError(t, store.Create(ctx, task))
	_, err := store.Claim(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, store.MarkExecuted(ctx, task.ID, executedAt, "sess-42"))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExecuted, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, "sess-42", got.LastSessionID)
	require.NotNil(t, got.LastExecutedAt)
	assert.True(t, got.LastExecutedAt.Equal(executedAt))
}

func TestStoreUpdateNextExecutionReArms(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	task := &Task{
		AgentSlug:          "dev",
		ScheduleType:       ScheduleTypeCron,
		ScheduleExpression: "0 * * * *",
		Prompt:             "hourly",
		NextExecutionAt:    now.Add(-time.Minute),
	}
	require.NoError(t, store.Create(ctx, task))
	_, err := store.Claim(ctx, task.ID)
	require.NoError(t, err)

	next := now.Add(time.Hour)
	require.NoError(t, store.UpdateNextExecution(ctx, task.ID, next, now, "sess-1"))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.True(t, got.NextExecutionAt.Equal(next))

	// A second fire keeps incrementing.
	_, err = store.Claim(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, store.UpdateNextExecution(ctx, task.ID, next.Add(time.Hour), next, "sess-2"))
	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.Equal(t, "sess-2", got.LastSessionID)
}

func TestStoreCancelAndReset(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	task := newTask("dev", now.Add(time.Hour))
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.Cancel(ctx, task.ID))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)

	next := now.Add(2 * time.Hour)
	require.NoError(t, store.Reset(ctx, task.ID, next))

	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Nil(t, got.CancelledAt)
	assert.True(t, got.NextExecutionAt.Equal(next))
}

func TestStoreDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	task := newTask("dev", time.Now().UTC())
	require.NoError(t, store.Create(ctx, task))
	require.NoError(t, store.Delete(ctx, task.ID))

	_, err := store.Get(ctx, task.ID)
	require.Error(t, err)

	assert.Error(t, store.Delete(ctx, task.ID))
}
