package notifications

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/superagent/superagent/internal/common/logger"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error"})
	require.NoError(t, err)
	return log
}

func TestStoreEnqueueDedupes(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	n := &Notification{
		Kind:      KindSessionComplete,
		AgentSlug: "dev",
		SessionID: "s1",
		Title:     "dev finished responding",
		DedupeKey: "session_complete:dev:s1",
	}
	inserted, err := store.Enqueue(ctx, n)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &Notification{
		Kind:      KindSessionComplete,
		AgentSlug: "dev",
		SessionID: "s1",
		Title:     "dev finished responding",
		DedupeKey: "session_complete:dev:s1",
	}
	inserted, err = store.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	notes, err := store.ListUnread(ctx)
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}

func TestStoreMarkRead(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	n := &Notification{
		Kind:      KindSessionComplete,
		AgentSlug: "dev",
		SessionID: "s1",
		Title:     "done",
		DedupeKey: "k1",
	}
	_, err := store.Enqueue(ctx, n)
	require.NoError(t, err)

	require.NoError(t, store.MarkRead(ctx, n.ID))

	notes, err := store.ListUnread(ctx)
	require.NoError(t, err)
	assert.Empty(t, notes)

	// Already read, and unknown ids, both error.
	assert.Error(t, store.MarkRead(ctx, n.ID))
	assert.Error(t, store.MarkRead(ctx, "no-such-id"))
}

// fakeViewers satisfies ViewerCounter with a fixed per-session count.
type fakeViewers map[string]int

func (f fakeViewers) SubscriberCount(sessionID string) int { return f[sessionID] }

func TestPolicySkipsWhenSessionHasViewers(t *testing.T) {
	store := setupTestStore(t)
	policy := NewPolicy(store, fakeViewers{"s1": 2}, true, testLogger(t))

	policy.SessionComplete(context.Background(), "dev", "s1")

	notes, err := store.ListUnread(context.Background())
	require.NoError(t, err)
	assert.Empty(t, notes, "watched sessions do not notify")
}

func TestPolicyNotifiesUnwatchedSession(t *testing.T) {
	store := setupTestStore(t)
	policy := NewPolicy(store, fakeViewers{}, true, testLogger(t))
	ctx := context.Background()

	policy.SessionComplete(ctx, "dev", "s1")
	// A repeat idle for the same session dedupes.
	policy.SessionComplete(ctx, "dev", "s1")

	notes, err := store.ListUnread(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, KindSessionComplete, notes[0].Kind)
	assert.Equal(t, "dev", notes[0].AgentSlug)
	assert.Equal(t, "s1", notes[0].SessionID)
}

func TestPolicyDisabled(t *testing.T) {
	store := setupTestStore(t)
	policy := NewPolicy(store, fakeViewers{}, false, testLogger(t))

	policy.SessionComplete(context.Background(), "dev", "s1")

	notes, err := store.ListUnread(context.Background())
	require.NoError(t, err)
	assert.Empty(t, notes)
}
