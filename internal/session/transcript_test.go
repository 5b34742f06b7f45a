package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranscriptStoreAppendAndRead(t *testing.T) {
	store := NewTranscriptStore(t.TempDir(), testLogger(t))

	require.NoError(t, store.Append("dev", "s1", userEntry("u1", "first")))
	require.NoError(t, store.Append("dev", "s1", userEntry("u2", "second")))

	entries, err := store.Read("dev", "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].UUID)
	assert.Equal(t, "first", entries[0].Message.Content.Text)
	assert.Equal(t, "u2", entries[1].UUID)
}

func TestTranscriptStoreMissingFileIsEmpty(t *testing.T) {
	store := NewTranscriptStore(t.TempDir(), testLogger(t))

	entries, err := store.Read("dev", "nope")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.False(t, store.Exists("dev", "nope"))
}

func TestTranscriptStoreSkipsMalformedLines(t *testing.T) {
	store := NewTranscriptStore(t.TempDir(), testLogger(t))
	require.NoError(t, store.Append("dev", "s1", userEntry("u1", "good")))

	path := store.Path("dev", "s1")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Append("dev", "s1", userEntry("u2", "also good")))

	entries, err := store.Read("dev", "s1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "u1", entries[0].UUID)
	assert.Equal(t, "u2", entries[1].UUID)
}

func TestTranscriptStoreListSessionIDs(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir, testLogger(t))

	require.NoError(t, store.Append("dev", "s1", userEntry("u1", "a")))
	require.NoError(t, store.Append("dev", "s2", userEntry("u2", "b")))
	require.NoError(t, store.Append("other", "s3", userEntry("u3", "c")))

	// Stray non-transcript files are ignored.
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, "agents", "dev", "sessions", "notes.txt"), []byte("x"), 0o644))

	ids, err := store.ListSessionIDs("dev")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)

	ids, err = store.ListSessionIDs("unknown")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSubagentScannerDiscover(t *testing.T) {
	dir := t.TempDir()
	store := NewTranscriptStore(dir, testLogger(t))
	scanner := NewSubagentScanner(store, testLogger(t))

	// No subagents directory yet.
	assert.Equal(t, "", scanner.Discover("dev", nil))

	subDir := store.SubagentsDir("dev")
	require.NoError(t, os.MkdirAll(subDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "agent-old.jsonl"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "agent-new.jsonl"), []byte("{}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "unrelated.log"), []byte("x"), 0o644))

	// Bump the newer file's mtime well past the older one.
	older := filepath.Join(subDir, "agent-old.jsonl")
	newer := filepath.Join(subDir, "agent-new.jsonl")
	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Minute), now.Add(-time.Minute)))
	require.NoError(t, os.Chtimes(newer, now, now))

	assert.Equal(t, "new", scanner.Discover("dev", nil))
	assert.Equal(t, "old", scanner.Discover("dev", map[string]bool{"new": true}))
	assert.Equal(t, "", scanner.Discover("dev", map[string]bool{"new": true, "old": true}))
}
