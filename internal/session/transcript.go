package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// Transcript entry types.
const (
	EntryTypeUser      = "user"
	EntryTypeAssistant = "assistant"
	EntryTypeSystem    = "system"

	EntrySubtypeCompactBoundary = "compact_boundary"
)

// TranscriptEntry is one line of a session's JSONL transcript. Lines are
// canonical; the derived message view is produced by Transform.
type TranscriptEntry struct {
	Type             string          `json:"type"`
	Subtype          string          `json:"subtype,omitempty"`
	Message          *Message        `json:"message,omitempty"`
	UUID             string          `json:"uuid"`
	Timestamp        string          `json:"timestamp"`
	ParentUUID       string          `json:"parentUuid,omitempty"`
	IsCompactSummary bool            `json:"isCompactSummary,omitempty"`
	ToolUseResult    *ToolUseResult  `json:"toolUseResult,omitempty"`
	CompactMetadata  json.RawMessage `json:"compactMetadata,omitempty"`
}

// ToolUseResult is the SDK's structured result attached to tool_result
// user entries. Stdout is a pointer so an empty string survives the
// stdout-over-content preference.
type ToolUseResult struct {
	Stdout            *string         `json:"stdout,omitempty"`
	Stderr            *string         `json:"stderr,omitempty"`
	Content           json.RawMessage `json:"content,omitempty"`
	AgentID           string          `json:"agentId,omitempty"`
	Status            string          `json:"status,omitempty"`
	TotalDurationMs   *int64          `json:"totalDurationMs,omitempty"`
	TotalTokens       *int64          `json:"totalTokens,omitempty"`
	TotalToolUseCount *int64          `json:"totalToolUseCount,omitempty"`
}

// TranscriptStore persists session transcripts as append-only JSONL files
// under <dataDir>/agents/<slug>/sessions/<sessionId>.jsonl.
type TranscriptStore struct {
	dataDir string
	mu      sync.Mutex
	logger  *logger.Logger
}

// NewTranscriptStore creates a transcript store rooted at dataDir.
func NewTranscriptStore(dataDir string, log *logger.Logger) *TranscriptStore {
	return &TranscriptStore{
		dataDir: dataDir,
		logger:  log.WithFields(zap.String("component", "transcript_store")),
	}
}

// Path returns the transcript path for a session.
func (s *TranscriptStore) Path(agentSlug, sessionID string) string {
	return filepath.Join(s.dataDir, "agents", agentSlug, "sessions", sessionID+".jsonl")
}

// SubagentsDir returns the sub-agent transcript directory for an agent.
func (s *TranscriptStore) SubagentsDir(agentSlug string) string {
	return filepath.Join(s.dataDir, "agents", agentSlug, "subagents")
}

// Append writes one entry as a JSON line. The write is serialized so
// append order matches broadcast order of the corresponding
// messages_updated events.
func (s *TranscriptStore) Append(agentSlug, sessionID string, entry TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(agentSlug, sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal transcript entry: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append transcript entry: %w", err)
	}
	return nil
}

// Read loads every entry of a session's transcript. Malformed lines are
// logged and skipped; a missing file yields an empty transcript.
func (s *TranscriptStore) Read(agentSlug, sessionID string) ([]TranscriptEntry, error) {
	path := s.Path(agentSlug, sessionID)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	var entries []TranscriptEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry TranscriptEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			s.logger.Warn("skipping malformed transcript line",
				zap.String("session_id", sessionID),
				zap.Int("line", lineNo),
				zap.Error(err))
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("failed to read transcript: %w", err)
	}
	return entries, nil
}

// Exists reports whether a session transcript is present on disk.
func (s *TranscriptStore) Exists(agentSlug, sessionID string) bool {
	_, err := os.Stat(s.Path(agentSlug, sessionID))
	return err == nil
}

// ListSessionIDs returns the session ids with transcripts for an agent.
func (s *TranscriptStore) ListSessionIDs(agentSlug string) ([]string, error) {
	dir := filepath.Join(s.dataDir, "agents", agentSlug, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".jsonl"))
	}
	return ids, nil
}
