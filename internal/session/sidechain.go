package session

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/events"
)

// SubagentScanner discovers sub-agent ids from the on-disk transcript
// directory when the stream does not carry them. Sub-agent transcripts are
// named agent-<id>.jsonl.
type SubagentScanner struct {
	store  *TranscriptStore
	logger *logger.Logger
}

// NewSubagentScanner creates a scanner over the store's sub-agent
// directories.
func NewSubagentScanner(store *TranscriptStore, log *logger.Logger) *SubagentScanner {
	return &SubagentScanner{
		store:  store,
		logger: log.WithFields(zap.String("component", "subagent_scanner")),
	}
}

// Discover returns the id of the most recently modified sub-agent
// transcript not already in the excluded set. An empty string means no
// candidate was found.
func (s *SubagentScanner) Discover(agentSlug string, exclude map[string]bool) string {
	dir := s.store.SubagentsDir(agentSlug)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("failed to scan subagents directory",
				zap.String("agent_slug", agentSlug),
				zap.Error(err))
		}
		return ""
	}

	var bestID string
	var bestModTime time.Time
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "agent-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "agent-"), ".jsonl")
		if id == "" || exclude[id] {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestModTime) {
			bestModTime = info.ModTime()
			bestID = id
		}
	}
	return bestID
}

// ensureSubagent returns the sidechain state for the given parent tool id,
// creating or replacing it as needed. Callers hold p.mu.
func (p *Processor) ensureSubagent(parentToolID string) *SubagentState {
	if p.state.ActiveSubagent == nil || p.state.ActiveSubagent.ParentToolID != parentToolID {
		p.state.ActiveSubagent = &SubagentState{ParentToolID: parentToolID}
	}
	return p.state.ActiveSubagent
}

// handleSubagentStreamEvent routes a sidechain stream event. Sidechain
// frames update only the sub-agent's streaming fields; the parent's
// currentText and currentToolUse are never touched.
func (p *Processor) handleSubagentStreamEvent(content Content) {
	ev := content.Event
	if ev == nil {
		return
	}
	parentToolID := content.ParentToolUseID

	switch ev.Type {
	case StreamEventMessageStart:
		p.mu.Lock()
		sub := p.ensureSubagent(parentToolID)
		sub.StreamingText = ""
		p.mu.Unlock()
		p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentStreamStart, map[string]any{
			"parentToolId": parentToolID,
		}))

	case StreamEventContentBlockStart:
		if ev.ContentBlock == nil || ev.ContentBlock.Type != BlockTypeToolUse {
			return
		}
		p.mu.Lock()
		sub := p.ensureSubagent(parentToolID)
		sub.StreamingToolUse = &ToolUse{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
		p.mu.Unlock()
		p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentToolUseStart, map[string]any{
			"parentToolId": parentToolID,
			"toolId":       ev.ContentBlock.ID,
			"toolName":     ev.ContentBlock.Name,
		}))

	case StreamEventContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case DeltaTypeText:
			p.mu.Lock()
			sub := p.ensureSubagent(parentToolID)
			sub.StreamingText += ev.Delta.Text
			p.mu.Unlock()
			p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentStreamDelta, map[string]any{
				"parentToolId": parentToolID,
				"text":         ev.Delta.Text,
			}))
		case DeltaTypeInputJSON:
			p.mu.Lock()
			sub := p.ensureSubagent(parentToolID)
			tool := sub.StreamingToolUse
			if tool != nil {
				tool.PartialInput += ev.Delta.PartialJSON
			}
			p.mu.Unlock()
			if tool != nil {
				p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentToolUseStreaming, map[string]any{
					"parentToolId": parentToolID,
					"toolId":       tool.ID,
					"toolName":     tool.Name,
				}))
			}
		}

	case StreamEventContentBlockStop:
		p.mu.Lock()
		sub := p.ensureSubagent(parentToolID)
		tool := sub.StreamingToolUse
		sub.StreamingToolUse = nil
		p.mu.Unlock()
		if tool != nil {
			p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentToolUseReady, map[string]any{
				"parentToolId": parentToolID,
				"toolId":       tool.ID,
				"toolName":     tool.Name,
			}))
		}

	case StreamEventMessageStop:
		p.mu.Lock()
		sub := p.ensureSubagent(parentToolID)
		sub.StreamingToolUse = nil
		p.mu.Unlock()
	}
}

// handleSubagentToolResult handles a sidechain user frame carrying tool
// results. The SDK persists those to the sub-agent's own transcript; the
// parent transcript and its pending tool calls are never touched.
func (p *Processor) handleSubagentToolResult(content Content) {
	parentToolID := content.ParentToolUseID

	p.mu.Lock()
	sub := p.ensureSubagent(parentToolID)
	sub.StreamingToolUse = nil
	p.mu.Unlock()

	p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentUpdated, map[string]any{
		"parentToolId": parentToolID,
	}))
}

// handleSubagentAssistant handles a complete sidechain assistant message.
// The SDK already persisted it to the sub-agent's own transcript; here the
// sub-agent id is resolved and subscribers are told to refresh.
func (p *Processor) handleSubagentAssistant(content Content) {
	parentToolID := content.ParentToolUseID

	agentID := content.AgentID
	if agentID == "" && p.scanner != nil {
		p.mu.Lock()
		exclude := make(map[string]bool, len(p.completedAgentIDs))
		for id := range p.completedAgentIDs {
			exclude[id] = true
		}
		p.mu.Unlock()
		agentID = p.scanner.Discover(p.agentSlug, exclude)
	}

	p.mu.Lock()
	sub := p.ensureSubagent(parentToolID)
	if agentID != "" {
		sub.AgentID = agentID
	}
	sub.StreamingText = ""
	sub.StreamingToolUse = nil
	p.mu.Unlock()

	fields := map[string]any{"parentToolId": parentToolID}
	if agentID != "" {
		fields["agentId"] = agentID
	}
	p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentUpdated, fields))
}
