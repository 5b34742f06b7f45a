package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
	"github.com/superagent/superagent/internal/events"
)

// ErrTurnActive means a user message arrived while the session already
// had a turn in flight.
var ErrTurnActive = errors.New("session already has an active turn")

// Hooks are the processor's outbound edges. All of them are optional.
type Hooks struct {
	// Interrupt sends the interrupt command to the container session.
	Interrupt func(ctx context.Context, agentSlug, sessionID string) error

	// OnConnectionError fires on a wire-level stream failure so the
	// container manager can mark the container crashed.
	OnConnectionError func(agentSlug string, err error)

	// OnSessionIdle fires when a turn completes; the notification policy
	// decides whether anyone needs telling.
	OnSessionIdle func(agentSlug, sessionID string)

	// OnScheduledTaskCreated fires when the agent schedules a task from
	// inside the session.
	OnScheduledTaskCreated func(agentSlug string, data json.RawMessage)
}

// Processor consumes one session's stream, maintains its StreamingState,
// appends canonical entries to the transcript and broadcasts normalized
// events. All mutation goes through the processor's mutex; external
// readers get consistent snapshots.
type Processor struct {
	agentSlug string
	sessionID string

	mu    sync.Mutex
	state *StreamingState

	// Sub-agent runs already reported as completed, keyed by parent tool
	// id. A second matching tool_result must not re-trigger completion.
	completedSubagents map[string]bool
	completedAgentIDs  map[string]bool

	store   *TranscriptStore
	bus     *events.Bus
	scanner *SubagentScanner
	hooks   Hooks
	logger  *logger.Logger
}

// NewProcessor creates a stream processor for one session.
func NewProcessor(agentSlug, sessionID string, store *TranscriptStore, bus *events.Bus, scanner *SubagentScanner, hooks Hooks, log *logger.Logger) *Processor {
	return &Processor{
		agentSlug:          agentSlug,
		sessionID:          sessionID,
		state:              newStreamingState(),
		completedSubagents: make(map[string]bool),
		completedAgentIDs:  make(map[string]bool),
		store:              store,
		bus:                bus,
		scanner:            scanner,
		hooks:              hooks,
		logger: log.WithFields(
			zap.String("component", "stream_processor"),
			zap.String("agent_slug", agentSlug),
			zap.String("session_id", sessionID)),
	}
}

// SaveUserMessage persists the user's turn and activates the session.
// The turn is reserved under the mutex before the append, so concurrent
// callers cannot both start one; the loser gets ErrTurnActive. The
// session_active broadcast happens after the append so subscribers
// reading messages on that event see the new turn.
func (p *Processor) SaveUserMessage(text string) error {
	p.mu.Lock()
	if p.state.IsActive {
		p.mu.Unlock()
		return ErrTurnActive
	}
	p.state.IsActive = true
	p.state.Interrupted = false
	p.state.ErrorMessage = ""
	p.mu.Unlock()

	entry := TranscriptEntry{
		Type:      EntryTypeUser,
		Message:   &Message{Role: RoleUser, Content: TextContent(text)},
		UUID:      uuid.NewString(),
		Timestamp: now(),
	}
	if err := p.store.Append(p.agentSlug, p.sessionID, entry); err != nil {
		p.mu.Lock()
		p.state.IsActive = false
		p.mu.Unlock()
		return fmt.Errorf("failed to save user message: %w", err)
	}

	p.bus.Broadcast(p.sessionID, events.New(events.TypeSessionActive))
	return nil
}

// Handle processes one frame from the container's session stream.
func (p *Processor) Handle(msg StreamMessage) {
	p.mu.Lock()
	if p.state.Interrupted && msg.Type != MessageTypeResult {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	switch msg.Type {
	case MessageTypeSystem:
		if msg.Content.Subtype == SubtypeInit {
			p.handleInit(msg.Content)
		}
	case MessageTypeStreamEvent:
		if msg.Content.ParentToolUseID != "" {
			p.handleSubagentStreamEvent(msg.Content)
		} else {
			p.handleStreamEvent(msg.Content)
		}
	case MessageTypeAssistant:
		if msg.Content.ParentToolUseID != "" {
			p.handleSubagentAssistant(msg.Content)
		} else {
			p.handleAssistant(msg.Content)
		}
	case MessageTypeUser:
		if msg.Content.ParentToolUseID != "" {
			p.handleSubagentToolResult(msg.Content)
		} else {
			p.handleToolResults(msg.Content)
		}
	case MessageTypeResult:
		p.handleResult(msg.Content)
	case MessageTypeCompactStart:
		p.bus.Broadcast(p.sessionID, events.New(events.TypeCompactStart))
	case MessageTypeCompactComplete:
		p.handleCompactComplete(msg.Content)
	case MessageTypeContextUsage:
		p.handleContextUsage(msg.Content)
	case MessageTypeBrowserActive:
		if msg.Content.Active != nil {
			p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeBrowserActive, map[string]any{
				"active": *msg.Content.Active,
			}))
		}
	case MessageTypeOSNotification:
		p.broadcastPassthrough(events.TypeOSNotification, msg.Content.Data)
	case MessageTypeSessionUpdated:
		p.broadcastPassthrough(events.TypeSessionUpdated, msg.Content.Data)
	case MessageTypeScheduledTaskCreated:
		p.broadcastPassthrough(events.TypeScheduledTaskCreated, msg.Content.Data)
		if p.hooks.OnScheduledTaskCreated != nil {
			p.hooks.OnScheduledTaskCreated(p.agentSlug, msg.Content.Data)
		}
	default:
		p.logger.Debug("ignoring unknown stream message", zap.String("type", msg.Type))
	}
}

// Interrupt stops the current turn. The in-flight state clears
// immediately; pending user requests and the error message are kept.
// Interrupting an idle session is a no-op.
func (p *Processor) Interrupt(ctx context.Context) error {
	p.mu.Lock()
	wasActive := p.state.IsActive
	if wasActive {
		p.state.resetInFlight()
		p.state.Interrupted = true
	}
	p.mu.Unlock()

	// The container-side interrupt is attempted even when the state is
	// already idle; only the state transition and broadcast are one-shot.
	if p.hooks.Interrupt != nil {
		if err := p.hooks.Interrupt(ctx, p.agentSlug, p.sessionID); err != nil {
			p.logger.Warn("interrupt command failed", zap.Error(err))
			if wasActive {
				p.bus.Broadcast(p.sessionID, events.New(events.TypeSessionIdle))
			}
			return err
		}
	}

	if wasActive {
		p.bus.Broadcast(p.sessionID, events.New(events.TypeSessionIdle))
	}
	return nil
}

// ConnectionError handles a wire-level stream failure: broadcast
// session_error, reset the streaming buffers and let the container
// manager know. Pending user requests and the error message survive so a
// reconnect can resume the user's obligations.
func (p *Processor) ConnectionError(err error) {
	p.mu.Lock()
	p.state.ErrorMessage = err.Error()
	p.state.resetAfterTransportError()
	p.mu.Unlock()

	p.logger.Warn("session stream connection error", zap.Error(err))
	p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSessionError, map[string]any{
		"error": err.Error(),
	}))

	if p.hooks.OnConnectionError != nil {
		p.hooks.OnConnectionError(p.agentSlug, err)
	}
}

// IsActive reports whether the session has a turn in flight.
func (p *Processor) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.IsActive
}

// SlashCommands returns the commands captured from the init frame.
func (p *Processor) SlashCommands() []SlashCommand {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlashCommand, len(p.state.SlashCommands))
	copy(out, p.state.SlashCommands)
	return out
}

// Snapshot returns a consistent copy of the externally visible state.
func (p *Processor) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap := Snapshot{
		IsActive:        p.state.IsActive,
		IsStreaming:     p.state.IsStreaming,
		ErrorMessage:    p.state.ErrorMessage,
		PendingRequests: p.state.PendingUserRequests,
	}
	if p.state.ContextUsage != nil {
		usage := *p.state.ContextUsage
		snap.ContextUsage = &usage
	}
	snap.SlashCommands = make([]SlashCommand, len(p.state.SlashCommands))
	copy(snap.SlashCommands, p.state.SlashCommands)
	return snap
}

// Messages returns the derived message view of the session's transcript.
func (p *Processor) Messages() ([]ViewMessage, error) {
	entries, err := p.store.Read(p.agentSlug, p.sessionID)
	if err != nil {
		return nil, err
	}
	return Transform(entries), nil
}

func (p *Processor) handleInit(content Content) {
	p.mu.Lock()
	captured := len(p.state.SlashCommands) == 0 && len(content.SlashCommands) > 0
	if captured {
		p.state.SlashCommands = content.SlashCommands
	}
	p.mu.Unlock()

	if captured {
		names := make([]string, 0, len(content.SlashCommands))
		for _, cmd := range content.SlashCommands {
			names = append(names, cmd.Name)
		}
		p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeStreamStart, map[string]any{
			"slashCommands": names,
		}))
	} else {
		p.bus.Broadcast(p.sessionID, events.New(events.TypeStreamStart))
	}
}

func (p *Processor) handleStreamEvent(content Content) {
	ev := content.Event
	if ev == nil {
		return
	}

	switch ev.Type {
	case StreamEventMessageStart:
		p.mu.Lock()
		p.state.IsStreaming = true
		p.state.CurrentText = ""
		p.mu.Unlock()
		p.bus.Broadcast(p.sessionID, events.New(events.TypeStreamStart))

	case StreamEventContentBlockStart:
		if ev.ContentBlock == nil || ev.ContentBlock.Type != BlockTypeToolUse {
			return
		}
		p.mu.Lock()
		p.state.CurrentToolUse = &ToolUse{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
		p.mu.Unlock()
		p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeToolUseStart, map[string]any{
			"toolId":   ev.ContentBlock.ID,
			"toolName": ev.ContentBlock.Name,
		}))

	case StreamEventContentBlockDelta:
		if ev.Delta == nil {
			return
		}
		switch ev.Delta.Type {
		case DeltaTypeText:
			p.mu.Lock()
			p.state.CurrentText += ev.Delta.Text
			p.mu.Unlock()
			p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeStreamDelta, map[string]any{
				"text": ev.Delta.Text,
			}))
		case DeltaTypeInputJSON:
			p.mu.Lock()
			tool := p.state.CurrentToolUse
			if tool != nil {
				tool.PartialInput += ev.Delta.PartialJSON
			}
			p.mu.Unlock()
			if tool != nil {
				p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeToolUseStreaming, map[string]any{
					"toolId":   tool.ID,
					"toolName": tool.Name,
				}))
			}
		}

	case StreamEventContentBlockStop:
		p.mu.Lock()
		tool := p.state.CurrentToolUse
		if tool != nil {
			if tool.Name == ToolTask {
				p.state.PendingTaskToolID = tool.ID
			}
			p.state.CurrentToolUse = nil
		}
		p.mu.Unlock()
		if tool != nil {
			p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeToolUseReady, map[string]any{
				"toolId":   tool.ID,
				"toolName": tool.Name,
			}))
		}

	case StreamEventMessageStop:
		p.mu.Lock()
		p.state.IsStreaming = false
		p.state.CurrentToolUse = nil
		p.mu.Unlock()
		p.bus.Broadcast(p.sessionID, events.New(events.TypeStreamEnd))
	}
}

// handleAssistant persists a complete assistant message and announces any
// tool calls it introduced.
func (p *Processor) handleAssistant(content Content) {
	if content.Message == nil {
		return
	}

	entry := TranscriptEntry{
		Type:      EntryTypeAssistant,
		Message:   content.Message,
		UUID:      uuid.NewString(),
		Timestamp: now(),
	}
	if err := p.store.Append(p.agentSlug, p.sessionID, entry); err != nil {
		p.logger.Error("failed to persist assistant message", zap.Error(err))
		return
	}

	type announcement struct {
		eventType string
		fields    map[string]any
	}
	var announcements []announcement

	p.mu.Lock()
	for _, block := range content.Message.Content.Blocks {
		if block.Type != BlockTypeToolUse || block.ID == "" {
			continue
		}
		if _, seen := p.state.PendingToolCalls[block.ID]; seen {
			continue
		}
		p.state.PendingToolCalls[block.ID] = ToolUse{ID: block.ID, Name: block.Name}
		if block.Name == ToolTask {
			p.state.PendingTaskToolID = block.ID
		}
		announcements = append(announcements, announcement{
			eventType: events.TypeToolCall,
			fields: map[string]any{
				"toolCall": map[string]any{
					"id":    block.ID,
					"name":  block.Name,
					"input": block.Input,
				},
			},
		})
		if reqType, list := p.userRequestTarget(block.Name); list != nil {
			*list = append(*list, UserRequest{ToolUseID: block.ID, Input: block.Input})
			announcements = append(announcements, announcement{
				eventType: reqType,
				fields:    map[string]any{"toolId": block.ID, "input": block.Input},
			})
		}
	}
	p.mu.Unlock()

	p.bus.Broadcast(p.sessionID, events.New(events.TypeMessagesUpdated))
	for _, a := range announcements {
		p.bus.Broadcast(p.sessionID, events.NewWithFields(a.eventType, a.fields))
	}
}

// userRequestTarget maps user-input tools to their request event and
// pending list. Callers hold p.mu.
func (p *Processor) userRequestTarget(toolName string) (string, *[]UserRequest) {
	reqs := &p.state.PendingUserRequests
	switch toolName {
	case ToolRequestSecret:
		return events.TypeSecretRequest, &reqs.Secrets
	case ToolRequestConnectedAccount:
		return events.TypeConnectedAccountRequest, &reqs.ConnectedAccounts
	case ToolAskUserQuestion:
		return events.TypeUserQuestionRequest, &reqs.Questions
	case ToolRequestFile:
		return events.TypeFileRequest, &reqs.Files
	case ToolRequestRemoteMCP:
		return events.TypeRemoteMCPRequest, &reqs.RemoteMCPs
	}
	return "", nil
}

// handleToolResults persists a user frame carrying tool_result blocks and
// resolves the tool calls it answers.
func (p *Processor) handleToolResults(content Content) {
	if content.Message == nil {
		return
	}

	entry := TranscriptEntry{
		Type:      EntryTypeUser,
		Message:   content.Message,
		UUID:      uuid.NewString(),
		Timestamp: now(),
	}
	if len(content.Data) > 0 {
		var result ToolUseResult
		if err := json.Unmarshal(content.Data, &result); err == nil {
			entry.ToolUseResult = &result
		}
	}
	if err := p.store.Append(p.agentSlug, p.sessionID, entry); err != nil {
		p.logger.Error("failed to persist tool result", zap.Error(err))
		return
	}

	p.bus.Broadcast(p.sessionID, events.New(events.TypeMessagesUpdated))

	for _, block := range content.Message.Content.Blocks {
		if block.Type != BlockTypeToolResult || block.ToolUseID == "" {
			continue
		}

		p.mu.Lock()
		delete(p.state.PendingToolCalls, block.ToolUseID)
		completesTask := block.ToolUseID == p.state.PendingTaskToolID &&
			!p.completedSubagents[block.ToolUseID]
		var agentID string
		if completesTask {
			p.completedSubagents[block.ToolUseID] = true
			if p.state.ActiveSubagent != nil {
				agentID = p.state.ActiveSubagent.AgentID
			}
			if agentID != "" {
				p.completedAgentIDs[agentID] = true
			}
			p.state.PendingTaskToolID = ""
			p.state.ActiveSubagent = nil
		}
		p.mu.Unlock()

		p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeToolResult, map[string]any{
			"toolUseId": block.ToolUseID,
			"result":    block.ResultText(),
			"isError":   block.IsError,
		}))

		if completesTask {
			fields := map[string]any{"parentToolId": block.ToolUseID}
			if agentID != "" {
				fields["agentId"] = agentID
			}
			p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSubagentCompleted, fields))
		}
	}
}

// handleResult ends the turn. After an interrupt already broadcast
// session_idle, a straggling result resets state without a second idle.
func (p *Processor) handleResult(content Content) {
	p.mu.Lock()
	straggler := p.state.Interrupted
	if content.IsError && content.Error != "" {
		p.state.ErrorMessage = content.Error
	}
	p.state.resetInFlight()
	p.state.Interrupted = false
	p.mu.Unlock()

	if content.IsError && content.Error != "" {
		p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeSessionError, map[string]any{
			"error": content.Error,
		}))
	}
	if !straggler {
		p.bus.Broadcast(p.sessionID, events.New(events.TypeSessionIdle))
	}

	if p.hooks.OnSessionIdle != nil {
		p.hooks.OnSessionIdle(p.agentSlug, p.sessionID)
	}
}

func (p *Processor) handleCompactComplete(content Content) {
	entry := TranscriptEntry{
		Type:            EntryTypeSystem,
		Subtype:         EntrySubtypeCompactBoundary,
		UUID:            uuid.NewString(),
		Timestamp:       now(),
		CompactMetadata: content.Data,
	}
	if err := p.store.Append(p.agentSlug, p.sessionID, entry); err != nil {
		p.logger.Error("failed to persist compact boundary", zap.Error(err))
	}
	p.bus.Broadcast(p.sessionID, events.New(events.TypeCompactComplete))
}

func (p *Processor) handleContextUsage(content Content) {
	if content.Usage == nil {
		return
	}
	p.mu.Lock()
	usage := *content.Usage
	p.state.ContextUsage = &usage
	p.mu.Unlock()

	p.bus.Broadcast(p.sessionID, events.NewWithFields(events.TypeContextUsage, map[string]any{
		"inputTokens":   usage.InputTokens,
		"outputTokens":  usage.OutputTokens,
		"cacheCreate":   usage.CacheCreate,
		"cacheRead":     usage.CacheRead,
		"contextWindow": usage.ContextWindow,
	}))
}

// broadcastPassthrough forwards an opaque payload under the given event
// type, flattening the payload's top-level fields.
func (p *Processor) broadcastPassthrough(eventType string, data json.RawMessage) {
	fields := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			p.logger.Warn("invalid passthrough payload",
				zap.String("event_type", eventType),
				zap.Error(err))
			fields = map[string]any{}
		}
	}
	p.bus.Broadcast(p.sessionID, events.NewWithFields(eventType, fields))
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
