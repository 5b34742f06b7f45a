// Package session ingests the container's stream-json protocol, maintains
// per-session streaming state, persists canonical transcripts and publishes
// normalized events to the realtime bus.
package session

import "encoding/json"

// Stream message types emitted by the container.
const (
	// MessageTypeSystem is the initial system message with session info
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains a complete (possibly chunked) assistant message
	MessageTypeAssistant = "assistant"
	// MessageTypeUser carries tool results back from the tool runner
	MessageTypeUser = "user"
	// MessageTypeResult marks the end of the turn
	MessageTypeResult = "result"
	// MessageTypeStreamEvent wraps an SDK streaming event
	MessageTypeStreamEvent = "stream_event"
	// MessageTypeCompactStart marks the start of context compaction
	MessageTypeCompactStart = "compact_start"
	// MessageTypeCompactComplete marks the end of context compaction
	MessageTypeCompactComplete = "compact_complete"
	// MessageTypeContextUsage is a token usage snapshot
	MessageTypeContextUsage = "context_usage"
	// MessageTypeBrowserActive signals browser state changes
	MessageTypeBrowserActive = "browser_active"
	// MessageTypeOSNotification requests a desktop notification
	MessageTypeOSNotification = "os_notification"
	// MessageTypeSessionUpdated signals session metadata changes
	MessageTypeSessionUpdated = "session_updated"
	// MessageTypeScheduledTaskCreated signals an agent-created scheduled task
	MessageTypeScheduledTaskCreated = "scheduled_task_created"
)

// System message subtypes.
const (
	SubtypeInit = "init"
)

// SDK streaming event types nested under stream_event.
const (
	StreamEventMessageStart      = "message_start"
	StreamEventContentBlockStart = "content_block_start"
	StreamEventContentBlockDelta = "content_block_delta"
	StreamEventContentBlockStop  = "content_block_stop"
	StreamEventMessageStop       = "message_stop"
)

// Delta types within content_block_delta events.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// Content block types.
const (
	BlockTypeText       = "text"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeThinking   = "thinking"
)

// Tool names with special handling.
const (
	// ToolTask spawns a sub-agent whose output arrives as sidechain traffic
	ToolTask = "Task"
	// ToolRequestSecret asks the user for a secret value
	ToolRequestSecret = "RequestSecret"
	// ToolRequestConnectedAccount asks the user to connect an account
	ToolRequestConnectedAccount = "RequestConnectedAccount"
	// ToolAskUserQuestion asks the user a free-form question
	ToolAskUserQuestion = "AskUserQuestion"
	// ToolRequestFile asks the user to upload a file
	ToolRequestFile = "RequestFile"
	// ToolRequestRemoteMCP asks the user to register a remote MCP server
	ToolRequestRemoteMCP = "RequestRemoteMcp"
)

// StreamMessage is one frame from the container's session stream.
type StreamMessage struct {
	Type      string  `json:"type"`
	Content   Content `json:"content"`
	Timestamp string  `json:"timestamp,omitempty"`
	SessionID string  `json:"sessionId,omitempty"`
}

// Content is the typed payload of a StreamMessage.
type Content struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For assistant and user frames
	Message *Message `json:"message,omitempty"`

	// Sidechain discriminator: set when the frame originates from a
	// sub-agent spawned by a Task tool
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`

	// AgentID identifies the sub-agent on complete sidechain messages,
	// when the SDK provides it
	AgentID string `json:"agentId,omitempty"`

	// For stream_event frames
	Event *StreamEvent `json:"event,omitempty"`

	// For system/init frames
	SlashCommands []SlashCommand `json:"slash_commands,omitempty"`

	// For context_usage frames
	Usage *ContextUsage `json:"usage,omitempty"`

	// For browser_active frames
	Active *bool `json:"active,omitempty"`

	// For result frames
	IsError bool   `json:"is_error,omitempty"`
	Error   string `json:"error,omitempty"`

	// Opaque payload for passthrough frames (session_updated,
	// scheduled_task_created, os_notification)
	Data json.RawMessage `json:"data,omitempty"`
}

// StreamEvent is a nested SDK streaming event.
type StreamEvent struct {
	Type         string        `json:"type"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
}

// Delta is a partial content update within a content_block_delta event.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// SlashCommand describes one slash command the session supports.
type SlashCommand struct {
	Name         string `json:"name"`
	Description  string `json:"description,omitempty"`
	ArgumentHint string `json:"argumentHint,omitempty"`
}

// ContextUsage is a token usage snapshot for the session.
type ContextUsage struct {
	InputTokens   int64 `json:"inputTokens"`
	OutputTokens  int64 `json:"outputTokens"`
	CacheCreate   int64 `json:"cacheCreate"`
	CacheRead     int64 `json:"cacheRead"`
	ContextWindow int64 `json:"contextWindow"`
}

// Message is an SDK message: an id plus ordered content blocks.
type Message struct {
	ID      string         `json:"id,omitempty"`
	Role    string         `json:"role,omitempty"`
	Model   string         `json:"model,omitempty"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a plain string or an ordered sequence of
// content blocks; the SDK emits both forms.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock
	isText bool
}

// TextContent builds string-form message content.
func TextContent(text string) MessageContent {
	return MessageContent{Text: text, isText: true}
}

// BlockContent builds block-form message content.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// IsText reports whether the content is the plain string form.
func (c MessageContent) IsText() bool { return c.isText }

// UnmarshalJSON accepts both the string and the block-array form.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		c.isText = true
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	c.Text = ""
	c.Blocks = blocks
	c.isText = false
	return nil
}

// MarshalJSON writes back whichever form the content holds.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return json.Marshal([]ContentBlock{})
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is the SDK's atomic message unit.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks. Content is either a string or an array of
	// text blocks, so it stays raw until rendered.
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// ResultText renders a tool_result block's content as plain text.
// String content is returned as-is; block-array content concatenates the
// text blocks.
func (b ContentBlock) ResultText() string {
	return renderRawContent(b.Content)
}

func renderRawContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var out string
	for _, blk := range blocks {
		if blk.Type == BlockTypeText {
			out += blk.Text
		}
	}
	return out
}
