// Package events provides the per-session realtime event bus.
package events

import "encoding/json"

// Normalized event types broadcast by the session stream processor.
const (
	TypeConnected               = "connected"
	TypeSessionActive           = "session_active"
	TypeSessionIdle             = "session_idle"
	TypeSessionError            = "session_error"
	TypeStreamStart             = "stream_start"
	TypeStreamDelta             = "stream_delta"
	TypeStreamEnd               = "stream_end"
	TypeToolUseStart            = "tool_use_start"
	TypeToolUseStreaming        = "tool_use_streaming"
	TypeToolUseReady            = "tool_use_ready"
	TypeToolCall                = "tool_call"
	TypeToolResult              = "tool_result"
	TypeMessagesUpdated         = "messages_updated"
	TypeSecretRequest           = "secret_request"
	TypeConnectedAccountRequest = "connected_account_request"
	TypeUserQuestionRequest     = "user_question_request"
	TypeFileRequest             = "file_request"
	TypeRemoteMCPRequest        = "remote_mcp_request"
	TypeCompactStart            = "compact_start"
	TypeCompactComplete         = "compact_complete"
	TypeContextUsage            = "context_usage"
	TypeBrowserActive           = "browser_active"
	TypeSessionUpdated          = "session_updated"
	TypeScheduledTaskCreated    = "scheduled_task_created"
	TypeOSNotification          = "os_notification"
	TypePing                    = "ping"

	TypeSubagentStreamStart      = "subagent_stream_start"
	TypeSubagentStreamDelta      = "subagent_stream_delta"
	TypeSubagentToolUseStart     = "subagent_tool_use_start"
	TypeSubagentToolUseStreaming = "subagent_tool_use_streaming"
	TypeSubagentToolUseReady     = "subagent_tool_use_ready"
	TypeSubagentUpdated          = "subagent_updated"
	TypeSubagentCompleted        = "subagent_completed"
)

// Event is a tagged record delivered to session subscribers. Fields are
// flattened next to the type tag on the wire:
//
//	{"type":"stream_delta","text":"Hi"}
type Event struct {
	Type   string
	Fields map[string]any
}

// New creates an event with the given type and no extra fields.
func New(eventType string) Event {
	return Event{Type: eventType}
}

// NewWithFields creates an event with the given type and payload fields.
func NewWithFields(eventType string, fields map[string]any) Event {
	return Event{Type: eventType, Fields: fields}
}

// MarshalJSON flattens the payload fields alongside the type tag.
func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(e.Fields)+1)
	for k, v := range e.Fields {
		out[k] = v
	}
	out["type"] = e.Type
	return json.Marshal(out)
}

// UnmarshalJSON restores an event from its flattened wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if t, ok := raw["type"].(string); ok {
		e.Type = t
	}
	delete(raw, "type")
	if len(raw) > 0 {
		e.Fields = raw
	} else {
		e.Fields = nil
	}
	return nil
}
