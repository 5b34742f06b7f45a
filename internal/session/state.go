package session

// ToolUse tracks an in-flight tool_use block while its input streams in.
type ToolUse struct {
	ID           string
	Name         string
	PartialInput string
}

// UserRequest is a tool invocation that needs out-of-band user input, such
// as a secret value or an uploaded file.
type UserRequest struct {
	ToolUseID string
	Input     map[string]any
}

// PendingUserRequests groups outstanding user-input requests by kind. They
// survive interrupts and transport errors; the user may still owe an
// answer.
type PendingUserRequests struct {
	Secrets           []UserRequest
	ConnectedAccounts []UserRequest
	Questions         []UserRequest
	Files             []UserRequest
	RemoteMCPs        []UserRequest
}

// SubagentState tracks the sidechain of a running Task sub-agent,
// separate from the parent's streaming fields so interleaved frames never
// corrupt each other.
type SubagentState struct {
	ParentToolID     string
	AgentID          string
	StreamingText    string
	StreamingToolUse *ToolUse
}

// StreamingState is the per-session in-memory state the processor
// maintains. It is non-durable; the JSONL transcript is the canonical
// record.
type StreamingState struct {
	IsActive       bool
	IsStreaming    bool
	Interrupted    bool
	CurrentText    string
	CurrentToolUse *ToolUse

	// Tool_use blocks seen in persisted assistant messages, keyed by tool
	// id, awaiting their tool_result.
	PendingToolCalls map[string]ToolUse

	PendingUserRequests PendingUserRequests

	// Id of the most recent Task tool_use, used to route sidechain events.
	PendingTaskToolID string
	ActiveSubagent    *SubagentState

	ContextUsage  *ContextUsage
	ErrorMessage  string
	SlashCommands []SlashCommand
}

func newStreamingState() *StreamingState {
	return &StreamingState{
		PendingToolCalls: make(map[string]ToolUse),
	}
}

// resetInFlight clears the transient turn state. Pending user requests,
// the error message and slash commands survive; they are not tied to a
// single turn.
func (s *StreamingState) resetInFlight() {
	s.IsActive = false
	s.IsStreaming = false
	s.CurrentText = ""
	s.CurrentToolUse = nil
	s.PendingToolCalls = make(map[string]ToolUse)
	s.PendingTaskToolID = ""
	s.ActiveSubagent = nil
}

// resetAfterTransportError clears only the streaming buffers, per the
// reconnect contract: pending requests and the error message stay.
func (s *StreamingState) resetAfterTransportError() {
	s.IsActive = false
	s.IsStreaming = false
	s.CurrentText = ""
	s.CurrentToolUse = nil
	s.PendingTaskToolID = ""
	s.ActiveSubagent = nil
}

// Snapshot is a consistent copy of the externally visible state fields.
type Snapshot struct {
	IsActive        bool
	IsStreaming     bool
	ErrorMessage    string
	ContextUsage    *ContextUsage
	SlashCommands   []SlashCommand
	PendingRequests PendingUserRequests
}
