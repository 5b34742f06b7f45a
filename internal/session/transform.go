package session

import (
	"encoding/json"
	"regexp"
	"strings"
)

// View message roles.
const (
	RoleUser            = "user"
	RoleAssistant       = "assistant"
	RoleCompactBoundary = "compact_boundary"
)

// ViewMessage is one item of the derived message view returned to clients.
type ViewMessage struct {
	ID              string          `json:"id"`
	Role            string          `json:"role"`
	Text            string          `json:"text"`
	Timestamp       string          `json:"timestamp"`
	ToolCalls       []ViewToolCall  `json:"toolCalls"`
	CompactMetadata json.RawMessage `json:"compactMetadata,omitempty"`
}

// ViewToolCall is a tool_use block joined with its tool_result.
// Result is nil while the tool is still running; a completed tool with
// empty output yields a pointer to "".
type ViewToolCall struct {
	ID       string           `json:"id"`
	Name     string           `json:"name"`
	Input    map[string]any   `json:"input,omitempty"`
	Result   *string          `json:"result,omitempty"`
	IsError  bool             `json:"isError"`
	Subagent *SubagentSummary `json:"subagent,omitempty"`
}

// SubagentSummary describes a completed Task sub-agent run.
type SubagentSummary struct {
	AgentID           string `json:"agentId"`
	Status            string `json:"status,omitempty"`
	TotalDurationMs   *int64 `json:"totalDurationMs,omitempty"`
	TotalTokens       *int64 `json:"totalTokens,omitempty"`
	TotalToolUseCount *int64 `json:"totalToolUseCount,omitempty"`
}

// collectedResult joins a tool_result block with its entry's structured
// toolUseResult, when present.
type collectedResult struct {
	content string
	isError bool
	result  *ToolUseResult
}

// compactLookahead bounds how far past a compact boundary the paired
// summary entry may appear.
const compactLookahead = 3

// Transform produces the derived message view from a transcript. It is a
// pure function of the entry sequence: the input is never mutated and the
// same sequence always yields the same view.
func Transform(entries []TranscriptEntry) []ViewMessage {
	toolResults := collectToolResults(entries)
	summaryIdx, boundaryFor := pairCompactBoundaries(entries)

	out := make([]ViewMessage, 0, len(entries))
	assistantByID := make(map[string]int)

	for i, entry := range entries {
		if summaryIdx[i] {
			continue
		}
		switch entry.Type {
		case EntryTypeSystem:
			if entry.Subtype != EntrySubtypeCompactBoundary {
				continue
			}
			vm := ViewMessage{
				ID:              entry.UUID,
				Role:            RoleCompactBoundary,
				Timestamp:       entry.Timestamp,
				ToolCalls:       []ViewToolCall{},
				CompactMetadata: entry.CompactMetadata,
			}
			if j, ok := boundaryFor[i]; ok {
				vm.Text = entryText(entries[j])
			}
			out = append(out, vm)

		case EntryTypeUser:
			if entry.Message == nil || isToolResultOnly(entry) {
				continue
			}
			out = append(out, ViewMessage{
				ID:        entry.UUID,
				Role:      RoleUser,
				Text:      entryText(entry),
				Timestamp: entry.Timestamp,
				ToolCalls: []ViewToolCall{},
			})

		case EntryTypeAssistant:
			if entry.Message == nil {
				continue
			}
			key := entry.Message.ID
			if key == "" {
				key = entry.UUID
			}
			idx, seen := assistantByID[key]
			if !seen {
				out = append(out, ViewMessage{
					ID:        entry.UUID,
					Role:      RoleAssistant,
					Timestamp: entry.Timestamp,
					ToolCalls: []ViewToolCall{},
				})
				idx = len(out) - 1
				assistantByID[key] = idx
			}
			appendAssistantBlocks(&out[idx], entry, toolResults)
		}
	}

	for i := range out {
		if out[i].Role == RoleUser {
			out[i] = applySlashCommandTransform(out[i])
		}
	}
	return out
}

// collectToolResults gathers every tool_result block from user entries in
// one pass, keyed by tool_use_id.
func collectToolResults(entries []TranscriptEntry) map[string]collectedResult {
	results := make(map[string]collectedResult)
	for _, entry := range entries {
		if entry.Type != EntryTypeUser || entry.Message == nil {
			continue
		}
		for _, block := range entry.Message.Content.Blocks {
			if block.Type != BlockTypeToolResult || block.ToolUseID == "" {
				continue
			}
			results[block.ToolUseID] = collectedResult{
				content: block.ResultText(),
				isError: block.IsError,
				result:  entry.ToolUseResult,
			}
		}
	}
	return results
}

// pairCompactBoundaries finds, for each compact_boundary system entry, the
// user entry flagged as its summary within the lookahead window. It
// returns the set of summary indices to skip and the boundary→summary
// index mapping.
func pairCompactBoundaries(entries []TranscriptEntry) (map[int]bool, map[int]int) {
	summaryIdx := make(map[int]bool)
	boundaryFor := make(map[int]int)
	for i, entry := range entries {
		if entry.Type != EntryTypeSystem || entry.Subtype != EntrySubtypeCompactBoundary {
			continue
		}
		for j := i + 1; j <= i+compactLookahead && j < len(entries); j++ {
			if entries[j].Type == EntryTypeUser && entries[j].IsCompactSummary && !summaryIdx[j] {
				summaryIdx[j] = true
				boundaryFor[i] = j
				break
			}
		}
	}
	return summaryIdx, boundaryFor
}

// isToolResultOnly reports whether a user entry's content consists
// entirely of tool_result blocks. Such entries carry tool output, not a
// user message.
func isToolResultOnly(entry TranscriptEntry) bool {
	content := entry.Message.Content
	if content.IsText() || len(content.Blocks) == 0 {
		return false
	}
	for _, block := range content.Blocks {
		if block.Type != BlockTypeToolResult {
			return false
		}
	}
	return true
}

// entryText renders an entry's message content as plain text: string
// content as-is, block content as the concatenation of its text blocks.
func entryText(entry TranscriptEntry) string {
	if entry.Message == nil {
		return ""
	}
	content := entry.Message.Content
	if content.IsText() {
		return content.Text
	}
	var sb strings.Builder
	for _, block := range content.Blocks {
		if block.Type == BlockTypeText {
			sb.WriteString(block.Text)
		}
	}
	return sb.String()
}

// appendAssistantBlocks folds one assistant chunk into its merged view
// message. Text blocks concatenate; tool_use blocks join with their
// collected results. Thinking blocks are ignored.
func appendAssistantBlocks(vm *ViewMessage, entry TranscriptEntry, toolResults map[string]collectedResult) {
	for _, block := range entry.Message.Content.Blocks {
		switch block.Type {
		case BlockTypeText:
			vm.Text += block.Text
		case BlockTypeToolUse:
			vm.ToolCalls = append(vm.ToolCalls, buildToolCall(block, toolResults))
		}
	}
}

// buildToolCall joins a tool_use block with its result. The result
// prefers toolUseResult.stdout over the tool_result content; the
// preference is nullish, so an empty stdout string is preserved.
func buildToolCall(block ContentBlock, toolResults map[string]collectedResult) ViewToolCall {
	call := ViewToolCall{
		ID:    block.ID,
		Name:  block.Name,
		Input: block.Input,
	}
	collected, ok := toolResults[block.ID]
	if !ok {
		return call
	}
	result := collected.content
	if collected.result != nil {
		if collected.result.Stdout != nil {
			result = *collected.result.Stdout
		} else if len(collected.result.Content) > 0 {
			result = renderRawContent(collected.result.Content)
		}
	}
	call.Result = &result
	call.IsError = collected.isError
	if block.Name == ToolTask && collected.result != nil && collected.result.AgentID != "" {
		call.Subagent = &SubagentSummary{
			AgentID:           collected.result.AgentID,
			Status:            collected.result.Status,
			TotalDurationMs:   collected.result.TotalDurationMs,
			TotalTokens:       collected.result.TotalTokens,
			TotalToolUseCount: collected.result.TotalToolUseCount,
		}
	}
	return call
}

var (
	commandNameRe    = regexp.MustCompile(`<command-name>\s*(/[^<\s]+)\s*</command-name>`)
	commandMessageRe = regexp.MustCompile(`<command-message>[\s\S]*?</command-message>`)
	commandArgsRe    = regexp.MustCompile(`<command-args>([\s\S]*?)</command-args>`)
	localStdoutRe    = regexp.MustCompile(`^<local-command-stdout>([\s\S]*)</local-command-stdout>$`)
)

// applySlashCommandTransform rewrites the cosmetic slash-command markup
// the SDK persists for locally executed commands. A user text consisting
// exactly of the command tags becomes "/name [args]"; a user text that is
// exactly a local-command-stdout wrapper becomes an assistant message
// carrying the captured output. Any surrounding text disqualifies the
// transform.
func applySlashCommandTransform(vm ViewMessage) ViewMessage {
	trimmed := strings.TrimSpace(vm.Text)

	if m := localStdoutRe.FindStringSubmatch(trimmed); m != nil {
		vm.Role = RoleAssistant
		vm.Text = m[1]
		return vm
	}

	nameMatch := commandNameRe.FindStringSubmatch(trimmed)
	if nameMatch == nil {
		return vm
	}

	// The text must consist solely of the recognized tags, in any order.
	rest := commandNameRe.ReplaceAllString(trimmed, "")
	rest = commandMessageRe.ReplaceAllString(rest, "")
	argsMatch := commandArgsRe.FindStringSubmatch(rest)
	rest = commandArgsRe.ReplaceAllString(rest, "")
	if strings.TrimSpace(rest) != "" {
		return vm
	}

	text := nameMatch[1]
	if argsMatch != nil {
		if args := strings.TrimSpace(argsMatch[1]); args != "" {
			text += " " + args
		}
	}
	vm.Text = text
	return vm
}
