// Package wire builds CodeWhisperer generateAssistantResponse requests.
//
// DESIGN: The upstream accepts one conversationState per call: alternating
// history entries plus a single user-shaped current message. Everything the
// target format can express that the upstream cannot (system prompts,
// thinking, trailing assistant turns, tool schemas it rejects) is folded into
// that shape here.
//
// FLOW (Builder.Build):
//  1. Normalize tool definitions (six accepted shapes, builtin pass-through)
//  2. Prepend the thinking template to the system prompt when requested
//  3. Merge adjacent same-role turns
//  4. Translate turns; the last one becomes the current message
//  5. Evict oldest turns while the serialized request exceeds the ceiling
package wire

import (
	"encoding/json"
	"errors"
)

// Sentinel errors.
var (
	ErrNoMessages       = errors.New("wire: no messages to send")
	ErrUnrecognizedTool = errors.New("wire: unrecognized tool definition")
)

// Fixed protocol values.
const (
	ChatTriggerManual = "MANUAL"
	OriginAIEditor    = "AI_EDITOR"

	StatusSuccess = "success"
	StatusError   = "error"
)

// Request is the upstream request body.
type Request struct {
	ConversationState ConversationState `json:"conversationState"`
	ProfileArn        string            `json:"profileArn,omitempty"`
}

// ConversationState carries the whole conversation of one call.
type ConversationState struct {
	ChatTriggerType     string         `json:"chatTriggerType"`
	ConversationID      string         `json:"conversationId"`
	AgentContinuationID string         `json:"agentContinuationId,omitempty"`
	AgentTaskType       string         `json:"agentTaskType,omitempty"`
	History             []HistoryEntry `json:"history,omitempty"`
	CurrentMessage      CurrentMessage `json:"currentMessage"`
}

// HistoryEntry holds exactly one of the two message kinds.
type HistoryEntry struct {
	UserInputMessage         *UserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *AssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// CurrentMessage is always user-shaped.
type CurrentMessage struct {
	UserInputMessage UserInputMessage `json:"userInputMessage"`
}

// UserInputMessage is a user turn.
type UserInputMessage struct {
	Content                 string                   `json:"content"`
	ModelID                 string                   `json:"modelId"`
	Origin                  string                   `json:"origin"`
	Images                  []Image                  `json:"images,omitempty"`
	UserInputMessageContext *UserInputMessageContext `json:"userInputMessageContext,omitempty"`
}

// UserInputMessageContext carries tool results, tool specs and editor context.
type UserInputMessageContext struct {
	ToolResults          []ToolResult          `json:"toolResults,omitempty"`
	Tools                []json.RawMessage     `json:"tools,omitempty"`
	SupplementalContexts []SupplementalContext `json:"supplementalContexts,omitempty"`
}

func (c *UserInputMessageContext) empty() bool {
	return len(c.ToolResults) == 0 && len(c.Tools) == 0 && len(c.SupplementalContexts) == 0
}

// ToolResult answers one tool use.
type ToolResult struct {
	Content   []TextItem `json:"content"`
	Status    string     `json:"status"`
	ToolUseID string     `json:"toolUseId"`
}

// TextItem is a text fragment of a tool result.
type TextItem struct {
	Text string `json:"text"`
}

// Image is an inline image attachment.
type Image struct {
	Format string      `json:"format"`
	Source ImageSource `json:"source"`
}

// ImageSource holds base64 image bytes.
type ImageSource struct {
	Bytes string `json:"bytes"`
}

// AssistantResponseMessage is an assistant turn.
type AssistantResponseMessage struct {
	Content  string    `json:"content"`
	ToolUses []ToolUse `json:"toolUses,omitempty"`
}

// ToolUse is a tool call made by the assistant.
type ToolUse struct {
	Input     json.RawMessage `json:"input"`
	Name      string          `json:"name"`
	ToolUseID string          `json:"toolUseId"`
}

// SupplementalContext is a workspace file or range shown to the model.
type SupplementalContext struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}
