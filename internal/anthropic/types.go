// Package anthropic defines the Messages API shapes the gateway accepts and emits.
//
// DESIGN: Message content keeps its original shape. A message that arrived
// with a plain string stays a string through sanitization, pruning and
// summarization; a message that arrived as a block array stays an array.
//
// FILES:
//   - types.go:   Request, Message, Content, ContentBlock, Response
//   - stream.go:  StreamEvent and delta shapes for SSE output
package anthropic

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block types.
const (
	BlockText             = "text"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockImage            = "image"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// Stop reasons.
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// =============================================================================
// REQUEST
// =============================================================================

// Request is an inbound /v1/messages body.
type Request struct {
	Model       string            `json:"model"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Messages    []Message         `json:"messages"`
	System      json.RawMessage   `json:"system,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Thinking    *ThinkingConfig   `json:"thinking,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Metadata    json.RawMessage   `json:"metadata,omitempty"`
}

// ThinkingConfig mirrors the "thinking" request parameter.
type ThinkingConfig struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ThinkingEnabled reports whether the caller asked for extended thinking.
func (r *Request) ThinkingEnabled() bool {
	return r.Thinking != nil && r.Thinking.Type == "enabled"
}

// SystemText flattens the system prompt, which may be a string or an array
// of text blocks.
func (r *Request) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	sys := gjson.ParseBytes(r.System)
	if sys.Type == gjson.String {
		return sys.String()
	}
	if !sys.IsArray() {
		return ""
	}
	var parts []string
	for _, item := range sys.Array() {
		if item.Type == gjson.String {
			parts = append(parts, item.String())
			continue
		}
		if text := item.Get("text"); text.Exists() {
			parts = append(parts, text.String())
		}
	}
	return strings.Join(parts, "\n")
}

// =============================================================================
// MESSAGES
// =============================================================================

// Message is one conversation turn.
type Message struct {
	Role             string          `json:"role"`
	Content          Content         `json:"content"`
	AdditionalKwargs json.RawMessage `json:"additional_kwargs,omitempty"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := Message{Role: m.Role, Content: m.Content.Clone()}
	if m.AdditionalKwargs != nil {
		out.AdditionalKwargs = append(json.RawMessage(nil), m.AdditionalKwargs...)
	}
	return out
}

// CloneMessages deep-copies a conversation.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

// NewTextMessage builds a plain string message.
func NewTextMessage(role, text string) Message {
	return Message{Role: role, Content: TextContent(text)}
}

// Content is either a plain string or an ordered list of blocks.
type Content struct {
	Text    string
	Blocks  []ContentBlock
	IsArray bool
}

// TextContent returns string-shaped content.
func TextContent(s string) Content { return Content{Text: s} }

// BlockContent returns array-shaped content.
func BlockContent(blocks ...ContentBlock) Content {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return Content{Blocks: blocks, IsArray: true}
}

// MarshalJSON encodes string content as a JSON string and block content as an array.
func (c Content) MarshalJSON() ([]byte, error) {
	if !c.IsArray {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// UnmarshalJSON accepts a string, an array of blocks, or null.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*c = Content{}
		return nil
	}
	if trimmed[0] == '[' {
		var blocks []ContentBlock
		if err := json.Unmarshal(trimmed, &blocks); err != nil {
			return err
		}
		*c = BlockContent(blocks...)
		return nil
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return err
	}
	*c = TextContent(s)
	return nil
}

// PlainText concatenates the text of the content, ignoring non-text blocks.
func (c Content) PlainText() string {
	if !c.IsArray {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// IsEmpty reports whether the content carries nothing: a blank string or an
// empty block list.
func (c Content) IsEmpty() bool {
	if c.IsArray {
		return len(c.Blocks) == 0
	}
	return strings.TrimSpace(c.Text) == ""
}

// Has reports whether any block has the given type.
func (c Content) Has(blockType string) bool {
	for _, b := range c.Blocks {
		if b.Type == blockType {
			return true
		}
	}
	return false
}

// OfType returns the blocks of the given type.
func (c Content) OfType(blockType string) []ContentBlock {
	var out []ContentBlock
	for _, b := range c.Blocks {
		if b.Type == blockType {
			out = append(out, b)
		}
	}
	return out
}

// WithText returns content of the same shape holding only text.
func (c Content) WithText(text string) Content {
	if c.IsArray {
		return BlockContent(TextBlock(text))
	}
	return TextContent(text)
}

// Clone deep-copies the content.
func (c Content) Clone() Content {
	out := Content{Text: c.Text, IsArray: c.IsArray}
	if c.Blocks != nil {
		out.Blocks = make([]ContentBlock, len(c.Blocks))
		for i, b := range c.Blocks {
			out.Blocks[i] = b.Clone()
		}
	}
	return out
}

// ContentBlock is one typed part of a message.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking / redacted_thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ImageSource is the source of an image block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// MarshalJSON keeps the fields clients expect even when they are empty:
// text blocks always carry "text", thinking blocks "thinking", tool_use
// blocks "input".
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	type plain ContentBlock
	out, err := json.Marshal(plain(b))
	if err != nil {
		return nil, err
	}
	switch b.Type {
	case BlockText:
		if b.Text == "" {
			return sjson.SetBytes(out, "text", "")
		}
	case BlockThinking:
		if b.Thinking == "" {
			return sjson.SetBytes(out, "thinking", "")
		}
	case BlockToolUse:
		if len(b.Input) == 0 {
			return sjson.SetRawBytes(out, "input", []byte("{}"))
		}
	}
	return out, nil
}

// Clone deep-copies the block.
func (b ContentBlock) Clone() ContentBlock {
	out := b
	if b.Input != nil {
		out.Input = append(json.RawMessage(nil), b.Input...)
	}
	if b.Content != nil {
		out.Content = append(json.RawMessage(nil), b.Content...)
	}
	if b.Source != nil {
		src := *b.Source
		out.Source = &src
	}
	return out
}

// ResultText flattens a tool_result's content (string or block array) to text.
func (b ContentBlock) ResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	res := gjson.ParseBytes(b.Content)
	switch {
	case res.Type == gjson.String:
		return res.String()
	case res.IsArray():
		var parts []string
		for _, item := range res.Array() {
			if item.Type == gjson.String {
				parts = append(parts, item.String())
			} else if item.Get("type").String() == BlockText {
				parts = append(parts, item.Get("text").String())
			}
		}
		return strings.Join(parts, "")
	default:
		return res.Raw
	}
}

// TextBlock builds a text block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock builds a tool_use block. A nil input becomes {}.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage("{}")
	}
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock builds a tool_result block with string content.
func ToolResultBlock(toolUseID, text string, isError bool) ContentBlock {
	raw, _ := json.Marshal(text)
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: raw, IsError: isError}
}

// =============================================================================
// RESPONSE
// =============================================================================

// Response is a non-streaming /v1/messages result, also used as the
// message_start payload.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Usage reports token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// CountTokensResponse is the /v1/messages/count_tokens result.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ErrorBody is the error object in error responses and error stream events.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is the JSON body of a failed request.
type ErrorResponse struct {
	Type  string    `json:"type"`
	Error ErrorBody `json:"error"`
}

// ModelInfo is one entry of the /v1/models list.
type ModelInfo struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// ModelList is the /v1/models result.
type ModelList struct {
	Data    []ModelInfo `json:"data"`
	HasMore bool        `json:"has_more"`
	FirstID string      `json:"first_id,omitempty"`
	LastID  string      `json:"last_id,omitempty"`
}
