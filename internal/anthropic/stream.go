package anthropic

// Stream event types, in emission order.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"

	// EventCodeReferences is a Kiro extension sent before message_delta when
	// generated code is attributed to licensed sources.
	EventCodeReferences = "code_references"
)

// Delta types.
const (
	DeltaText      = "text_delta"
	DeltaThinking  = "thinking_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaSignature = "signature_delta"
)

// Error types carried by error events and error responses.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAuthentication = "authentication_error"
	ErrTypePermission     = "permission_error"
	ErrTypeRateLimit      = "rate_limit_error"
	ErrTypeAPI            = "api_error"
	ErrTypeOverloaded     = "overloaded_error"
)

// StreamEvent is one server-sent event of a streamed response. Only the
// fields relevant to Type are set.
type StreamEvent struct {
	Type         string        `json:"type"`
	Message      *Response     `json:"message,omitempty"`
	Index        *int          `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	Error        *ErrorBody    `json:"error,omitempty"`

	References []CodeReference `json:"references,omitempty"` // code_references
}

// CodeReference attributes generated code to a licensed source.
type CodeReference struct {
	License    string       `json:"license"`
	Repository string       `json:"repository"`
	URL        string       `json:"url"`
	Span       *ContentSpan `json:"recommendationContentSpan,omitempty"`
}

// ContentSpan locates referenced code in the response text.
type ContentSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Delta is the incremental payload of content_block_delta and message_delta.
type Delta struct {
	Type         string  `json:"type,omitempty"`
	Text         string  `json:"text,omitempty"`
	Thinking     string  `json:"thinking,omitempty"`
	PartialJSON  string  `json:"partial_json,omitempty"`
	Signature    string  `json:"signature,omitempty"`
	StopReason   string  `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// MessageStart opens a streamed message.
func MessageStart(id, model string, inputTokens int) StreamEvent {
	return StreamEvent{
		Type: EventMessageStart,
		Message: &Response{
			ID:      id,
			Type:    "message",
			Role:    RoleAssistant,
			Model:   model,
			Content: []ContentBlock{},
			Usage:   Usage{InputTokens: inputTokens},
		},
	}
}

// BlockStart opens content block index.
func BlockStart(index int, block ContentBlock) StreamEvent {
	return StreamEvent{Type: EventContentBlockStart, Index: &index, ContentBlock: &block}
}

// BlockDelta appends to content block index.
func BlockDelta(index int, delta Delta) StreamEvent {
	return StreamEvent{Type: EventContentBlockDelta, Index: &index, Delta: &delta}
}

// BlockStop closes content block index.
func BlockStop(index int) StreamEvent {
	return StreamEvent{Type: EventContentBlockStop, Index: &index}
}

// MessageDelta carries the stop reason and final output usage.
func MessageDelta(stopReason string, outputTokens int) StreamEvent {
	return StreamEvent{
		Type:  EventMessageDelta,
		Delta: &Delta{StopReason: stopReason},
		Usage: &Usage{OutputTokens: outputTokens},
	}
}

// MessageStop ends the turn.
func MessageStop() StreamEvent { return StreamEvent{Type: EventMessageStop} }

// CodeReferences lists the sources of generated code.
func CodeReferences(refs []CodeReference) StreamEvent {
	return StreamEvent{Type: EventCodeReferences, References: refs}
}

// ErrorEvent is the terminal event of a failed stream.
func ErrorEvent(errType, message string) StreamEvent {
	return StreamEvent{Type: EventError, Error: &ErrorBody{Type: errType, Message: message}}
}

// NewErrorResponse builds a JSON error body.
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Type: "error", Error: ErrorBody{Type: errType, Message: message}}
}
