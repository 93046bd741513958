package frames

// Kind identifies a decoded event.
type Kind string

// Event kinds.
const (
	KindContent       Kind = "content"
	KindToolUse       Kind = "toolUse"
	KindMetering      Kind = "metering"
	KindThinking      Kind = "thinking"
	KindCodeReference Kind = "codeReference"
	KindMetadata      Kind = "metadata"
	KindContextUsage  Kind = "contextUsage"
	KindFollowup      Kind = "followup"
	KindException     Kind = "exception"
)

// Event is one decoded upstream event. Only the fields for its Kind are set.
type Event struct {
	Kind Kind

	Content        string          // content
	ToolUse        *ToolUse        // toolUse
	Usage          float64         // metering
	Unit           string          // metering
	Thinking       string          // thinking
	References     []CodeReference // codeReference
	ConversationID string          // metadata
	ContextUsage   float64         // contextUsage, percent
	Followup       string          // followup, raw JSON

	ExceptionType string // exception
	Message       string // exception
}

// ToolUse is one tool call fragment. The same ToolUseID repeats across
// fragments; Input carries the next slice of the argument JSON.
type ToolUse struct {
	Name      string
	ToolUseID string
	Input     string
	Stop      bool
}

// CodeReference attributes generated code to a licensed source.
type CodeReference struct {
	LicenseName string `json:"licenseName"`
	Repository  string `json:"repository"`
	URL         string `json:"url"`
	Span        *Span  `json:"recommendationContentSpan,omitempty"`
}

// Span is a [Start, End) character range of the generated content.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}
