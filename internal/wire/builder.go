package wire

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/anthropic"
)

// DefaultMaxRequestBytes is the serialized request ceiling.
const DefaultMaxRequestBytes = 4 << 20

// Placeholder content for user turns that carry no text.
const (
	ContinueText      = "Continue"
	ToolResultsText   = "Tool results provided."
	orphanResultFmt   = "[Tool result %s]\n%s"
	thinkingToTextFmt = "<thinking>\n%s\n</thinking>\n"
)

// Options configures a Builder.
type Options struct {
	DefaultModel      string            // public id used for unknown models
	Models            map[string]string // extra public → upstream aliases
	MaxRequestBytes   int               // 0 = DefaultMaxRequestBytes, <0 = unlimited
	ThinkingByDefault bool
}

// Input is one sanitized, context-fitted conversation.
type Input struct {
	Model      string
	Messages   []anthropic.Message
	System     string
	Tools      []json.RawMessage
	Thinking   bool
	ProfileArn string // set for social-auth accounts only
}

// Builder converts conversations into upstream requests.
type Builder struct {
	opts  Options
	newID func() string
}

// NewBuilder creates a builder.
func NewBuilder(opts Options) *Builder {
	if opts.MaxRequestBytes == 0 {
		opts.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	return &Builder{opts: opts, newID: uuid.NewString}
}

// ResolveModel maps a public model id through the builder's alias table.
func (b *Builder) ResolveModel(model string) string {
	return ResolveModel(model, b.opts.DefaultModel, b.opts.Models)
}

// Build produces the upstream request. The input slice is not modified.
func (b *Builder) Build(in Input) (*Request, error) {
	if len(in.Messages) == 0 {
		return nil, ErrNoMessages
	}
	tools, err := NormalizeTools(in.Tools)
	if err != nil {
		return nil, err
	}

	system := in.System
	if in.Thinking || b.opts.ThinkingByDefault {
		if system != "" {
			system = ThinkingTemplate + "\n\n" + system
		} else {
			system = ThinkingTemplate
		}
	}

	conversationID := metadata(in.Messages, KwargConversationID)
	if conversationID == "" {
		conversationID = b.newID()
	}
	state := ConversationState{
		ChatTriggerType:     ChatTriggerManual,
		ConversationID:      conversationID,
		AgentContinuationID: metadata(in.Messages, KwargContinuationID),
		AgentTaskType:       metadata(in.Messages, KwargTaskType),
	}

	modelID := b.ResolveModel(in.Model)
	msgs := mergeAdjacent(in.Messages)

	for {
		state.History, state.CurrentMessage.UserInputMessage = assemble(msgs, system, tools, modelID)
		req := &Request{ConversationState: state, ProfileArn: in.ProfileArn}
		if b.opts.MaxRequestBytes < 0 {
			return req, nil
		}

		data, err := json.Marshal(req)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		if len(data) <= b.opts.MaxRequestBytes {
			return req, nil
		}
		if len(msgs) <= 2 {
			log.Warn().
				Int("bytes", len(data)).
				Int("limit", b.opts.MaxRequestBytes).
				Int("turns", len(msgs)).
				Msg("wire: request still over size ceiling")
			return req, nil
		}
		log.Debug().
			Int("bytes", len(data)).
			Int("limit", b.opts.MaxRequestBytes).
			Int("turns", len(msgs)).
			Msg("wire: evicting oldest turn")
		msgs = msgs[1:]
	}
}

// =============================================================================
// TURN TRANSLATION
// =============================================================================

func assemble(msgs []anthropic.Message, system string, tools []json.RawMessage, modelID string) ([]HistoryEntry, UserInputMessage) {
	var history []HistoryEntry
	known := map[string]bool{}
	body, cur := msgs[:len(msgs)-1], msgs[len(msgs)-1]

	// The system prompt rides on the first user turn; without one it becomes
	// a standalone user turn.
	systemPending := system != ""
	first := cur
	if len(body) > 0 {
		first = body[0]
	}
	if systemPending && first.Role != anthropic.RoleUser {
		history = append(history, HistoryEntry{UserInputMessage: &UserInputMessage{
			Content: system,
			ModelID: modelID,
			Origin:  OriginAIEditor,
		}})
		systemPending = false
	}

	for _, m := range body {
		if m.Role == anthropic.RoleUser {
			um := userMessage(m, modelID, known)
			if systemPending {
				um.Content = system + "\n\n" + um.Content
				systemPending = false
			}
			history = append(history, HistoryEntry{UserInputMessage: &um})
			continue
		}
		am := assistantMessage(m, known)
		history = append(history, HistoryEntry{AssistantResponseMessage: &am})
	}

	var current UserInputMessage
	if cur.Role == anthropic.RoleAssistant {
		am := assistantMessage(cur, known)
		history = append(history, HistoryEntry{AssistantResponseMessage: &am})
		current = UserInputMessage{Content: ContinueText, ModelID: modelID, Origin: OriginAIEditor}
	} else {
		current = userMessage(cur, modelID, known)
		if systemPending {
			current.Content = system + "\n\n" + current.Content
		}
	}

	ctx := current.UserInputMessageContext
	if ctx == nil {
		ctx = &UserInputMessageContext{}
	}
	ctx.Tools = tools
	ctx.SupplementalContexts = supplementalContexts(cur)
	current.UserInputMessageContext = nil
	if !ctx.empty() {
		current.UserInputMessageContext = ctx
	}
	return history, current
}

// userMessage translates a user turn. Tool results whose tool use is not in
// the preceding turns are rendered as text.
func userMessage(m anthropic.Message, modelID string, known map[string]bool) UserInputMessage {
	um := UserInputMessage{ModelID: modelID, Origin: OriginAIEditor}
	if !m.Content.IsArray {
		um.Content = m.Content.Text
		if um.Content == "" {
			um.Content = ContinueText
		}
		return um
	}

	var text strings.Builder
	var results []ToolResult
	seen := map[string]bool{}
	for _, blk := range m.Content.Blocks {
		switch blk.Type {
		case anthropic.BlockText:
			text.WriteString(blk.Text)
		case anthropic.BlockImage:
			if img, ok := convertImage(blk.Source); ok {
				um.Images = append(um.Images, img)
			}
		case anthropic.BlockToolResult:
			if !known[blk.ToolUseID] {
				if text.Len() > 0 {
					text.WriteString("\n")
				}
				fmt.Fprintf(&text, orphanResultFmt, blk.ToolUseID, blk.ResultText())
				continue
			}
			if seen[blk.ToolUseID] {
				continue
			}
			seen[blk.ToolUseID] = true
			status := StatusSuccess
			if blk.IsError {
				status = StatusError
			}
			results = append(results, ToolResult{
				Content:   []TextItem{{Text: blk.ResultText()}},
				Status:    status,
				ToolUseID: blk.ToolUseID,
			})
		}
	}

	um.Content = text.String()
	if um.Content == "" {
		um.Content = ContinueText
		if len(results) > 0 {
			um.Content = ToolResultsText
		}
	}
	if len(results) > 0 {
		um.UserInputMessageContext = &UserInputMessageContext{ToolResults: results}
	}
	return um
}

func assistantMessage(m anthropic.Message, known map[string]bool) AssistantResponseMessage {
	if !m.Content.IsArray {
		return AssistantResponseMessage{Content: m.Content.Text}
	}
	var am AssistantResponseMessage
	var text strings.Builder
	for _, blk := range m.Content.Blocks {
		switch blk.Type {
		case anthropic.BlockText:
			text.WriteString(blk.Text)
		case anthropic.BlockThinking:
			if blk.Thinking != "" {
				fmt.Fprintf(&text, thinkingToTextFmt, blk.Thinking)
			}
		case anthropic.BlockToolUse:
			input := blk.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			known[blk.ID] = true
			am.ToolUses = append(am.ToolUses, ToolUse{Input: input, Name: blk.Name, ToolUseID: blk.ID})
		}
	}
	am.Content = text.String()
	return am
}

// mergeAdjacent joins consecutive same-role turns on a copy.
func mergeAdjacent(msgs []anthropic.Message) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(msgs))
	for _, m := range msgs {
		m = m.Clone()
		if len(out) == 0 || out[len(out)-1].Role != m.Role {
			out = append(out, m)
			continue
		}
		prev := &out[len(out)-1]
		switch {
		case !prev.Content.IsArray && !m.Content.IsArray:
			prev.Content.Text += "\n" + m.Content.Text
		case prev.Content.IsArray && m.Content.IsArray:
			prev.Content.Blocks = append(prev.Content.Blocks, m.Content.Blocks...)
		case prev.Content.IsArray:
			prev.Content.Blocks = append(prev.Content.Blocks, anthropic.TextBlock(m.Content.Text))
		default:
			prev.Content = anthropic.BlockContent(append([]anthropic.ContentBlock{anthropic.TextBlock(prev.Content.Text)}, m.Content.Blocks...)...)
		}
		if len(m.AdditionalKwargs) > 0 {
			prev.AdditionalKwargs = m.AdditionalKwargs
		}
		log.Debug().Str("role", m.Role).Msg("wire: merged adjacent turns")
	}
	return out
}
