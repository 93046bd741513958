// Package assembler turns decoded upstream events into Messages API output.
//
// DESIGN: One state machine serves both response modes. Every event it
// emits is mirrored into the content blocks of a Response, so the
// non-streaming path is the streaming path with a no-op emitter.
//
// FLOW (per upstream event):
//  1. content: drop exact consecutive repeats, unescape HTML entities (a
//     partial entity waits for the next chunk), split on <thinking> tags when
//     thinking was requested, append to the open block
//  2. reasoning: append to a thinking block
//  3. toolUse: accumulate fragments by id; finalized calls are held
//  4. metering / contextUsage / metadata / codeReference: recorded for the
//     result; code references go out as one code_references event
//  5. exception: terminal error
//
// At the end: flush the tag parser, finalize pending tool calls, extract
// bracket-style calls from the text, dedupe, emit tool_use blocks, then
// message_delta and message_stop.
//
// A text block is opened on first content and closed when thinking
// interrupts it or the stream ends. Block indices follow emission order.
package assembler

import (
	"context"
	"errors"
	"io"
	"math"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/frames"
	"github.com/compresr/kiro-gateway/internal/tokens"
	"github.com/compresr/kiro-gateway/internal/toolcalls"
	"github.com/compresr/kiro-gateway/internal/upstream"
)

// Source yields upstream events until io.EOF. *upstream.Stream implements it.
type Source interface {
	Next() (frames.Event, error)
}

// Options describes the response being assembled.
type Options struct {
	Model       string // public model id echoed back
	InputTokens int
	Thinking    bool              // parse <thinking> tags in content
	Estimator   *tokens.Estimator // output estimate when the upstream reports no metering
	MessageID   string            // generated when empty
}

// Result is the assembled turn.
type Result struct {
	Response       *anthropic.Response
	ContextUsage   float64 // percent, 0 when not reported
	ConversationID string
	References     []frames.CodeReference
}

// Stream assembles events from src and passes each output event to emit. A
// failure after message_start is reported to emit as an error event before
// it is returned.
func Stream(ctx context.Context, src Source, opts Options, emit func(anthropic.StreamEvent) error) (*Result, error) {
	a := newAssembly(opts, emit)
	return a.run(ctx, src)
}

// Collect assembles a non-streaming response. Bracket-style tool calls are
// removed from the returned text.
func Collect(ctx context.Context, src Source, opts Options) (*Result, error) {
	a := newAssembly(opts, nil)
	return a.run(ctx, src)
}

// =============================================================================
// STATE MACHINE
// =============================================================================

type assembly struct {
	opts Options
	emit func(anthropic.StreamEvent) error

	blocks []anthropic.ContentBlock
	open   int // index of the open block, -1 when none

	tags        *TagParser
	entities    EntityCarry
	lastContent string
	acc         *toolcalls.Accumulator
	calls       []toolcalls.Call

	metered      bool
	meterTokens  int
	contextUsage float64
	conversation string
	references   []frames.CodeReference
}

func newAssembly(opts Options, emit func(anthropic.StreamEvent) error) *assembly {
	if opts.MessageID == "" {
		opts.MessageID = "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	a := &assembly{
		opts: opts,
		emit: emit,
		open: -1,
		acc:  toolcalls.NewAccumulator(),
	}
	if opts.Thinking {
		a.tags = &TagParser{}
	}
	return a
}

func (a *assembly) send(ev anthropic.StreamEvent) error {
	if a.emit == nil {
		return nil
	}
	return a.emit(ev)
}

func (a *assembly) run(ctx context.Context, src Source) (*Result, error) {
	if err := a.send(anthropic.MessageStart(a.opts.MessageID, a.opts.Model, a.opts.InputTokens)); err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			a.acc.Discard()
			return nil, err
		}
		ev, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			a.acc.Discard()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, a.fail(err)
		}
		if err := a.handle(ev); err != nil {
			return nil, err
		}
	}
	return a.finish()
}

// fail reports err to the client and returns it.
func (a *assembly) fail(err error) error {
	log.Warn().Err(err).Str("model", a.opts.Model).Msg("assembler: stream failed")
	if emitErr := a.send(anthropic.ErrorEvent(ErrorType(err), err.Error())); emitErr != nil {
		log.Debug().Err(emitErr).Msg("assembler: error event not delivered")
	}
	return err
}

func (a *assembly) handle(ev frames.Event) error {
	switch ev.Kind {
	case frames.KindContent:
		if ev.Content == "" || ev.Content == a.lastContent {
			return nil
		}
		a.lastContent = ev.Content
		return a.appendContent(a.entities.Feed(ev.Content))

	case frames.KindThinking:
		if err := a.appendContent(a.entities.Flush()); err != nil {
			return err
		}
		return a.appendThinking(ev.Thinking)

	case frames.KindToolUse:
		if ev.ToolUse == nil {
			return nil
		}
		if call, done := a.acc.Apply(*ev.ToolUse); done {
			a.calls = append(a.calls, call)
		}

	case frames.KindMetering:
		a.metered = true
		a.meterTokens = int(math.Ceil(ev.Usage * 1000))

	case frames.KindContextUsage:
		a.contextUsage = ev.ContextUsage

	case frames.KindMetadata:
		a.conversation = ev.ConversationID

	case frames.KindCodeReference:
		a.references = append(a.references, ev.References...)
		log.Debug().Int("count", len(ev.References)).Msg("assembler: code references")

	case frames.KindFollowup:
		log.Debug().Msg("assembler: followup prompt ignored")

	case frames.KindException:
		a.acc.Discard()
		return a.fail(upstream.ExceptionError(ev.ExceptionType, ev.Message))
	}
	return nil
}

// appendContent routes unescaped content through the tag parser.
func (a *assembly) appendContent(text string) error {
	if a.tags == nil {
		return a.appendText(text)
	}
	for _, seg := range a.tags.Feed(text) {
		if err := a.appendSegment(seg); err != nil {
			return err
		}
	}
	return nil
}

func (a *assembly) appendSegment(seg Segment) error {
	if seg.Thinking {
		return a.appendThinking(seg.Text)
	}
	return a.appendText(seg.Text)
}

func (a *assembly) appendText(text string) error {
	if text == "" {
		return nil
	}
	if err := a.ensureOpen(anthropic.BlockText); err != nil {
		return err
	}
	a.blocks[a.open].Text += text
	return a.send(anthropic.BlockDelta(a.open, anthropic.Delta{Type: anthropic.DeltaText, Text: text}))
}

func (a *assembly) appendThinking(text string) error {
	if text == "" {
		return nil
	}
	if err := a.ensureOpen(anthropic.BlockThinking); err != nil {
		return err
	}
	a.blocks[a.open].Thinking += text
	return a.send(anthropic.BlockDelta(a.open, anthropic.Delta{Type: anthropic.DeltaThinking, Thinking: text}))
}

// ensureOpen makes the open block one of blockType, closing any other.
func (a *assembly) ensureOpen(blockType string) error {
	if a.open >= 0 && a.blocks[a.open].Type == blockType {
		return nil
	}
	if err := a.closeOpen(); err != nil {
		return err
	}
	a.blocks = append(a.blocks, anthropic.ContentBlock{Type: blockType})
	a.open = len(a.blocks) - 1
	return a.send(anthropic.BlockStart(a.open, anthropic.ContentBlock{Type: blockType}))
}

func (a *assembly) closeOpen() error {
	if a.open < 0 {
		return nil
	}
	idx := a.open
	a.open = -1
	return a.send(anthropic.BlockStop(idx))
}

func (a *assembly) finish() (*Result, error) {
	if err := a.appendContent(a.entities.Flush()); err != nil {
		return nil, err
	}
	if a.tags != nil {
		for _, seg := range a.tags.Flush() {
			if err := a.appendSegment(seg); err != nil {
				return nil, err
			}
		}
	}
	a.calls = append(a.calls, a.acc.Finish()...)
	if err := a.closeOpen(); err != nil {
		return nil, err
	}

	// Bracket calls are parsed per text block; the streamed text keeps them,
	// the collected response does not.
	for i := range a.blocks {
		if a.blocks[i].Type != anthropic.BlockText {
			continue
		}
		found, cleaned := toolcalls.ExtractBracketCalls(a.blocks[i].Text)
		if len(found) > 0 {
			a.calls = append(a.calls, found...)
			a.blocks[i].Text = cleaned
		}
	}
	calls := toolcalls.Dedupe(a.calls)

	for _, call := range calls {
		idx := len(a.blocks)
		block := anthropic.ToolUseBlock(call.ID, call.Name, call.Input)
		a.blocks = append(a.blocks, block)
		start := block
		start.Input = nil
		if err := a.send(anthropic.BlockStart(idx, start)); err != nil {
			return nil, err
		}
		if err := a.send(anthropic.BlockDelta(idx, anthropic.Delta{Type: anthropic.DeltaInputJSON, PartialJSON: string(block.Input)})); err != nil {
			return nil, err
		}
		if err := a.send(anthropic.BlockStop(idx)); err != nil {
			return nil, err
		}
	}

	if len(a.references) > 0 {
		if err := a.send(anthropic.CodeReferences(codeReferences(a.references))); err != nil {
			return nil, err
		}
	}

	stop := anthropic.StopEndTurn
	if len(calls) > 0 {
		stop = anthropic.StopToolUse
	}
	output := a.outputTokens()
	if err := a.send(anthropic.MessageDelta(stop, output)); err != nil {
		return nil, err
	}
	if err := a.send(anthropic.MessageStop()); err != nil {
		return nil, err
	}

	content := make([]anthropic.ContentBlock, 0, len(a.blocks))
	for _, b := range a.blocks {
		if b.Type == anthropic.BlockText && strings.TrimSpace(b.Text) == "" && len(a.blocks) > 1 {
			continue
		}
		content = append(content, b)
	}
	log.Debug().
		Int("blocks", len(content)).
		Int("tool_calls", len(calls)).
		Int("output_tokens", output).
		Bool("metered", a.metered).
		Msg("assembler: response complete")

	return &Result{
		Response: &anthropic.Response{
			ID:         a.opts.MessageID,
			Type:       "message",
			Role:       anthropic.RoleAssistant,
			Model:      a.opts.Model,
			Content:    content,
			StopReason: stop,
			Usage:      anthropic.Usage{InputTokens: a.opts.InputTokens, OutputTokens: output},
		},
		ContextUsage:   a.contextUsage,
		ConversationID: a.conversation,
		References:     a.references,
	}, nil
}

func codeReferences(refs []frames.CodeReference) []anthropic.CodeReference {
	out := make([]anthropic.CodeReference, 0, len(refs))
	for _, r := range refs {
		ref := anthropic.CodeReference{License: r.LicenseName, Repository: r.Repository, URL: r.URL}
		if r.Span != nil {
			ref.Span = &anthropic.ContentSpan{Start: r.Span.Start, End: r.Span.End}
		}
		out = append(out, ref)
	}
	return out
}

func (a *assembly) outputTokens() int {
	if a.metered && a.meterTokens > 0 {
		return a.meterTokens
	}
	var sb strings.Builder
	for _, b := range a.blocks {
		sb.WriteString(b.Text)
		sb.WriteString(b.Thinking)
		sb.Write(b.Input)
	}
	if a.opts.Estimator != nil {
		return a.opts.Estimator.Text(sb.String())
	}
	return tokens.Fast(sb.String())
}
