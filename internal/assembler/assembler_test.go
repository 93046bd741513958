package assembler_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/assembler"
	"github.com/compresr/kiro-gateway/internal/frames"
	"github.com/compresr/kiro-gateway/internal/upstream"
)

// sliceSource replays events, then returns err (io.EOF when nil).
type sliceSource struct {
	events []frames.Event
	err    error
}

func (s *sliceSource) Next() (frames.Event, error) {
	if len(s.events) == 0 {
		if s.err != nil {
			return frames.Event{}, s.err
		}
		return frames.Event{}, io.EOF
	}
	ev := s.events[0]
	s.events = s.events[1:]
	return ev, nil
}

func content(s string) frames.Event { return frames.Event{Kind: frames.KindContent, Content: s} }

func toolUse(id, name, input string, stop bool) frames.Event {
	return frames.Event{Kind: frames.KindToolUse, ToolUse: &frames.ToolUse{ToolUseID: id, Name: name, Input: input, Stop: stop}}
}

func streamAll(t *testing.T, opts assembler.Options, events ...frames.Event) ([]anthropic.StreamEvent, *assembler.Result) {
	t.Helper()
	var out []anthropic.StreamEvent
	res, err := assembler.Stream(context.Background(), &sliceSource{events: events}, opts, func(ev anthropic.StreamEvent) error {
		out = append(out, ev)
		return nil
	})
	require.NoError(t, err)
	return out, res
}

func types(events []anthropic.StreamEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// textOf joins the text deltas sent for block index.
func textOf(events []anthropic.StreamEvent, index int) string {
	var sb strings.Builder
	for _, ev := range events {
		if ev.Type == anthropic.EventContentBlockDelta && *ev.Index == index {
			sb.WriteString(ev.Delta.Text)
			sb.WriteString(ev.Delta.Thinking)
		}
	}
	return sb.String()
}

// =============================================================================
// STREAMING
// =============================================================================

func TestStream_ConsecutiveDuplicateSuppressed(t *testing.T) {
	events, res := streamAll(t, assembler.Options{Model: "claude-sonnet-4-5", InputTokens: 12},
		content("He"), content("llo"), content("llo"))

	assert.Equal(t, []string{
		anthropic.EventMessageStart,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}, types(events))
	assert.Equal(t, "Hello", textOf(events, 0))
	assert.Equal(t, 12, events[0].Message.Usage.InputTokens)
	assert.Equal(t, "claude-sonnet-4-5", events[0].Message.Model)
	assert.Equal(t, anthropic.StopEndTurn, events[5].Delta.StopReason)

	require.Len(t, res.Response.Content, 1)
	assert.Equal(t, "Hello", res.Response.Content[0].Text)
}

func TestStream_NonConsecutiveRepeatKept(t *testing.T) {
	events, _ := streamAll(t, assembler.Options{}, content("a"), content("b"), content("a"))
	assert.Equal(t, "aba", textOf(events, 0))
}

func TestStream_ThinkingTagsSplitAcrossChunks(t *testing.T) {
	events, res := streamAll(t, assembler.Options{Thinking: true},
		content("<thi"), content("nking>Reason</thinking>Answer"))

	require.Len(t, res.Response.Content, 2)
	assert.Equal(t, anthropic.BlockThinking, res.Response.Content[0].Type)
	assert.Equal(t, "Reason", res.Response.Content[0].Thinking)
	assert.Equal(t, anthropic.BlockText, res.Response.Content[1].Type)
	assert.Equal(t, "Answer", res.Response.Content[1].Text)

	assert.Equal(t, "Reason", textOf(events, 0))
	assert.Equal(t, "Answer", textOf(events, 1))
	assert.Equal(t, anthropic.BlockThinking, events[1].ContentBlock.Type)
}

func TestStream_ThinkingDisabledKeepsTags(t *testing.T) {
	_, res := streamAll(t, assembler.Options{}, content("<thinking>x</thinking>y"))
	require.Len(t, res.Response.Content, 1)
	assert.Equal(t, "<thinking>x</thinking>y", res.Response.Content[0].Text)
}

func TestStream_NativeThinkingBeforeText(t *testing.T) {
	events, res := streamAll(t, assembler.Options{},
		frames.Event{Kind: frames.KindThinking, Thinking: "plan"},
		content("done"))

	require.Len(t, res.Response.Content, 2)
	assert.Equal(t, "plan", res.Response.Content[0].Thinking)
	assert.Equal(t, "done", res.Response.Content[1].Text)
	// thinking block is stopped before the text block starts
	assert.Equal(t, anthropic.EventContentBlockStop, events[3].Type)
	assert.Equal(t, 0, *events[3].Index)
	assert.Equal(t, anthropic.EventContentBlockStart, events[4].Type)
	assert.Equal(t, 1, *events[4].Index)
}

func TestStream_HTMLUnescaped(t *testing.T) {
	_, res := streamAll(t, assembler.Options{}, content("a &lt;b&gt; &amp;amp; &#X27;c&#x27;"))
	assert.Equal(t, "a <b> &amp; 'c'", res.Response.Content[0].Text)
}

func TestStream_HTMLEntitySplitAcrossChunks(t *testing.T) {
	events, res := streamAll(t, assembler.Options{}, content("if a &a"), content("mp;& b &l"), content("t; c"))
	assert.Equal(t, "if a && b < c", textOf(events, 0))
	assert.Equal(t, "if a && b < c", res.Response.Content[0].Text)
}

func TestStream_RepeatedStopEmitsOneToolUse(t *testing.T) {
	events, res := streamAll(t, assembler.Options{},
		toolUse("t1", "read", "", false),
		toolUse("t1", "", `{"path":"a"}`, false),
		toolUse("t1", "", "", true),
		toolUse("t1", "", "", true),
	)

	require.Len(t, res.Response.Content, 1)
	assert.Equal(t, "t1", res.Response.Content[0].ID)
	assert.JSONEq(t, `{"path":"a"}`, string(res.Response.Content[0].Input))

	starts := 0
	for _, ev := range events {
		if ev.Type == anthropic.EventContentBlockStart && ev.ContentBlock.Type == anthropic.BlockToolUse {
			starts++
		}
	}
	assert.Equal(t, 1, starts)
}

func TestStream_CodeReferences(t *testing.T) {
	ref := frames.Event{Kind: frames.KindCodeReference, References: []frames.CodeReference{
		{LicenseName: "MIT", Repository: "octo/lib", URL: "https://github.com/octo/lib", Span: &frames.Span{Start: 0, End: 4}},
	}}
	events, res := streamAll(t, assembler.Options{}, content("code"), ref)

	assert.Equal(t, []string{
		anthropic.EventMessageStart,
		anthropic.EventContentBlockStart,
		anthropic.EventContentBlockDelta,
		anthropic.EventContentBlockStop,
		anthropic.EventCodeReferences,
		anthropic.EventMessageDelta,
		anthropic.EventMessageStop,
	}, types(events))
	assert.Equal(t, []anthropic.CodeReference{
		{License: "MIT", Repository: "octo/lib", URL: "https://github.com/octo/lib", Span: &anthropic.ContentSpan{Start: 0, End: 4}},
	}, events[4].References)
	assert.Len(t, res.References, 1)
}

func TestStream_ToolCalls(t *testing.T) {
	events, res := streamAll(t, assembler.Options{},
		content("Reading."),
		toolUse("t1", "read", `{"path":`, false),
		toolUse("t1", "", `"a.go"}`, true),
		toolUse("t2", "read", `{"path":"a.go"}`, true), // same call, different id
		toolUse("t3", "list", `{"dir":`, false),         // finalized at end of stream
	)

	assert.Equal(t, anthropic.StopToolUse, res.Response.StopReason)
	require.Len(t, res.Response.Content, 3)
	assert.Equal(t, "Reading.", res.Response.Content[0].Text)

	read := res.Response.Content[1]
	assert.Equal(t, anthropic.BlockToolUse, read.Type)
	assert.Equal(t, "t1", read.ID)
	assert.JSONEq(t, `{"path":"a.go"}`, string(read.Input))

	list := res.Response.Content[2]
	assert.Equal(t, "list", list.Name)
	assert.JSONEq(t, `{}`, string(list.Input), "unparseable input becomes an empty object")

	var starts, jsonDeltas int
	for _, ev := range events {
		if ev.Type == anthropic.EventContentBlockStart && ev.ContentBlock.Type == anthropic.BlockToolUse {
			starts++
			assert.Empty(t, ev.ContentBlock.Input)
		}
		if ev.Type == anthropic.EventContentBlockDelta && ev.Delta.Type == anthropic.DeltaInputJSON {
			jsonDeltas++
		}
	}
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, jsonDeltas)
	assert.JSONEq(t, `{"path":"a.go"}`, textOfJSON(events, 1))
}

func textOfJSON(events []anthropic.StreamEvent, index int) string {
	for _, ev := range events {
		if ev.Type == anthropic.EventContentBlockDelta && *ev.Index == index && ev.Delta.Type == anthropic.DeltaInputJSON {
			return ev.Delta.PartialJSON
		}
	}
	return ""
}

func TestStream_BracketCalls(t *testing.T) {
	text := `Let me check. [Called read with args: {"path": "b.go"}]`
	events, res := streamAll(t, assembler.Options{}, content(text), toolUse("t1", "read", `{"path":"b.go"}`, true))

	// Streamed text cannot be retracted.
	assert.Equal(t, text, textOf(events, 0))

	// The bracket call duplicates the structured one.
	require.Len(t, res.Response.Content, 2)
	assert.Equal(t, "Let me check.", res.Response.Content[0].Text)
	assert.Equal(t, "t1", res.Response.Content[1].ID)
}

func TestStream_OutputTokens(t *testing.T) {
	t.Run("metering", func(t *testing.T) {
		_, res := streamAll(t, assembler.Options{},
			content("hi"), frames.Event{Kind: frames.KindMetering, Usage: 0.0121})
		assert.Equal(t, 13, res.Response.Usage.OutputTokens)
	})
	t.Run("estimated without metering", func(t *testing.T) {
		_, res := streamAll(t, assembler.Options{}, content(strings.Repeat("word ", 40)))
		assert.Positive(t, res.Response.Usage.OutputTokens)
	})
}

func TestStream_RecordsContextUsageAndConversation(t *testing.T) {
	_, res := streamAll(t, assembler.Options{},
		frames.Event{Kind: frames.KindMetadata, ConversationID: "conv-9"},
		frames.Event{Kind: frames.KindContextUsage, ContextUsage: 73.5},
		content("ok"))
	assert.Equal(t, "conv-9", res.ConversationID)
	assert.InDelta(t, 73.5, res.ContextUsage, 1e-9)
}

// =============================================================================
// ERRORS
// =============================================================================

func TestStream_ErrorEventPrecedesError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType string
	}{
		{"rate limited", &upstream.Error{Kind: upstream.KindRateLimited, Status: 429}, anthropic.ErrTypeRateLimit},
		{"forbidden", &upstream.Error{Kind: upstream.KindAuthentication, Status: 403}, anthropic.ErrTypePermission},
		{"unauthorized", &upstream.Error{Kind: upstream.KindAuthentication, Status: 401}, anthropic.ErrTypeAuthentication},
		{"malformed", &upstream.Error{Kind: upstream.KindMalformedRequest, Status: 400}, anthropic.ErrTypeInvalidRequest},
		{"read failure", errors.New("connection reset"), anthropic.ErrTypeAPI},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out []anthropic.StreamEvent
			src := &sliceSource{events: []frames.Event{content("partial"), toolUse("t1", "read", `{"a":`, false)}, err: tt.err}
			_, err := assembler.Stream(context.Background(), src, assembler.Options{}, func(ev anthropic.StreamEvent) error {
				out = append(out, ev)
				return nil
			})
			assert.ErrorIs(t, err, tt.err)

			last := out[len(out)-1]
			assert.Equal(t, anthropic.EventError, last.Type)
			assert.Equal(t, tt.wantType, last.Error.Type)
			for _, ev := range out {
				if ev.ContentBlock != nil {
					assert.NotEqual(t, anthropic.BlockToolUse, ev.ContentBlock.Type, "partial tool call must not be finalized")
				}
			}
		})
	}
}

func TestStream_ExceptionFrame(t *testing.T) {
	var out []anthropic.StreamEvent
	src := &sliceSource{events: []frames.Event{
		content("x"),
		{Kind: frames.KindException, ExceptionType: "ThrottlingException", Message: "slow down"},
	}}
	_, err := assembler.Stream(context.Background(), src, assembler.Options{}, func(ev anthropic.StreamEvent) error {
		out = append(out, ev)
		return nil
	})
	assert.True(t, upstream.IsRateLimit(err))
	assert.Equal(t, anthropic.ErrTypeRateLimit, out[len(out)-1].Error.Type)
}

func TestStream_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out []anthropic.StreamEvent
	_, err := assembler.Stream(ctx, &sliceSource{events: []frames.Event{content("x")}}, assembler.Options{}, func(ev anthropic.StreamEvent) error {
		out = append(out, ev)
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, out, 1, "only message_start is sent")
}

func TestStream_EmitFailureStops(t *testing.T) {
	boom := errors.New("client gone")
	calls := 0
	_, err := assembler.Stream(context.Background(), &sliceSource{events: []frames.Event{content("a"), content("b")}}, assembler.Options{},
		func(ev anthropic.StreamEvent) error {
			calls++
			if calls == 2 {
				return boom
			}
			return nil
		})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
}

// =============================================================================
// COLLECT
// =============================================================================

func TestCollect(t *testing.T) {
	src := &sliceSource{events: []frames.Event{
		content("Sure. [Called write with args: {path: \"x\", \"body\": \"y\",}]"),
	}}
	res, err := assembler.Collect(context.Background(), src, assembler.Options{Model: "m", MessageID: "msg_1"})
	require.NoError(t, err)

	resp := res.Response
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, "message", resp.Type)
	assert.Equal(t, anthropic.RoleAssistant, resp.Role)
	assert.Equal(t, anthropic.StopToolUse, resp.StopReason)
	require.Len(t, resp.Content, 2)
	assert.Equal(t, "Sure.", resp.Content[0].Text)
	assert.Equal(t, "write", resp.Content[1].Name)
	assert.JSONEq(t, `{"body":"y","path":"x"}`, string(resp.Content[1].Input))
	assert.Regexp(t, `^call_[0-9a-f]{8}$`, resp.Content[1].ID)
}

func TestCollect_OnlyBracketCallDropsEmptyText(t *testing.T) {
	src := &sliceSource{events: []frames.Event{content(`[Called ls with args: {"dir":"."}]`)}}
	res, err := assembler.Collect(context.Background(), src, assembler.Options{})
	require.NoError(t, err)
	require.Len(t, res.Response.Content, 1)
	assert.Equal(t, anthropic.BlockToolUse, res.Response.Content[0].Type)
}
