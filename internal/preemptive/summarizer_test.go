package preemptive_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/preemptive"
)

func TestExtractConversationData(t *testing.T) {
	msgs := []anthropic.Message{
		anthropic.NewTextMessage(anthropic.RoleUser, "fix the login bug"),
		{Role: anthropic.RoleAssistant, Content: anthropic.BlockContent(
			anthropic.TextBlock("looking"),
			anthropic.ToolUseBlock("t1", "Read", json.RawMessage(`{"path":"a.go"}`)),
			anthropic.ToolUseBlock("t2", "deploy", nil),
		)},
		{Role: anthropic.RoleUser, Content: anthropic.BlockContent(
			anthropic.ToolResultBlock("t1", "package main ...", false),
			anthropic.ToolResultBlock("t2", "permission denied", true),
			anthropic.TextBlock("<EnvironmentContext>cwd=/src</EnvironmentContext>"),
		)},
	}

	got := preemptive.ExtractConversationData(msgs)
	want := strings.Join([]string{
		"User message: fix the login bug\n",
		"Assistant message: looking\n",
		`Tool: Read - {"path":"a.go"}` + "\n",
		"Tool: deploy - {}\n",
		"ToolResult: SUCCESS - Tool response contents truncated for brevity\n",
		"ToolResult: FAILED - permission denied\n",
	}, "\n")
	assert.Equal(t, want, got)
}

func TestExtractConversationData_Caps(t *testing.T) {
	msgs := []anthropic.Message{
		{Role: anthropic.RoleAssistant, Content: anthropic.BlockContent(
			anthropic.ToolUseBlock("t1", "write", json.RawMessage(`{"body":"`+strings.Repeat("a", 900)+`"}`)),
		)},
		{Role: anthropic.RoleUser, Content: anthropic.BlockContent(
			anthropic.ToolResultBlock("t1", strings.Repeat("b", 900), false),
		)},
	}

	got := preemptive.ExtractConversationData(msgs)
	lines := strings.Split(got, "\n\n")
	require.Len(t, lines, 2)
	assert.Len(t, strings.TrimPrefix(lines[0], "Tool: write - "), preemptive.MaxToolArgsChars)
	assert.Len(t, strings.TrimSuffix(strings.TrimPrefix(lines[1], "ToolResult: SUCCESS - "), "\n"), preemptive.MaxToolResultChars)
}

func TestExtractUserQueries(t *testing.T) {
	msgs := []anthropic.Message{
		anthropic.NewTextMessage(anthropic.RoleUser, "  first  "),
		anthropic.NewTextMessage(anthropic.RoleAssistant, "ignored"),
		anthropic.NewTextMessage(anthropic.RoleUser, "CONTEXT TRANSFER: old summary"),
		{Role: anthropic.RoleUser, Content: anthropic.BlockContent(
			anthropic.ToolResultBlock("t1", "not a query", false),
		)},
		{Role: anthropic.RoleUser, Content: anthropic.BlockContent(
			anthropic.TextBlock("second"),
			anthropic.TextBlock("part"),
		)},
	}

	got := preemptive.ExtractUserQueries(msgs)
	assert.Equal(t, "\n\nUSER QUERIES (chronological order):\n1. first\n2. second\npart", got)

	assert.Empty(t, preemptive.ExtractUserQueries(nil))
}

func TestExtractUserQueries_Cap(t *testing.T) {
	big := strings.Repeat("q", preemptive.MaxUserQueryChars-10)
	msgs := []anthropic.Message{
		anthropic.NewTextMessage(anthropic.RoleUser, big),
		anthropic.NewTextMessage(anthropic.RoleUser, strings.Repeat("r", 100)),
		anthropic.NewTextMessage(anthropic.RoleUser, "tail"),
	}

	got := preemptive.ExtractUserQueries(msgs)
	assert.Contains(t, got, "1. "+big)
	assert.Contains(t, got, "2. tail")
	assert.NotContains(t, got, "rrrr")
}

func TestBuildSummaryPrompt(t *testing.T) {
	msgs := []anthropic.Message{
		anthropic.NewTextMessage(anthropic.RoleUser, "add caching"),
		anthropic.NewTextMessage(anthropic.RoleAssistant, "done"),
	}

	prompt, queries := preemptive.BuildSummaryPrompt(msgs)
	assert.True(t, strings.HasPrefix(prompt, preemptive.SummarizationSystemPrompt))
	assert.Contains(t, prompt, "CONVERSATION DATA TO SUMMARIZE:\nUser message: add caching\n")
	assert.True(t, strings.HasSuffix(prompt, queries))
	assert.Equal(t, "\n\nUSER QUERIES (chronological order):\n1. add caching", queries)
}

func TestBuildSummaryPrompt_TruncatesData(t *testing.T) {
	msgs := []anthropic.Message{
		anthropic.NewTextMessage(anthropic.RoleAssistant, strings.Repeat("z", preemptive.MaxConversationDataChars+500)),
	}
	prompt, _ := preemptive.BuildSummaryPrompt(msgs)
	assert.Contains(t, prompt, "\n[...truncated for summarization...]")
	assert.Less(t, len(prompt), preemptive.MaxConversationDataChars+len(preemptive.SummarizationSystemPrompt)+200)
}

func TestBuildContextTransfer(t *testing.T) {
	tests := []struct {
		name    string
		recent  []anthropic.Message
		wantLen int
		wantAck bool
	}{
		{"user tail gets ack", []anthropic.Message{anthropic.NewTextMessage(anthropic.RoleUser, "next")}, 3, true},
		{"assistant tail has no ack", []anthropic.Message{
			anthropic.NewTextMessage(anthropic.RoleAssistant, "a"),
			anthropic.NewTextMessage(anthropic.RoleUser, "b"),
		}, 3, false},
		{"empty tail gets ack", nil, 2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := preemptive.BuildContextTransfer("## TASK 1: cache", tt.recent, 42)
			require.Len(t, out, tt.wantLen)

			first := out[0]
			assert.Equal(t, anthropic.RoleUser, first.Role)
			assert.True(t, strings.HasPrefix(first.Content.Text, "CONTEXT TRANSFER:"))
			assert.Contains(t, first.Content.Text, "\n---\n## TASK 1: cache\n---\n")
			assert.Contains(t, first.Content.Text, "The previous conversation had 42 messages.")

			if tt.wantAck {
				assert.Equal(t, anthropic.RoleAssistant, out[1].Role)
				assert.Equal(t, preemptive.ContextTransferAck, out[1].Content.Text)
			} else {
				assert.Equal(t, tt.recent[0], out[1])
			}
		})
	}
}

func TestShouldTruncateToolResult(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Read", true},
		{"readFile", true},
		{"executeBash", true},
		{"mcp_github_search", true},
		{"GrepSearch", true},
		{"deploy", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, preemptive.ShouldTruncateToolResult(tt.name))
		})
	}
}

func TestContainsSystemContent(t *testing.T) {
	assert.True(t, preemptive.ContainsSystemContent("x <steering-reminder> y"))
	assert.True(t, preemptive.ContainsSystemContent("CONTEXT TRANSFER: earlier"))
	assert.False(t, preemptive.ContainsSystemContent("please refactor the parser"))
}
