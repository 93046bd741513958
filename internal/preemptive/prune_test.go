package preemptive_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/compresr/kiro-gateway/internal/anthropic"
	"github.com/compresr/kiro-gateway/internal/preemptive"
	"github.com/compresr/kiro-gateway/internal/tokens"
)

var est = tokens.NewEstimator(tokens.ModeFast)

func conversation(n, size int) []anthropic.Message {
	msgs := make([]anthropic.Message, n)
	for i := range msgs {
		role := anthropic.RoleUser
		if i%2 == 1 {
			role = anthropic.RoleAssistant
		}
		text := fmt.Sprintf("msg-%d ", i) + strings.Repeat("x", size)
		if i%3 == 0 {
			msgs[i] = anthropic.Message{Role: role, Content: anthropic.BlockContent(anthropic.TextBlock(text))}
		} else {
			msgs[i] = anthropic.NewTextMessage(role, text)
		}
	}
	return msgs
}

// =============================================================================
// BUDGET AND IDEMPOTENCE
// =============================================================================

func TestPruneToFit_WithinBudgetAndIdempotent(t *testing.T) {
	tests := []struct {
		name   string
		msgs   []anthropic.Message
		budget int
	}{
		{"already fits", conversation(4, 10), 10000},
		{"one huge message", append(conversation(6, 50), anthropic.NewTextMessage(anthropic.RoleUser, strings.Repeat("y", 50000))), 2000},
		{"many medium messages", conversation(40, 400), 1500},
		{"tight budget", conversation(12, 2000), 200},
		{"single-message floor", conversation(12, 2000), tokens.MessageOverhead},
		{"cjk text", []anthropic.Message{anthropic.NewTextMessage(anthropic.RoleUser, strings.Repeat("中文", 3000))}, 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := preemptive.PruneToFit(tt.msgs, tt.budget, est)
			require.NotEmpty(t, out)
			assert.LessOrEqual(t, est.Messages(out), tt.budget)

			again := preemptive.PruneToFit(out, tt.budget, est)
			assert.Equal(t, out, again)
		})
	}
}

func TestPruneToFit_DoesNotMutateInput(t *testing.T) {
	in := conversation(20, 1000)
	snapshot := anthropic.CloneMessages(in)
	_ = preemptive.PruneToFit(in, 500, est)
	assert.Equal(t, snapshot, in)
}

// =============================================================================
// STAGES
// =============================================================================

func TestPruneToFit_TrimsLongMessageKeepingTail(t *testing.T) {
	long := "HEAD" + strings.Repeat("a", 20000) + "TAIL"
	msgs := []anthropic.Message{
		anthropic.NewTextMessage(anthropic.RoleUser, "q1"),
		anthropic.NewTextMessage(anthropic.RoleAssistant, "a1"),
		anthropic.NewTextMessage(anthropic.RoleUser, long),
	}
	budget := est.Messages(msgs) - 1000

	out := preemptive.PruneToFit(msgs, budget, est)
	require.Len(t, out, 3, "first stage should be enough")
	assert.Equal(t, "q1", out[0].Content.Text)
	assert.True(t, strings.HasSuffix(out[2].Content.Text, "TAIL"))
	assert.False(t, strings.HasPrefix(out[2].Content.Text, "HEAD"))
	assert.LessOrEqual(t, est.Messages(out), budget)
}

func TestPruneToFit_SummarizesOlderKeepingRecent(t *testing.T) {
	msgs := conversation(12, 600)
	// Each summary costs ~45 tokens, each untouched message ~220.
	budget := 7*50 + 5*est.Message(msgs[11])

	out := preemptive.PruneToFit(msgs, budget, est)
	require.Len(t, out, 12)
	assert.LessOrEqual(t, est.Messages(out), budget)

	for i := 7; i < 12; i++ {
		assert.Equal(t, msgs[i], out[i], "recent message %d untouched", i)
	}
	assert.True(t, strings.HasSuffix(out[0].Content.PlainText(), "..."))
	assert.True(t, out[0].Content.IsArray, "shape preserved for array content")
	assert.False(t, out[1].Content.IsArray, "shape preserved for string content")
}

func TestPruneToFit_EvictsOldestBeforeTouchingRecent(t *testing.T) {
	msgs := conversation(30, 600)
	budget := 5*est.Message(msgs[29]) + 10

	out := preemptive.PruneToFit(msgs, budget, est)
	assert.LessOrEqual(t, est.Messages(out), budget)
	assert.LessOrEqual(t, len(out), 6)
	assert.Equal(t, msgs[29], out[len(out)-1])
}

func TestPruneToFit_ToolResultShape(t *testing.T) {
	msgs := []anthropic.Message{
		{Role: anthropic.RoleUser, Content: anthropic.BlockContent(
			anthropic.ToolResultBlock("t1", strings.Repeat("r", 30000), false),
		)},
	}
	out := preemptive.PruneToFit(msgs, 100, est)
	require.Len(t, out, 1)
	assert.True(t, out[0].Content.IsArray)
	assert.LessOrEqual(t, est.Messages(out), 100)
}
