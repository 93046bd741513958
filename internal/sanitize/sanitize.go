// Package sanitize repairs a conversation so it satisfies the upstream's
// structural rules.
//
// DESIGN: The upstream rejects conversations that do not start and end with
// a user turn, that do not alternate roles, or that leave tool calls without
// results. Clients routinely send such conversations (aborted tool runs,
// pruned histories, retries), so the gateway repairs them instead of failing.
//
// FLOW (on a deep copy):
//  1. Prepend {user,"Hello"} when empty or not starting with user
//  2. Drop blank user turns after the first, keeping tool_result carriers
//  3. Give every assistant tool_use a result in the next user turn
//  4. Turn tool_results with no matching tool_use into text
//  5. Restore alternation with filler turns
//  6. Append {user,"Continue"} when the last turn is not user
//  7. Strip thinking blocks that cannot be replayed (no signature / no data)
//
// Synthesized content is deterministic. Client text is never dropped.
package sanitize

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/anthropic"
)

// Filler texts.
const (
	GreetingText        = "Hello"
	UserFillerText      = "Continue"
	AssistantFillerText = "understood"
	ToolFailedText      = "Tool execution failed"
	ToolAbortedText     = "The tool invoke was aborted by the user."
)

// Sanitize returns a repaired copy of msgs. The input is not modified.
func Sanitize(msgs []anthropic.Message) []anthropic.Message {
	out := anthropic.CloneMessages(msgs)

	if len(out) == 0 || out[0].Role != anthropic.RoleUser {
		out = append([]anthropic.Message{anthropic.NewTextMessage(anthropic.RoleUser, GreetingText)}, out...)
		log.Debug().Msg("sanitize: prepended greeting")
	}

	out = removeEmptyUserTurns(out)
	out = ensureToolResults(out)
	out = convertOrphanResults(out)
	out = alternate(out)

	if out[len(out)-1].Role != anthropic.RoleUser {
		out = append(out, anthropic.NewTextMessage(anthropic.RoleUser, UserFillerText))
		log.Debug().Msg("sanitize: appended continue")
	}

	stripUnreplayableThinking(out)
	return out
}

// CloseDanglingToolCalls answers tool calls left open by the final assistant
// turn with "aborted" results. Used when a client resends a conversation that
// was interrupted mid tool run. The input is not modified.
func CloseDanglingToolCalls(msgs []anthropic.Message) []anthropic.Message {
	if len(msgs) == 0 {
		return msgs
	}
	last := msgs[len(msgs)-1]
	if last.Role != anthropic.RoleAssistant {
		return msgs
	}
	uses := last.Content.OfType(anthropic.BlockToolUse)
	if len(uses) == 0 {
		return msgs
	}

	results := make([]anthropic.ContentBlock, 0, len(uses))
	for _, u := range uses {
		results = append(results, anthropic.ToolResultBlock(u.ID, ToolAbortedText, true))
	}
	out := append(anthropic.CloneMessages(msgs), anthropic.Message{
		Role:    anthropic.RoleUser,
		Content: anthropic.BlockContent(results...),
	})
	log.Debug().Int("tool_calls", len(uses)).Msg("sanitize: closed dangling tool calls")
	return out
}

// =============================================================================
// STEPS
// =============================================================================

func removeEmptyUserTurns(msgs []anthropic.Message) []anthropic.Message {
	out := msgs[:1]
	removed := 0
	for _, m := range msgs[1:] {
		if m.Role == anthropic.RoleUser && m.Content.IsEmpty() && !m.Content.Has(anthropic.BlockToolResult) {
			removed++
			continue
		}
		out = append(out, m)
	}
	if removed > 0 {
		log.Debug().Int("count", removed).Msg("sanitize: removed empty user turns")
	}
	return out
}

// ensureToolResults makes the turn after every tool-calling assistant turn a
// user turn that answers each call id.
func ensureToolResults(msgs []anthropic.Message) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(msgs))
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		out = append(out, m)
		if m.Role != anthropic.RoleAssistant {
			continue
		}
		uses := m.Content.OfType(anthropic.BlockToolUse)
		if len(uses) == 0 {
			continue
		}

		var next *anthropic.Message
		if i+1 < len(msgs) && msgs[i+1].Role == anthropic.RoleUser {
			next = &msgs[i+1]
		}

		answered := map[string]bool{}
		if next != nil {
			for _, r := range next.Content.OfType(anthropic.BlockToolResult) {
				answered[r.ToolUseID] = true
			}
		}

		var missing []anthropic.ContentBlock
		for _, u := range uses {
			if !answered[u.ID] {
				missing = append(missing, anthropic.ToolResultBlock(u.ID, ToolFailedText, true))
			}
		}
		if len(missing) == 0 {
			continue
		}

		if next == nil {
			out = append(out, anthropic.Message{Role: anthropic.RoleUser, Content: anthropic.BlockContent(missing...)})
		} else {
			blocks := missing
			if next.Content.IsArray {
				blocks = append(blocks, next.Content.Blocks...)
			} else if next.Content.Text != "" {
				blocks = append(blocks, anthropic.TextBlock(next.Content.Text))
			}
			next.Content = anthropic.BlockContent(blocks...)
		}
		log.Debug().Int("count", len(missing)).Msg("sanitize: added failed tool results")
	}
	return out
}

// convertOrphanResults rewrites tool_result blocks whose call is not in the
// preceding assistant turn (typically after pruning) as plain text.
func convertOrphanResults(msgs []anthropic.Message) []anthropic.Message {
	for i := range msgs {
		m := &msgs[i]
		if m.Role != anthropic.RoleUser || !m.Content.Has(anthropic.BlockToolResult) {
			continue
		}
		calls := map[string]bool{}
		if i > 0 && msgs[i-1].Role == anthropic.RoleAssistant {
			for _, u := range msgs[i-1].Content.OfType(anthropic.BlockToolUse) {
				calls[u.ID] = true
			}
		}
		converted := 0
		for j, b := range m.Content.Blocks {
			if b.Type != anthropic.BlockToolResult || calls[b.ToolUseID] {
				continue
			}
			m.Content.Blocks[j] = anthropic.TextBlock(fmt.Sprintf("[Tool result %s]\n%s", b.ToolUseID, b.ResultText()))
			converted++
		}
		if converted > 0 {
			log.Debug().Int("count", converted).Int("turn", i).Msg("sanitize: converted orphan tool results to text")
		}
	}
	return msgs
}

func alternate(msgs []anthropic.Message) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(msgs))
	out = append(out, msgs[0])
	inserted := 0
	for _, m := range msgs[1:] {
		prev := out[len(out)-1]
		if prev.Role == m.Role {
			if prev.Role == anthropic.RoleUser {
				out = append(out, anthropic.NewTextMessage(anthropic.RoleAssistant, AssistantFillerText))
			} else {
				out = append(out, anthropic.NewTextMessage(anthropic.RoleUser, UserFillerText))
			}
			inserted++
		}
		out = append(out, m)
	}
	if inserted > 0 {
		log.Debug().Int("count", inserted).Msg("sanitize: inserted alternation fillers")
	}
	return out
}

func stripUnreplayableThinking(msgs []anthropic.Message) {
	for i := range msgs {
		c := &msgs[i].Content
		if !c.IsArray {
			continue
		}
		kept := c.Blocks[:0]
		for _, b := range c.Blocks {
			switch {
			case b.Type == anthropic.BlockThinking && b.Signature == "":
				continue
			case b.Type == anthropic.BlockRedactedThinking && b.Data == "":
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) != len(c.Blocks) {
			log.Debug().Int("turn", i).Int("removed", len(c.Blocks)-len(kept)).Msg("sanitize: stripped unsigned thinking")
		}
		c.Blocks = kept
	}
}
