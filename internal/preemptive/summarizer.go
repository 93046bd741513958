// Summarization prompt construction for context transfer.
package preemptive

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/compresr/kiro-gateway/internal/anthropic"
)

// BuildSummaryPrompt renders the summarization request for the given older
// messages. The returned queries section is appended to the model's summary.
func BuildSummaryPrompt(msgs []anthropic.Message) (prompt, queries string) {
	data := ExtractConversationData(msgs)
	if utf8.RuneCountInString(data) > MaxConversationDataChars {
		data = truncateRunes(data, MaxConversationDataChars) + "\n[...truncated for summarization...]"
	}
	queries = ExtractUserQueries(msgs)
	prompt = SummarizationSystemPrompt + "\n\nCONVERSATION DATA TO SUMMARIZE:\n" + data + "\n" + queries
	return prompt, queries
}

// ExtractConversationData flattens messages into labeled lines. Injected
// system content is skipped, large tool outputs are elided.
func ExtractConversationData(msgs []anthropic.Message) string {
	toolNames := map[string]string{}
	var sections []string

	for _, m := range msgs {
		label := "Assistant message"
		if m.Role == anthropic.RoleUser {
			label = "User message"
		}

		if !m.Content.IsArray {
			sections = append(sections, fmt.Sprintf("%s: %s\n", label, m.Content.Text))
			continue
		}

		for _, b := range m.Content.Blocks {
			switch b.Type {
			case anthropic.BlockText:
				if b.Text == "" || (m.Role == anthropic.RoleUser && ContainsSystemContent(b.Text)) {
					continue
				}
				sections = append(sections, fmt.Sprintf("%s: %s\n", label, b.Text))

			case anthropic.BlockToolUse:
				toolNames[b.ID] = b.Name
				args := "no args"
				if len(b.Input) > 0 {
					args = truncateRunes(string(b.Input), MaxToolArgsChars)
				}
				name := b.Name
				if name == "" {
					name = "unknown"
				}
				sections = append(sections, fmt.Sprintf("Tool: %s - %s\n", name, args))

			case anthropic.BlockToolResult:
				status := "SUCCESS"
				if b.IsError {
					status = "FAILED"
				}
				detail := ""
				name := toolNames[b.ToolUseID]
				if name == "" {
					name = b.ToolUseID
				}
				if ShouldTruncateToolResult(name) {
					detail = " - Tool response contents truncated for brevity"
				} else if text := b.ResultText(); text != "" {
					detail = " - " + truncateRunes(text, MaxToolResultChars)
				}
				sections = append(sections, fmt.Sprintf("ToolResult: %s%s\n", status, detail))
			}
		}
	}
	return strings.Join(sections, "\n")
}

// ExtractUserQueries lists real user queries in order, capped in total size.
func ExtractUserQueries(msgs []anthropic.Message) string {
	var queries []string
	total := 0

	for _, m := range msgs {
		if m.Role != anthropic.RoleUser {
			continue
		}
		var text string
		if m.Content.IsArray {
			var parts []string
			for _, b := range m.Content.OfType(anthropic.BlockText) {
				parts = append(parts, b.Text)
			}
			text = strings.TrimSpace(strings.Join(parts, "\n"))
		} else {
			text = strings.TrimSpace(m.Content.Text)
		}

		if text == "" || ContainsSystemContent(text) {
			continue
		}
		n := utf8.RuneCountInString(text) + 2
		if total+n > MaxUserQueryChars {
			if total >= MaxUserQueryChars {
				break
			}
			continue
		}
		queries = append(queries, text)
		total += n
	}

	if len(queries) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("\n\nUSER QUERIES (chronological order):")
	for i, q := range queries {
		fmt.Fprintf(&sb, "\n%d. %s", i+1, q)
	}
	return sb.String()
}

// BuildContextTransfer replaces summarized history with one user turn that
// carries the summary, followed by the kept recent messages.
func BuildContextTransfer(summary string, recent []anthropic.Message, originalCount int) []anthropic.Message {
	transfer := "CONTEXT TRANSFER: We are continuing a conversation that had gotten too long. Here is a summary:\n" +
		"\n---\n" + summary + "\n---\n" +
		"\nMETADATA:\n" + fmt.Sprintf("The previous conversation had %d messages.\n", originalCount) +
		"\nINSTRUCTIONS:\n" +
		"Continue working until the user query has been fully addressed. Do not ask for clarification - proceed with the work based on the context provided.\n" +
		"IMPORTANT: If the summary mentions files to read, you should read those files first to restore context."

	out := []anthropic.Message{anthropic.NewTextMessage(anthropic.RoleUser, transfer)}
	if len(recent) == 0 || recent[0].Role != anthropic.RoleAssistant {
		out = append(out, anthropic.NewTextMessage(anthropic.RoleAssistant, ContextTransferAck))
	}
	return append(out, recent...)
}

// ContainsSystemContent reports whether text carries injected system content.
func ContainsSystemContent(text string) bool {
	for _, p := range SystemContentPatterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// ShouldTruncateToolResult reports whether a tool's output is elided from
// summarization input.
func ShouldTruncateToolResult(toolName string) bool {
	if toolName == "" {
		return false
	}
	if strings.HasPrefix(toolName, "mcp_") {
		return true
	}
	lower := strings.ToLower(toolName)
	for _, t := range TruncatedToolNames {
		if strings.Contains(lower, strings.ToLower(t)) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
