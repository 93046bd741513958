package wire

import (
	"sort"
	"strings"
)

// DefaultModel is used when a requested model has no upstream mapping.
const DefaultModel = "claude-sonnet-4-20250514"

// ModelMap maps public model ids to upstream model ids.
var ModelMap = map[string]string{
	"claude-opus-4-5":               "claude-opus-4.5",
	"claude-opus-4-5-20251101":      "claude-opus-4.5",
	"claude-opus-4-20250514":        "claude-opus-4.5",
	"claude-opus-4-0":               "claude-opus-4.5",
	"claude-haiku-4-5":              "claude-haiku-4.5",
	"claude-haiku-4-5-20251001":     "claude-haiku-4.5",
	"claude-sonnet-4-5":             "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-5-20250929":    "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-sonnet-4-20250514":      "CLAUDE_SONNET_4_20250514_V1_0",
	"CLAUDE_SONNET_4_20250514_V1_0": "CLAUDE_SONNET_4_20250514_V1_0",
}

// ThinkingTemplate emulates extended thinking through the system prompt.
const ThinkingTemplate = "Before responding, analyze the problem thoroughly inside <thinking>...</thinking> tags:\n" +
	"- Break down complex tasks into clear steps\n" +
	"- Consider edge cases and potential issues\n" +
	"- Verify tool parameters match requirements exactly\n" +
	"Then provide your well-reasoned response."

// ResolveModel returns the upstream id for model. Unknown models resolve to
// fallback's mapping, then to DefaultModel's. extra entries take precedence
// over ModelMap.
func ResolveModel(model, fallback string, extra map[string]string) string {
	lookup := func(name string) (string, bool) {
		if id, ok := extra[name]; ok {
			return id, true
		}
		id, ok := ModelMap[name]
		return id, ok
	}
	for _, name := range []string{model, fallback, DefaultModel} {
		if name == "" {
			continue
		}
		if id, ok := lookup(name); ok {
			return id
		}
	}
	return ModelMap[DefaultModel]
}

// UsesAmazonQ reports whether model is served by the SendMessageStreaming
// endpoint instead of generateAssistantResponse.
func UsesAmazonQ(model string) bool {
	return strings.HasPrefix(model, "amazonq")
}

// PublicModels lists the model ids the gateway accepts, sorted.
func PublicModels(extra map[string]string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range []map[string]string{ModelMap, extra} {
		for name := range m {
			if !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out
}
