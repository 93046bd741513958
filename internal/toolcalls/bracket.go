package toolcalls

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

const bracketMarker = "[Called"

var (
	calledPattern   = regexp.MustCompile(`(?i)\[Called\s+(\w+)\s+with\s+args:`)
	trailingComma   = regexp.MustCompile(`,\s*([}\]])`)
	bareKey         = regexp.MustCompile(`([{,]\s*)([A-Za-z0-9_]+)\s*:`)
	bareValue       = regexp.MustCompile(`:\s*([A-Za-z_][A-Za-z0-9_]*)(\s*[,}\]])`)
	jsonLiteralWord = map[string]bool{"true": true, "false": true, "null": true}
)

// ExtractBracketCalls finds "[Called <name> with args: {...}]" spans in text.
// It returns the parsed calls in order of appearance and the text with those
// spans removed. Spans that do not parse are left in the text.
func ExtractBracketCalls(text string) ([]Call, string) {
	if !strings.Contains(text, bracketMarker) {
		return nil, text
	}

	var starts []int
	for i := 0; ; {
		j := strings.Index(text[i:], bracketMarker)
		if j < 0 {
			break
		}
		starts = append(starts, i+j)
		i += j + len(bracketMarker)
	}

	var calls []Call
	var cleaned strings.Builder
	last := 0
	for n, start := range starts {
		end := len(text)
		if n+1 < len(starts) {
			end = starts[n+1]
		}
		segment := text[start:end]

		closing := matchingBracket(segment, 0)
		if closing < 0 {
			closing = strings.LastIndex(segment, "]")
		}
		if closing < 0 {
			continue
		}

		call, ok := parseBracketCall(segment[:closing+1])
		if !ok {
			continue
		}
		calls = append(calls, call)
		cleaned.WriteString(text[last:start])
		last = start + closing + 1
	}
	cleaned.WriteString(text[last:])

	if len(calls) == 0 {
		return nil, text
	}
	log.Debug().Int("calls", len(calls)).Msg("toolcalls: extracted bracket calls")
	return calls, strings.TrimSpace(cleaned.String())
}

func parseBracketCall(span string) (Call, bool) {
	m := calledPattern.FindStringSubmatchIndex(span)
	if m == nil {
		return Call{}, false
	}
	name := span[m[2]:m[3]]
	argsEnd := strings.LastIndex(span, "]")
	if argsEnd <= m[1] {
		return Call{}, false
	}
	args := strings.TrimSpace(span[m[1]:argsEnd])

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(args), &obj); err != nil {
		if err := json.Unmarshal([]byte(Repair(args)), &obj); err != nil {
			log.Debug().Str("name", name).Err(err).Msg("toolcalls: bracket call args unparseable")
			return Call{}, false
		}
	}
	if obj == nil {
		return Call{}, false
	}
	input, err := json.Marshal(obj)
	if err != nil {
		return Call{}, false
	}
	return Call{ID: NewCallID(), Name: name, Input: input}, true
}

// matchingBracket returns the index of the ']' closing the '[' at start,
// ignoring brackets inside double-quoted strings. -1 when unbalanced.
func matchingBracket(s string, start int) int {
	if start >= len(s) || s[start] != '[' {
		return -1
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '[':
			depth++
		case c == ']':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// Repair fixes the common defects of model-written JSON: trailing commas,
// unquoted keys and unquoted word values. Numbers and JSON literals are left
// alone.
func Repair(s string) string {
	s = trailingComma.ReplaceAllString(s, "$1")
	s = bareKey.ReplaceAllString(s, `$1"$2":`)
	s = bareValue.ReplaceAllStringFunc(s, func(match string) string {
		sub := bareValue.FindStringSubmatch(match)
		if jsonLiteralWord[sub[1]] {
			return match
		}
		return `:"` + sub[1] + `"` + sub[2]
	})
	return s
}
