package wire

import (
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"github.com/compresr/kiro-gateway/internal/anthropic"
)

// Supplemental context limits, in characters.
const (
	MaxFileChars      = 30000
	MaxFileCount      = 30
	MaxTotalFileChars = 300000
)

// Metadata keys read from additional_kwargs.
const (
	KwargConversationID = "conversationId"
	KwargContinuationID = "continuationId"
	KwargTaskType       = "taskType"
)

// metadata returns the newest non-empty additional_kwargs value for key.
func metadata(msgs []anthropic.Message, key string) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if len(msgs[i].AdditionalKwargs) == 0 {
			continue
		}
		if v := gjson.GetBytes(msgs[i].AdditionalKwargs, key); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

// supplementalContexts extracts editor context from a message's
// additional_kwargs: recently edited files, edited ranges and the cursor
// context, in that order.
func supplementalContexts(m anthropic.Message) []SupplementalContext {
	if len(m.AdditionalKwargs) == 0 {
		return nil
	}
	kw := gjson.ParseBytes(m.AdditionalKwargs)
	var out []SupplementalContext

	kw.Get("recentlyEditedFiles").ForEach(func(_, f gjson.Result) bool {
		if path, body := f.Get("filepath").String(), f.Get("contents").String(); path != "" && body != "" {
			out = append(out, SupplementalContext{FilePath: path, Content: body})
		}
		return true
	})

	kw.Get("recentlyEditedRanges").ForEach(func(_, r gjson.Result) bool {
		path, lines := r.Get("filepath").String(), r.Get("lines")
		if path == "" || !lines.Exists() {
			return true
		}
		body := lines.String()
		if lines.IsArray() {
			var parts []string
			for _, l := range lines.Array() {
				parts = append(parts, l.String())
			}
			body = strings.Join(parts, "\n")
		}
		if body != "" {
			out = append(out, SupplementalContext{FilePath: path, Content: body})
		}
		return true
	})

	if cur := kw.Get("cursorContext"); cur.IsObject() {
		if path, body := cur.Get("filepath").String(), cur.Get("content").String(); path != "" && body != "" {
			out = append(out, SupplementalContext{FilePath: path, Content: body})
		}
	}

	return capContexts(out)
}

// capContexts applies the per-file, file-count and aggregate limits.
func capContexts(in []SupplementalContext) []SupplementalContext {
	var out []SupplementalContext
	total := 0
	for _, c := range in {
		if len(out) == MaxFileCount || total >= MaxTotalFileChars {
			break
		}
		limit := min(MaxFileChars, MaxTotalFileChars-total)
		if utf8.RuneCountInString(c.Content) > limit {
			c.Content = string([]rune(c.Content)[:limit])
		}
		total += utf8.RuneCountInString(c.Content)
		out = append(out, c)
	}
	return out
}
