package assembler

import (
	"regexp"
	"strings"
)

const (
	openTag  = "<thinking>"
	closeTag = "</thinking>"
)

// Segment is a run of parsed content, either visible text or thinking.
type Segment struct {
	Thinking bool
	Text     string
}

// TagParser splits streamed content on <thinking>...</thinking> tags. A
// chunk may end inside a tag, so the longest suffix that could start the
// next tag is held back until more content arrives. Whitespace-only text
// outside thinking is held too and dropped when a tag follows it.
type TagParser struct {
	inside bool
	buf    string
}

// Feed consumes a chunk and returns the segments that are now certain.
func (p *TagParser) Feed(chunk string) []Segment {
	p.buf += chunk
	var out []Segment
	for {
		tag := openTag
		if p.inside {
			tag = closeTag
		}
		if i := strings.Index(p.buf, tag); i >= 0 {
			before := p.buf[:i]
			p.buf = p.buf[i+len(tag):]
			if p.inside || strings.TrimSpace(before) != "" {
				out = appendSegment(out, p.inside, before)
			}
			p.inside = !p.inside
			continue
		}

		cut := len(p.buf) - partialSuffix(p.buf, tag)
		ready := p.buf[:cut]
		if !p.inside && strings.TrimSpace(ready) == "" {
			return out
		}
		p.buf = p.buf[cut:]
		return appendSegment(out, p.inside, ready)
	}
}

// Flush returns whatever is still buffered at the end of the stream.
func (p *TagParser) Flush() []Segment {
	rest := p.buf
	p.buf = ""
	if p.inside {
		return appendSegment(nil, true, rest)
	}
	if strings.TrimSpace(rest) == "" {
		return nil
	}
	return appendSegment(nil, false, rest)
}

// Inside reports whether the parser is within a thinking tag.
func (p *TagParser) Inside() bool { return p.inside }

func appendSegment(out []Segment, thinking bool, text string) []Segment {
	if text == "" {
		return out
	}
	return append(out, Segment{Thinking: thinking, Text: text})
}

// partialSuffix is the length of the longest suffix of s that is a proper
// prefix of tag.
func partialSuffix(s, tag string) int {
	for k := min(len(s), len(tag)-1); k > 0; k-- {
		if strings.HasSuffix(s, tag[:k]) {
			return k
		}
	}
	return 0
}

// =============================================================================
// HTML ENTITIES
// =============================================================================

var entityPattern = regexp.MustCompile(`(?i)&(?:amp|#38|#x26|lt|#60|#x3c|gt|#62|#x3e|apos|#39|#x27|quot|#34|#x22|#x60|#x2f|#x5c);`)

var entities = map[string]string{
	"&amp;": "&", "&#38;": "&", "&#x26;": "&",
	"&lt;": "<", "&#60;": "<", "&#x3c;": "<",
	"&gt;": ">", "&#62;": ">", "&#x3e;": ">",
	"&apos;": "'", "&#39;": "'", "&#x27;": "'",
	"&quot;": `"`, "&#34;": `"`, "&#x22;": `"`,
	"&#x60;": "`",
	"&#x2f;": "/",
	"&#x5c;": `\`,
}

// maxEntityLen is the length of the longest entity in the table.
const maxEntityLen = len("&#x3c;")

var partialEntityPattern = regexp.MustCompile(`(?i)&(?:[a-z]*|#[0-9]*|#x[0-9a-f]*)$`)

// EntityCarry unescapes streamed content. A chunk ending in what could be
// the start of an entity ("&am") keeps that tail until the next chunk.
type EntityCarry struct {
	buf string
}

// Feed returns the unescaped text that is now certain.
func (c *EntityCarry) Feed(chunk string) string {
	s := c.buf + chunk
	c.buf = ""
	if loc := partialEntityPattern.FindStringIndex(s); loc != nil && len(s)-loc[0] < maxEntityLen {
		c.buf = s[loc[0]:]
		s = s[:loc[0]]
	}
	return UnescapeHTML(s)
}

// Flush returns the held tail as is.
func (c *EntityCarry) Flush() string {
	rest := c.buf
	c.buf = ""
	return rest
}

// UnescapeHTML decodes the HTML entities the upstream escapes content with.
// Entities are decoded in a single pass, so "&amp;lt;" becomes "&lt;".
func UnescapeHTML(s string) string {
	if !strings.Contains(s, "&") {
		return s
	}
	return entityPattern.ReplaceAllStringFunc(s, func(m string) string {
		if r, ok := entities[strings.ToLower(m)]; ok {
			return r
		}
		return m
	})
}
