// Package toolcalls assembles tool calls from upstream output.
//
// DESIGN: The upstream streams a tool call as a series of toolUse fragments
// sharing one toolUseId. The first fragment names the tool; every fragment
// carries the next slice of the argument JSON. Fragments of different calls
// may interleave, so partial calls live in a map keyed by id and are
// finalized (parsed, repaired, removed) on the stop flag or at end of stream.
//
// FLOW:
//  1. Accumulator.Apply(fragment)   → finalized Call on stop
//  2. Accumulator.Finish()          → remaining calls at end of stream
//  3. Accumulator.Discard()         → drop partial calls on cancellation
//
// Older model builds write calls into the text itself as
// "[Called <name> with args: {...}]". ExtractBracketCalls is a compatibility
// layer over decoded content; it never sees raw frames.
package toolcalls

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/frames"
)

// UnknownToolName names calls whose fragments never carried a name.
const UnknownToolName = "unknown"

// Call is a finalized tool call. Input is always a JSON value.
type Call struct {
	ID    string
	Name  string
	Input json.RawMessage
}

type partial struct {
	name  string
	input strings.Builder
}

// Accumulator collects tool call fragments for one response. Not safe for
// concurrent use.
type Accumulator struct {
	pending   map[string]*partial
	order     []string
	finalized map[string]struct{}
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{
		pending:   make(map[string]*partial),
		finalized: make(map[string]struct{}),
	}
}

// Apply records one fragment. The first fragment for an id fixes the name;
// later names are ignored. Fragments for an id that was already finalized
// are dropped. It returns the finalized call when the fragment carries the
// stop flag.
func (a *Accumulator) Apply(tu frames.ToolUse) (Call, bool) {
	if tu.ToolUseID == "" {
		log.Debug().Str("name", tu.Name).Msg("toolcalls: fragment without id skipped")
		return Call{}, false
	}
	if _, done := a.finalized[tu.ToolUseID]; done {
		log.Debug().Str("id", tu.ToolUseID).Bool("stop", tu.Stop).Msg("toolcalls: fragment for finished call dropped")
		return Call{}, false
	}

	p, ok := a.pending[tu.ToolUseID]
	if !ok {
		name := tu.Name
		if name == "" {
			name = UnknownToolName
		}
		p = &partial{name: name}
		a.pending[tu.ToolUseID] = p
		a.order = append(a.order, tu.ToolUseID)
	}
	p.input.WriteString(tu.Input)

	if !tu.Stop {
		return Call{}, false
	}
	return a.finalize(tu.ToolUseID), true
}

// Pending reports how many calls are still open.
func (a *Accumulator) Pending() int { return len(a.pending) }

// Finish finalizes every open call in first-seen order.
func (a *Accumulator) Finish() []Call {
	var calls []Call
	for _, id := range a.order {
		if _, ok := a.pending[id]; ok {
			calls = append(calls, a.finalize(id))
		}
	}
	a.order = nil
	return calls
}

// Discard drops all open calls.
func (a *Accumulator) Discard() {
	if len(a.pending) > 0 {
		log.Debug().Int("calls", len(a.pending)).Msg("toolcalls: discarded partial calls")
	}
	a.pending = make(map[string]*partial)
	a.order = nil
}

func (a *Accumulator) finalize(id string) Call {
	p := a.pending[id]
	delete(a.pending, id)
	a.finalized[id] = struct{}{}
	for i, o := range a.order {
		if o == id {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	return Call{ID: id, Name: p.name, Input: ParseInput(p.input.String())}
}

// ParseInput turns accumulated argument text into JSON: "{}" when empty,
// repaired when malformed, "{}" when beyond repair.
func ParseInput(s string) json.RawMessage {
	s = strings.TrimSpace(s)
	if s == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	if fixed := Repair(s); json.Valid([]byte(fixed)) {
		log.Debug().Int("len", len(s)).Msg("toolcalls: repaired tool input")
		return json.RawMessage(fixed)
	}
	log.Warn().Int("len", len(s)).Msg("toolcalls: unparseable tool input, using {}")
	return json.RawMessage("{}")
}

// NewCallID returns "call_" followed by 8 hex characters.
func NewCallID() string {
	return "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
