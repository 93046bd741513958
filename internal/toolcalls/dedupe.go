package toolcalls

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
)

// Dedupe drops calls that repeat an earlier call's name and arguments.
// Arguments compare canonically, so key order and whitespace do not matter.
// Ids are not part of the key.
func Dedupe(calls []Call) []Call {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]bool, len(calls))
	out := make([]Call, 0, len(calls))
	for _, c := range calls {
		key := c.Name + "-" + canonical(c.Input)
		if seen[key] {
			log.Debug().Str("name", c.Name).Str("id", c.ID).Msg("toolcalls: duplicate call dropped")
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

func canonical(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
