package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

// MaxToolDescription caps tool descriptions, in characters.
const MaxToolDescription = 1000

// ToolShape identifies which accepted tool definition format matched.
type ToolShape int

const (
	ShapeBuiltin      ToolShape = iota // {type, name} with a builtin name
	ShapeOpenAI                        // {function:{name, description, parameters}}
	ShapeNative                        // {toolSpecification:{...}}
	ShapeAnthropic                     // {name, description, input_schema | schema}
	ShapeIDParameters                  // {id, description, parameters}
	ShapeIDSchema                      // {id, description, schema}
)

func (s ToolShape) String() string {
	switch s {
	case ShapeBuiltin:
		return "builtin"
	case ShapeOpenAI:
		return "openai"
	case ShapeNative:
		return "native"
	case ShapeAnthropic:
		return "anthropic"
	case ShapeIDParameters:
		return "id_parameters"
	case ShapeIDSchema:
		return "id_schema"
	default:
		return "unknown"
	}
}

// BuiltinTools are passed to the upstream unmodified.
var BuiltinTools = map[string]bool{
	"web_search":                  true,
	"bash":                        true,
	"code_execution":              true,
	"computer":                    true,
	"str_replace_editor":          true,
	"str_replace_based_edit_tool": true,
}

// unsupportedSchemaKeys are JSON-Schema keys the upstream rejects. Validation
// keys (pattern, enum, minLength...) are kept.
var unsupportedSchemaKeys = map[string]bool{
	"$schema":               true,
	"$id":                   true,
	"$defs":                 true,
	"definitions":           true,
	"examples":              true,
	"allOf":                 true,
	"anyOf":                 true,
	"oneOf":                 true,
	"not":                   true,
	"if":                    true,
	"then":                  true,
	"else":                  true,
	"additionalItems":       true,
	"unevaluatedItems":      true,
	"unevaluatedProperties": true,
	"dependentSchemas":      true,
	"dependentRequired":     true,
}

type toolSpec struct {
	ToolSpecification toolSpecBody `json:"toolSpecification"`
}

type toolSpecBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema toolInputSchema `json:"inputSchema"`
}

type toolInputSchema struct {
	JSON json.RawMessage `json:"json"`
}

// NormalizeTool converts one tool definition to the upstream shape. Shapes
// are tried in order; the first match wins.
func NormalizeTool(raw json.RawMessage) (json.RawMessage, ToolShape, error) {
	t := gjson.ParseBytes(raw)
	if !t.IsObject() {
		return nil, 0, fmt.Errorf("%w: not an object", ErrUnrecognizedTool)
	}

	typ, name := t.Get("type"), t.Get("name")
	if typ.Type == gjson.String && name.Type == gjson.String && BuiltinTools[name.String()] {
		return raw, ShapeBuiltin, nil
	}

	if fn := t.Get("function"); fn.IsObject() {
		spec, err := buildSpec(fn.Get("name").String(), fn.Get("description").String(), fn.Get("parameters"))
		return spec, ShapeOpenAI, err
	}

	if t.Get("toolSpecification").IsObject() {
		return raw, ShapeNative, nil
	}

	if name.String() != "" {
		schema := t.Get("input_schema")
		if !schema.Exists() {
			schema = t.Get("schema")
		}
		if schema.IsObject() {
			spec, err := buildSpec(name.String(), t.Get("description").String(), schema)
			return spec, ShapeAnthropic, err
		}
	}

	if id := t.Get("id").String(); id != "" {
		if params := t.Get("parameters"); params.IsObject() {
			spec, err := buildSpec(id, t.Get("description").String(), params)
			return spec, ShapeIDParameters, err
		}
		if schema := t.Get("schema"); schema.IsObject() {
			spec, err := buildSpec(id, t.Get("description").String(), schema)
			return spec, ShapeIDSchema, err
		}
	}

	return nil, 0, fmt.Errorf("%w: %s", ErrUnrecognizedTool, truncateForError(t.Raw))
}

// NormalizeTools normalizes every definition, failing on the first
// unrecognized one.
func NormalizeTools(tools []json.RawMessage) ([]json.RawMessage, error) {
	if len(tools) == 0 {
		return nil, nil
	}
	out := make([]json.RawMessage, 0, len(tools))
	for i, raw := range tools {
		spec, _, err := NormalizeTool(raw)
		if err != nil {
			return nil, fmt.Errorf("tool %d: %w", i, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

func buildSpec(name, description string, schema gjson.Result) (json.RawMessage, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: missing name", ErrUnrecognizedTool)
	}
	stripped := json.RawMessage("{}")
	if schema.Exists() {
		stripped = StripSchema(json.RawMessage(schema.Raw))
	}
	return json.Marshal(toolSpec{ToolSpecification: toolSpecBody{
		Name:        name,
		Description: CapDescription(description),
		InputSchema: toolInputSchema{JSON: stripped},
	}})
}

// CapDescription trims descriptions longer than MaxToolDescription characters.
func CapDescription(desc string) string {
	if utf8.RuneCountInString(desc) <= MaxToolDescription {
		return desc
	}
	return strings.TrimSpace(string([]rune(desc)[:MaxToolDescription])) + "..."
}

// StripSchema removes unsupported keys recursively through properties, items
// and additionalProperties. Key order is preserved.
func StripSchema(schema json.RawMessage) json.RawMessage {
	return json.RawMessage(stripSchema(gjson.ParseBytes(schema)))
}

func stripSchema(v gjson.Result) string {
	switch {
	case v.IsArray():
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, item := range v.Array() {
			if i > 0 {
				buf.WriteByte(',')
			}
			buf.WriteString(stripSchema(item))
		}
		buf.WriteByte(']')
		return buf.String()

	case v.IsObject():
		var buf bytes.Buffer
		buf.WriteByte('{')
		first := true
		v.ForEach(func(key, value gjson.Result) bool {
			k := key.String()
			if unsupportedSchemaKeys[k] {
				return true
			}
			if !first {
				buf.WriteByte(',')
			}
			first = false
			buf.WriteString(key.Raw)
			buf.WriteByte(':')
			switch {
			case k == "properties" && value.IsObject():
				buf.WriteString(stripProperties(value))
			case k == "items", k == "additionalProperties" && value.IsObject():
				buf.WriteString(stripSchema(value))
			default:
				buf.WriteString(value.Raw)
			}
			return true
		})
		buf.WriteByte('}')
		return buf.String()

	default:
		return v.Raw
	}
}

// stripProperties keeps every property name, even ones that collide with
// unsupported schema keys.
func stripProperties(props gjson.Result) string {
	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	props.ForEach(func(key, value gjson.Result) bool {
		if !first {
			buf.WriteByte(',')
		}
		first = false
		buf.WriteString(key.Raw)
		buf.WriteByte(':')
		buf.WriteString(stripSchema(value))
		return true
	})
	buf.WriteByte('}')
	return buf.String()
}

func truncateForError(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
