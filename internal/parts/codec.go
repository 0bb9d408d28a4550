// Package parts converts between typed message parts and the
// language-neutral dict form used for persistence. The dict form is
// what gets JSON-encoded into the history store, and it must survive a
// round trip well enough that reconstructed parts are accepted
// verbatim by the provider SDKs.
package parts

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/ocelotbot/ocelot/pkg/models"
)

// DeserializationFailedKey marks the sentinel dict returned when a
// persisted parts payload cannot be decoded. Callers check for it with
// IsFailureSentinel and skip the entry explicitly.
const DeserializationFailedKey = "deserialization_failed"

// Codec performs Part <-> dict <-> JSON conversions.
type Codec struct {
	log *slog.Logger
}

// New creates a codec. A nil logger falls back to slog.Default().
func New(log *slog.Logger) *Codec {
	if log == nil {
		log = slog.Default()
	}
	return &Codec{log: log}
}

// ToDict converts one Part into its persisted dict form. The result
// carries exactly one of the keys "text", "function_call" or
// "function_response". A part with no content returns nil and the
// caller drops it.
func (c *Codec) ToDict(p models.Part) map[string]any {
	switch {
	case p.ToolCall != nil:
		return map[string]any{
			"function_call": map[string]any{
				"name": p.ToolCall.Name,
				"args": c.NormalizeMap(p.ToolCall.Args),
			},
		}
	case p.ToolResponse != nil:
		return map[string]any{
			"function_response": map[string]any{
				"name":     p.ToolResponse.Name,
				"response": c.NormalizeMap(p.ToolResponse.Response),
			},
		}
	case p.Text != "":
		return map[string]any{"text": p.Text}
	default:
		return nil
	}
}

// Reconstruct rebuilds a typed Content from persisted dicts, in order.
// Parts with an empty tool name and parts with no content are dropped.
// Returns nil if no valid parts remain; the caller decides whether an
// empty model turn is still worth keeping for structural continuity.
func (c *Codec) Reconstruct(role models.Role, dicts []map[string]any) *models.Content {
	var out []models.Part
	for _, d := range dicts {
		p, ok := c.fromDict(d)
		if !ok {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return &models.Content{Role: role, Parts: out}
}

func (c *Codec) fromDict(d map[string]any) (models.Part, bool) {
	if fc, ok := d["function_call"].(map[string]any); ok {
		name, _ := fc["name"].(string)
		if name == "" {
			c.log.Debug("dropping function_call part with empty name")
			return models.Part{}, false
		}
		args, _ := fc["args"].(map[string]any)
		return models.ToolCallPart(name, args), true
	}
	if fr, ok := d["function_response"].(map[string]any); ok {
		name, _ := fr["name"].(string)
		if name == "" {
			c.log.Debug("dropping function_response part with empty name")
			return models.Part{}, false
		}
		resp, _ := fr["response"].(map[string]any)
		return models.ToolResponsePart(name, resp), true
	}
	if text, ok := d["text"].(string); ok && text != "" {
		return models.TextPart(text), true
	}
	return models.Part{}, false
}

// Serialize converts parts to dict form and JSON-encodes the list.
// Parts that convert to nil are dropped, so a turn whose parts are all
// malformed serializes to "[]". Encoding failures also yield "[]" so a
// bad value can never poison the history table.
func (c *Codec) Serialize(ps []models.Part) string {
	dicts := make([]map[string]any, 0, len(ps))
	for _, p := range ps {
		if d := c.ToDict(p); d != nil {
			dicts = append(dicts, d)
		}
	}
	raw, err := json.Marshal(dicts)
	if err != nil {
		c.log.Error("failed to serialize message parts", "error", err)
		return "[]"
	}
	return string(raw)
}

// Deserialize decodes a persisted parts payload. On decode failure it
// returns a single sentinel dict rather than an error, so history
// iteration can skip the offending entry and keep going.
func (c *Codec) Deserialize(raw string) []map[string]any {
	var dicts []map[string]any
	if err := json.Unmarshal([]byte(raw), &dicts); err != nil {
		c.log.Warn("failed to deserialize message parts", "error", err)
		return []map[string]any{{"error": DeserializationFailedKey}}
	}
	return dicts
}

// IsFailureSentinel reports whether dicts is the Deserialize failure
// marker.
func IsFailureSentinel(dicts []map[string]any) bool {
	if len(dicts) != 1 {
		return false
	}
	v, ok := dicts[0]["error"].(string)
	return ok && v == DeserializationFailedKey
}

// NormalizeMap coerces an args/response value into a plain
// map[string]any safe for JSON encoding. Provider SDKs hand back
// composite map types and non-string keys; those are flattened here,
// at the boundary, rather than leaking into persistence.
func (c *Codec) NormalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = c.normalizeValue(v)
	}
	return out
}

func (c *Codec) normalizeValue(v any) any {
	switch val := v.(type) {
	case nil, bool, string, float64, float32, int, int32, int64, uint, uint32, uint64, json.Number:
		return val
	case map[string]any:
		return c.NormalizeMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = c.normalizeValue(item)
		}
		return out
	}

	// Foreign map and slice types (SDK composites, map[any]any from
	// intermediate decoders) are walked reflectively with keys coerced
	// to strings.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			out[key] = c.normalizeValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = c.normalizeValue(rv.Index(i).Interface())
		}
		return out
	}

	c.log.Warn("coercing unsupported value to string", "type", fmt.Sprintf("%T", v))
	return fmt.Sprintf("%v", v)
}
