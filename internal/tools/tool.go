// Package tools holds the tool registry and dispatcher: the mapping
// from model-proposed call names to typed handlers, the caller-context
// injection rules, and uniform result/error capture.
package tools

import (
	"context"
	"fmt"
)

// MessageToolName is the communication tool. It is special in two
// ways: the driver terminates the request when it is called with
// requires_user_response set (the blocking-tool rule), and the agent
// loop suppresses its own final text when this tool already spoke.
const MessageToolName = "send_telegram_message"

// RequiresResponseArg is the send_telegram_message argument that makes
// the call blocking.
const RequiresResponseArg = "requires_user_response"

// ParamType is the wire type of a tool parameter. Only simple types
// are supported; anything more complex in a declaration file is
// coerced to string.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param describes one tool parameter.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
}

// HandlerFunc is the uniform handler contract. Handlers receive the
// final argument map (after context injection and filtering) and
// return either a map payload or a scalar; scalars are wrapped by the
// dispatcher. Blocking work must honor ctx.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Definition is the immutable per-tool metadata the registry holds.
type Definition struct {
	Name        string
	Description string
	Params      []Param
	Handler     HandlerFunc
}

// ParamNames returns the declared parameter names in order.
func (d *Definition) ParamNames() []string {
	names := make([]string, len(d.Params))
	for i, p := range d.Params {
		names[i] = p.Name
	}
	return names
}

// HasParam reports whether the tool declares the named parameter.
func (d *Definition) HasParam(name string) bool {
	for _, p := range d.Params {
		if p.Name == name {
			return true
		}
	}
	return false
}

// MissingRequired returns the required parameters absent from args.
func (d *Definition) MissingRequired(args map[string]any) []string {
	var missing []string
	for _, p := range d.Params {
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			missing = append(missing, p.Name)
		}
	}
	return missing
}

// IsBlockingCall reports whether a dispatched call should terminate
// the tool loop and hand control back to the user: the communication
// tool with a truthy requires_user_response argument.
func IsBlockingCall(name string, args map[string]any) bool {
	if name != MessageToolName {
		return false
	}
	return truthy(args[RequiresResponseArg])
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return val == "true" || val == "True" || val == "1" || val == "yes"
	case float64:
		return val != 0
	case int:
		return val != 0
	case int64:
		return val != 0
	case nil:
		return false
	default:
		return fmt.Sprintf("%v", val) == "true"
	}
}
