package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ocelotbot/ocelot/pkg/models"
)

// Caller identifies who triggered a tool call. UserID is nullable:
// some requests (channel posts) have no human author.
type Caller struct {
	ChatID int64
	UserID *int64
}

// Result is the uniform dispatcher output. Payload is always a
// non-nil map suitable for returning to the model; Status classifies
// the outcome for the tool execution log.
type Result struct {
	Status  models.ToolStatus
	Payload map[string]any
}

// Message extracts the human-readable message from the payload, if any.
func (r *Result) Message() string {
	if m, ok := r.Payload["message"].(string); ok {
		return m
	}
	return ""
}

// Dispatcher executes model-proposed tool calls against the registry.
type Dispatcher struct {
	registry *Registry
	log      *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, log: log}
}

// Dispatch runs one tool call and never returns an error: every
// failure mode is folded into the Result so the model can see it and
// recover. The steps, in order:
//
//  1. Unknown tool name -> not_found result.
//  2. chat_id / user_id are injected from the caller when the tool
//     declares them and the model did not supply a value. A
//     model-supplied value always wins, which is what lets a tool act
//     on a user other than the caller.
//  3. Argument keys the tool does not declare are dropped.
//  4. Missing required arguments fail fast without invoking the handler.
//  5. Handler panics and errors become {status:"error"} payloads;
//     context deadline errors become {status:"timeout"}.
//  6. Scalar handler returns are wrapped as
//     {status:"success", result_value:"..."}.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any, caller Caller) *Result {
	def, ok := d.registry.Get(name)
	if !ok {
		return &Result{
			Status: models.ToolStatusNotFound,
			Payload: map[string]any{
				"status":  "error",
				"message": fmt.Sprintf("tool %q is not available", name),
			},
		}
	}

	final := make(map[string]any, len(args)+2)
	for k, v := range args {
		if !def.HasParam(k) {
			d.log.Debug("dropping undeclared tool argument", "tool", name, "arg", k)
			continue
		}
		final[k] = v
	}

	if def.HasParam("chat_id") {
		if _, supplied := final["chat_id"]; !supplied {
			final["chat_id"] = caller.ChatID
		}
	}
	if def.HasParam("user_id") {
		if _, supplied := final["user_id"]; !supplied && caller.UserID != nil {
			final["user_id"] = *caller.UserID
		}
	}

	if missing := def.MissingRequired(final); len(missing) > 0 {
		return &Result{
			Status: models.ToolStatusError,
			Payload: map[string]any{
				"status":  "error",
				"message": fmt.Sprintf("missing required arguments: [%s]", strings.Join(missing, ", ")),
			},
		}
	}

	value, err := d.invoke(ctx, def, final)
	if err != nil {
		status := models.ToolStatusError
		if errors.Is(err, context.DeadlineExceeded) {
			status = models.ToolStatusTimeout
		}
		return &Result{
			Status: status,
			Payload: map[string]any{
				"status":  string(status),
				"message": err.Error(),
			},
		}
	}

	return normalizeResult(value)
}

// invoke runs the handler with panic capture, so a misbehaving tool
// degrades into an error response instead of taking down the request.
func (d *Dispatcher) invoke(ctx context.Context, def Definition, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("tool handler panicked", "tool", def.Name, "panic", r)
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return def.Handler(ctx, args)
}

func normalizeResult(value any) *Result {
	switch v := value.(type) {
	case nil:
		return &Result{
			Status:  models.ToolStatusSuccess,
			Payload: map[string]any{"status": "success"},
		}
	case map[string]any:
		return &Result{Status: statusFromPayload(v), Payload: v}
	default:
		return &Result{
			Status: models.ToolStatusSuccess,
			Payload: map[string]any{
				"status":       "success",
				"result_value": fmt.Sprintf("%v", v),
			},
		}
	}
}

// statusFromPayload lets map-returning handlers set their own status;
// anything unrecognized counts as success with a warning marker kept
// in the payload for the model.
func statusFromPayload(payload map[string]any) models.ToolStatus {
	s, _ := payload["status"].(string)
	switch models.ToolStatus(s) {
	case models.ToolStatusError:
		return models.ToolStatusError
	case models.ToolStatusWarning:
		return models.ToolStatusWarning
	case models.ToolStatusTimeout:
		return models.ToolStatusTimeout
	case models.ToolStatusNotFound:
		return models.ToolStatusNotFound
	default:
		return models.ToolStatusSuccess
	}
}
