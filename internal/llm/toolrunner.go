package llm

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/pkg/models"
)

// toolRunner is the piece both dialects share: dispatch one call,
// write exactly one tool execution record, and fold the outcome into
// the drive result.
type toolRunner struct {
	dispatcher *tools.Dispatcher
	execLog    ExecutionLogger
	log        *slog.Logger
}

// run dispatches a single call and logs it. The returned result is
// never nil.
func (tr *toolRunner) run(ctx context.Context, req *Request, name string, args map[string]any) *tools.Result {
	result := tr.dispatcher.Dispatch(ctx, name, args, req.Caller)

	te := &models.ToolExecution{
		ChatID:           req.Caller.ChatID,
		UserID:           req.Caller.UserID,
		ToolName:         name,
		ArgsJSON:         marshalOrEmpty(args),
		Status:           result.Status,
		ResultMessage:    result.Message(),
		FullResultJSON:   marshalOrEmpty(result.Payload),
		TriggerMessageID: req.TriggerMessageID,
	}
	if stdout, ok := result.Payload["stdout"].(string); ok {
		te.Stdout = stdout
	}
	if stderr, ok := result.Payload["stderr"].(string); ok {
		te.Stderr = stderr
	}
	if code, ok := result.Payload["return_code"].(float64); ok {
		c := int(code)
		te.ReturnCode = &c
	}

	if _, err := tr.execLog.AppendToolExecution(ctx, te); err != nil {
		// The audit record failing must not fail the request.
		tr.log.Error("failed to record tool execution", "tool", name, "error", err)
	}
	return result
}

// record updates the drive result's last_* fields after a successful
// dispatch.
func record(res *Result, name string, args map[string]any, result *tools.Result) {
	if result.Status != models.ToolStatusSuccess {
		return
	}
	res.LastToolCalled = name
	res.LastToolResult = result.Payload
	if name == tools.MessageToolName {
		if text, ok := args["text"].(string); ok {
			res.LastTextSentViaTool = text
		}
	}
}

func marshalOrEmpty(v any) string {
	if v == nil {
		return ""
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}
