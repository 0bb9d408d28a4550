// Package llm drives the multi-turn tool-calling conversation against
// an LLM provider. Two driver implementations sit behind one contract:
// the Gemini dialect, where tool calls and responses are inlined as
// typed message parts, and the OpenAI dialect, where tool calls hang
// off assistant messages and results are separate tagged messages.
package llm

import (
	"context"

	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/pkg/models"
)

// Request is the prepared input for one drive of the tool-call loop.
type Request struct {
	// History is the prepared conversation, oldest first, not
	// including the new user message.
	History []*models.Content

	// Message is the new user message text.
	Message string

	// SystemPrompt is the system instruction for this request.
	SystemPrompt string

	// Model overrides the driver's default model when non-empty.
	Model string

	// MaxSteps bounds the number of model<->tool round-trips.
	MaxSteps int

	// Caller identifies the chat and user for context injection and
	// tool execution logging.
	Caller tools.Caller

	// TriggerMessageID links tool execution log rows back to the
	// transport message that started the request.
	TriggerMessageID *int64
}

// Result is the terminal state of a drive.
type Result struct {
	// History is the full conversation after the drive: the prepared
	// history, the user turn, and every model and tool turn produced.
	History []*models.Content

	// Steps is the number of model round-trips performed.
	Steps int

	// LastToolCalled is the name of the last successfully dispatched
	// tool, if any.
	LastToolCalled string

	// LastTextSentViaTool is the text argument of the last successful
	// communication-tool call. The agent loop uses it to avoid
	// double-speaking.
	LastTextSentViaTool string

	// LastToolResult is the payload of the last successful dispatch.
	LastToolResult map[string]any
}

// Driver runs the tool-call loop to a terminal assistant turn.
type Driver interface {
	// Name identifies the dialect for logging and metrics.
	Name() string

	// Drive sends the user message over the prepared history and
	// iterates model<->tool rounds until the model answers with plain
	// text, the step budget runs out, or a blocking tool fires.
	Drive(ctx context.Context, req *Request) (*Result, error)
}

// ExecutionLogger receives one audit record per tool handler
// invocation. *history.Store satisfies it.
type ExecutionLogger interface {
	AppendToolExecution(ctx context.Context, te *models.ToolExecution) (int64, error)
}
