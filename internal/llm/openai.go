package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ocelotbot/ocelot/internal/parts"
	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/pkg/models"
)

const openaiProviderName = "openai"

// chatCompleter is the slice of the go-openai SDK the driver needs.
// *openai.Client satisfies it; tests substitute fakes.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIConfig configures the separate-tool-messages dialect driver.
type OpenAIConfig struct {
	// APIKey is the credential (required). The pool has size 1; the
	// shared keyring still advances per request for uniformity.
	APIKey string

	// OrganizationID is the optional OpenAI organization header.
	OrganizationID string

	// DefaultModel is used when the request does not specify one.
	DefaultModel string

	// Registry exposes the callable tools (required).
	Registry *tools.Registry

	// Dispatcher executes model-proposed calls (required).
	Dispatcher *tools.Dispatcher

	// ExecLog records tool executions (required).
	ExecLog ExecutionLogger

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// OpenAIDriver implements the dialect where assistant turns carry a
// tool_calls array and each tool result is its own role=tool message
// keyed by tool_call_id.
type OpenAIDriver struct {
	client       chatCompleter
	keyring      *Keyring
	registry     *tools.Registry
	runner       *toolRunner
	codec        *parts.Codec
	defaultModel string
	log          *slog.Logger
}

// NewOpenAIDriver creates the dialect B driver.
func NewOpenAIDriver(cfg OpenAIConfig, keyring *Keyring) (*OpenAIDriver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: API key is required")
	}
	if keyring == nil {
		return nil, fmt.Errorf("openai: keyring is required")
	}
	if cfg.Registry == nil || cfg.Dispatcher == nil || cfg.ExecLog == nil {
		return nil, fmt.Errorf("openai: registry, dispatcher and exec log are required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gpt-4o"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.OrganizationID != "" {
		clientCfg.OrgID = cfg.OrganizationID
	}

	return &OpenAIDriver{
		client:       openai.NewClientWithConfig(clientCfg),
		keyring:      keyring,
		registry:     cfg.Registry,
		runner:       &toolRunner{dispatcher: cfg.Dispatcher, execLog: cfg.ExecLog, log: cfg.Logger},
		codec:        parts.New(cfg.Logger),
		defaultModel: cfg.DefaultModel,
		log:          cfg.Logger,
	}, nil
}

// Name implements Driver.
func (d *OpenAIDriver) Name() string { return openaiProviderName }

// parsedCall is one tool call off an assistant message with its
// arguments decoded (or the decode failure preserved).
type parsedCall struct {
	id       string
	name     string
	args     map[string]any
	parseErr error
}

// Drive implements Driver.
func (d *OpenAIDriver) Drive(ctx context.Context, req *Request) (*Result, error) {
	defer d.keyring.Advance()

	model := req.Model
	if model == "" {
		model = d.defaultModel
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}

	convo := make([]*models.Content, 0, len(req.History)+2)
	convo = append(convo, req.History...)
	convo = append(convo, &models.Content{
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart(req.Message)},
	})

	msgs := toOpenAIMessages(convo, req.SystemPrompt)
	apiTools := openaiTools(d.registry.Definitions())

	res := &Result{}
	for step := 1; step <= maxSteps; step++ {
		res.Steps = step

		msgs = sanitizeMessages(msgs, d.log)
		resp, err := d.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: msgs,
			Tools:    apiTools,
		})
		if err != nil {
			return nil, classifyOpenAIError(openaiProviderName, model, err)
		}
		if len(resp.Choices) == 0 {
			return nil, &ProviderError{
				Reason: ReasonUnknown, Provider: openaiProviderName, Model: model,
				Err: fmt.Errorf("response has no choices"),
			}
		}

		choice := resp.Choices[0]
		assistant := choice.Message

		if choice.FinishReason != openai.FinishReasonToolCalls || len(assistant.ToolCalls) == 0 {
			msgs = append(msgs, assistant)
			convo = append(convo, assistantTurn(d.codec, assistant, nil))
			break
		}

		msgs = append(msgs, assistant)
		calls := d.parseCalls(assistant.ToolCalls)
		convo = append(convo, assistantTurn(d.codec, assistant, calls))

		toolMsgs, toolParts, blocked := d.processCalls(ctx, req, calls, res)
		msgs = append(msgs, toolMsgs...)
		convo = append(convo, &models.Content{Role: models.RoleTool, Parts: toolParts})

		if blocked {
			d.log.Info("blocking tool fired, ending turn", "chat_id", req.Caller.ChatID)
			break
		}
		if step == maxSteps {
			d.log.Warn("step budget exhausted", "chat_id", req.Caller.ChatID, "steps", step)
			break
		}
	}

	res.History = convo
	return res, nil
}

func (d *OpenAIDriver) parseCalls(toolCalls []openai.ToolCall) []parsedCall {
	calls := make([]parsedCall, 0, len(toolCalls))
	for _, tc := range toolCalls {
		pc := parsedCall{id: tc.ID, name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			var args map[string]any
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				pc.parseErr = fmt.Errorf("invalid tool arguments: %w", err)
			} else {
				pc.args = d.codec.NormalizeMap(args)
			}
		}
		if pc.args == nil {
			pc.args = map[string]any{}
		}
		calls = append(calls, pc)
	}
	return calls
}

// assistantTurn converts an assistant message into an internal model
// turn. Parsed calls are passed in so the turn's call parts carry
// decoded argument maps rather than raw JSON strings.
func assistantTurn(codec *parts.Codec, msg openai.ChatCompletionMessage, calls []parsedCall) *models.Content {
	turn := &models.Content{Role: models.RoleModel}
	if msg.Content != "" {
		turn.Parts = append(turn.Parts, models.TextPart(msg.Content))
	}
	for _, pc := range calls {
		if pc.name == "" {
			continue
		}
		turn.Parts = append(turn.Parts, models.ToolCallPart(pc.name, pc.args))
	}
	return turn
}

// processCalls handles one assistant batch in input order. Argument
// parse failures do not fail the request: the error goes back to the
// model as that call's tool message and processing continues.
func (d *OpenAIDriver) processCalls(ctx context.Context, req *Request, calls []parsedCall, res *Result) ([]openai.ChatCompletionMessage, []models.Part, bool) {
	var msgs []openai.ChatCompletionMessage
	var toolParts []models.Part

	for _, pc := range calls {
		if pc.parseErr != nil {
			payload := map[string]any{
				"status":  "error",
				"message": pc.parseErr.Error(),
			}
			msgs = append(msgs, toolMessage(pc.id, payload))
			toolParts = append(toolParts, models.ToolResponsePart(pc.name, payload))
			d.log.Warn("tool call arguments failed to parse", "tool", pc.name, "error", pc.parseErr)
			continue
		}

		result := d.runner.run(ctx, req, pc.name, pc.args)
		msgs = append(msgs, toolMessage(pc.id, result.Payload))
		toolParts = append(toolParts, models.ToolResponsePart(pc.name, result.Payload))
		record(res, pc.name, pc.args, result)

		if tools.IsBlockingCall(pc.name, pc.args) {
			return msgs, toolParts, true
		}
	}
	return msgs, toolParts, false
}

func toolMessage(id string, payload map[string]any) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{
		Role:       openai.ChatMessageRoleTool,
		ToolCallID: id,
		Content:    marshalOrEmpty(payload),
	}
}
