package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/genai"

	"github.com/ocelotbot/ocelot/internal/parts"
	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/pkg/models"
)

const geminiProviderName = "gemini"

// generator is the slice of the genai SDK the driver needs. The
// production implementation wraps one *genai.Client per API key;
// tests substitute fakes.
type generator interface {
	generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type genaiGenerator struct {
	client *genai.Client
}

func (g *genaiGenerator) generate(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return g.client.Models.GenerateContent(ctx, model, contents, cfg)
}

// GeminiConfig configures the inline-parts dialect driver.
type GeminiConfig struct {
	// APIKeys is the credential pool; one pre-initialized client is
	// built per key and selected by the shared keyring (required).
	APIKeys []string

	// DefaultModel is used when the request does not specify one.
	DefaultModel string

	// QuotaBackoff is the wait between key-rotation attempts after a
	// quota error. Default: 2 seconds.
	QuotaBackoff time.Duration

	// Registry exposes the callable tools (required).
	Registry *tools.Registry

	// Dispatcher executes model-proposed calls (required).
	Dispatcher *tools.Dispatcher

	// ExecLog records tool executions (required).
	ExecLog ExecutionLogger

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// GeminiDriver implements the inline-parts tool-calling dialect:
// assistant turns mix text and function-call parts, and tool results
// travel back as function-response parts in a single tool turn.
type GeminiDriver struct {
	gens         []generator
	keyring      *Keyring
	registry     *tools.Registry
	runner       *toolRunner
	codec        *parts.Codec
	defaultModel string
	backoff      time.Duration
	log          *slog.Logger
}

// NewGeminiDriver builds one client per pool key and shares the given
// keyring for rotation. The keyring must have the same size as the
// key pool.
func NewGeminiDriver(ctx context.Context, cfg GeminiConfig, keyring *Keyring) (*GeminiDriver, error) {
	if len(cfg.APIKeys) == 0 {
		return nil, fmt.Errorf("gemini: API key pool is empty")
	}
	if keyring == nil || keyring.Size() != len(cfg.APIKeys) {
		return nil, fmt.Errorf("gemini: keyring does not match key pool")
	}
	if cfg.Registry == nil || cfg.Dispatcher == nil || cfg.ExecLog == nil {
		return nil, fmt.Errorf("gemini: registry, dispatcher and exec log are required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	if cfg.QuotaBackoff == 0 {
		cfg.QuotaBackoff = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	gens := make([]generator, 0, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		client, err := genai.NewClient(ctx, &genai.ClientConfig{
			APIKey:  key,
			Backend: genai.BackendGeminiAPI,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: failed to create client: %w", err)
		}
		gens = append(gens, &genaiGenerator{client: client})
	}

	return &GeminiDriver{
		gens:         gens,
		keyring:      keyring,
		registry:     cfg.Registry,
		runner:       &toolRunner{dispatcher: cfg.Dispatcher, execLog: cfg.ExecLog, log: cfg.Logger},
		codec:        parts.New(cfg.Logger),
		defaultModel: cfg.DefaultModel,
		backoff:      cfg.QuotaBackoff,
		log:          cfg.Logger,
	}, nil
}

// Name implements Driver.
func (d *GeminiDriver) Name() string { return geminiProviderName }

// Drive implements Driver. The first send walks the key pool on quota
// errors; the shared keyring index advances exactly once when the
// request completes, success or not.
func (d *GeminiDriver) Drive(ctx context.Context, req *Request) (*Result, error) {
	defer d.keyring.Advance()

	model := req.Model
	if model == "" {
		model = d.defaultModel
	}
	maxSteps := req.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 10
	}

	cfg := &genai.GenerateContentConfig{
		Tools: geminiTools(d.registry.Definitions()),
	}
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.SystemPrompt}},
		}
	}

	convo := make([]*models.Content, 0, len(req.History)+2)
	convo = append(convo, req.History...)
	convo = append(convo, &models.Content{
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart(req.Message)},
	})

	resp, active, err := d.sendWithRotation(ctx, model, convo, cfg)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	for step := 1; step <= maxSteps; step++ {
		res.Steps = step

		turn, finish := genaiCandidateTurn(d.codec, resp)
		convo = append(convo, turn)

		if !finishAllowsContinue(finish) {
			d.log.Debug("terminal finish reason", "finish_reason", finish)
			break
		}

		calls := wellFormedCalls(turn)
		if len(calls) == 0 {
			break
		}

		responses, blocked := d.processCalls(ctx, req, calls, res)
		convo = append(convo, &models.Content{Role: models.RoleTool, Parts: responses})

		if blocked {
			d.log.Info("blocking tool fired, ending turn", "chat_id", req.Caller.ChatID)
			break
		}
		if step == maxSteps {
			d.log.Warn("step budget exhausted", "chat_id", req.Caller.ChatID, "steps", step)
			break
		}

		resp, err = d.gens[active].generate(ctx, model, toGenaiContents(convo), cfg)
		if err != nil {
			return nil, classifyGeminiError(geminiProviderName, model, err)
		}
	}

	res.History = convo
	return res, nil
}

// sendWithRotation performs the initial send, walking the pool in
// increasing index from the shared cursor on quota errors. The shared
// cursor itself is not touched here.
func (d *GeminiDriver) sendWithRotation(ctx context.Context, model string, convo []*models.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, int, error) {
	contents := toGenaiContents(convo)
	start := d.keyring.Current()

	var lastErr *ProviderError
	for attempt := 0; attempt < d.keyring.Size(); attempt++ {
		idx := (start + attempt) % d.keyring.Size()
		resp, err := d.gens[idx].generate(ctx, model, contents, cfg)
		if err == nil {
			return resp, idx, nil
		}

		pe := classifyGeminiError(geminiProviderName, model, err)
		if pe.Reason != ReasonQuota {
			return nil, 0, pe
		}

		lastErr = pe
		d.log.Warn("quota exceeded, rotating key", "key_index", idx, "attempt", attempt+1)
		if attempt < d.keyring.Size()-1 {
			select {
			case <-time.After(d.backoff):
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			}
		}
	}
	return nil, 0, lastErr
}

func wellFormedCalls(turn *models.Content) []*models.ToolCall {
	var calls []*models.ToolCall
	for _, p := range turn.Parts {
		if p.ToolCall != nil && p.ToolCall.Name != "" {
			calls = append(calls, p.ToolCall)
		}
	}
	return calls
}

// processCalls dispatches the turn's calls in input order. When a
// blocking call is reached, the remaining calls are skipped; the
// responses collected so far are still returned so the tool turn in
// history corresponds to what actually ran.
func (d *GeminiDriver) processCalls(ctx context.Context, req *Request, calls []*models.ToolCall, res *Result) ([]models.Part, bool) {
	var responses []models.Part
	for _, call := range calls {
		args := d.codec.NormalizeMap(call.Args)
		result := d.runner.run(ctx, req, call.Name, args)
		responses = append(responses, models.ToolResponsePart(call.Name, result.Payload))
		record(res, call.Name, args, result)

		if tools.IsBlockingCall(call.Name, args) {
			return responses, true
		}
	}
	return responses, false
}
