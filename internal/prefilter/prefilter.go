// Package prefilter runs the cheap-model triage pass over group
// messages that did not address the bot directly. The lite model
// returns a fenced JSON action list; the filter applies inline actions
// itself and reports whether the heavy model should take over.
package prefilter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ocelotbot/ocelot/pkg/models"
)

// Action kinds the lite model may emit. Anything else is ignored.
const (
	ActionRememberUserInfo = "remember_user_info"
	ActionTriggerPro       = "trigger_pro_model_processing"
)

// Generator produces one completion for one prompt. *llm.LiteModel
// satisfies it.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// NoteWriter persists remembered user facts. *history.Store satisfies it.
type NoteWriter interface {
	UpsertNote(ctx context.Context, note *models.UserNote, merge bool) error
}

// Decision is the triage outcome for one message.
type Decision int

const (
	// DecisionIgnore means the message needs no reply.
	DecisionIgnore Decision = iota

	// DecisionEscalate means the heavy model should process the message.
	DecisionEscalate
)

// Config assembles a Filter.
type Config struct {
	Generator Generator
	Notes     NoteWriter

	// Prompt is the lite-model instruction text. The message context is
	// appended to it per request.
	Prompt string

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Filter is the pre-filter triage stage.
type Filter struct {
	gen    Generator
	notes  NoteWriter
	prompt string
	log    *slog.Logger
}

// New creates a filter.
func New(cfg Config) (*Filter, error) {
	if cfg.Generator == nil {
		return nil, fmt.Errorf("prefilter: generator is required")
	}
	if cfg.Notes == nil {
		return nil, fmt.Errorf("prefilter: note writer is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Filter{
		gen:    cfg.Generator,
		notes:  cfg.Notes,
		prompt: cfg.Prompt,
		log:    cfg.Logger,
	}, nil
}

// Run triages one message. A response the filter cannot parse
// escalates: the lite model clearly had something to say, so the
// heavy model gets to figure out what.
func (f *Filter) Run(ctx context.Context, msg *models.IncomingMessage) (Decision, error) {
	raw, err := f.gen.Generate(ctx, f.renderPrompt(msg))
	if err != nil {
		return DecisionIgnore, fmt.Errorf("prefilter: generate: %w", err)
	}

	actions, err := ParseActions(raw)
	if err != nil {
		f.log.Warn("unparseable prefilter response, escalating", "chat_id", msg.ChatID, "error", err)
		return DecisionEscalate, nil
	}

	decision := DecisionIgnore
	for _, a := range actions {
		switch a.Name {
		case ActionRememberUserInfo:
			f.applyRemember(ctx, msg, a.Arguments)
		case ActionTriggerPro:
			decision = DecisionEscalate
		default:
			f.log.Debug("ignoring unknown prefilter action", "action", a.Name)
		}
	}
	return decision, nil
}

func (f *Filter) renderPrompt(msg *models.IncomingMessage) string {
	var b strings.Builder
	b.WriteString(f.prompt)
	fmt.Fprintf(&b, "\n\nChat ID: %d\nUser ID: %d", msg.ChatID, msg.UserID)
	if msg.Username != "" {
		fmt.Fprintf(&b, "\nUsername: @%s", msg.Username)
	}
	fmt.Fprintf(&b, "\nMessage: %s", msg.Text)
	return b.String()
}

// applyRemember writes one remembered fact. A malformed action is
// logged and skipped; the filter never fails the message over it.
func (f *Filter) applyRemember(ctx context.Context, msg *models.IncomingMessage, args map[string]any) {
	category, _ := args["info_category"].(string)
	value, hasValue := args["info_value"]
	if category == "" || !hasValue {
		f.log.Warn("remember_user_info action missing info_category or info_value", "chat_id", msg.ChatID)
		return
	}

	userID := msg.UserID
	if v, ok := coerceID(args["user_id"]); ok {
		userID = v
	}

	if err := f.notes.UpsertNote(ctx, &models.UserNote{
		UserID:   userID,
		Category: category,
		Value:    value,
	}, true); err != nil {
		f.log.Error("failed to store remembered fact", "user_id", userID, "category", category, "error", err)
		return
	}
	f.log.Info("remembered user fact", "user_id", userID, "category", category)
}

// Action is one entry of the lite model's action list.
type Action struct {
	Name      string
	Arguments map[string]any
}

type rawAction struct {
	FunctionName string         `json:"function_name"`
	Arguments    map[string]any `json:"arguments"`
}

type actionEnvelope struct {
	Actions []rawAction `json:"actions_to_perform"`
}

// ParseActions decodes the lite model's response: an optional Markdown
// code fence around a JSON object with an actions_to_perform list.
// Entries without a function name are dropped.
func ParseActions(raw string) ([]Action, error) {
	body := StripFences(raw)
	if body == "" {
		return nil, nil
	}

	var env actionEnvelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("decode action list: %w", err)
	}

	out := make([]Action, 0, len(env.Actions))
	for _, ra := range env.Actions {
		if ra.FunctionName == "" {
			continue
		}
		args := ra.Arguments
		if args == nil {
			args = map[string]any{}
		}
		out = append(out, Action{Name: ra.FunctionName, Arguments: args})
	}
	return out, nil
}

// StripFences removes a surrounding Markdown code fence, with or
// without a language tag, and trims whitespace.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		// The first fence line may carry a language tag ("json").
		first := strings.TrimSpace(s[:nl])
		if first == "" || !strings.ContainsAny(first, "{}[]") {
			s = s[nl+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// coerceID accepts the integer encodings JSON decoding produces.
func coerceID(v any) (int64, bool) {
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case json.Number:
		n, err := val.Int64()
		return n, err == nil
	case string:
		var n int64
		if _, err := fmt.Sscanf(val, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
