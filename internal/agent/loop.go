// Package agent is the orchestration core: it triages each inbound
// message, runs the pre-filter or the heavy tool-calling drive, and
// delivers the reply.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ocelotbot/ocelot/internal/history"
	"github.com/ocelotbot/ocelot/internal/llm"
	"github.com/ocelotbot/ocelot/internal/observability"
	"github.com/ocelotbot/ocelot/internal/prefilter"
	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/pkg/models"
)

// Messenger delivers reply text. The Telegram adapter satisfies it.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// IdentityFunc resolves the bot's own identity for mention triage.
type IdentityFunc func() models.BotIdentity

// Config assembles the loop.
type Config struct {
	// Store persists profiles, settings and notes (required).
	Store *history.Store

	// Manager prepares and saves conversation history (required).
	Manager *history.Manager

	// Primary is the default-dialect driver (required).
	Primary llm.Driver

	// Secondary serves chats switched to the alternate dialect.
	// Falls back to Primary when nil.
	Secondary llm.Driver

	// Prefilter triages unaddressed group messages. When nil, every
	// group message goes to the heavy model.
	Prefilter *prefilter.Filter

	// Messenger delivers replies (required).
	Messenger Messenger

	// Identity resolves the bot's id and username (required).
	Identity IdentityFunc

	// SystemPrompt is the heavy model's base instruction.
	SystemPrompt string

	// MaxSteps bounds model<->tool round-trips per request.
	MaxSteps int

	// AdminIDs gate the settings commands. Empty means everyone.
	AdminIDs []int64

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Loop processes inbound messages end to end.
type Loop struct {
	store     *history.Store
	manager   *history.Manager
	primary   llm.Driver
	secondary llm.Driver
	filter    *prefilter.Filter
	messenger Messenger
	identity  IdentityFunc
	prompt    string
	maxSteps  int
	adminIDs  []int64
	metrics   *observability.Metrics
	log       *slog.Logger
}

// New creates the loop.
func New(cfg Config) (*Loop, error) {
	if cfg.Store == nil || cfg.Manager == nil {
		return nil, fmt.Errorf("agent: store and manager are required")
	}
	if cfg.Primary == nil {
		return nil, fmt.Errorf("agent: primary driver is required")
	}
	if cfg.Messenger == nil || cfg.Identity == nil {
		return nil, fmt.Errorf("agent: messenger and identity are required")
	}
	if cfg.Secondary == nil {
		cfg.Secondary = cfg.Primary
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = 10
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{
		store:     cfg.Store,
		manager:   cfg.Manager,
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		filter:    cfg.Prefilter,
		messenger: cfg.Messenger,
		identity:  cfg.Identity,
		prompt:    cfg.SystemPrompt,
		maxSteps:  cfg.MaxSteps,
		adminIDs:  cfg.AdminIDs,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
	}, nil
}

// HandleMessage processes one inbound message. Errors are handled
// in-loop: the user gets a readable line and the details are logged.
func (l *Loop) HandleMessage(ctx context.Context, msg *models.IncomingMessage) {
	log := l.log.With("request_id", uuid.NewString(), "chat_id", msg.ChatID, "user_id", msg.UserID)

	if err := l.store.UpsertProfile(ctx, &models.UserProfile{
		UserID:    msg.UserID,
		Username:  msg.Username,
		FirstName: msg.FirstName,
		LastName:  msg.LastName,
	}); err != nil {
		log.Error("failed to upsert profile", "error", err)
	}

	if strings.HasPrefix(msg.Text, "/") {
		l.countMessage(msg, "command")
		l.handleCommand(ctx, msg)
		return
	}

	if err := l.manager.RecordUserMessage(ctx, msg.ChatID, msg.UserID, msg.Text); err != nil {
		log.Error("failed to persist user message", "error", err)
	}

	switch l.triage(ctx, msg) {
	case triagePro:
		l.countMessage(msg, "pro")
		l.runPro(ctx, msg, log)
	default:
		l.countMessage(msg, "ignored")
		log.Debug("message ignored by triage")
	}
}

type triageResult int

const (
	triageIgnore triageResult = iota
	triagePro
)

// triage decides whether the heavy model sees the message. Force-pro
// messages, private chats, replies to the bot, and whole-token
// @mentions always escalate; the rest of group traffic goes through
// the pre-filter.
func (l *Loop) triage(ctx context.Context, msg *models.IncomingMessage) triageResult {
	if msg.ForcePro {
		return triagePro
	}
	if !msg.ChatType.IsGroup() {
		return triagePro
	}
	if msg.ReplyToBot {
		return triagePro
	}
	if username := l.identity().Username; username != "" {
		for _, mention := range msg.Mentions {
			if strings.EqualFold(mention, username) {
				return triagePro
			}
		}
	}

	if l.filter == nil {
		return triagePro
	}

	decision, err := l.filter.Run(ctx, msg)
	if err != nil {
		l.countPrefilter("error")
		l.log.Warn("prefilter failed, ignoring message", "chat_id", msg.ChatID, "error", err)
		return triageIgnore
	}
	if decision == prefilter.DecisionEscalate {
		l.countPrefilter("escalate")
		return triagePro
	}
	l.countPrefilter("ignore")
	return triageIgnore
}

// runPro drives the heavy model over the prepared history and delivers
// the terminal text.
func (l *Loop) runPro(ctx context.Context, msg *models.IncomingMessage, log *slog.Logger) {
	settings, err := l.store.ChatSettingsFor(ctx, msg.ChatID)
	if err != nil {
		log.Error("failed to load chat settings", "error", err)
		settings = &models.ChatSettings{ChatID: msg.ChatID, AIMode: models.AIModeDefault}
	}

	prepared, err := l.manager.Prepare(ctx, msg.ChatID, msg.UserID, msg.ChatType, history.PrepareOptions{
		AddRecentToolLogs: true,
		AddUserContext:    true,
	})
	if err != nil {
		log.Error("failed to prepare history", "error", err)
		prepared = nil
	}

	driver := l.primary
	if settings.AIMode == models.AIModePro {
		driver = l.secondary
	}

	text := msg.Text
	if msg.ChatType.IsGroup() {
		text = fmt.Sprintf("User %d: %s", msg.UserID, text)
	}

	uid := msg.UserID
	mid := msg.MessageID
	req := &llm.Request{
		History:          prepared,
		Message:          text,
		SystemPrompt:     l.systemPrompt(settings),
		Model:            settings.ModelName,
		MaxSteps:         l.maxSteps,
		Caller:           tools.Caller{ChatID: msg.ChatID, UserID: &uid},
		TriggerMessageID: &mid,
	}

	start := time.Now()
	res, err := driver.Drive(ctx, req)
	l.observeDrive(driver.Name(), req.Model, time.Since(start), err)
	if err != nil {
		log.Error("drive failed", "provider", driver.Name(), "error", err)
		l.reply(ctx, msg.ChatID, llm.UserMessage(err))
		return
	}

	log.Info("drive finished",
		"provider", driver.Name(), "steps", res.Steps, "last_tool", res.LastToolCalled)

	if reply := l.terminalText(res); reply != "" {
		l.reply(ctx, msg.ChatID, reply)
	}

	if err := l.manager.Save(ctx, msg.ChatID, res.History, len(prepared), res.LastTextSentViaTool); err != nil {
		log.Error("failed to save drive history", "error", err)
	}
}

// terminalText picks the reply to deliver. When the communication tool
// already spoke, the model's closing text is an internal remark and is
// dropped.
func (l *Loop) terminalText(res *llm.Result) string {
	if res.LastToolCalled == tools.MessageToolName {
		return ""
	}
	for i := len(res.History) - 1; i >= 0; i-- {
		if res.History[i].Role == models.RoleModel {
			return strings.TrimSpace(res.History[i].JoinedText())
		}
	}
	return ""
}

func (l *Loop) systemPrompt(settings *models.ChatSettings) string {
	if settings.CustomPrompt == "" {
		return l.prompt
	}
	if l.prompt == "" {
		return settings.CustomPrompt
	}
	return l.prompt + "\n\n" + settings.CustomPrompt
}

func (l *Loop) reply(ctx context.Context, chatID int64, text string) {
	if err := l.messenger.Send(ctx, chatID, text); err != nil {
		l.log.Error("failed to deliver reply", "chat_id", chatID, "error", err)
	}
}

func (l *Loop) countMessage(msg *models.IncomingMessage, outcome string) {
	if l.metrics == nil {
		return
	}
	l.metrics.MessageCounter.WithLabelValues(string(msg.ChatType), outcome).Inc()
}

func (l *Loop) countPrefilter(decision string) {
	if l.metrics == nil {
		return
	}
	l.metrics.PrefilterDecisions.WithLabelValues(decision).Inc()
}

func (l *Loop) observeDrive(provider, model string, elapsed time.Duration, err error) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	l.metrics.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	l.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
}
