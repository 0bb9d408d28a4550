// Package telegram adapts the Telegram Bot API to the orchestration
// core: long-polling intake normalized into IncomingMessage values,
// and outbound sends with MarkdownV2 rendering.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf16"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/ocelotbot/ocelot/internal/markdown"
	"github.com/ocelotbot/ocelot/pkg/models"
)

// MessageHandler receives each normalized inbound message.
type MessageHandler func(ctx context.Context, msg *models.IncomingMessage)

// Config holds the adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// Handler receives inbound messages (required).
	Handler MessageHandler

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

// Adapter is the Telegram transport.
type Adapter struct {
	bot     *bot.Bot
	handler MessageHandler
	log     *slog.Logger

	mu       sync.RWMutex
	identity models.BotIdentity
}

// NewAdapter creates the adapter. The bot connection is established in
// Start.
func NewAdapter(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("telegram: handler is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &Adapter{
		handler: cfg.Handler,
		log:     cfg.Logger.With("adapter", "telegram"),
	}

	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	a.bot = b
	return a, nil
}

// Start resolves the bot's own identity and runs the long-polling loop
// until ctx is cancelled.
func (a *Adapter) Start(ctx context.Context) error {
	me, err := a.bot.GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram: getMe: %w", err)
	}
	a.mu.Lock()
	a.identity = models.BotIdentity{ID: me.ID, Username: me.Username}
	a.mu.Unlock()

	a.log.Info("telegram adapter started", "bot_id", me.ID, "bot_username", me.Username)
	a.bot.Start(ctx)
	a.log.Info("telegram adapter stopped")
	return nil
}

// Identity returns the bot's own id and username, available after
// Start has connected.
func (a *Adapter) Identity() models.BotIdentity {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.identity
}

func (a *Adapter) handleUpdate(ctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
	tm := update.Message
	if tm == nil || tm.Text == "" {
		return
	}
	if tm.From == nil || tm.From.IsBot {
		return
	}

	msg := convertMessage(tm, a.Identity())
	a.log.Debug("message received",
		"chat_id", msg.ChatID, "user_id", msg.UserID, "chat_type", msg.ChatType)

	// Updates are consumed serially; handling must not stall the poll.
	go a.handler(ctx, msg)
}

// convertMessage normalizes one Telegram message.
func convertMessage(tm *tgmodels.Message, identity models.BotIdentity) *models.IncomingMessage {
	msg := &models.IncomingMessage{
		ChatID:    tm.Chat.ID,
		UserID:    tm.From.ID,
		MessageID: int64(tm.ID),
		ChatType:  models.ChatType(tm.Chat.Type),
		Text:      tm.Text,
		Mentions:  extractMentions(tm.Text, tm.Entities),
		Username:  tm.From.Username,
		FirstName: tm.From.FirstName,
		LastName:  tm.From.LastName,
	}
	if reply := tm.ReplyToMessage; reply != nil && reply.From != nil {
		msg.ReplyToBot = identity.ID != 0 && reply.From.ID == identity.ID
	}
	return msg
}

// extractMentions pulls @mentions out of the entity list. Telegram
// entity offsets count UTF-16 code units.
func extractMentions(text string, entities []tgmodels.MessageEntity) []string {
	var mentions []string
	var units []uint16
	for _, e := range entities {
		if string(e.Type) != "mention" {
			continue
		}
		if units == nil {
			units = utf16.Encode([]rune(text))
		}
		if e.Offset < 0 || e.Offset+e.Length > len(units) {
			continue
		}
		mention := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
		mentions = append(mentions, strings.TrimPrefix(mention, "@"))
	}
	return mentions
}

// Send delivers text to a chat. MarkdownV2 is tried first; if Telegram
// rejects the entity markup the text goes out again as plain text, so
// a formatting slip never swallows a reply.
func (a *Adapter) Send(ctx context.Context, chatID int64, text string) error {
	_, err := a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      markdown.EscapeV2Preserving(text),
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err == nil {
		return nil
	}
	a.log.Warn("markdown send failed, retrying as plain text", "chat_id", chatID, "error", err)

	_, err = a.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatID,
		Text:   text,
	})
	if err != nil {
		return fmt.Errorf("telegram: send to chat %d: %w", chatID, err)
	}
	return nil
}
