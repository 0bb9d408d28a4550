package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ocelotbot/ocelot/pkg/models"
)

const helpText = `Commands:
/clear - forget this chat's conversation history
/mode default|pro - switch the model dialect for this chat
/model <name> - override the model for this chat (empty resets)
/prompt <text> - set an extra system prompt for this chat (empty resets)
/forget <category> - delete a remembered fact about you
/help - this message`

// handleCommand executes one slash command. Settings-changing commands
// are admin-gated when an admin list is configured; /help and /forget
// are always open.
func (l *Loop) handleCommand(ctx context.Context, msg *models.IncomingMessage) {
	name, arg := splitCommand(msg.Text)

	switch name {
	case "start", "help":
		l.reply(ctx, msg.ChatID, helpText)
		return
	case "forget":
		l.commandForget(ctx, msg, arg)
		return
	}

	if !l.isAdmin(msg.UserID) {
		l.reply(ctx, msg.ChatID, "That command is restricted to admins.")
		return
	}

	switch name {
	case "clear":
		l.commandClear(ctx, msg)
	case "mode":
		l.commandMode(ctx, msg, arg)
	case "model":
		l.commandModel(ctx, msg, arg)
	case "prompt":
		l.commandPrompt(ctx, msg, arg)
	default:
		l.log.Debug("unknown command ignored", "chat_id", msg.ChatID, "command", name)
	}
}

// splitCommand separates "/mode@ocelot_bot pro" into ("mode", "pro").
func splitCommand(text string) (name, arg string) {
	text = strings.TrimPrefix(text, "/")
	name, arg, _ = strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func (l *Loop) isAdmin(userID int64) bool {
	if len(l.adminIDs) == 0 {
		return true
	}
	for _, id := range l.adminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (l *Loop) commandClear(ctx context.Context, msg *models.IncomingMessage) {
	if err := l.store.ClearChat(ctx, msg.ChatID); err != nil {
		l.log.Error("failed to clear chat", "chat_id", msg.ChatID, "error", err)
		l.reply(ctx, msg.ChatID, "Could not clear the history.")
		return
	}
	l.reply(ctx, msg.ChatID, "Conversation history cleared.")
}

func (l *Loop) commandMode(ctx context.Context, msg *models.IncomingMessage, arg string) {
	mode := models.AIMode(arg)
	if mode != models.AIModeDefault && mode != models.AIModePro {
		l.reply(ctx, msg.ChatID, "Usage: /mode default|pro")
		return
	}
	l.updateSettings(ctx, msg, func(cs *models.ChatSettings) { cs.AIMode = mode },
		fmt.Sprintf("Mode set to %s.", mode))
}

func (l *Loop) commandModel(ctx context.Context, msg *models.IncomingMessage, arg string) {
	confirm := "Model override cleared."
	if arg != "" {
		confirm = fmt.Sprintf("Model set to %s.", arg)
	}
	l.updateSettings(ctx, msg, func(cs *models.ChatSettings) { cs.ModelName = arg }, confirm)
}

func (l *Loop) commandPrompt(ctx context.Context, msg *models.IncomingMessage, arg string) {
	confirm := "Custom prompt cleared."
	if arg != "" {
		confirm = "Custom prompt set."
	}
	l.updateSettings(ctx, msg, func(cs *models.ChatSettings) { cs.CustomPrompt = arg }, confirm)
}

func (l *Loop) updateSettings(ctx context.Context, msg *models.IncomingMessage, mutate func(*models.ChatSettings), confirm string) {
	settings, err := l.store.ChatSettingsFor(ctx, msg.ChatID)
	if err != nil {
		l.log.Error("failed to load chat settings", "chat_id", msg.ChatID, "error", err)
		l.reply(ctx, msg.ChatID, "Could not load the chat settings.")
		return
	}
	mutate(settings)
	if err := l.store.UpsertChatSettings(ctx, settings); err != nil {
		l.log.Error("failed to store chat settings", "chat_id", msg.ChatID, "error", err)
		l.reply(ctx, msg.ChatID, "Could not store the chat settings.")
		return
	}
	l.reply(ctx, msg.ChatID, confirm)
}

func (l *Loop) commandForget(ctx context.Context, msg *models.IncomingMessage, arg string) {
	if arg == "" {
		l.reply(ctx, msg.ChatID, "Usage: /forget <category>")
		return
	}
	if err := l.store.DeleteNote(ctx, msg.UserID, arg); err != nil {
		l.log.Error("failed to delete note", "user_id", msg.UserID, "error", err)
		l.reply(ctx, msg.ChatID, "Could not delete that.")
		return
	}
	l.reply(ctx, msg.ChatID, fmt.Sprintf("Forgot %s.", arg))
}
