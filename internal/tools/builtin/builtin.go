// Package builtin provides the first-party tool definitions: the
// communication tool and the memory tool. Everything else arrives via
// the declaration file.
package builtin

import (
	"context"
	"fmt"

	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/pkg/models"
)

// Messenger delivers text to a chat. The Telegram adapter satisfies it.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// NoteStore persists remembered user facts. *history.Store satisfies it.
type NoteStore interface {
	UpsertNote(ctx context.Context, note *models.UserNote, merge bool) error
}

// SendMessage builds the communication tool. chat_id is injected by
// the dispatcher when the model leaves it out; a model-supplied value
// targets another chat.
func SendMessage(m Messenger) tools.Definition {
	return tools.Definition{
		Name:        tools.MessageToolName,
		Description: "Send a text message to a Telegram chat. Set requires_user_response when the message is a question the user must answer before you can continue.",
		Params: []tools.Param{
			{Name: "text", Type: tools.TypeString, Description: "The message text.", Required: true},
			{Name: "chat_id", Type: tools.TypeInteger, Description: "Target chat. Defaults to the current chat."},
			{Name: tools.RequiresResponseArg, Type: tools.TypeBoolean, Description: "True when the conversation cannot proceed without the user's reply."},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			text, _ := args["text"].(string)
			if text == "" {
				return nil, fmt.Errorf("text must be a non-empty string")
			}
			chatID, ok := coerceInt64(args["chat_id"])
			if !ok {
				return nil, fmt.Errorf("chat_id is not an integer")
			}
			if err := m.Send(ctx, chatID, text); err != nil {
				return nil, fmt.Errorf("send message: %w", err)
			}
			return map[string]any{
				"status":  "success",
				"message": "message sent",
			}, nil
		},
	}
}

// RememberUserInfo builds the memory tool. user_id is injected from
// the caller unless the model names someone else; list-valued
// categories merge instead of overwrite.
func RememberUserInfo(ns NoteStore) tools.Definition {
	return tools.Definition{
		Name:        "remember_user_info",
		Description: "Store a fact about a user under a category, e.g. info_category \"city\" with info_value \"Lisbon\". Facts persist across conversations.",
		Params: []tools.Param{
			{Name: "info_category", Type: tools.TypeString, Description: "Short category name for the fact.", Required: true},
			{Name: "info_value", Type: tools.TypeString, Description: "The fact to remember.", Required: true},
			{Name: "user_id", Type: tools.TypeInteger, Description: "The user the fact is about. Defaults to the current user."},
			{Name: "merge", Type: tools.TypeBoolean, Description: "Merge with an existing note instead of overwriting. Defaults to true."},
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			category, _ := args["info_category"].(string)
			if category == "" {
				return nil, fmt.Errorf("info_category must be a non-empty string")
			}
			value, ok := args["info_value"]
			if !ok {
				return nil, fmt.Errorf("info_value is required")
			}
			userID, ok := coerceInt64(args["user_id"])
			if !ok {
				return nil, fmt.Errorf("user_id is not an integer")
			}
			merge := true
			if v, ok := args["merge"].(bool); ok {
				merge = v
			}
			if err := ns.UpsertNote(ctx, &models.UserNote{
				UserID:   userID,
				Category: category,
				Value:    value,
			}, merge); err != nil {
				return nil, fmt.Errorf("store note: %w", err)
			}
			return map[string]any{
				"status":  "success",
				"message": fmt.Sprintf("remembered %s for user %d", category, userID),
			}, nil
		},
	}
}

func coerceInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int64:
		return val, true
	case int:
		return int64(val), true
	case float64:
		return int64(val), true
	}
	return 0, false
}
