package history

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ocelotbot/ocelot/internal/parts"
	"github.com/ocelotbot/ocelot/pkg/models"
)

// ManagerConfig tunes history preparation.
type ManagerConfig struct {
	// HistoryLength is how many stored rows are loaded per request.
	// Default: 50.
	HistoryLength int

	// RecentToolLogs is how many recent tool executions are folded into
	// the synthetic recent-actions block. Default: 4.
	RecentToolLogs int

	// ResultTruncate caps the JSON payload quoted per tool log entry.
	// Default: 500 bytes.
	ResultTruncate int

	// Logger is an optional slog.Logger instance.
	Logger *slog.Logger
}

func (c *ManagerConfig) setDefaults() {
	if c.HistoryLength <= 0 {
		c.HistoryLength = 50
	}
	if c.RecentToolLogs <= 0 {
		c.RecentToolLogs = 4
	}
	if c.ResultTruncate <= 0 {
		c.ResultTruncate = 500
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// PrepareOptions selects the synthetic context blocks added in front
// of the replayed history.
type PrepareOptions struct {
	AddRecentToolLogs bool
	AddUserContext    bool
}

// Manager turns stored rows into the prepared conversation a driver
// consumes, and persists the turns a drive produced.
type Manager struct {
	store *Store
	codec *parts.Codec
	cfg   ManagerConfig
	log   *slog.Logger
}

// NewManager creates a manager over the given store.
func NewManager(store *Store, cfg ManagerConfig) *Manager {
	cfg.setDefaults()
	return &Manager{
		store: store,
		codec: parts.New(cfg.Logger),
		cfg:   cfg,
		log:   cfg.Logger,
	}
}

// Prepare loads and shapes the conversation for one request:
//
//  1. Reconstruct the last N stored rows. Rows whose parts fail to
//     deserialize are dropped; empty model rows survive as empty turns.
//  2. In group chats, prefix each user turn with "User {id}: " so the
//     model can tell speakers apart.
//  3. Apply the loop-avoidance filter: when the previous exchange ended
//     with a tool-bearing model turn followed by a pure-text model turn,
//     the trailing text is dropped so the model does not treat its own
//     closing remark as something to respond to again.
//  4. Optionally prepend the recent-actions and user-context blocks,
//     in that order.
//  5. Strip tool call and response parts from replayed model turns;
//     providers reject replayed tool traffic they did not issue ids for.
func (m *Manager) Prepare(ctx context.Context, chatID int64, userID int64, chatType models.ChatType, opts PrepareOptions) ([]*models.Content, error) {
	entries, err := m.store.LastMessages(ctx, chatID, m.cfg.HistoryLength)
	if err != nil {
		return nil, fmt.Errorf("history: load messages: %w", err)
	}

	convo := make([]*models.Content, 0, len(entries)+2)
	for _, e := range entries {
		turn := m.reconstruct(e, chatType)
		if turn == nil {
			continue
		}
		convo = append(convo, turn)
	}

	convo = dropTrailingEcho(convo)

	// Recent actions lead, user context follows.
	var prefix []*models.Content
	if opts.AddRecentToolLogs {
		if block := m.recentActionsBlock(ctx, chatID); block != nil {
			prefix = append(prefix, block)
		}
	}
	if opts.AddUserContext {
		if block := m.userContextBlock(ctx, userID); block != nil {
			prefix = append(prefix, block)
		}
	}
	convo = append(prefix, convo...)

	return stripReplayedToolParts(convo), nil
}

func (m *Manager) reconstruct(e models.Entry, chatType models.ChatType) *models.Content {
	dicts := m.codec.Deserialize(e.PartsJSON)
	if parts.IsFailureSentinel(dicts) {
		m.log.Warn("dropping unreadable history row", "chat_id", e.ChatID, "message_id", e.ID)
		return nil
	}
	turn := m.codec.Reconstruct(e.Role, dicts)
	if turn == nil {
		// Model rows may legitimately be empty; anything else is noise.
		if e.Role == models.RoleModel {
			return &models.Content{Role: models.RoleModel}
		}
		return nil
	}
	if chatType.IsGroup() && e.Role == models.RoleUser && e.UserID != nil {
		prefixUserTurn(turn, *e.UserID)
	}
	return turn
}

// prefixUserTurn prepends the speaker tag to the first text part.
func prefixUserTurn(turn *models.Content, userID int64) {
	for i := range turn.Parts {
		if turn.Parts[i].Text != "" {
			turn.Parts[i].Text = fmt.Sprintf("User %d: %s", userID, turn.Parts[i].Text)
			return
		}
	}
}

// dropTrailingEcho removes the final turn when the stored history ends
// with two model turns where the first carries tool traffic and the
// second is pure text. Replaying that text makes the model answer its
// own answer. The shape cannot recur after one removal, so the filter
// is idempotent.
func dropTrailingEcho(convo []*models.Content) []*models.Content {
	n := len(convo)
	if n < 2 {
		return convo
	}
	last, prev := convo[n-1], convo[n-2]
	if last.Role != models.RoleModel || prev.Role != models.RoleModel {
		return convo
	}
	if !hasToolPart(prev) {
		return convo
	}
	if hasToolPart(last) || last.JoinedText() == "" {
		return convo
	}
	return convo[:n-1]
}

func hasToolPart(turn *models.Content) bool {
	for _, p := range turn.Parts {
		if p.ToolCall != nil || p.ToolResponse != nil {
			return true
		}
	}
	return false
}

// stripReplayedToolParts removes tool call and response parts from
// model turns. Turns left empty by the strip are dropped.
func stripReplayedToolParts(convo []*models.Content) []*models.Content {
	out := make([]*models.Content, 0, len(convo))
	for _, turn := range convo {
		if turn.Role != models.RoleModel {
			out = append(out, turn)
			continue
		}
		var kept []models.Part
		for _, p := range turn.Parts {
			if p.ToolCall != nil || p.ToolResponse != nil {
				continue
			}
			kept = append(kept, p)
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, &models.Content{Role: turn.Role, Parts: kept})
	}
	return out
}

// userContextBlock renders the caller's profile and notes as a
// synthetic user turn, or nil when nothing is known.
func (m *Manager) userContextBlock(ctx context.Context, userID int64) *models.Content {
	if userID == 0 {
		return nil
	}
	profile, err := m.store.Profile(ctx, userID)
	if err != nil {
		if err != ErrNotFound {
			m.log.Warn("failed to load profile for context block", "user_id", userID, "error", err)
		}
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[Known context about user %d]\n", userID)
	if name := profile.DisplayName(); name != "" {
		fmt.Fprintf(&b, "Name: %s\n", name)
	}
	if profile.Username != "" {
		fmt.Fprintf(&b, "Username: @%s\n", profile.Username)
	}

	notes, err := m.store.Notes(ctx, userID)
	if err != nil {
		m.log.Warn("failed to load notes for context block", "user_id", userID, "error", err)
	}
	for _, note := range notes {
		fmt.Fprintf(&b, "- %s: %s\n", note.Category, renderNoteValue(note.Value))
	}

	return &models.Content{
		Role:  models.RoleUser,
		Parts: []models.Part{models.TextPart(strings.TrimRight(b.String(), "\n"))},
	}
}

func renderNoteValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(raw)
}

// recentActionsBlock renders the chat's last tool executions as a
// synthetic model turn so the model remembers what it already did.
// The communication tool is excluded; its effect is the visible reply.
func (m *Manager) recentActionsBlock(ctx context.Context, chatID int64) *models.Content {
	execs, err := m.store.RecentToolExecutions(ctx, chatID, m.cfg.RecentToolLogs, "send_telegram_message")
	if err != nil {
		m.log.Warn("failed to load recent tool executions", "chat_id", chatID, "error", err)
		return nil
	}
	if len(execs) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("[Recent actions I performed in this chat]\n")
	for _, te := range execs {
		fmt.Fprintf(&b, "- %s %s (%s)", te.CreatedAt.UTC().Format(time.RFC3339), te.ToolName, te.Status)
		if te.ResultMessage != "" {
			fmt.Fprintf(&b, ": %s", truncate(te.ResultMessage, m.cfg.ResultTruncate))
		}
		b.WriteString("\n")
		if te.Stdout != "" {
			fmt.Fprintf(&b, "  stdout: %s\n", truncate(te.Stdout, m.cfg.ResultTruncate))
		}
		if te.Stderr != "" {
			fmt.Fprintf(&b, "  stderr: %s\n", truncate(te.Stderr, m.cfg.ResultTruncate))
		}
		if te.FullResultJSON != "" {
			fmt.Fprintf(&b, "```json\n%s\n```\n", truncate(te.FullResultJSON, m.cfg.ResultTruncate))
		}
	}

	return &models.Content{
		Role:  models.RoleModel,
		Parts: []models.Part{models.TextPart(strings.TrimRight(b.String(), "\n"))},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// RecordUserMessage persists one inbound user message.
func (m *Manager) RecordUserMessage(ctx context.Context, chatID, userID int64, text string) error {
	_, err := m.store.AppendMessage(ctx, &models.Entry{
		ChatID:    chatID,
		Role:      models.RoleUser,
		UserID:    &userID,
		PartsJSON: m.codec.Serialize([]models.Part{models.TextPart(text)}),
	})
	if err != nil {
		return fmt.Errorf("history: save user turn: %w", err)
	}
	return nil
}

// Save persists the turns a drive added beyond the prepared prefix.
// The user turn is skipped (the agent loop stores it before driving)
// and tool turns are skipped (the execution log is their record);
// model turns are serialized with their full parts, tool traffic
// included. When the terminal model turn has no text but the reply
// went out through the communication tool, that text is stored in its
// place so a replay shows what was actually said.
func (m *Manager) Save(ctx context.Context, chatID int64, final []*models.Content, originalLen int, lastTextViaTool string) error {
	if originalLen < 0 || originalLen >= len(final) {
		return nil
	}
	delta := final[originalLen:]

	lastModel := -1
	for i, turn := range delta {
		if turn.Role == models.RoleModel {
			lastModel = i
		}
	}

	for i, turn := range delta {
		switch turn.Role {
		case models.RoleUser, models.RoleTool:
			continue
		}

		ps := turn.Parts
		if i == lastModel && turn.JoinedText() == "" && lastTextViaTool != "" {
			ps = append(append([]models.Part{}, ps...), models.TextPart(lastTextViaTool))
		}

		if _, err := m.store.AppendMessage(ctx, &models.Entry{
			ChatID:    chatID,
			Role:      turn.Role,
			PartsJSON: m.codec.Serialize(ps),
		}); err != nil {
			return fmt.Errorf("history: save model turn: %w", err)
		}
	}
	return nil
}
