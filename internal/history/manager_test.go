package history

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ocelotbot/ocelot/internal/parts"
	"github.com/ocelotbot/ocelot/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, *Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(StoreConfig{Path: ":memory:", Logger: log})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewManager(store, ManagerConfig{Logger: log}), store
}

func appendTurn(t *testing.T, store *Store, chatID int64, role models.Role, userID *int64, ps ...models.Part) {
	t.Helper()
	codec := parts.New(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := store.AppendMessage(context.Background(), &models.Entry{
		ChatID:    chatID,
		Role:      role,
		UserID:    userID,
		PartsJSON: codec.Serialize(ps),
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
}

func TestPrepareStripsReplayedToolParts(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("run it"))
	appendTurn(t, store, 1, models.RoleModel, nil,
		models.TextPart("running"),
		models.ToolCallPart("get_time", map[string]any{}),
		models.ToolResponsePart("get_time", map[string]any{"status": "success"}),
	)
	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("thanks"))

	convo, err := m.Prepare(ctx, 1, 0, models.ChatPrivate, PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 3 {
		t.Fatalf("len = %d, want 3", len(convo))
	}
	model := convo[1]
	if model.Role != models.RoleModel {
		t.Fatalf("turn 1 role = %q", model.Role)
	}
	for _, p := range model.Parts {
		if p.ToolCall != nil || p.ToolResponse != nil {
			t.Errorf("tool part survived the strip: %+v", p)
		}
	}
	if model.JoinedText() != "running" {
		t.Errorf("text = %q, want running", model.JoinedText())
	}
}

func TestPrepareDropsToolOnlyModelTurns(t *testing.T) {
	m, store := newTestManager(t)

	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("go"))
	appendTurn(t, store, 1, models.RoleModel, nil,
		models.ToolCallPart("get_time", map[string]any{}))
	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("and?"))

	convo, err := m.Prepare(context.Background(), 1, 0, models.ChatPrivate, PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 2 {
		t.Fatalf("len = %d, want 2 (tool-only turn dropped)", len(convo))
	}
	for _, turn := range convo {
		if turn.Role != models.RoleUser {
			t.Errorf("unexpected role %q", turn.Role)
		}
	}
}

func TestPrepareGroupPrefix(t *testing.T) {
	m, store := newTestManager(t)
	uid := int64(42)

	appendTurn(t, store, 1, models.RoleUser, &uid, models.TextPart("hello"))

	convo, err := m.Prepare(context.Background(), 1, 0, models.ChatSupergroup, PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := convo[0].JoinedText(); got != "User 42: hello" {
		t.Errorf("text = %q, want speaker prefix", got)
	}

	// Private chats stay unprefixed.
	convo, err = m.Prepare(context.Background(), 1, 0, models.ChatPrivate, PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if got := convo[0].JoinedText(); got != "hello" {
		t.Errorf("text = %q, want no prefix in private chat", got)
	}
}

func TestPrepareDropsTrailingEcho(t *testing.T) {
	m, store := newTestManager(t)

	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("do the thing"))
	appendTurn(t, store, 1, models.RoleModel, nil,
		models.TextPart("on it"),
		models.ToolCallPart("get_time", map[string]any{}))
	appendTurn(t, store, 1, models.RoleModel, nil, models.TextPart("Done!"))

	convo, err := m.Prepare(context.Background(), 1, 0, models.ChatPrivate, PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 2 {
		t.Fatalf("len = %d, want 2 (trailing echo dropped)", len(convo))
	}
	if got := convo[len(convo)-1].JoinedText(); got != "on it" {
		t.Errorf("last text = %q, want the tool-bearing turn's text", got)
	}
}

func TestPrepareKeepsTrailingTextWithoutToolPredecessor(t *testing.T) {
	m, store := newTestManager(t)

	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("hi"))
	appendTurn(t, store, 1, models.RoleModel, nil, models.TextPart("hello"))
	appendTurn(t, store, 1, models.RoleModel, nil, models.TextPart("anything else?"))

	convo, err := m.Prepare(context.Background(), 1, 0, models.ChatPrivate, PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 3 {
		t.Errorf("len = %d, want 3 (no tool traffic, nothing dropped)", len(convo))
	}
}

func TestPrepareDropsUnreadableRows(t *testing.T) {
	m, store := newTestManager(t)

	if _, err := store.AppendMessage(context.Background(), &models.Entry{
		ChatID:    1,
		Role:      models.RoleUser,
		PartsJSON: "{not json",
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("readable"))

	convo, err := m.Prepare(context.Background(), 1, 0, models.ChatPrivate, PrepareOptions{})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 1 || convo[0].JoinedText() != "readable" {
		t.Errorf("convo = %+v, want only the readable row", convo)
	}
}

func TestPrepareUserContextBlock(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	if err := store.UpsertProfile(ctx, &models.UserProfile{
		UserID: 42, Username: "ada", FirstName: "Ada",
	}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := store.UpsertNote(ctx, &models.UserNote{
		UserID: 42, Category: "likes", Value: "espresso",
	}, false); err != nil {
		t.Fatalf("UpsertNote: %v", err)
	}
	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("hi"))

	convo, err := m.Prepare(ctx, 1, 42, models.ChatPrivate, PrepareOptions{AddUserContext: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 2 {
		t.Fatalf("len = %d, want context block + history", len(convo))
	}
	block := convo[0].JoinedText()
	for _, want := range []string{"user 42", "Ada", "@ada", "likes: espresso"} {
		if !strings.Contains(block, want) {
			t.Errorf("context block missing %q:\n%s", want, block)
		}
	}
}

func TestPrepareRecentActionsBlock(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	for _, name := range []string{"get_time", "send_telegram_message"} {
		if _, err := store.AppendToolExecution(ctx, &models.ToolExecution{
			ChatID:         1,
			CreatedAt:      time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
			ToolName:       name,
			Status:         models.ToolStatusSuccess,
			ResultMessage:  "ok",
			Stdout:         "12:00",
			Stderr:         "clock drift warning",
			FullResultJSON: `{"status":"success"}`,
		}); err != nil {
			t.Fatalf("AppendToolExecution: %v", err)
		}
	}
	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("hi"))

	convo, err := m.Prepare(ctx, 1, 0, models.ChatPrivate, PrepareOptions{AddRecentToolLogs: true})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 2 {
		t.Fatalf("len = %d, want actions block + history", len(convo))
	}
	block := convo[0]
	if block.Role != models.RoleModel {
		t.Errorf("block role = %q, want model", block.Role)
	}
	text := block.JoinedText()
	for _, want := range []string{
		"get_time",
		"2026-08-24T12:00:00Z",
		"stdout: 12:00",
		"stderr: clock drift warning",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("block missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "send_telegram_message") {
		t.Errorf("communication tool should be excluded:\n%s", text)
	}
}

func TestPrepareContextBlocksOrder(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	if err := store.UpsertProfile(ctx, &models.UserProfile{UserID: 42, Username: "ada"}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if _, err := store.AppendToolExecution(ctx, &models.ToolExecution{
		ChatID:   1,
		ToolName: "get_time",
		Status:   models.ToolStatusSuccess,
	}); err != nil {
		t.Fatalf("AppendToolExecution: %v", err)
	}
	appendTurn(t, store, 1, models.RoleUser, nil, models.TextPart("hi"))

	convo, err := m.Prepare(ctx, 1, 42, models.ChatPrivate, PrepareOptions{
		AddRecentToolLogs: true,
		AddUserContext:    true,
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(convo) != 3 {
		t.Fatalf("len = %d, want actions + context + history", len(convo))
	}
	if !strings.Contains(convo[0].JoinedText(), "Recent actions") {
		t.Errorf("turn 0 = %q, want recent actions first", convo[0].JoinedText())
	}
	if !strings.Contains(convo[1].JoinedText(), "Known context") {
		t.Errorf("turn 1 = %q, want user context after logs", convo[1].JoinedText())
	}
}

func TestSavePersistsOnlyNewModelTurns(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	prepared := []*models.Content{
		{Role: models.RoleUser, Parts: []models.Part{models.TextPart("earlier")}},
	}
	final := append(prepared,
		&models.Content{Role: models.RoleUser, Parts: []models.Part{models.TextPart("now")}},
		&models.Content{Role: models.RoleModel, Parts: []models.Part{
			models.ToolCallPart("get_time", map[string]any{}),
		}},
		&models.Content{Role: models.RoleTool, Parts: []models.Part{
			models.ToolResponsePart("get_time", map[string]any{"status": "success"}),
		}},
		&models.Content{Role: models.RoleModel, Parts: []models.Part{models.TextPart("noon")}},
	)

	if err := m.Save(ctx, 1, final, len(prepared), ""); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := store.LastMessages(ctx, 1, 10)
	if err != nil {
		t.Fatalf("LastMessages: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("stored rows = %d, want 2 model rows", len(entries))
	}
	for _, e := range entries {
		if e.Role != models.RoleModel {
			t.Errorf("stored role = %q, want model", e.Role)
		}
	}
	// Tool call parts survive the round-trip in storage.
	if !strings.Contains(entries[0].PartsJSON, "get_time") {
		t.Errorf("first model row lost its tool call: %s", entries[0].PartsJSON)
	}
}

func TestSaveSubstitutesToolSentText(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	final := []*models.Content{
		{Role: models.RoleUser, Parts: []models.Part{models.TextPart("hi")}},
		{Role: models.RoleModel, Parts: []models.Part{
			models.ToolCallPart("send_telegram_message", map[string]any{"text": "Which city?"}),
		}},
	}

	if err := m.Save(ctx, 1, final, 0, "Which city?"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	entries, err := store.LastMessages(ctx, 1, 10)
	if err != nil {
		t.Fatalf("LastMessages: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("stored rows = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0].PartsJSON, "Which city?") {
		t.Errorf("sent text not stored: %s", entries[0].PartsJSON)
	}
}

func TestSaveNothingNew(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()

	final := []*models.Content{
		{Role: models.RoleUser, Parts: []models.Part{models.TextPart("hi")}},
	}
	if err := m.Save(ctx, 1, final, 1, ""); err != nil {
		t.Fatalf("Save: %v", err)
	}
	entries, err := store.LastMessages(ctx, 1, 10)
	if err != nil {
		t.Fatalf("LastMessages: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("stored rows = %d, want 0", len(entries))
	}
}
