package agent

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ocelotbot/ocelot/internal/history"
	"github.com/ocelotbot/ocelot/internal/llm"
	"github.com/ocelotbot/ocelot/internal/prefilter"
	"github.com/ocelotbot/ocelot/internal/tools"
	"github.com/ocelotbot/ocelot/pkg/models"
)

type fakeDriver struct {
	name     string
	err      error
	lastTool string
	sentText string
	calls    int
	lastReq  *llm.Request
}

func (f *fakeDriver) Name() string { return f.name }

func (f *fakeDriver) Drive(_ context.Context, req *llm.Request) (*llm.Result, error) {
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	hist := append(append([]*models.Content{}, req.History...),
		&models.Content{Role: models.RoleUser, Parts: []models.Part{models.TextPart(req.Message)}},
		&models.Content{Role: models.RoleModel, Parts: []models.Part{models.TextPart("pong")}},
	)
	return &llm.Result{
		History:             hist,
		Steps:               1,
		LastToolCalled:      f.lastTool,
		LastTextSentViaTool: f.sentText,
	}, nil
}

type fakeMessenger struct {
	sent []string
	to   []int64
}

func (f *fakeMessenger) Send(_ context.Context, chatID int64, text string) error {
	f.to = append(f.to, chatID)
	f.sent = append(f.sent, text)
	return nil
}

type stubGenerator struct{ response string }

func (s *stubGenerator) Generate(context.Context, string) (string, error) {
	return s.response, nil
}

type loopFixture struct {
	loop      *Loop
	store     *history.Store
	driver    *fakeDriver
	messenger *fakeMessenger
}

func newLoopFixture(t *testing.T, mutate func(*Config)) *loopFixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := history.NewStore(history.StoreConfig{Path: ":memory:", Logger: log})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	driver := &fakeDriver{name: "fake"}
	messenger := &fakeMessenger{}
	cfg := Config{
		Store:        store,
		Manager:      history.NewManager(store, history.ManagerConfig{Logger: log}),
		Primary:      driver,
		Messenger:    messenger,
		Identity:     func() models.BotIdentity { return models.BotIdentity{ID: 1, Username: "ocelot_bot"} },
		SystemPrompt: "be helpful",
		Logger:       log,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	loop, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &loopFixture{loop: loop, store: store, driver: driver, messenger: messenger}
}

func privateMsg(text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		ChatID: 7, UserID: 42, MessageID: 100,
		ChatType: models.ChatPrivate, Text: text,
		Username: "ada", FirstName: "Ada",
	}
}

func groupMsg(text string) *models.IncomingMessage {
	return &models.IncomingMessage{
		ChatID: -100, UserID: 42, MessageID: 100,
		ChatType: models.ChatSupergroup, Text: text,
		Username: "ada", FirstName: "Ada",
	}
}

func TestHandleMessagePrivate(t *testing.T) {
	fx := newLoopFixture(t, nil)
	ctx := context.Background()

	fx.loop.HandleMessage(ctx, privateMsg("ping"))

	if fx.driver.calls != 1 {
		t.Fatalf("driver calls = %d, want 1", fx.driver.calls)
	}
	if got := fx.driver.lastReq.Message; got != "ping" {
		t.Errorf("message = %q, want no speaker prefix in private chat", got)
	}
	if fx.driver.lastReq.SystemPrompt != "be helpful" {
		t.Errorf("system prompt = %q", fx.driver.lastReq.SystemPrompt)
	}
	if len(fx.messenger.sent) != 1 || fx.messenger.sent[0] != "pong" {
		t.Fatalf("sent = %v, want the model's text", fx.messenger.sent)
	}

	// User and model turns both persisted.
	entries, err := fx.store.LastMessages(ctx, 7, 10)
	if err != nil {
		t.Fatalf("LastMessages: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("stored rows = %d, want 2", len(entries))
	}
	if entries[0].Role != models.RoleUser || entries[1].Role != models.RoleModel {
		t.Errorf("roles = (%q, %q)", entries[0].Role, entries[1].Role)
	}

	// The sender's profile was captured.
	profile, err := fx.store.Profile(ctx, 42)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if profile.FirstName != "Ada" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestHandleMessageGroupPrefixesSpeaker(t *testing.T) {
	fx := newLoopFixture(t, nil)
	msg := groupMsg("hello @ocelot_bot")
	msg.Mentions = []string{"ocelot_bot"}

	fx.loop.HandleMessage(context.Background(), msg)

	if fx.driver.calls != 1 {
		t.Fatalf("driver calls = %d, want 1 (mention escalates)", fx.driver.calls)
	}
	if got := fx.driver.lastReq.Message; got != "User 42: hello @ocelot_bot" {
		t.Errorf("message = %q, want speaker prefix", got)
	}
}

func TestHandleMessageReplyToBotEscalates(t *testing.T) {
	fx := newLoopFixture(t, nil)
	msg := groupMsg("yes please")
	msg.ReplyToBot = true

	fx.loop.HandleMessage(context.Background(), msg)
	if fx.driver.calls != 1 {
		t.Errorf("driver calls = %d, want 1", fx.driver.calls)
	}
}

func TestHandleMessageGroupPrefilterIgnores(t *testing.T) {
	fx := newLoopFixture(t, func(cfg *Config) {
		f, err := prefilter.New(prefilter.Config{
			Generator: &stubGenerator{response: `{"actions_to_perform":[]}`},
			Notes:     cfg.Store,
			Logger:    cfg.Logger,
		})
		if err != nil {
			t.Fatalf("prefilter.New: %v", err)
		}
		cfg.Prefilter = f
	})

	fx.loop.HandleMessage(context.Background(), groupMsg("talking amongst ourselves"))
	if fx.driver.calls != 0 {
		t.Errorf("driver calls = %d, want 0", fx.driver.calls)
	}
	if len(fx.messenger.sent) != 0 {
		t.Errorf("sent = %v, want silence", fx.messenger.sent)
	}
}

func TestHandleMessageGroupPrefilterEscalates(t *testing.T) {
	fx := newLoopFixture(t, func(cfg *Config) {
		f, err := prefilter.New(prefilter.Config{
			Generator: &stubGenerator{response: `{"actions_to_perform":[{"function_name":"trigger_pro_model_processing"}]}`},
			Notes:     cfg.Store,
			Logger:    cfg.Logger,
		})
		if err != nil {
			t.Fatalf("prefilter.New: %v", err)
		}
		cfg.Prefilter = f
	})

	fx.loop.HandleMessage(context.Background(), groupMsg("can someone check the weather"))
	if fx.driver.calls != 1 {
		t.Errorf("driver calls = %d, want 1", fx.driver.calls)
	}
}

func TestHandleMessageForceProBypassesPrefilter(t *testing.T) {
	fx := newLoopFixture(t, func(cfg *Config) {
		// A prefilter that would otherwise ignore the message.
		f, err := prefilter.New(prefilter.Config{
			Generator: &stubGenerator{response: `{"actions_to_perform":[]}`},
			Notes:     cfg.Store,
			Logger:    cfg.Logger,
		})
		if err != nil {
			t.Fatalf("prefilter.New: %v", err)
		}
		cfg.Prefilter = f
	})

	msg := groupMsg("no mention, no reply")
	msg.ForcePro = true

	fx.loop.HandleMessage(context.Background(), msg)
	if fx.driver.calls != 1 {
		t.Errorf("driver calls = %d, want 1 (force_pro escalates)", fx.driver.calls)
	}
}

func TestHandleMessageSuppressesAfterToolSpoke(t *testing.T) {
	fx := newLoopFixture(t, nil)
	fx.driver.lastTool = tools.MessageToolName
	fx.driver.sentText = "pong"

	fx.loop.HandleMessage(context.Background(), privateMsg("ping"))
	if len(fx.messenger.sent) != 0 {
		t.Errorf("sent = %v, want none (tool already spoke)", fx.messenger.sent)
	}
}

func TestHandleMessageDriveError(t *testing.T) {
	fx := newLoopFixture(t, nil)
	fx.driver.err = &llm.ProviderError{Reason: llm.ReasonQuota, Provider: "fake"}

	fx.loop.HandleMessage(context.Background(), privateMsg("ping"))
	if len(fx.messenger.sent) != 1 {
		t.Fatalf("sent = %v, want one error line", fx.messenger.sent)
	}
	if !strings.Contains(fx.messenger.sent[0], "try again") {
		t.Errorf("error line = %q", fx.messenger.sent[0])
	}

	// The failed drive must not store a model turn.
	entries, err := fx.store.LastMessages(context.Background(), 7, 10)
	if err != nil {
		t.Fatalf("LastMessages: %v", err)
	}
	if len(entries) != 1 || entries[0].Role != models.RoleUser {
		t.Errorf("stored rows = %+v, want only the user turn", entries)
	}
}

func TestHandleMessageSecondaryDialect(t *testing.T) {
	secondary := &fakeDriver{name: "secondary"}
	fx := newLoopFixture(t, func(cfg *Config) { cfg.Secondary = secondary })
	ctx := context.Background()

	if err := fx.store.UpsertChatSettings(ctx, &models.ChatSettings{
		ChatID: 7, AIMode: models.AIModePro, ModelName: "alt-model",
	}); err != nil {
		t.Fatalf("UpsertChatSettings: %v", err)
	}

	fx.loop.HandleMessage(ctx, privateMsg("ping"))
	if secondary.calls != 1 || fx.driver.calls != 0 {
		t.Errorf("calls = (secondary %d, primary %d), want (1, 0)", secondary.calls, fx.driver.calls)
	}
	if secondary.lastReq.Model != "alt-model" {
		t.Errorf("model = %q, want the per-chat override", secondary.lastReq.Model)
	}
}

func TestCustomPromptAppended(t *testing.T) {
	fx := newLoopFixture(t, nil)
	ctx := context.Background()

	if err := fx.store.UpsertChatSettings(ctx, &models.ChatSettings{
		ChatID: 7, AIMode: models.AIModeDefault, CustomPrompt: "answer in haiku",
	}); err != nil {
		t.Fatalf("UpsertChatSettings: %v", err)
	}

	fx.loop.HandleMessage(ctx, privateMsg("ping"))
	want := "be helpful\n\nanswer in haiku"
	if fx.driver.lastReq.SystemPrompt != want {
		t.Errorf("system prompt = %q, want %q", fx.driver.lastReq.SystemPrompt, want)
	}
}
