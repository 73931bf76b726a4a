package flow_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	botrepo "github.com/vendazap/vendazap/internal/bot/repository"
	"github.com/vendazap/vendazap/internal/bot/users"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/config"
	"github.com/vendazap/vendazap/internal/flow"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/router"
	"github.com/vendazap/vendazap/internal/telegram"
	"github.com/vendazap/vendazap/internal/tracking"
)

type fakeAPI struct {
	sent []tgbotapi.Chattable
}

func (a *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	a.sent = append(a.sent, c)
	return tgbotapi.Message{MessageID: len(a.sent)}, nil
}

func (a *fakeAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (a *fakeAPI) texts() []string {
	var out []string
	for _, c := range a.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m.Text)
		}
	}
	return out
}

type fakeTrack struct{}

func (fakeTrack) Get(context.Context, string) (*tracking.Snapshot, error) {
	return nil, tracking.ErrNotFound
}
func (fakeTrack) BindChat(context.Context, int64, int64, int64, string) error { return nil }
func (fakeTrack) LastTokenForUser(context.Context, int64, int64) (string, error) {
	return "", tracking.ErrNotFound
}

type fakeLocker struct {
	contended bool
	locks     []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	if l.contended {
		return "", false, nil
	}
	l.locks = append(l.locks, key)
	return "lock-token", true, nil
}

func (l *fakeLocker) Release(context.Context, string, string) error { return nil }

type fakeClients struct {
	api telegram.API
}

func (c fakeClients) Client(int64) telegram.API { return c.api }

type resumeEntry struct {
	ref tracking.ResumeRef
	at  time.Time
}

type memCursors struct {
	cursors map[string]*tracking.FlowCursor
	resumes []resumeEntry
	clock   *clock.FakeClock
}

func newMemCursors(clk *clock.FakeClock) *memCursors {
	return &memCursors{cursors: map[string]*tracking.FlowCursor{}, clock: clk}
}

func key(botID, chatID int64) string { return fmt.Sprintf("%d:%d", botID, chatID) }

func (m *memCursors) SaveCursor(_ context.Context, botID, chatID int64, cursor *tracking.FlowCursor, _ time.Duration) error {
	copied := *cursor
	copied.UpdatedAt = m.clock.Now()
	m.cursors[key(botID, chatID)] = &copied
	return nil
}

func (m *memCursors) Cursor(_ context.Context, botID, chatID int64) (*tracking.FlowCursor, error) {
	cursor, ok := m.cursors[key(botID, chatID)]
	if !ok {
		return nil, tracking.ErrNotFound
	}
	copied := *cursor
	return &copied, nil
}

func (m *memCursors) ClearCursor(_ context.Context, botID, chatID int64) error {
	delete(m.cursors, key(botID, chatID))
	return nil
}

func (m *memCursors) ScheduleResume(_ context.Context, botID, chatID int64, at time.Time) error {
	m.resumes = append(m.resumes, resumeEntry{ref: tracking.ResumeRef{BotID: botID, ChatID: chatID}, at: at})
	return nil
}

func (m *memCursors) DueResumes(_ context.Context, now time.Time, _ int64) ([]tracking.ResumeRef, error) {
	var due []tracking.ResumeRef
	var rest []resumeEntry
	for _, e := range m.resumes {
		if e.at.After(now) {
			rest = append(rest, e)
			continue
		}
		due = append(due, e.ref)
	}
	m.resumes = rest
	return due, nil
}

type fakePayments struct {
	inputs   []*paymentdomain.CreatePixInput
	statuses map[string]*paymentdomain.Payment
}

func (f *fakePayments) CreatePix(_ context.Context, in *paymentdomain.CreatePixInput) (*paymentdomain.CreatePixOutput, error) {
	f.inputs = append(f.inputs, in)
	return &paymentdomain.CreatePixOutput{
		Payment: &paymentdomain.Payment{
			PaymentID:   fmt.Sprintf("pay_%d", len(f.inputs)),
			BotID:       in.BotID,
			Amount:      in.Amount,
			ProductName: in.ProductName,
			PixCode:     "00020126pix",
			Status:      paymentdomain.StatusPending,
			FlowStepID:  in.FlowStepID,
		},
	}, nil
}

func (f *fakePayments) Status(_ context.Context, paymentID string) (*paymentdomain.Payment, error) {
	return f.statuses[paymentID], nil
}

type fakeDeliverer struct {
	delivered []string
}

func (f *fakeDeliverer) Deliver(_ context.Context, p *paymentdomain.Payment) error {
	f.delivered = append(f.delivered, p.PaymentID)
	return nil
}

type fixture struct {
	engine   *flow.Engine
	db       *gorm.DB
	api      *fakeAPI
	cursors  *memCursors
	payments *fakePayments
	deliver  *fakeDeliverer
	locker   *fakeLocker
	clk      *clock.FakeClock
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:flowtest_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&botdomain.Bot{}, &botdomain.BotUser{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := botrepo.Provide()
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	cursors := newMemCursors(clk)
	payments := &fakePayments{statuses: map[string]*paymentdomain.Payment{}}
	deliver := &fakeDeliverer{}
	locker := &fakeLocker{}
	api := &fakeAPI{}

	engine := flow.New(flow.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Bots:     repo,
		Binder:   users.NewBinder(db, zap.NewNop(), repo, fakeTrack{}, clk),
		Cursors:  cursors,
		Payments: payments,
		Sender:   telegram.NewSender(nil, zap.NewNop()),
		Delivery: deliver,
		Locker:   locker,
		Clients:  fakeClients{api: api},
		Clock:    clk,
		Cfg:      config.Config{FlowCursorTTL: 24 * time.Hour},
	})
	return &fixture{engine: engine, db: db, api: api, cursors: cursors, payments: payments, deliver: deliver, locker: locker, clk: clk}
}

const flowJSON = `{
	"entry_step_id": "boas_vindas",
	"grace_window_seconds": 600,
	"steps": [
		{"id": "boas_vindas", "kind": "message", "text": "Olá {{nome}}!", "next": "pergunta"},
		{"id": "pergunta", "kind": "input", "var": "email", "validation_re": ".+@.+", "next": "escolha", "text": "Qual seu e-mail?"},
		{"id": "escolha", "kind": "buttons", "var": "plano", "text": "Escolha o plano:",
		 "buttons": [{"label": "Mensal", "next": "rota"}, {"label": "Anual", "next": "rota"}]},
		{"id": "rota", "kind": "branch",
		 "cases": [{"var": "plano", "equals": "Anual", "next": "pagar_anual"}],
		 "default_next": "pagar_mensal"},
		{"id": "pagar_mensal", "kind": "payment", "price": 1997, "product_id": "p1", "product_name": "Mensal", "paid_next": "fim"},
		{"id": "pagar_anual", "kind": "payment", "price": 9997, "product_id": "p2", "product_name": "Anual", "paid_next": "fim"},
		{"id": "fim", "kind": "end", "text": "Acesso liberado!"}
	]
}`

func (f *fixture) conv() *router.Conversation {
	return &router.Conversation{
		Bot: &botdomain.Bot{
			ID:          snowflake.ID(100),
			OwnerID:     1,
			Username:    "flow_bot",
			IsActive:    true,
			FlowEnabled: true,
			FlowVersion: 3,
			FlowConfig:  datatypes.JSON([]byte(flowJSON)),
		},
		API:       f.api,
		ChatID:    200,
		UserID:    300,
		FirstName: "Ana",
	}
}

func TestStartWalksToFirstWaitPoint(t *testing.T) {
	f := setup(t)

	f.engine.HandleStart(context.Background(), f.conv(), "")

	texts := f.api.texts()
	if len(texts) != 2 {
		t.Fatalf("sent %v, want the welcome and the input prompt", texts)
	}
	if texts[0] != "Olá {{nome}}!" {
		t.Fatalf("welcome = %q", texts[0])
	}
	if texts[1] != "Qual seu e-mail?" {
		t.Fatalf("prompt = %q", texts[1])
	}

	cursor, err := f.cursors.Cursor(context.Background(), 100, 200)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.StepID != "pergunta" {
		t.Fatalf("parked at %q, want the input step", cursor.StepID)
	}
}

func TestInputValidationRejectsAndRetries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.api.sent = nil

	f.engine.HandleText(ctx, f.conv(), "not an email")

	texts := f.api.texts()
	if len(texts) != 1 || !strings.Contains(texts[0], "Resposta inválida") {
		t.Fatalf("reply = %v", texts)
	}
	cursor, _ := f.cursors.Cursor(ctx, 100, 200)
	if cursor.StepID != "pergunta" {
		t.Fatal("invalid input must keep the cursor parked")
	}
}

func TestInputAdvancesToButtons(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.api.sent = nil

	f.engine.HandleText(ctx, f.conv(), "ana@example.com")

	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Escolha o plano:" {
		t.Fatalf("texts = %v", texts)
	}
	last := f.api.sent[len(f.api.sent)-1].(tgbotapi.MessageConfig)
	kb, ok := last.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(kb.InlineKeyboard) != 2 {
		t.Fatal("buttons step must attach the inline keyboard")
	}
	if got := *kb.InlineKeyboard[0][0].CallbackData; got != "fl_escolha_0" {
		t.Fatalf("callback data = %q", got)
	}

	cursor, _ := f.cursors.Cursor(ctx, 100, 200)
	if cursor.StepID != "escolha" {
		t.Fatalf("parked at %q", cursor.StepID)
	}
	if cursor.Vars["email"] != "ana@example.com" {
		t.Fatalf("vars = %v", cursor.Vars)
	}
}

func TestButtonChoiceBranchesToPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.engine.HandleText(ctx, f.conv(), "ana@example.com")
	f.api.sent = nil

	f.engine.HandleCallback(ctx, f.conv(), "fl_escolha_1")

	if len(f.payments.inputs) != 1 {
		t.Fatalf("CreatePix called %d times", len(f.payments.inputs))
	}
	in := f.payments.inputs[0]
	if in.Amount != 9997 || in.FlowStepID != "pagar_anual" {
		t.Fatalf("input = %+v, want the annual branch", in)
	}

	texts := f.api.texts()
	if len(texts) != 2 || texts[1] != "00020126pix" {
		t.Fatalf("texts = %v, want header + code", texts)
	}

	cursor, _ := f.cursors.Cursor(ctx, 100, 200)
	if cursor.StepID != "pagar_anual" {
		t.Fatalf("parked at %q", cursor.StepID)
	}
}

func TestVerifyPaidContinuesPastPayment(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.engine.HandleText(ctx, f.conv(), "ana@example.com")
	f.engine.HandleCallback(ctx, f.conv(), "fl_escolha_0")
	f.api.sent = nil

	f.payments.statuses["pay_1"] = &paymentdomain.Payment{
		PaymentID:  "pay_1",
		BotID:      100,
		Status:     paymentdomain.StatusPaid,
		FlowStepID: "pagar_mensal",
	}

	f.engine.HandleCallback(ctx, f.conv(), "verify_pay_1")

	if len(f.deliver.delivered) != 1 {
		t.Fatalf("delivered = %v", f.deliver.delivered)
	}
	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Acesso liberado!" {
		t.Fatalf("texts = %v, want the end step", texts)
	}
	if _, err := f.cursors.Cursor(ctx, 100, 200); err == nil {
		t.Fatal("finished flow must clear the cursor")
	}
}

func TestStartResumesInsideGraceWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.api.sent = nil

	f.clk.Advance(5 * time.Minute)
	f.engine.HandleStart(ctx, f.conv(), "")

	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Qual seu e-mail?" {
		t.Fatalf("texts = %v, want the parked prompt only", texts)
	}
}

func TestStartRestartsAfterGraceWindow(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.api.sent = nil

	f.clk.Advance(11 * time.Minute)
	f.engine.HandleStart(ctx, f.conv(), "")

	texts := f.api.texts()
	if len(texts) != 2 || texts[0] != "Olá {{nome}}!" {
		t.Fatalf("texts = %v, want a restart from the entry step", texts)
	}
}

const flowJSONv4 = `{
	"entry_step_id": "novo_inicio",
	"grace_window_seconds": 600,
	"steps": [
		{"id": "novo_inicio", "kind": "message", "text": "Bem-vindo à nova versão!", "next": "pergunta"},
		{"id": "pergunta", "kind": "input", "var": "email", "next": "novidade", "text": "Qual seu e-mail?"},
		{"id": "novidade", "kind": "end", "text": "NOVO v4"}
	]
}`

func (f *fixture) convV4() *router.Conversation {
	conv := f.conv()
	conv.Bot.FlowVersion = 4
	conv.Bot.FlowConfig = datatypes.JSON([]byte(flowJSONv4))
	return conv
}

func TestInputAfterVersionBumpCompletesOldGraph(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.api.sent = nil

	// The bot publishes a rewired graph while the user sits on the
	// input step. Their answer must finish the traversal they started.
	f.engine.HandleText(ctx, f.convV4(), "ana@example.com")

	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Escolha o plano:" {
		t.Fatalf("texts = %v, want the next step of the original graph", texts)
	}
	for _, text := range texts {
		if text == "NOVO v4" {
			t.Fatal("in-flight cursor must never traverse the new graph")
		}
	}
	cursor, _ := f.cursors.Cursor(ctx, 100, 200)
	if cursor.FlowVersion != 3 {
		t.Fatalf("cursor version = %d, want the version it started on", cursor.FlowVersion)
	}
}

func TestStartAfterVersionBumpResumesOldPrompt(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.api.sent = nil

	f.clk.Advance(5 * time.Minute)
	f.engine.HandleStart(ctx, f.convV4(), "")

	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Qual seu e-mail?" {
		t.Fatalf("texts = %v, want the parked prompt of the original graph", texts)
	}
	cursor, _ := f.cursors.Cursor(ctx, 100, 200)
	if cursor.FlowVersion != 3 {
		t.Fatalf("cursor version = %d", cursor.FlowVersion)
	}
}

func TestStartAfterVersionBumpPastGraceRestartsNew(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.api.sent = nil

	f.clk.Advance(11 * time.Minute)
	f.engine.HandleStart(ctx, f.convV4(), "")

	texts := f.api.texts()
	if len(texts) != 2 || texts[0] != "Bem-vindo à nova versão!" {
		t.Fatalf("texts = %v, want a restart on the new graph", texts)
	}
	cursor, _ := f.cursors.Cursor(ctx, 100, 200)
	if cursor.FlowVersion != 4 {
		t.Fatalf("cursor version = %d", cursor.FlowVersion)
	}
}

func TestTextOutsideInputStepIsIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.conv(), "")
	f.engine.HandleText(ctx, f.conv(), "ana@example.com")
	f.api.sent = nil

	// Cursor is on the buttons step now.
	f.engine.HandleText(ctx, f.conv(), "qualquer coisa")

	if len(f.api.sent) != 0 {
		t.Fatal("text outside an input step must be ignored")
	}
}

func TestVarsRenderInMessages(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	conv := f.conv()
	conv.Bot.FlowConfig = datatypes.JSON([]byte(`{
		"entry_step_id": "pergunta",
		"steps": [
			{"id": "pergunta", "kind": "input", "var": "nome", "text": "Como você se chama?", "next": "saudacao"},
			{"id": "saudacao", "kind": "end", "text": "Prazer, {{nome}}!"}
		]
	}`))

	f.engine.HandleStart(ctx, conv, "")
	f.api.sent = nil

	f.engine.HandleText(ctx, conv, "Ana")

	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Prazer, Ana!" {
		t.Fatalf("texts = %v", texts)
	}
}

const delayFlowJSON = `{
	"entry_step_id": "aviso",
	"grace_window_seconds": 600,
	"steps": [
		{"id": "aviso", "kind": "message", "text": "Já te mando o conteúdo.", "next": "espera"},
		{"id": "espera", "kind": "delay", "delay_seconds": 300, "next": "fim"},
		{"id": "fim", "kind": "end", "text": "Chegou!"}
	]
}`

func (f *fixture) seedDelayBot(t *testing.T) *router.Conversation {
	t.Helper()
	bot := &botdomain.Bot{
		ID:          snowflake.ID(100),
		OwnerID:     1,
		Token:       "enc",
		Username:    "flow_bot",
		IsActive:    true,
		IsRunning:   true,
		FlowEnabled: true,
		FlowVersion: 3,
		FlowConfig:  datatypes.JSON([]byte(delayFlowJSON)),
	}
	if err := f.db.Create(bot).Error; err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	return &router.Conversation{Bot: bot, API: f.api, ChatID: 200, UserID: 300, FirstName: "Ana"}
}

func TestLongDelayParksForScheduledResume(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	f.engine.HandleStart(ctx, f.seedDelayBot(t), "")

	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Já te mando o conteúdo." {
		t.Fatalf("texts = %v, want the pre-delay message only", texts)
	}
	cursor, err := f.cursors.Cursor(ctx, 100, 200)
	if err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if cursor.StepID != "espera" || cursor.ResumeAt == nil {
		t.Fatalf("cursor = %+v, want it parked on the delay with a wakeup", cursor)
	}
	if len(f.cursors.resumes) != 1 {
		t.Fatalf("resumes = %v, want one scheduled wakeup", f.cursors.resumes)
	}
	if got := f.cursors.resumes[0].at; !got.Equal(f.clk.Now().Add(5 * time.Minute)) {
		t.Fatalf("wakeup at %v, want +5m", got)
	}
}

func TestDelayResumeContinuesUnderChatLock(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.seedDelayBot(t), "")
	f.api.sent = nil

	f.clk.Advance(6 * time.Minute)
	if err := f.engine.ResumeDue(ctx); err != nil {
		t.Fatalf("ResumeDue: %v", err)
	}

	if len(f.locker.locks) != 1 || f.locker.locks[0] != "lock:bot:100:chat:200" {
		t.Fatalf("locks = %v, want the chat lock taken once", f.locker.locks)
	}
	texts := f.api.texts()
	if len(texts) != 1 || texts[0] != "Chegou!" {
		t.Fatalf("texts = %v, want the post-delay step", texts)
	}
	if _, err := f.cursors.Cursor(ctx, 100, 200); err == nil {
		t.Fatal("finished flow must clear the cursor")
	}
	if len(f.cursors.resumes) != 0 {
		t.Fatalf("resumes = %v, want the wakeup consumed", f.cursors.resumes)
	}
}

func TestDelayResumeLockContentionRetries(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.engine.HandleStart(ctx, f.seedDelayBot(t), "")
	f.api.sent = nil

	f.clk.Advance(6 * time.Minute)
	f.locker.contended = true
	if err := f.engine.ResumeDue(ctx); err != nil {
		t.Fatalf("ResumeDue: %v", err)
	}

	if len(f.api.sent) != 0 {
		t.Fatal("a held chat lock must defer the continuation")
	}
	if len(f.cursors.resumes) != 1 {
		t.Fatalf("resumes = %v, want the wakeup rescheduled", f.cursors.resumes)
	}
	cursor, err := f.cursors.Cursor(ctx, 100, 200)
	if err != nil || cursor.StepID != "espera" {
		t.Fatalf("cursor = %+v, %v; want it still parked", cursor, err)
	}
}
