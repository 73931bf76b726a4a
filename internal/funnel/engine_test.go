package funnel_test

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
	"github.com/vendazap/vendazap/internal/funnel"
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

func (a *fakeAPI) messages(t *testing.T) []tgbotapi.MessageConfig {
	t.Helper()
	var out []tgbotapi.MessageConfig
	for _, c := range a.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

type fakeTrack struct {
	snaps  map[string]*tracking.Snapshot
	last   map[string]string
	bounds int
}

func newFakeTrack() *fakeTrack {
	return &fakeTrack{snaps: map[string]*tracking.Snapshot{}, last: map[string]string{}}
}

func (f *fakeTrack) Get(_ context.Context, token string) (*tracking.Snapshot, error) {
	snap, ok := f.snaps[token]
	if !ok {
		return nil, tracking.ErrNotFound
	}
	return snap, nil
}

func (f *fakeTrack) BindChat(_ context.Context, botID, _, tgUserID int64, token string) error {
	f.last[fmt.Sprintf("%d:%d", botID, tgUserID)] = token
	f.bounds++
	return nil
}

func (f *fakeTrack) LastTokenForUser(_ context.Context, botID, tgUserID int64) (string, error) {
	token, ok := f.last[fmt.Sprintf("%d:%d", botID, tgUserID)]
	if !ok {
		return "", tracking.ErrNotFound
	}
	return token, nil
}

type fakePayments struct {
	inputs   []*paymentdomain.CreatePixInput
	out      *paymentdomain.CreatePixOutput
	outErr   error
	statuses map[string]*paymentdomain.Payment
}

func (f *fakePayments) CreatePix(_ context.Context, in *paymentdomain.CreatePixInput) (*paymentdomain.CreatePixOutput, error) {
	f.inputs = append(f.inputs, in)
	if f.outErr != nil {
		return nil, f.outErr
	}
	return f.out, nil
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

type fakeEvents struct {
	views []string
}

func (f *fakeEvents) EmitViewContent(_ context.Context, _ *botdomain.Bot, _ int64, _, productName string) {
	f.views = append(f.views, productName)
}

type fakeHooks struct {
	triggers []string
}

func (f *fakeHooks) ScheduleHooks(_ context.Context, _, _, _ int64, _ string, _ []botdomain.RemarketingHook, trigger string) error {
	f.triggers = append(f.triggers, trigger)
	return nil
}

type fakeCooldown struct {
	contended bool
}

func (f *fakeCooldown) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "tok", !f.contended, nil
}

func (f *fakeCooldown) Release(context.Context, string, string) error { return nil }

type fixture struct {
	engine   *funnel.Engine
	db       *gorm.DB
	api      *fakeAPI
	track    *fakeTrack
	payments *fakePayments
	deliver  *fakeDeliverer
	events   *fakeEvents
	hooks    *fakeHooks
	cooldown *fakeCooldown
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:funneltest_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&botdomain.BotUser{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := botrepo.Provide()
	track := newFakeTrack()
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	payments := &fakePayments{statuses: map[string]*paymentdomain.Payment{}}
	deliver := &fakeDeliverer{}
	events := &fakeEvents{}
	hooks := &fakeHooks{}
	cooldown := &fakeCooldown{}

	engine := funnel.New(funnel.Params{
		DB:       db,
		Log:      zap.NewNop(),
		Bots:     repo,
		Binder:   users.NewBinder(db, zap.NewNop(), repo, track, clk),
		Payments: payments,
		Tracking: track,
		Sender:   telegram.NewSender(nil, zap.NewNop()),
		Delivery: deliver,
		Events:   events,
		Hooks:    hooks,
		Cooldown: cooldown,
		Clock:    clk,
	})
	return &fixture{
		engine: engine, db: db, api: &fakeAPI{}, track: track,
		payments: payments, deliver: deliver, events: events,
		hooks: hooks, cooldown: cooldown,
	}
}

const funnelJSON = `{
	"welcome_text": "Bem-vindo ao canal!",
	"buttons": [
		{"label": "Acesso Mensal", "price": 1997, "product_id": "p1", "product_name": "Acesso Mensal"},
		{"label": "Acesso Anual", "price": 9997, "product_id": "p2", "product_name": "Acesso Anual",
		 "order_bump": {"enabled": true, "title": "Leve o bônus", "price": 500, "product_name": "Anual + Bônus"}}
	],
	"downsells": [{"delay_minutes": 10, "message": "Ainda dá tempo!"}]
}`

func (f *fixture) conv() *router.Conversation {
	return &router.Conversation{
		Bot: &botdomain.Bot{
			ID:           snowflake.ID(100),
			OwnerID:      1,
			Username:     "vip_bot",
			IsActive:     true,
			FunnelConfig: datatypes.JSON([]byte(funnelJSON)),
		},
		API:       f.api,
		ChatID:    200,
		UserID:    300,
		Username:  "buyer",
		FirstName: "Ana",
	}
}

func pixOut(paymentID string) *paymentdomain.CreatePixOutput {
	return &paymentdomain.CreatePixOutput{
		Payment: &paymentdomain.Payment{
			PaymentID:   paymentID,
			BotID:       100,
			Amount:      1997,
			ProductName: "Acesso Mensal",
			PixCode:     "00020126580014br.gov.bcb.pix",
			Status:      paymentdomain.StatusPending,
		},
	}
}

func TestStartSendsWelcome(t *testing.T) {
	f := setup(t)
	f.track.snaps["tk_1"] = &tracking.Snapshot{
		Token:     "tk_1",
		FBP:       "fb.1.111.222",
		FBC:       "fb.1.111.click",
		FBCOrigin: tracking.FBCOriginCookie,
		FBCLID:    "click",
	}

	f.engine.HandleStart(context.Background(), f.conv(), "tk_1")

	msgs := f.api.messages(t)
	if len(msgs) != 1 {
		t.Fatalf("sent %d messages, want 1", len(msgs))
	}
	if msgs[0].Text != "Bem-vindo ao canal!" {
		t.Fatalf("text = %q", msgs[0].Text)
	}
	kb, ok := msgs[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok {
		t.Fatalf("markup = %T", msgs[0].ReplyMarkup)
	}
	if len(kb.InlineKeyboard) != 2 {
		t.Fatalf("keyboard rows = %d, want 2", len(kb.InlineKeyboard))
	}
	if got := *kb.InlineKeyboard[0][0].CallbackData; got != "buy_0" {
		t.Fatalf("callback data = %q", got)
	}

	var user botdomain.BotUser
	if err := f.db.Where("bot_id = ? AND telegram_user_id = ?", 100, 300).First(&user).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.TrackingToken != "tk_1" || user.FBC != "fb.1.111.click" {
		t.Fatalf("attribution not bound: token=%q fbc=%q", user.TrackingToken, user.FBC)
	}
	if f.track.bounds != 1 {
		t.Fatal("chat binding not recorded")
	}
}

func TestStartSyntheticFBCStaysOffTheUser(t *testing.T) {
	f := setup(t)
	f.track.snaps["tk_2"] = &tracking.Snapshot{
		Token:     "tk_2",
		FBC:       "fb.1.111.click",
		FBCOrigin: tracking.FBCOriginSynthetic,
		FBCLID:    "click",
	}

	f.engine.HandleStart(context.Background(), f.conv(), "tk_2")

	var user botdomain.BotUser
	if err := f.db.Where("bot_id = ? AND telegram_user_id = ?", 100, 300).First(&user).Error; err != nil {
		t.Fatalf("load user: %v", err)
	}
	if user.FBC != "" {
		t.Fatalf("synthetic fbc must not be persisted, got %q", user.FBC)
	}
	if user.FBCLID != "click" {
		t.Fatal("fbclid still binds regardless of fbc origin")
	}
}

func TestBuySendsPixPair(t *testing.T) {
	f := setup(t)
	f.payments.out = pixOut("pay_1")

	f.engine.HandleCallback(context.Background(), f.conv(), "buy_0")

	if len(f.payments.inputs) != 1 {
		t.Fatalf("CreatePix called %d times, want 1", len(f.payments.inputs))
	}
	in := f.payments.inputs[0]
	if in.Amount != 1997 || in.ProductID != "p1" || in.BotID != 100 {
		t.Fatalf("input = %+v", in)
	}

	msgs := f.api.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want header + code", len(msgs))
	}
	if msgs[1].Text != "00020126580014br.gov.bcb.pix" {
		t.Fatalf("code message = %q, want the bare PIX code", msgs[1].Text)
	}
	kb, ok := msgs[1].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || *kb.InlineKeyboard[0][0].CallbackData != "verify_pay_1" {
		t.Fatal("code message missing the verify button")
	}

	if len(f.events.views) != 1 || f.events.views[0] != "Acesso Mensal" {
		t.Fatalf("view content events = %v", f.events.views)
	}
	if len(f.hooks.triggers) != 1 || f.hooks.triggers[0] != "abandoned_cart" {
		t.Fatalf("hooks = %v, want one abandoned_cart", f.hooks.triggers)
	}
}

func TestBuyReusedChargeSkipsDownsells(t *testing.T) {
	f := setup(t)
	f.payments.out = pixOut("pay_1")
	f.payments.out.Reused = true

	f.engine.HandleCallback(context.Background(), f.conv(), "buy_0")

	if len(f.hooks.triggers) != 0 {
		t.Fatal("a reused charge must not reschedule downsells")
	}
}

func TestBuyOutOfRangeIsIgnored(t *testing.T) {
	f := setup(t)

	f.engine.HandleCallback(context.Background(), f.conv(), "buy_7")

	if len(f.payments.inputs) != 0 || len(f.api.sent) != 0 {
		t.Fatal("out-of-range button must be a no-op")
	}
}

func TestBuyWithBumpOffersFirst(t *testing.T) {
	f := setup(t)
	f.payments.out = pixOut("pay_2")
	ctx := context.Background()

	f.engine.HandleCallback(ctx, f.conv(), "buy_1")

	if len(f.payments.inputs) != 0 {
		t.Fatal("bump offer must come before the charge")
	}
	msgs := f.api.messages(t)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Leve o bônus") {
		t.Fatalf("bump offer = %+v", msgs)
	}

	f.engine.HandleCallback(ctx, f.conv(), "bump_yes_1")

	if len(f.payments.inputs) != 1 {
		t.Fatalf("CreatePix called %d times", len(f.payments.inputs))
	}
	in := f.payments.inputs[0]
	if in.Amount != 9997+500 {
		t.Fatalf("amount = %d, want the bumped total", in.Amount)
	}
	if in.ProductName != "Anual + Bônus" {
		t.Fatalf("product = %q", in.ProductName)
	}
}

func TestBumpDeclinedChargesBaseProduct(t *testing.T) {
	f := setup(t)
	f.payments.out = pixOut("pay_3")

	f.engine.HandleCallback(context.Background(), f.conv(), "bump_no_1")

	if len(f.payments.inputs) != 1 || f.payments.inputs[0].Amount != 9997 {
		t.Fatalf("inputs = %+v, want the base price", f.payments.inputs)
	}
}

func TestChargeErrorsSpeakPortuguese(t *testing.T) {
	f := setup(t)
	f.payments.outErr = paymentdomain.ErrCrossProductBlocked

	f.engine.HandleCallback(context.Background(), f.conv(), "buy_0")

	msgs := f.api.messages(t)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Aguarde") {
		t.Fatalf("error reply = %+v", msgs)
	}
}

func TestVerifyPaidDelivers(t *testing.T) {
	f := setup(t)
	f.payments.statuses["pay_1"] = &paymentdomain.Payment{
		PaymentID: "pay_1",
		BotID:     100,
		Status:    paymentdomain.StatusPaid,
	}

	f.engine.HandleCallback(context.Background(), f.conv(), "verify_pay_1")

	if len(f.deliver.delivered) != 1 || f.deliver.delivered[0] != "pay_1" {
		t.Fatalf("delivered = %v", f.deliver.delivered)
	}
}

func TestVerifyPendingReplies(t *testing.T) {
	f := setup(t)
	f.payments.statuses["pay_1"] = &paymentdomain.Payment{
		PaymentID: "pay_1",
		BotID:     100,
		Status:    paymentdomain.StatusPending,
	}

	f.engine.HandleCallback(context.Background(), f.conv(), "verify_pay_1")

	msgs := f.api.messages(t)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Ainda não identificamos") {
		t.Fatalf("reply = %+v", msgs)
	}
	if len(f.deliver.delivered) != 0 {
		t.Fatal("pending payment must not deliver")
	}
}

func TestVerifyWrongBotIsNotFound(t *testing.T) {
	f := setup(t)
	f.payments.statuses["pay_1"] = &paymentdomain.Payment{
		PaymentID: "pay_1",
		BotID:     999,
		Status:    paymentdomain.StatusPaid,
	}

	f.engine.HandleCallback(context.Background(), f.conv(), "verify_pay_1")

	if len(f.deliver.delivered) != 0 {
		t.Fatal("a payment from another bot must not deliver")
	}
	msgs := f.api.messages(t)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "não encontrado") {
		t.Fatalf("reply = %+v", msgs)
	}
}

func TestVerifyCooldownThrottles(t *testing.T) {
	f := setup(t)
	f.cooldown.contended = true
	f.payments.statuses["pay_1"] = &paymentdomain.Payment{
		PaymentID: "pay_1",
		BotID:     100,
		Status:    paymentdomain.StatusPaid,
	}

	f.engine.HandleCallback(context.Background(), f.conv(), "verify_pay_1")

	msgs := f.api.messages(t)
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Aguarde 10 segundos") {
		t.Fatalf("reply = %+v", msgs)
	}
	if len(f.deliver.delivered) != 0 {
		t.Fatal("throttled verify must not reach delivery")
	}
}
