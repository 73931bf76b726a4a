package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/router"
)

type fakeLocker struct {
	contended bool
	locks     []string
	releases  []string
}

func (l *fakeLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.locks = append(l.locks, key)
	if l.contended {
		return "", false, nil
	}
	return "tok", true, nil
}

func (l *fakeLocker) Release(_ context.Context, key, _ string) error {
	l.releases = append(l.releases, key)
	return nil
}

type call struct {
	kind    string
	payload string
}

type fakeEngine struct {
	calls []call
}

func (e *fakeEngine) HandleStart(_ context.Context, _ *router.Conversation, payload string) {
	e.calls = append(e.calls, call{"start", payload})
}

func (e *fakeEngine) HandleCallback(_ context.Context, _ *router.Conversation, data string) {
	e.calls = append(e.calls, call{"callback", data})
}

func (e *fakeEngine) HandleText(_ context.Context, _ *router.Conversation, text string) {
	e.calls = append(e.calls, call{"text", text})
}

type fakeAPI struct {
	requests []tgbotapi.Chattable
}

func (a *fakeAPI) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	return tgbotapi.Message{}, nil
}

func (a *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	a.requests = append(a.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

type fixture struct {
	router *router.Router
	locker *fakeLocker
	funnel *fakeEngine
	flow   *fakeEngine
	api    *fakeAPI
}

func setup() *fixture {
	locker := &fakeLocker{}
	funnel := &fakeEngine{}
	flow := &fakeEngine{}
	r := router.New(router.Params{
		Log:    zap.NewNop(),
		Locker: locker,
		Funnel: funnel,
		Flow:   flow,
	})
	return &fixture{router: r, locker: locker, funnel: funnel, flow: flow, api: &fakeAPI{}}
}

func bot() *domain.Bot {
	return &domain.Bot{ID: snowflake.ID(100), Username: "test_bot", IsActive: true}
}

func startUpdate(payload string) *tgbotapi.Update {
	text := "/start"
	entities := []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}}
	if payload != "" {
		text += " " + payload
	}
	return &tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text:     text,
			Entities: entities,
			From:     &tgbotapi.User{ID: 300, UserName: "buyer"},
			Chat:     &tgbotapi.Chat{ID: 200},
		},
	}
}

func TestStartRoutesToFunnel(t *testing.T) {
	f := setup()

	f.router.HandleUpdate(context.Background(), bot(), f.api, startUpdate("tk_abc"))

	if len(f.funnel.calls) != 1 {
		t.Fatalf("funnel calls = %d, want 1", len(f.funnel.calls))
	}
	if got := f.funnel.calls[0]; got.kind != "start" || got.payload != "tk_abc" {
		t.Fatalf("call = %+v", got)
	}
	if len(f.flow.calls) != 0 {
		t.Fatal("flow engine must not fire for a funnel bot")
	}
	if len(f.locker.releases) != 1 {
		t.Fatal("chat lock not released")
	}
}

func TestFlowBotRoutesToFlowEngine(t *testing.T) {
	f := setup()
	b := bot()
	b.FlowEnabled = true
	b.FlowConfig = datatypes.JSON([]byte(`{"entry_step_id":"a","steps":[{"id":"a","kind":"end"}]}`))

	f.router.HandleUpdate(context.Background(), b, f.api, startUpdate(""))

	if len(f.flow.calls) != 1 || len(f.funnel.calls) != 0 {
		t.Fatalf("flow=%d funnel=%d, want the flow engine only", len(f.flow.calls), len(f.funnel.calls))
	}
}

func TestFlowEnabledWithoutConfigFallsBack(t *testing.T) {
	f := setup()
	b := bot()
	b.FlowEnabled = true

	f.router.HandleUpdate(context.Background(), b, f.api, startUpdate(""))

	if len(f.funnel.calls) != 1 {
		t.Fatal("a flow bot without a config must fall back to the funnel engine")
	}
}

func TestLockContentionDropsUpdate(t *testing.T) {
	f := setup()
	f.locker.contended = true

	f.router.HandleUpdate(context.Background(), bot(), f.api, startUpdate("tk"))

	if len(f.funnel.calls)+len(f.flow.calls) != 0 {
		t.Fatal("contended update must be dropped")
	}
	if len(f.locker.releases) != 0 {
		t.Fatal("nothing to release when the lock was never taken")
	}
}

func TestCallbackIsAckedAndRouted(t *testing.T) {
	f := setup()
	update := &tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:   "cb1",
			Data: "buy_0",
			From: &tgbotapi.User{ID: 300},
			Message: &tgbotapi.Message{
				Chat: &tgbotapi.Chat{ID: 200},
			},
		},
	}

	f.router.HandleUpdate(context.Background(), bot(), f.api, update)

	if len(f.funnel.calls) != 1 || f.funnel.calls[0].kind != "callback" || f.funnel.calls[0].payload != "buy_0" {
		t.Fatalf("calls = %+v", f.funnel.calls)
	}
	if len(f.api.requests) != 1 {
		t.Fatal("callback must be acked")
	}
	if _, ok := f.api.requests[0].(tgbotapi.CallbackConfig); !ok {
		t.Fatalf("ack = %T, want CallbackConfig", f.api.requests[0])
	}
}

func TestPlainTextRoutesAsText(t *testing.T) {
	f := setup()
	update := &tgbotapi.Update{
		Message: &tgbotapi.Message{
			Text: "oi",
			From: &tgbotapi.User{ID: 300},
			Chat: &tgbotapi.Chat{ID: 200},
		},
	}

	f.router.HandleUpdate(context.Background(), bot(), f.api, update)

	if len(f.funnel.calls) != 1 || f.funnel.calls[0].kind != "text" || f.funnel.calls[0].payload != "oi" {
		t.Fatalf("calls = %+v", f.funnel.calls)
	}
}

func TestUnknownUpdateIsIgnored(t *testing.T) {
	f := setup()

	f.router.HandleUpdate(context.Background(), bot(), f.api, &tgbotapi.Update{})

	if len(f.locker.locks) != 0 {
		t.Fatal("unknown updates must not take the chat lock")
	}
}
