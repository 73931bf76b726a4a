package telegram_test

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/vendazap/vendazap/internal/telegram"
)

type fakeAPI struct {
	sendErrs []error
	sent     int
	requests []tgbotapi.Chattable
	reqErr   error
}

func (a *fakeAPI) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	if a.sent < len(a.sendErrs) {
		err := a.sendErrs[a.sent]
		a.sent++
		if err != nil {
			return tgbotapi.Message{}, err
		}
		return tgbotapi.Message{MessageID: a.sent}, nil
	}
	a.sent++
	return tgbotapi.Message{MessageID: a.sent}, nil
}

func (a *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	a.requests = append(a.requests, c)
	if a.reqErr != nil {
		return nil, a.reqErr
	}
	return &tgbotapi.APIResponse{Ok: true, Result: []byte(`{"invite_link":"https://t.me/+xyz"}`)}, nil
}

func sender() *telegram.Sender {
	return telegram.NewSender(nil, zap.NewNop())
}

func TestSendBlockedUserIsUnreachable(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{&tgbotapi.Error{Code: 403, Message: "bot was blocked by the user"}}}

	_, err := sender().Send(context.Background(), api, 100, 200, tgbotapi.NewMessage(200, "oi"))
	if !errors.Is(err, telegram.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if api.sent != 1 {
		t.Fatalf("send attempts = %d, a 403 must not be retried", api.sent)
	}
}

func TestSendBadRequestIsUnreachable(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{&tgbotapi.Error{Code: 400, Message: "chat not found"}}}

	_, err := sender().Send(context.Background(), api, 100, 200, tgbotapi.NewMessage(200, "oi"))
	if !errors.Is(err, telegram.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestSendRetriesTransientErrors(t *testing.T) {
	api := &fakeAPI{sendErrs: []error{errors.New("connection reset"), nil}}

	sent, err := sender().Send(context.Background(), api, 100, 200, tgbotapi.NewMessage(200, "oi"))
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.MessageID == 0 || api.sent != 2 {
		t.Fatalf("attempts = %d, want a retry then success", api.sent)
	}
}

func TestRemoveChatMemberBansThenUnbans(t *testing.T) {
	api := &fakeAPI{}

	if err := sender().RemoveChatMember(context.Background(), api, 100, -100123, 300); err != nil {
		t.Fatalf("RemoveChatMember: %v", err)
	}
	if len(api.requests) != 2 {
		t.Fatalf("requests = %d, want ban then unban", len(api.requests))
	}
	if _, ok := api.requests[0].(tgbotapi.BanChatMemberConfig); !ok {
		t.Fatalf("first = %T", api.requests[0])
	}
	unban, ok := api.requests[1].(tgbotapi.UnbanChatMemberConfig)
	if !ok || !unban.OnlyIfBanned {
		t.Fatalf("second = %#v, want only-if-banned unban", api.requests[1])
	}
}

func TestCreateInviteLinkIsSingleUse(t *testing.T) {
	api := &fakeAPI{}

	link, err := sender().CreateInviteLink(context.Background(), api, 100, -100123)
	if err != nil {
		t.Fatalf("CreateInviteLink: %v", err)
	}
	if link != "https://t.me/+xyz" {
		t.Fatalf("link = %q", link)
	}
	cfg, ok := api.requests[0].(tgbotapi.CreateChatInviteLinkConfig)
	if !ok || cfg.MemberLimit != 1 {
		t.Fatalf("request = %#v, want member limit 1", api.requests[0])
	}
}
