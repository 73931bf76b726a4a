package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/vendazap/vendazap/internal/config"
	"github.com/vendazap/vendazap/internal/ratelimit"
)

// Telegram outbound limits. Global per bot, plus one message per second
// per chat, both enforced through shared token buckets.
const (
	globalRate  = 30.0
	globalBurst = 30
	chatRate    = 1.0
	chatBurst   = 2

	sendTimeout     = 20 * time.Second
	maxSendAttempts = 3
)

// ErrUnreachable marks a terminal Telegram send failure (user blocked
// the bot or the chat no longer exists). Callers must not retry.
var ErrUnreachable = errors.New("telegram: recipient unreachable")

// API is the slice of the bot client the senders depend on.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Factory builds an authenticated bot client from a plaintext token.
type Factory func(token string) (*tgbotapi.BotAPI, error)

// NewFactory returns a Factory bound to the configured API base, so a
// local Bot API server can stand in for api.telegram.org.
func NewFactory(cfg config.Config) Factory {
	endpoint := strings.TrimRight(cfg.TelegramAPIBase, "/") + "/bot%s/%s"
	return func(token string) (*tgbotapi.BotAPI, error) {
		return tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	}
}

// Sender serializes outbound traffic through the rate limiters and
// honours Telegram 429 retry hints.
type Sender struct {
	buckets *ratelimit.TokenBucket
	log     *zap.Logger
}

func NewSender(buckets *ratelimit.TokenBucket, log *zap.Logger) *Sender {
	return &Sender{buckets: buckets, log: log.Named("telegram.sender")}
}

// Send delivers one message to a chat, waiting on the rate limiters
// first. 400/403 responses surface as ErrUnreachable.
func (s *Sender) Send(ctx context.Context, api API, botID, chatID int64, msg tgbotapi.Chattable) (tgbotapi.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	if err := s.wait(ctx, botID, chatID); err != nil {
		return tgbotapi.Message{}, err
	}

	var lastErr error
	for attempt := 0; attempt < maxSendAttempts; attempt++ {
		sent, err := api.Send(msg)
		if err == nil {
			return sent, nil
		}
		lastErr = err

		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) {
			switch {
			case tgErr.Code == 400 || tgErr.Code == 403:
				return tgbotapi.Message{}, fmt.Errorf("%w: %s", ErrUnreachable, tgErr.Message)
			case tgErr.RetryAfter > 0:
				if err := sleepCtx(ctx, time.Duration(tgErr.RetryAfter)*time.Second); err != nil {
					return tgbotapi.Message{}, err
				}
				continue
			}
		}
		if err := sleepCtx(ctx, time.Duration(attempt+1)*time.Second); err != nil {
			return tgbotapi.Message{}, err
		}
	}
	return tgbotapi.Message{}, lastErr
}

// Request runs a non-message API call under the same bot-level limiter.
func (s *Sender) Request(ctx context.Context, api API, botID int64, c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.waitBucket(ctx, fmt.Sprintf("rate:bot:%d", botID), globalRate, globalBurst); err != nil {
		return nil, err
	}
	resp, err := api.Request(c)
	if err != nil {
		var tgErr *tgbotapi.Error
		if errors.As(err, &tgErr) && (tgErr.Code == 400 || tgErr.Code == 403) {
			return nil, fmt.Errorf("%w: %s", ErrUnreachable, tgErr.Message)
		}
		return nil, err
	}
	return resp, nil
}

func (s *Sender) wait(ctx context.Context, botID, chatID int64) error {
	if err := s.waitBucket(ctx, fmt.Sprintf("rate:bot:%d", botID), globalRate, globalBurst); err != nil {
		return err
	}
	return s.waitBucket(ctx, fmt.Sprintf("rate:chat:%d:%d", botID, chatID), chatRate, chatBurst)
}

func (s *Sender) waitBucket(ctx context.Context, key string, rate float64, burst int) error {
	if s.buckets == nil {
		return nil
	}
	for {
		res, err := s.buckets.Allow(ctx, key, rate, burst)
		if err != nil {
			// Limiter outage must not halt sends.
			s.log.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
			return nil
		}
		if res.Allowed {
			return nil
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// RemoveChatMember removes a user from a chat without leaving a ban:
// ban then immediately unban, as the Bot API requires.
func (s *Sender) RemoveChatMember(ctx context.Context, api API, botID, chatID, userID int64) error {
	member := tgbotapi.ChatMemberConfig{ChatID: chatID, UserID: userID}
	if _, err := s.Request(ctx, api, botID, tgbotapi.BanChatMemberConfig{ChatMemberConfig: member}); err != nil {
		return err
	}
	_, err := s.Request(ctx, api, botID, tgbotapi.UnbanChatMemberConfig{ChatMemberConfig: member, OnlyIfBanned: true})
	return err
}

// CreateInviteLink mints a single-use invite link for a VIP chat.
func (s *Sender) CreateInviteLink(ctx context.Context, api API, botID, chatID int64) (string, error) {
	resp, err := s.Request(ctx, api, botID, tgbotapi.CreateChatInviteLinkConfig{
		ChatConfig:  tgbotapi.ChatConfig{ChatID: chatID},
		MemberLimit: 1,
	})
	if err != nil {
		return "", err
	}
	var link tgbotapi.ChatInviteLink
	if err := json.Unmarshal(resp.Result, &link); err != nil {
		return "", err
	}
	if link.InviteLink == "" {
		return "", errors.New("telegram: empty invite link")
	}
	return link.InviteLink, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
