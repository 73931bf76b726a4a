package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/bot/users"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/config"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/router"
	"github.com/vendazap/vendazap/internal/telegram"
	"github.com/vendazap/vendazap/internal/tracking"
)

// maxHops bounds one synchronous traversal so a miswired DAG cannot
// spin the worker.
const maxHops = 50

// inlineDelayMax is the longest delay executed in-line while holding
// the chat lock; longer delays park the cursor and wake through the
// scheduler, so they survive a process restart.
const inlineDelayMax = 5 * time.Second

const (
	resumeBatch   = 100
	resumeLockTTL = 5 * time.Second
	resumeRetry   = time.Minute
)

// CursorStore persists the per-user flow position and the delay-step
// wakeup queue.
type CursorStore interface {
	SaveCursor(ctx context.Context, botID, chatID int64, cursor *tracking.FlowCursor, ttl time.Duration) error
	Cursor(ctx context.Context, botID, chatID int64) (*tracking.FlowCursor, error)
	ClearCursor(ctx context.Context, botID, chatID int64) error
	ScheduleResume(ctx context.Context, botID, chatID int64, at time.Time) error
	DueResumes(ctx context.Context, now time.Time, limit int64) ([]tracking.ResumeRef, error)
}

// ClientSource resolves the live Telegram client of a bot session.
type ClientSource interface {
	Client(botID int64) telegram.API
}

// PaymentCreator is the slice of the payment orchestrator the payment
// step invokes.
type PaymentCreator interface {
	CreatePix(ctx context.Context, in *paymentdomain.CreatePixInput) (*paymentdomain.CreatePixOutput, error)
	Status(ctx context.Context, paymentID string) (*paymentdomain.Payment, error)
}

// Deliverer hands a paid payment to the delivery service.
type Deliverer interface {
	Deliver(ctx context.Context, payment *paymentdomain.Payment) error
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Bots     botdomain.Repository
	Binder   *users.Binder
	Cursors  CursorStore
	Payments PaymentCreator
	Sender   *telegram.Sender
	Delivery Deliverer    `optional:"true"`
	Locker   router.Locker
	Clients  ClientSource `optional:"true"`
	Clock    clock.Clock
	Cfg      config.Config
}

// Engine executes a flow DAG per user. The cursor is the only state;
// it lives in the tracking store with its own TTL, so an abandoned
// conversation simply evaporates.
type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	bots     botdomain.Repository
	binder   *users.Binder
	cursors  CursorStore
	payments PaymentCreator
	sender   *telegram.Sender
	delivery Deliverer
	locker   router.Locker
	clients  ClientSource
	clock    clock.Clock
	cfg      config.Config
}

func New(p Params) *Engine {
	return &Engine{
		db:       p.DB,
		log:      p.Log.Named("flow"),
		bots:     p.Bots,
		binder:   p.Binder,
		cursors:  p.Cursors,
		payments: p.Payments,
		sender:   p.Sender,
		delivery: p.Delivery,
		locker:   p.Locker,
		clients:  p.Clients,
		clock:    p.Clock,
		cfg:      p.Cfg,
	}
}

var _ router.Engine = (*Engine)(nil)

// HandleStart binds the user and enters the DAG. A cursor parked on a
// resumable step inside the grace window is resumed instead of
// restarting, on the graph it started on; outside the window the user
// restarts from the entry step of the current version.
func (e *Engine) HandleStart(ctx context.Context, conv *router.Conversation, payload string) {
	flowCfg, err := botdomain.ParseFlowConfig(conv.Bot.FlowConfig)
	if err != nil {
		e.log.Warn("flow config invalid", zap.Int64("bot_id", int64(conv.Bot.ID)), zap.Error(err))
		return
	}

	e.binder.Bind(ctx, users.Identity{
		BotID:     int64(conv.Bot.ID),
		ChatID:    conv.ChatID,
		UserID:    conv.UserID,
		Username:  conv.Username,
		FirstName: conv.FirstName,
	}, payload)

	botID := int64(conv.Bot.ID)
	if cursor, err := e.cursors.Cursor(ctx, botID, conv.ChatID); err == nil && cursor != nil {
		cursorCfg := e.cursorConfig(conv, cursor, flowCfg)
		if cursorCfg != nil && e.resumable(cursorCfg, cursor) {
			if step := cursorCfg.Step(cursor.StepID); step != nil {
				e.prompt(ctx, conv, cursorCfg, step, cursor)
				return
			}
		}
		_ = e.cursors.ClearCursor(ctx, botID, conv.ChatID)
	}

	cursor := &tracking.FlowCursor{
		FlowVersion: conv.Bot.FlowVersion,
		Vars:        map[string]any{},
		Config:      json.RawMessage(conv.Bot.FlowConfig),
	}
	e.run(ctx, conv, flowCfg, flowCfg.EntryStepID, cursor)
}

// cursorConfig returns the graph an in-flight cursor must finish on.
// A cursor tagged with an older flow version traverses the snapshot it
// carries, never the current graph.
func (e *Engine) cursorConfig(conv *router.Conversation, cursor *tracking.FlowCursor, current *botdomain.FlowConfig) *botdomain.FlowConfig {
	if cursor.FlowVersion == conv.Bot.FlowVersion {
		return current
	}
	if len(cursor.Config) == 0 {
		return nil
	}
	cfg, err := botdomain.ParseFlowConfig(cursor.Config)
	if err != nil {
		e.log.Warn("cursor config snapshot invalid",
			zap.Int64("bot_id", int64(conv.Bot.ID)),
			zap.Int("flow_version", cursor.FlowVersion),
			zap.Error(err),
		)
		return nil
	}
	return cfg
}

func (e *Engine) resumable(cfg *botdomain.FlowConfig, cursor *tracking.FlowCursor) bool {
	grace := time.Duration(cfg.GraceWindow) * time.Second
	if grace <= 0 {
		return false
	}
	if e.clock.Now().Sub(cursor.UpdatedAt) > grace {
		return false
	}
	step := cfg.Step(cursor.StepID)
	if step == nil {
		return false
	}
	switch step.Kind {
	case botdomain.StepButtons, botdomain.StepInput, botdomain.StepPayment, botdomain.StepDelay:
		return true
	}
	return false
}

// HandleCallback decodes flow button presses (fl_<step>_<index>) and
// payment verification.
func (e *Engine) HandleCallback(ctx context.Context, conv *router.Conversation, data string) {
	_ = e.bots.TouchBotUser(ctx, e.db, int64(conv.Bot.ID), conv.UserID, e.clock.Now())

	if strings.HasPrefix(data, "verify_") {
		e.handleVerify(ctx, conv, strings.TrimPrefix(data, "verify_"))
		return
	}
	if !strings.HasPrefix(data, "fl_") {
		return
	}

	current, err := botdomain.ParseFlowConfig(conv.Bot.FlowConfig)
	if err != nil {
		return
	}
	stepID, index, ok := parseButtonData(data)
	if !ok {
		return
	}

	cursor := e.loadCursor(ctx, conv)
	flowCfg := e.cursorConfig(conv, cursor, current)
	if flowCfg == nil {
		return
	}
	step := flowCfg.Step(stepID)
	if step == nil || step.Kind != botdomain.StepButtons || index >= len(step.Buttons) {
		return
	}

	if step.Var != "" {
		cursor.Vars[step.Var] = step.Buttons[index].Label
	}
	e.run(ctx, conv, flowCfg, step.Buttons[index].Next, cursor)
}

// HandleText feeds an awaited input step. Text outside an input step
// is ignored.
func (e *Engine) HandleText(ctx context.Context, conv *router.Conversation, text string) {
	_ = e.bots.TouchBotUser(ctx, e.db, int64(conv.Bot.ID), conv.UserID, e.clock.Now())

	current, err := botdomain.ParseFlowConfig(conv.Bot.FlowConfig)
	if err != nil {
		return
	}
	cursor, err := e.cursors.Cursor(ctx, int64(conv.Bot.ID), conv.ChatID)
	if err != nil || cursor == nil {
		return
	}
	flowCfg := e.cursorConfig(conv, cursor, current)
	if flowCfg == nil {
		return
	}
	if cursor.Vars == nil {
		cursor.Vars = map[string]any{}
	}
	step := flowCfg.Step(cursor.StepID)
	if step == nil || step.Kind != botdomain.StepInput {
		return
	}

	if step.TimeoutSeconds > 0 && cursor.AwaitingAt != nil {
		deadline := cursor.AwaitingAt.Add(time.Duration(step.TimeoutSeconds) * time.Second)
		if e.clock.Now().After(deadline) && step.TimeoutNext != "" {
			e.run(ctx, conv, flowCfg, step.TimeoutNext, cursor)
			return
		}
	}

	if step.ValidationRe != "" {
		re, err := regexp.Compile(step.ValidationRe)
		if err != nil {
			e.log.Warn("input validation regexp invalid",
				zap.Int64("bot_id", int64(conv.Bot.ID)),
				zap.String("step_id", step.ID),
				zap.Error(err),
			)
		} else if !re.MatchString(text) {
			msg := tgbotapi.NewMessage(conv.ChatID, "Resposta inválida, tente novamente.")
			_, _ = e.sender.Send(ctx, conv.API, int64(conv.Bot.ID), conv.ChatID, msg)
			return
		}
	}

	if step.Var != "" {
		cursor.Vars[step.Var] = text
	}
	e.run(ctx, conv, flowCfg, step.Next, cursor)
}

// run walks the DAG from stepID until a wait point. The cursor is
// saved at every wait point so a process restart resumes cleanly.
func (e *Engine) run(ctx context.Context, conv *router.Conversation, cfg *botdomain.FlowConfig, stepID string, cursor *tracking.FlowCursor) {
	botID := int64(conv.Bot.ID)
	if cursor.Vars == nil {
		cursor.Vars = map[string]any{}
	}

	for hop := 0; hop < maxHops; hop++ {
		if stepID == "" {
			e.finish(ctx, botID, conv.ChatID)
			return
		}
		step := cfg.Step(stepID)
		if step == nil {
			e.log.Warn("flow step missing", zap.Int64("bot_id", botID), zap.String("step_id", stepID))
			e.finish(ctx, botID, conv.ChatID)
			return
		}

		switch step.Kind {
		case botdomain.StepMessage:
			e.sendStepMessage(ctx, conv, step, cursor.Vars, nil)
			stepID = step.Next

		case botdomain.StepButtons:
			e.prompt(ctx, conv, cfg, step, cursor)
			return

		case botdomain.StepInput:
			now := e.clock.Now()
			cursor.AwaitingAt = &now
			e.park(ctx, conv, step, cursor)
			e.sendStepMessage(ctx, conv, step, cursor.Vars, nil)
			return

		case botdomain.StepBranch:
			stepID = e.evalBranch(step, cursor)

		case botdomain.StepPayment:
			e.runPayment(ctx, conv, step, cursor)
			return

		case botdomain.StepDelay:
			delay := time.Duration(step.DelaySeconds) * time.Second
			if delay <= inlineDelayMax {
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				stepID = step.Next
				continue
			}
			// Long delays park the cursor and wake via the scheduler,
			// so the chat lock is released and a restart loses nothing.
			resumeAt := e.clock.Now().Add(delay)
			cursor.ResumeAt = &resumeAt
			e.park(ctx, conv, step, cursor)
			if err := e.cursors.ScheduleResume(ctx, botID, conv.ChatID, resumeAt); err != nil {
				e.log.Warn("delay wakeup schedule failed", zap.Int64("bot_id", botID), zap.Error(err))
			}
			return

		case botdomain.StepEnd:
			if step.Text != "" {
				e.sendStepMessage(ctx, conv, step, cursor.Vars, nil)
			}
			e.finish(ctx, botID, conv.ChatID)
			return

		default:
			e.finish(ctx, botID, conv.ChatID)
			return
		}
	}
	e.log.Warn("flow traversal aborted, hop limit reached", zap.Int64("bot_id", botID))
}

// prompt re-sends the wait-point step and parks the cursor on it.
func (e *Engine) prompt(ctx context.Context, conv *router.Conversation, cfg *botdomain.FlowConfig, step *botdomain.FlowStep, cursor *tracking.FlowCursor) {
	switch step.Kind {
	case botdomain.StepButtons:
		e.sendStepMessage(ctx, conv, step, cursor.Vars, flowKeyboard(step))
	case botdomain.StepInput:
		now := e.clock.Now()
		cursor.AwaitingAt = &now
		e.sendStepMessage(ctx, conv, step, cursor.Vars, nil)
	case botdomain.StepPayment:
		// Re-entry on a payment step re-runs it; the orchestrator's
		// duplicate window returns the existing pending charge.
		e.runPayment(ctx, conv, step, cursor)
		return
	case botdomain.StepDelay:
		if cursor.ResumeAt != nil && !e.clock.Now().Before(*cursor.ResumeAt) {
			e.run(ctx, conv, cfg, step.Next, cursor)
			return
		}
		// Still waiting; the scheduled wakeup fires on its own.
	}
	e.park(ctx, conv, step, cursor)
}

func (e *Engine) park(ctx context.Context, conv *router.Conversation, step *botdomain.FlowStep, cursor *tracking.FlowCursor) {
	cursor.StepID = step.ID
	cursor.UserID = conv.UserID
	if err := e.cursors.SaveCursor(ctx, int64(conv.Bot.ID), conv.ChatID, cursor, e.cfg.FlowCursorTTL); err != nil {
		e.log.Warn("cursor save failed", zap.Int64("bot_id", int64(conv.Bot.ID)), zap.Error(err))
	}
}

func (e *Engine) finish(ctx context.Context, botID, chatID int64) {
	if err := e.cursors.ClearCursor(ctx, botID, chatID); err != nil {
		e.log.Warn("cursor clear failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
}

func (e *Engine) evalBranch(step *botdomain.FlowStep, cursor *tracking.FlowCursor) string {
	for _, c := range step.Cases {
		if v, ok := cursor.Vars[c.Var]; ok && fmt.Sprint(v) == c.Equals {
			return c.Next
		}
	}
	return step.DefaultNext
}

func (e *Engine) sendStepMessage(ctx context.Context, conv *router.Conversation, step *botdomain.FlowStep, vars map[string]any, keyboard *tgbotapi.InlineKeyboardMarkup) {
	botID := int64(conv.Bot.ID)
	if step.MediaURL != "" {
		photo := tgbotapi.NewPhoto(conv.ChatID, tgbotapi.FileURL(step.MediaURL))
		if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, photo); err != nil {
			e.log.Warn("flow media send failed", zap.Int64("bot_id", botID), zap.Error(err))
		}
	}
	if step.Text == "" && keyboard == nil {
		return
	}
	text := renderVars(step.Text, vars)
	msg := tgbotapi.NewMessage(conv.ChatID, text)
	if keyboard != nil {
		msg.ReplyMarkup = *keyboard
	}
	if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg); err != nil {
		e.log.Warn("flow message send failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
}

// ResumeDue drains the delay wakeup queue. Each chat re-enters the
// traversal under its router lock, so a live update never races the
// continuation.
func (e *Engine) ResumeDue(ctx context.Context) error {
	refs, err := e.cursors.DueResumes(ctx, e.clock.Now(), resumeBatch)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		e.resumeChat(ctx, ref)
	}
	return nil
}

func (e *Engine) resumeChat(ctx context.Context, ref tracking.ResumeRef) {
	lockKey := fmt.Sprintf("lock:bot:%d:chat:%d", ref.BotID, ref.ChatID)
	token, ok, err := e.locker.TryLock(ctx, lockKey, resumeLockTTL)
	if err != nil || !ok {
		// A live update holds the chat; try again shortly.
		_ = e.cursors.ScheduleResume(ctx, ref.BotID, ref.ChatID, e.clock.Now().Add(resumeLockTTL))
		return
	}
	defer func() {
		if err := e.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			e.log.Warn("chat lock release failed", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	cursor, err := e.cursors.Cursor(ctx, ref.BotID, ref.ChatID)
	if err != nil || cursor == nil {
		return
	}
	bot, err := e.bots.FindBotByID(ctx, e.db, ref.BotID)
	if err != nil || bot == nil {
		_ = e.cursors.ClearCursor(ctx, ref.BotID, ref.ChatID)
		return
	}

	var api telegram.API
	if e.clients != nil {
		api = e.clients.Client(ref.BotID)
	}
	if api == nil {
		// Bot session not live here; retry once the fleet catches up.
		_ = e.cursors.ScheduleResume(ctx, ref.BotID, ref.ChatID, e.clock.Now().Add(resumeRetry))
		return
	}

	conv := &router.Conversation{
		Bot:    bot,
		API:    api,
		ChatID: ref.ChatID,
		UserID: cursor.UserID,
	}
	if user, err := e.bots.FindBotUser(ctx, e.db, ref.BotID, cursor.UserID); err == nil && user != nil {
		conv.Username = user.Username
		conv.FirstName = user.FirstName
	}

	current, err := botdomain.ParseFlowConfig(bot.FlowConfig)
	if err != nil {
		_ = e.cursors.ClearCursor(ctx, ref.BotID, ref.ChatID)
		return
	}
	cfg := e.cursorConfig(conv, cursor, current)
	if cfg == nil {
		_ = e.cursors.ClearCursor(ctx, ref.BotID, ref.ChatID)
		return
	}
	step := cfg.Step(cursor.StepID)
	if step == nil || step.Kind != botdomain.StepDelay {
		return
	}
	cursor.ResumeAt = nil
	e.run(ctx, conv, cfg, step.Next, cursor)
}

func (e *Engine) runPayment(ctx context.Context, conv *router.Conversation, step *botdomain.FlowStep, cursor *tracking.FlowCursor) {
	botID := int64(conv.Bot.ID)

	token := ""
	if user, err := e.bots.FindBotUser(ctx, e.db, botID, conv.UserID); err == nil && user != nil {
		token = user.TrackingToken
	}

	stepJSON, _ := json.Marshal(step)
	out, err := e.payments.CreatePix(ctx, &paymentdomain.CreatePixInput{
		OwnerID:         conv.Bot.OwnerID,
		BotID:           botID,
		ChatID:          conv.ChatID,
		TelegramUserID:  conv.UserID,
		Amount:          step.Price,
		Description:     step.ProductName,
		ProductID:       step.ProductID,
		ProductName:     step.ProductName,
		CustomerName:    conv.FirstName,
		TrackingToken:   token,
		HasSubscription: step.Subscription.Valid(),
		FlowStepID:      step.ID,
		ButtonConfig:    stepJSON,
	})
	if err != nil {
		text := "Não foi possível gerar o PIX agora. Tente novamente em instantes."
		if errors.Is(err, paymentdomain.ErrCrossProductBlocked) {
			text = "Você acabou de gerar um PIX. Aguarde alguns segundos."
		}
		msg := tgbotapi.NewMessage(conv.ChatID, text)
		_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg)
		return
	}

	header := fmt.Sprintf("Pedido gerado: %s\nValor: R$ %d,%02d\n\nCopie o código PIX abaixo e pague no seu banco.",
		out.Payment.ProductName, out.Payment.Amount/100, out.Payment.Amount%100)
	msg := tgbotapi.NewMessage(conv.ChatID, header)
	if _, err := e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg); err != nil {
		return
	}
	code := tgbotapi.NewMessage(conv.ChatID, out.Payment.PixCode)
	code.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("✅ Já paguei", "verify_"+out.Payment.PaymentID),
		),
	)
	_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, code)

	e.park(ctx, conv, step, cursor)
}

func (e *Engine) handleVerify(ctx context.Context, conv *router.Conversation, paymentID string) {
	botID := int64(conv.Bot.ID)
	payment, err := e.payments.Status(ctx, paymentID)
	if err != nil || payment == nil || payment.BotID != botID {
		return
	}

	switch payment.Status {
	case paymentdomain.StatusPaid:
		if e.delivery != nil {
			if err := e.delivery.Deliver(ctx, payment); err != nil {
				e.log.Warn("verify-triggered delivery failed",
					zap.String("payment_id", payment.PaymentID), zap.Error(err))
			}
		}
		// Continue past the payment step when the DAG declares it.
		current, err := botdomain.ParseFlowConfig(conv.Bot.FlowConfig)
		if err != nil {
			return
		}
		if payment.FlowStepID == "" {
			return
		}
		cursor := e.loadCursor(ctx, conv)
		flowCfg := e.cursorConfig(conv, cursor, current)
		if flowCfg == nil {
			return
		}
		step := flowCfg.Step(payment.FlowStepID)
		if step == nil || step.PaidNext == "" {
			return
		}
		e.run(ctx, conv, flowCfg, step.PaidNext, cursor)
	case paymentdomain.StatusPending:
		msg := tgbotapi.NewMessage(conv.ChatID, "Ainda não identificamos o pagamento. Assim que confirmar, você recebe aqui.")
		_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg)
	default:
		msg := tgbotapi.NewMessage(conv.ChatID, "Este pedido expirou. Envie /start para recomeçar.")
		_, _ = e.sender.Send(ctx, conv.API, botID, conv.ChatID, msg)
	}
}

func (e *Engine) loadCursor(ctx context.Context, conv *router.Conversation) *tracking.FlowCursor {
	cursor, err := e.cursors.Cursor(ctx, int64(conv.Bot.ID), conv.ChatID)
	if err != nil || cursor == nil {
		cursor = &tracking.FlowCursor{
			FlowVersion: conv.Bot.FlowVersion,
			Vars:        map[string]any{},
			Config:      json.RawMessage(conv.Bot.FlowConfig),
		}
	}
	if cursor.Vars == nil {
		cursor.Vars = map[string]any{}
	}
	return cursor
}

func flowKeyboard(step *botdomain.FlowStep) *tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(step.Buttons))
	for i, b := range step.Buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(b.Label, fmt.Sprintf("fl_%s_%d", step.ID, i)),
		))
	}
	kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
	return &kb
}

func parseButtonData(data string) (stepID string, index int, ok bool) {
	body := strings.TrimPrefix(data, "fl_")
	cut := strings.LastIndex(body, "_")
	if cut <= 0 {
		return "", 0, false
	}
	idx, err := strconv.Atoi(body[cut+1:])
	if err != nil || idx < 0 {
		return "", 0, false
	}
	return body[:cut], idx, true
}

// renderVars substitutes {{var}} placeholders in step text.
func renderVars(text string, vars map[string]any) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{{"+k+"}}", fmt.Sprint(v))
	}
	return text
}
