package fleet

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/config"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	"github.com/vendazap/vendazap/internal/telegram"
	"github.com/vendazap/vendazap/internal/vault"
)

const (
	pollTimeoutSeconds = 30
	heartbeatInterval  = time.Minute
	heartbeatTTL       = 15 * time.Minute
	staleHeartbeat     = 10 * time.Minute
	restartCooldown    = 30 * time.Second
	restartLockFile    = "vendazap-fleet-restart.lock"
)

// UpdateHandler receives every inbound Telegram update for a bot.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, bot *domain.Bot, api telegram.API, update *tgbotapi.Update)
}

type session struct {
	bot    *domain.Bot
	api    *tgbotapi.BotAPI
	cancel context.CancelFunc
	done   chan struct{}
}

// Params are the fleet manager dependencies.
type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Repo    domain.Repository
	Vault   *vault.Vault
	Factory telegram.Factory
	Handler UpdateHandler `optional:"true"`
	Clock   clock.Clock
	Cfg     config.Config
	KV      *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Manager owns one logical Telegram session per running bot.
type Manager struct {
	db      *gorm.DB
	log     *zap.Logger
	repo    domain.Repository
	vault   *vault.Vault
	factory telegram.Factory
	handler UpdateHandler
	clock   clock.Clock
	cfg     config.Config
	kv      *redis.Client
	metrics *obsmetrics.Metrics

	mu          sync.Mutex
	sessions    map[int64]*session
	restartOnce sync.Once
}

func NewManager(p Params) *Manager {
	return &Manager{
		db:       p.DB,
		log:      p.Log.Named("fleet"),
		repo:     p.Repo,
		vault:    p.Vault,
		factory:  p.Factory,
		handler:  p.Handler,
		clock:    p.Clock,
		cfg:      p.Cfg,
		kv:       p.KV,
		metrics:  p.Metrics,
		sessions: make(map[int64]*session),
	}
}

// SetHandler wires the inbound update handler. Sessions must not start
// before this runs.
func (m *Manager) SetHandler(h UpdateHandler) {
	m.handler = h
}

// StartBot spins up the session for a bot and marks it running.
func (m *Manager) StartBot(ctx context.Context, botID int64) error {
	bot, err := m.repo.FindBotByID(ctx, m.db, botID)
	if err != nil {
		return err
	}
	if bot == nil {
		return domain.ErrNotFound
	}
	if !bot.IsActive {
		return domain.ErrInactive
	}
	return m.startSession(ctx, bot)
}

func (m *Manager) startSession(ctx context.Context, bot *domain.Bot) error {
	m.mu.Lock()
	if _, running := m.sessions[int64(bot.ID)]; running {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	token, err := m.vault.Decrypt(bot.Token)
	if err != nil {
		return fmt.Errorf("fleet: decrypt token for bot %d: %w", bot.ID, err)
	}
	api, err := m.factory(token)
	if err != nil {
		return fmt.Errorf("fleet: authenticate bot %d: %w", bot.ID, err)
	}
	if bot.Username == "" && api.Self.UserName != "" {
		bot.Username = api.Self.UserName
		if err := m.repo.UpdateBot(ctx, m.db, bot); err != nil {
			m.log.Warn("username backfill failed", zap.Int64("bot_id", int64(bot.ID)), zap.Error(err))
		}
	}

	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sess := &session{bot: bot, api: api, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.sessions[int64(bot.ID)] = sess
	m.mu.Unlock()

	if err := m.repo.SetBotRunning(ctx, m.db, int64(bot.ID), true); err != nil {
		m.log.Warn("mark running failed", zap.Int64("bot_id", int64(bot.ID)), zap.Error(err))
	}

	go m.heartbeatLoop(sessCtx, sess)
	if !m.cfg.TelegramWebhookOn {
		go m.pollLoop(sessCtx, sess)
	} else {
		close(sess.done)
	}

	m.log.Info("bot session started",
		zap.Int64("bot_id", int64(bot.ID)),
		zap.String("username", bot.Username),
		zap.Bool("webhook_mode", m.cfg.TelegramWebhookOn),
	)
	return nil
}

// StopBot tears down the session and marks the bot stopped.
func (m *Manager) StopBot(ctx context.Context, botID int64) error {
	m.mu.Lock()
	sess, ok := m.sessions[botID]
	if ok {
		delete(m.sessions, botID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	sess.cancel()
	select {
	case <-sess.done:
	case <-time.After(5 * time.Second):
	}
	return m.repo.SetBotRunning(ctx, m.db, botID, false)
}

// StopAll cancels every session without flipping is_running, so the
// fleet resumes after a restart.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sessions := make([]*session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[int64]*session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.cancel()
	}
	deadline := time.After(30 * time.Second)
	for _, sess := range sessions {
		select {
		case <-sess.done:
		case <-deadline:
			return
		}
	}
}

// RestartRunning resumes every bot with is_running=true. Runs at most
// once per process and honours a cross-process file-lock cooldown so a
// crash loop does not hammer the Telegram API.
func (m *Manager) RestartRunning(ctx context.Context) error {
	var outer error
	m.restartOnce.Do(func() {
		if !m.acquireRestartLock() {
			m.log.Info("fleet restart skipped, cooldown active")
			return
		}
		bots, err := m.repo.ListRunningBots(ctx, m.db)
		if err != nil {
			outer = err
			return
		}
		started := 0
		for i := range bots {
			if err := m.startSession(ctx, &bots[i]); err != nil {
				m.log.Warn("bot restart failed", zap.Int64("bot_id", int64(bots[i].ID)), zap.Error(err))
				continue
			}
			started++
		}
		m.log.Info("fleet restarted", zap.Int("bots", started))
	})
	return outer
}

func (m *Manager) acquireRestartLock() bool {
	path := filepath.Join(os.TempDir(), restartLockFile)
	now := m.clock.Now()
	if info, err := os.Stat(path); err == nil && now.Sub(info.ModTime()) < restartCooldown {
		return false
	}
	if err := os.WriteFile(path, []byte(now.Format(time.RFC3339)), 0o644); err != nil {
		m.log.Warn("restart lock write failed", zap.Error(err))
	}
	return true
}

// RotateToken swaps the bot token, archives the BotUser namespace and
// restarts the session with the new credentials.
func (m *Manager) RotateToken(ctx context.Context, botID int64, plainToken string) error {
	encrypted, err := m.vault.Encrypt(plainToken)
	if err != nil {
		return err
	}
	if err := m.repo.RotateToken(ctx, m.db, botID, encrypted, m.clock.Now()); err != nil {
		return err
	}
	m.log.Info("bot token rotated", zap.Int64("bot_id", botID), zap.String("token", vault.Mask(plainToken)))

	if err := m.StopBot(ctx, botID); err != nil {
		return err
	}
	return m.StartBot(ctx, botID)
}

func (m *Manager) pollLoop(ctx context.Context, sess *session) {
	defer close(sess.done)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeoutSeconds
	updates := sess.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			sess.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			m.metrics.RecordTelegramUpdate(ctx, "poll")
			m.handler.HandleUpdate(ctx, sess.bot, sess.api, &update)
		}
	}
}

func (m *Manager) heartbeatLoop(ctx context.Context, sess *session) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	m.beat(ctx, int64(sess.bot.ID))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.beat(ctx, int64(sess.bot.ID))
		}
	}
}

func (m *Manager) beat(ctx context.Context, botID int64) {
	now := m.clock.Now()
	if m.kv != nil {
		if err := m.kv.Set(ctx, heartbeatKey(botID), now.Unix(), heartbeatTTL).Err(); err != nil {
			m.log.Warn("heartbeat kv write failed", zap.Int64("bot_id", botID), zap.Error(err))
		}
	}
	if err := m.repo.TouchHeartbeat(ctx, m.db, botID, now); err != nil {
		m.log.Warn("heartbeat db write failed", zap.Int64("bot_id", botID), zap.Error(err))
	}
}

func heartbeatKey(botID int64) string { return fmt.Sprintf("bot:hb:%d", botID) }

// Healthy reports whether the bot has a live heartbeat. The KV key is
// authoritative across processes; the DB row is the fallback.
func (m *Manager) Healthy(ctx context.Context, bot *domain.Bot) bool {
	if m.kv != nil {
		if err := m.kv.Get(ctx, heartbeatKey(int64(bot.ID))).Err(); err == nil {
			return true
		}
	}
	return bot.LastHeartbeatAt != nil && m.clock.Now().Sub(*bot.LastHeartbeatAt) < staleHeartbeat
}

// AuditHeartbeats flags running bots whose heartbeat went stale.
func (m *Manager) AuditHeartbeats(ctx context.Context) error {
	bots, err := m.repo.ListRunningBots(ctx, m.db)
	if err != nil {
		return err
	}
	for i := range bots {
		bot := &bots[i]
		if bot.LastHeartbeatAt != nil && m.clock.Now().Sub(*bot.LastHeartbeatAt) < staleHeartbeat {
			continue
		}
		m.log.Warn("bot heartbeat stale",
			zap.Int64("bot_id", int64(bot.ID)),
			zap.String("username", bot.Username),
		)
	}
	return nil
}

// Client returns the live API for a bot session, or nil when the bot
// is not running in this process.
func (m *Manager) Client(botID int64) telegram.API {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[botID]; ok {
		return sess.api
	}
	return nil
}

// HandleWebhookUpdate authenticates and dispatches one webhook update.
// The secret path segment is the spoofing guard.
func (m *Manager) HandleWebhookUpdate(ctx context.Context, botID int64, secret string, body []byte) error {
	bot, err := m.repo.FindBotByID(ctx, m.db, botID)
	if err != nil {
		return err
	}
	if bot == nil {
		return domain.ErrNotFound
	}
	if bot.WebhookSecret == "" ||
		subtle.ConstantTimeCompare([]byte(bot.WebhookSecret), []byte(secret)) != 1 {
		return domain.ErrNotFound
	}

	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return fmt.Errorf("fleet: decode update: %w", err)
	}

	api := m.Client(botID)
	if api == nil {
		token, err := m.vault.Decrypt(bot.Token)
		if err != nil {
			return err
		}
		client, err := m.factory(token)
		if err != nil {
			return err
		}
		api = client
	}
	m.metrics.RecordTelegramUpdate(ctx, "webhook")
	m.handler.HandleUpdate(ctx, bot, api, &update)
	return nil
}
