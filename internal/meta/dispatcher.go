package meta

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/clock"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	paymentdomain "github.com/vendazap/vendazap/internal/payment/domain"
	"github.com/vendazap/vendazap/internal/ratelimit"
	"github.com/vendazap/vendazap/internal/tracking"
	"github.com/vendazap/vendazap/internal/vault"
)

const (
	defaultGraphBase = "https://graph.facebook.com/v18.0"
	dispatchTimeout  = 8 * time.Second
	maxAttempts      = 3
	queueSize        = 2048
	workerCount      = 2
	pixelRate        = 10.0
	pixelBurst       = 20
)

// Event names.
const (
	EventPageView    = "PageView"
	EventViewContent = "ViewContent"
	EventPurchase    = "Purchase"
)

// UserData is the match block of a conversion event. All direct
// identifiers arrive pre-hashed.
type UserData struct {
	ExternalID      []string `json:"external_id,omitempty"`
	FBP             string   `json:"fbp,omitempty"`
	FBC             string   `json:"fbc,omitempty"`
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
	ClientUserAgent string   `json:"client_user_agent,omitempty"`
	Email           []string `json:"em,omitempty"`
	Phone           []string `json:"ph,omitempty"`
}

// CustomData carries the commerce payload and the UTM echo.
type CustomData struct {
	Value       float64  `json:"value,omitempty"`
	Currency    string   `json:"currency,omitempty"`
	ContentIDs  []string `json:"content_ids,omitempty"`
	ContentName string   `json:"content_name,omitempty"`
	UTMSource   string   `json:"utm_source,omitempty"`
	UTMMedium   string   `json:"utm_medium,omitempty"`
	UTMCampaign string   `json:"utm_campaign,omitempty"`
	UTMContent  string   `json:"utm_content,omitempty"`
	UTMTerm     string   `json:"utm_term,omitempty"`
}

// Event is one server-side conversion event bound to a pixel.
type Event struct {
	PixelID     string
	AccessToken string

	Name           string
	EventID        string
	EventTime      int64
	ActionSource   string
	EventSourceURL string

	UserData   UserData
	CustomData CustomData
}

type job struct {
	event     *Event
	paymentID string
}

// SnapshotSource resolves tracking snapshots for event enrichment.
type SnapshotSource interface {
	Get(ctx context.Context, token string) (*tracking.Snapshot, error)
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Bots     botdomain.Repository
	Payments paymentdomain.Repository
	Vault    *vault.Vault
	Tracking SnapshotSource
	Clock    clock.Clock
	KV       *redis.Client       `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

// Dispatcher delivers conversion events to the Meta CAPI. Emission is
// asynchronous: callers enqueue, workers send with retries, and Meta
// collapses duplicates by event_id.
type Dispatcher struct {
	db       *gorm.DB
	log      *zap.Logger
	bots     botdomain.Repository
	payments paymentdomain.Repository
	vault    *vault.Vault
	track    SnapshotSource
	clock    clock.Clock
	buckets  *ratelimit.TokenBucket
	metrics  *obsmetrics.Metrics

	httpc    *http.Client
	graphURL string

	queue chan job
	wg    sync.WaitGroup
	once  sync.Once
}

func NewDispatcher(p Params) *Dispatcher {
	d := &Dispatcher{
		db:       p.DB,
		log:      p.Log.Named("meta"),
		bots:     p.Bots,
		payments: p.Payments,
		vault:    p.Vault,
		track:    p.Tracking,
		clock:    p.Clock,
		buckets:  ratelimit.NewTokenBucket(p.KV),
		metrics:  p.Metrics,
		httpc:    &http.Client{Timeout: dispatchTimeout},
		graphURL: defaultGraphBase,
		queue:    make(chan job, queueSize),
	}
	return d
}

// Start spins the worker pool. Safe to call once.
func (d *Dispatcher) Start() {
	d.once.Do(func() {
		for i := 0; i < workerCount; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Stop drains the queue with a 30 second grace.
func (d *Dispatcher) Stop() {
	close(d.queue)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		d.log.Warn("meta dispatcher stopped before draining")
	}
}

// EmitPageView fires the server half of the browser PageView; the
// shared event id dedups the pair.
func (d *Dispatcher) EmitPageView(ctx context.Context, pool *botdomain.RedirectPool, snap *tracking.Snapshot) {
	if !d.eventEnabled(pool, EventPageView) {
		return
	}
	token, ok := d.poolToken(pool)
	if !ok {
		return
	}
	d.enqueue(job{event: &Event{
		PixelID:        pool.MetaPixelID,
		AccessToken:    token,
		Name:           EventPageView,
		EventID:        snap.PageviewEventID,
		EventTime:      d.clock.Now().Unix(),
		ActionSource:   "website",
		EventSourceURL: snap.ClickContextURL,
		UserData:       userDataFromSnapshot(snap),
		CustomData: CustomData{
			UTMSource:   snap.UTMSource,
			UTMMedium:   snap.UTMMedium,
			UTMCampaign: snap.UTMCampaign,
			UTMContent:  snap.UTMContent,
			UTMTerm:     snap.UTMTerm,
		},
	}})
}

// EmitViewContent fires when a user opens a product offer in the bot.
func (d *Dispatcher) EmitViewContent(ctx context.Context, bot *botdomain.Bot, telegramUserID int64, trackingToken, productName string) {
	pool := d.poolForBot(ctx, bot)
	if pool == nil || !d.eventEnabled(pool, EventViewContent) {
		return
	}
	token, ok := d.poolToken(pool)
	if !ok {
		return
	}

	event := &Event{
		PixelID:      pool.MetaPixelID,
		AccessToken:  token,
		Name:         EventViewContent,
		EventID:      fmt.Sprintf("view_%d_%d", int64(bot.ID), telegramUserID),
		EventTime:    d.clock.Now().Unix(),
		ActionSource: "website",
		CustomData:   CustomData{ContentName: productName},
	}
	if trackingToken != "" {
		if snap, err := d.track.Get(ctx, trackingToken); err == nil {
			event.UserData = userDataFromSnapshot(snap)
			event.EventSourceURL = snap.ClickContextURL
			event.CustomData.UTMSource = snap.UTMSource
			event.CustomData.UTMMedium = snap.UTMMedium
			event.CustomData.UTMCampaign = snap.UTMCampaign
			event.CustomData.UTMContent = snap.UTMContent
			event.CustomData.UTMTerm = snap.UTMTerm
		}
	}
	d.enqueue(job{event: event})
}

// OnPaymentPaid emits Purchase. Runs after the payment transition
// commits; the event id purchase_<payment_id> makes re-emission safe.
func (d *Dispatcher) OnPaymentPaid(ctx context.Context, payment *paymentdomain.Payment) {
	bot, err := d.bots.FindBotByID(ctx, d.db, payment.BotID)
	if err != nil || bot == nil {
		return
	}
	pool := d.poolForBot(ctx, bot)
	if pool == nil || !d.eventEnabled(pool, EventPurchase) {
		return
	}
	token, ok := d.poolToken(pool)
	if !ok {
		return
	}

	user := UserData{
		FBP:             payment.FBP,
		ClientIPAddress: payment.ClientIP,
		ClientUserAgent: payment.ClientUserAgent,
	}
	// The payment row only ever stores cookie-origin fbc, so it can be
	// forwarded as-is. No fbc is fabricated from the fbclid.
	if payment.FBC != "" {
		user.FBC = payment.FBC
	}
	if payment.FBCLID != "" {
		user.ExternalID = []string{sha256Hex(payment.FBCLID)}
	}
	if payment.CustomerEmail != "" {
		user.Email = []string{sha256Hex(strings.ToLower(strings.TrimSpace(payment.CustomerEmail)))}
	}
	if payment.CustomerPhone != "" {
		user.Phone = []string{sha256Hex(normalizePhone(payment.CustomerPhone))}
	}

	d.enqueue(job{
		paymentID: payment.PaymentID,
		event: &Event{
			PixelID:      pool.MetaPixelID,
			AccessToken:  token,
			Name:         EventPurchase,
			EventID:      "purchase_" + payment.PaymentID,
			EventTime:    d.clock.Now().Unix(),
			ActionSource: "website",
			UserData:     user,
			CustomData: CustomData{
				Value:       float64(payment.Amount) / 100,
				Currency:    "BRL",
				ContentIDs:  contentIDs(payment),
				ContentName: payment.ProductName,
				UTMSource:   payment.UTMSource,
				UTMMedium:   payment.UTMMedium,
				UTMCampaign: payment.UTMCampaign,
				UTMContent:  payment.UTMContent,
				UTMTerm:     payment.UTMTerm,
			},
		},
	})
}

func (d *Dispatcher) enqueue(j job) {
	select {
	case d.queue <- j:
	default:
		d.metrics.RecordMetaEvent(context.Background(), j.event.Name, "dropped")
		d.log.Warn("meta queue full, event dropped",
			zap.String("event", j.event.Name),
			zap.String("event_id", j.event.EventID),
		)
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.process(j)
	}
}

func (d *Dispatcher) process(j job) {
	ctx := context.Background()
	d.waitPixel(ctx, j.event.PixelID)

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * time.Second)
		}
		if err := d.send(ctx, j.event); err != nil {
			lastErr = err
			continue
		}
		d.metrics.RecordMetaEvent(ctx, j.event.Name, "sent")
		if j.paymentID != "" {
			d.markPurchaseSent(ctx, j.paymentID, j.event.EventID)
		}
		return
	}

	d.metrics.RecordMetaEvent(ctx, j.event.Name, "failed")
	d.log.Error("meta event delivery failed",
		zap.String("event", j.event.Name),
		zap.String("event_id", j.event.EventID),
		zap.String("pixel_id", j.event.PixelID),
		zap.Error(lastErr),
	)
}

func (d *Dispatcher) waitPixel(ctx context.Context, pixelID string) {
	if d.buckets == nil {
		return
	}
	for {
		res, err := d.buckets.Allow(ctx, "rate:meta:"+pixelID, pixelRate, pixelBurst)
		if err != nil || res.Allowed {
			return
		}
		wait := res.RetryAfter
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		time.Sleep(wait)
	}
}

func (d *Dispatcher) send(ctx context.Context, event *Event) error {
	ctx, cancel := context.WithTimeout(ctx, dispatchTimeout)
	defer cancel()

	payload := map[string]any{
		"data": []map[string]any{{
			"event_name":       event.Name,
			"event_time":       event.EventTime,
			"event_id":         event.EventID,
			"action_source":    event.ActionSource,
			"event_source_url": event.EventSourceURL,
			"user_data":        event.UserData,
			"custom_data":      event.CustomData,
		}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/%s/events?access_token=%s",
		d.graphURL, url.PathEscape(event.PixelID), url.QueryEscape(event.AccessToken))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("meta: graph api returned %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

func (d *Dispatcher) markPurchaseSent(ctx context.Context, paymentID, eventID string) {
	err := d.db.WithContext(ctx).Model(&paymentdomain.Payment{}).
		Where("payment_id = ?", paymentID).
		Updates(map[string]any{
			"meta_purchase_sent": true,
			"meta_event_id":      eventID,
		}).Error
	if err != nil {
		d.log.Warn("purchase sent flag update failed",
			zap.String("payment_id", paymentID), zap.Error(err))
	}
}

func (d *Dispatcher) poolForBot(ctx context.Context, bot *botdomain.Bot) *botdomain.RedirectPool {
	if bot.PoolID == nil {
		return nil
	}
	pool, err := d.bots.FindPoolByID(ctx, d.db, *bot.PoolID)
	if err != nil {
		d.log.Warn("pool lookup failed", zap.Int64("bot_id", int64(bot.ID)), zap.Error(err))
		return nil
	}
	return pool
}

// poolToken decrypts the per-pool CAPI access token.
func (d *Dispatcher) poolToken(pool *botdomain.RedirectPool) (string, bool) {
	if pool.MetaPixelID == "" || pool.MetaAccessToken == "" {
		return "", false
	}
	token, err := d.vault.Decrypt(pool.MetaAccessToken)
	if err != nil {
		d.log.Warn("pool token decrypt failed",
			zap.String("slug", pool.Slug),
			zap.String("token", vault.Mask(pool.MetaAccessToken)),
			zap.Error(err),
		)
		return "", false
	}
	return token, true
}

func (d *Dispatcher) eventEnabled(pool *botdomain.RedirectPool, name string) bool {
	if pool == nil || !pool.TrackingEnabled {
		return false
	}
	if len(pool.EventsEnabled) == 0 {
		return true
	}
	var enabled []string
	if err := json.Unmarshal(pool.EventsEnabled, &enabled); err != nil {
		return true
	}
	if len(enabled) == 0 {
		return true
	}
	for _, e := range enabled {
		if strings.EqualFold(e, name) {
			return true
		}
	}
	return false
}

// userDataFromSnapshot builds the match block. Synthetic fbc never
// leaves the snapshot: only cookie origin is forwarded.
func userDataFromSnapshot(snap *tracking.Snapshot) UserData {
	user := UserData{
		FBP:             snap.FBP,
		ClientIPAddress: snap.ClientIP,
		ClientUserAgent: snap.ClientUserAgent,
	}
	if snap.FBCOrigin == tracking.FBCOriginCookie {
		user.FBC = snap.FBC
	}
	if snap.FBCLID != "" {
		user.ExternalID = []string{sha256Hex(snap.FBCLID)}
	}
	return user
}

func contentIDs(payment *paymentdomain.Payment) []string {
	if payment.ProductID == "" {
		return nil
	}
	return []string{payment.ProductID}
}

func sha256Hex(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:])
}

func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
