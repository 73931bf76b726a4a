package redirect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	"github.com/vendazap/vendazap/internal/clock"
	obsmetrics "github.com/vendazap/vendazap/internal/observability/metrics"
	"github.com/vendazap/vendazap/internal/tracking"
)

const stickyTTL = 30 * time.Minute

// botUABlocklist holds User-Agent fragments that never pass the
// cloaker. Ad-network crawlers and scripted clients land here.
var botUABlocklist = []string{
	"bot", "crawler", "spider", "scraper",
	"facebookexternalhit", "facebookcatalog",
	"curl", "wget", "python-requests", "go-http-client",
	"headless", "phantomjs", "lighthouse",
}

// SnapshotStore is the slice of the tracking store the redirect writes.
type SnapshotStore interface {
	Save(ctx context.Context, snap *tracking.Snapshot) error
}

// PageViewEmitter fires the server-side PageView sharing the browser
// event id.
type PageViewEmitter interface {
	EmitPageView(ctx context.Context, pool *botdomain.RedirectPool, snap *tracking.Snapshot)
}

// Health reports whether a bot can receive traffic.
type Health interface {
	Healthy(ctx context.Context, bot *botdomain.Bot) bool
}

// Request is the inbound click, already stripped of HTTP plumbing.
type Request struct {
	Slug      string
	Query     url.Values
	Header    http.Header
	Cookies   map[string]string
	RemoteIP  string
	FullURL   string
	UserAgent string
	Referer   string
}

// Result tells the HTTP layer what to answer.
type Result struct {
	RedirectURL string
	Benign      bool
	NotFound    bool
	Token       string
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Bots    botdomain.Repository
	Store   SnapshotStore
	Events  PageViewEmitter `optional:"true"`
	Health  Health          `optional:"true"`
	Clock   clock.Clock
	KV      *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Service resolves a redirect slug to one bot of the pool, captures
// click attribution and hands the visitor to Telegram.
type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	bots    botdomain.Repository
	store   SnapshotStore
	events  PageViewEmitter
	health  Health
	clock   clock.Clock
	kv      *redis.Client
	metrics *obsmetrics.Metrics
}

func New(p Params) *Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("redirect"),
		bots:    p.Bots,
		store:   p.Store,
		events:  p.Events,
		health:  p.Health,
		clock:   p.Clock,
		kv:      p.KV,
		metrics: p.Metrics,
	}
}

// Handle runs the cloaker gate, picks a bot and mints the tracking
// token. A cloaker denial answers a benign page; the real destination
// never leaks.
func (s *Service) Handle(ctx context.Context, req *Request) (*Result, error) {
	pool, err := s.bots.FindPoolBySlug(ctx, s.db, req.Slug)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		return &Result{NotFound: true}, nil
	}

	if reason, denied := s.cloakerDenies(pool, req); denied {
		s.metrics.RecordCloakerDenied(ctx, pool.Slug, reason)
		s.log.Info("cloaker denied",
			zap.String("slug", pool.Slug),
			zap.String("reason", reason),
			zap.String("client_ip", req.RemoteIP),
		)
		return &Result{Benign: true}, nil
	}

	bot, err := s.pickBot(ctx, pool, req)
	if err != nil {
		return nil, err
	}
	if bot == nil {
		s.log.Warn("no healthy bot in pool", zap.String("slug", pool.Slug))
		return &Result{Benign: true}, nil
	}

	token := tracking.NewToken()
	snap := s.buildSnapshot(pool, req, token)
	if pool.TrackingEnabled {
		if err := s.store.Save(ctx, snap); err != nil {
			s.log.Warn("snapshot save failed", zap.String("slug", pool.Slug), zap.Error(err))
		}
	}
	if s.events != nil {
		s.events.EmitPageView(ctx, pool, snap)
	}

	s.metrics.RecordRedirect(ctx, pool.Slug)
	return &Result{
		RedirectURL: fmt.Sprintf("https://t.me/%s?start=%s", bot.Username, token),
		Token:       token,
	}, nil
}

func (s *Service) cloakerDenies(pool *botdomain.RedirectPool, req *Request) (string, bool) {
	if !pool.CloakerEnabled {
		return "", false
	}
	if pool.CloakerParamName != "" &&
		req.Query.Get(pool.CloakerParamName) != pool.CloakerParamValue {
		return "param", true
	}
	ua := strings.ToLower(req.UserAgent)
	if ua == "" {
		return "user_agent", true
	}
	for _, frag := range botUABlocklist {
		if strings.Contains(ua, frag) {
			return "user_agent", true
		}
	}
	if pool.RefererWhitelist != "" {
		allowed := false
		for _, ref := range strings.Split(pool.RefererWhitelist, ",") {
			ref = strings.TrimSpace(ref)
			if ref != "" && strings.Contains(req.Referer, ref) {
				allowed = true
				break
			}
		}
		if !allowed {
			return "referer", true
		}
	}
	return "", false
}

// pickBot chooses a healthy pool member by weighted round-robin, with
// a 30 minute sticky binding per (ip, ua, fbclid) so re-clicks land on
// the same bot.
func (s *Service) pickBot(ctx context.Context, pool *botdomain.RedirectPool, req *Request) (*botdomain.Bot, error) {
	members, err := s.bots.ListPoolBots(ctx, s.db, int64(pool.ID))
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(members))
	weightByBot := make(map[int64]int, len(members))
	for _, m := range members {
		ids = append(ids, m.BotID)
		weight := m.Weight
		if weight <= 0 {
			weight = 1
		}
		weightByBot[m.BotID] = weight
	}
	bots, err := s.bots.ListBotsByIDs(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}

	healthy := make([]*botdomain.Bot, 0, len(bots))
	for i := range bots {
		bot := &bots[i]
		if !bot.IsActive || !bot.IsRunning || bot.Username == "" {
			continue
		}
		if s.health != nil && !s.health.Healthy(ctx, bot) {
			continue
		}
		healthy = append(healthy, bot)
	}
	if len(healthy) == 0 {
		return nil, nil
	}

	stickyKey := s.stickyKey(pool, req)
	if s.kv != nil && stickyKey != "" {
		if raw, err := s.kv.Get(ctx, stickyKey).Int64(); err == nil {
			for _, bot := range healthy {
				if int64(bot.ID) == raw {
					return bot, nil
				}
			}
		}
	}

	total := 0
	for _, bot := range healthy {
		total += weightByBot[int64(bot.ID)]
	}
	slot := 0
	if s.kv != nil {
		n, err := s.kv.Incr(ctx, fmt.Sprintf("pool:rr:%d", int64(pool.ID))).Result()
		if err == nil {
			slot = int(n % int64(total))
		}
	}
	var chosen *botdomain.Bot
	for _, bot := range healthy {
		slot -= weightByBot[int64(bot.ID)]
		if slot < 0 {
			chosen = bot
			break
		}
	}
	if chosen == nil {
		chosen = healthy[0]
	}

	if s.kv != nil && stickyKey != "" {
		if err := s.kv.Set(ctx, stickyKey, int64(chosen.ID), stickyTTL).Err(); err != nil {
			s.log.Warn("sticky bind failed", zap.String("slug", pool.Slug), zap.Error(err))
		}
	}
	return chosen, nil
}

func (s *Service) stickyKey(pool *botdomain.RedirectPool, req *Request) string {
	seed := req.RemoteIP + "|" + req.UserAgent + "|" + req.Query.Get("fbclid")
	if seed == "||" {
		return ""
	}
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("sticky:%d:%s", int64(pool.ID), hex.EncodeToString(sum[:8]))
}

func (s *Service) buildSnapshot(pool *botdomain.RedirectPool, req *Request, token string) *tracking.Snapshot {
	snap := &tracking.Snapshot{
		Token:           token,
		FBCLID:          req.Query.Get("fbclid"),
		UTMSource:       req.Query.Get("utm_source"),
		UTMMedium:       req.Query.Get("utm_medium"),
		UTMCampaign:     req.Query.Get("utm_campaign"),
		UTMContent:      req.Query.Get("utm_content"),
		UTMTerm:         req.Query.Get("utm_term"),
		ClientIP:        NormalizeIP(ClientIP(req.Header, req.RemoteIP)),
		ClientUserAgent: req.UserAgent,
		ClickContextURL: req.FullURL,
		PageviewEventID: "pv_" + token,
		PoolID:          int64(pool.ID),
		CreatedAt:       s.clock.Now(),
		FBCOrigin:       tracking.FBCOriginAbsent,
	}

	// fbp may ride the query or the cookie; fbc counts only when the
	// browser cookie carries it. No server-side fbc is ever minted.
	if fbp := req.Cookies["_fbp"]; fbp != "" {
		snap.FBP = fbp
	} else if fbp := req.Query.Get("fbp"); fbp != "" {
		snap.FBP = fbp
	}
	if fbc := req.Cookies["_fbc"]; fbc != "" {
		snap.FBC = fbc
		snap.FBCOrigin = tracking.FBCOriginCookie
	} else if snap.FBCLID != "" {
		snap.FBCOrigin = tracking.FBCOriginSynthetic
		snap.FBC = fmt.Sprintf("fb.1.%d.%s", s.clock.Now().UnixMilli(), snap.FBCLID)
	}
	return snap
}

// ClientIP walks the proxy header chain in trust order.
func ClientIP(header http.Header, remoteAddr string) string {
	if ip := header.Get("CF-Connecting-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if ip := header.Get("True-Client-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	if chain := header.Get("X-Forwarded-For"); chain != "" {
		first := strings.Split(chain, ",")[0]
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := header.Get("X-Real-IP"); ip != "" {
		return strings.TrimSpace(ip)
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// NormalizeIP maps IPv4 addresses into IPv4-mapped IPv6 form, the
// shape Meta expects for client_ip_address.
func NormalizeIP(raw string) string {
	ip := net.ParseIP(strings.TrimSpace(raw))
	if ip == nil {
		return raw
	}
	if v4 := ip.To4(); v4 != nil {
		return "::ffff:" + v4.String()
	}
	return ip.String()
}

// BenignHTML is the page served to cloaked-off traffic.
const BenignHTML = `<!DOCTYPE html>
<html lang="pt-BR">
<head><meta charset="utf-8"><title>Página em manutenção</title></head>
<body>
<h1>Estamos em manutenção</h1>
<p>Volte em breve.</p>
</body>
</html>`
