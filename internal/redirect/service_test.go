package redirect_test

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	botdomain "github.com/vendazap/vendazap/internal/bot/domain"
	botrepo "github.com/vendazap/vendazap/internal/bot/repository"
	"github.com/vendazap/vendazap/internal/clock"
	"github.com/vendazap/vendazap/internal/redirect"
	"github.com/vendazap/vendazap/internal/tracking"
)

type fakeStore struct {
	snaps []*tracking.Snapshot
}

func (f *fakeStore) Save(_ context.Context, snap *tracking.Snapshot) error {
	f.snaps = append(f.snaps, snap)
	return nil
}

type fakeEvents struct {
	pageviews []*tracking.Snapshot
}

func (f *fakeEvents) EmitPageView(_ context.Context, _ *botdomain.RedirectPool, snap *tracking.Snapshot) {
	f.pageviews = append(f.pageviews, snap)
}

type fakeHealth struct {
	down map[int64]bool
}

func (f *fakeHealth) Healthy(_ context.Context, bot *botdomain.Bot) bool {
	return !f.down[int64(bot.ID)]
}

type fixture struct {
	svc    *redirect.Service
	db     *gorm.DB
	store  *fakeStore
	events *fakeEvents
	health *fakeHealth
}

func setup(t *testing.T) *fixture {
	t.Helper()

	dsn := fmt.Sprintf("file:redirtest_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&botdomain.Bot{}, &botdomain.RedirectPool{}, &botdomain.PoolBot{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	store := &fakeStore{}
	events := &fakeEvents{}
	health := &fakeHealth{down: map[int64]bool{}}
	svc := redirect.New(redirect.Params{
		DB:     db,
		Log:    zap.NewNop(),
		Bots:   botrepo.Provide(),
		Store:  store,
		Events: events,
		Health: health,
		Clock:  clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	})
	return &fixture{svc: svc, db: db, store: store, events: events, health: health}
}

func (f *fixture) seedPool(t *testing.T, mutate func(*botdomain.RedirectPool)) {
	t.Helper()
	pool := &botdomain.RedirectPool{
		ID:              snowflake.ID(7),
		OwnerID:         1,
		Slug:            "promo",
		TrackingEnabled: true,
	}
	if mutate != nil {
		mutate(pool)
	}
	if err := f.db.Create(pool).Error; err != nil {
		t.Fatalf("seed pool: %v", err)
	}
}

func (f *fixture) seedBot(t *testing.T, id int64, running bool) {
	t.Helper()
	bot := &botdomain.Bot{
		ID:        snowflake.ID(id),
		OwnerID:   1,
		Token:     "enc",
		Username:  fmt.Sprintf("bot_%d", id),
		IsActive:  true,
		IsRunning: running,
	}
	if err := f.db.Create(bot).Error; err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	pb := &botdomain.PoolBot{ID: snowflake.ID(id + 1000), PoolID: 7, BotID: id, Weight: 1}
	if err := f.db.Create(pb).Error; err != nil {
		t.Fatalf("seed pool bot: %v", err)
	}
}

func request(mutate func(*redirect.Request)) *redirect.Request {
	req := &redirect.Request{
		Slug:      "promo",
		Query:     url.Values{},
		Header:    http.Header{},
		Cookies:   map[string]string{},
		RemoteIP:  "203.0.113.9",
		FullURL:   "https://links.example.com/go/promo?fbclid=click123",
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X)",
		Referer:   "https://instagram.com/p/abc",
	}
	if mutate != nil {
		mutate(req)
	}
	return req
}

func TestUnknownSlugIsNotFound(t *testing.T) {
	f := setup(t)

	res, err := f.svc.Handle(context.Background(), request(func(r *redirect.Request) {
		r.Slug = "ghost"
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.NotFound {
		t.Fatal("unknown slug must answer not found")
	}
}

func TestRedirectMintsTokenAndSnapshot(t *testing.T) {
	f := setup(t)
	f.seedPool(t, nil)
	f.seedBot(t, 100, true)

	res, err := f.svc.Handle(context.Background(), request(func(r *redirect.Request) {
		r.Query.Set("fbclid", "click123")
		r.Query.Set("utm_source", "ig")
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Benign || res.NotFound {
		t.Fatalf("result = %+v", res)
	}
	want := "https://t.me/bot_100?start=" + res.Token
	if res.RedirectURL != want {
		t.Fatalf("url = %q, want %q", res.RedirectURL, want)
	}

	if len(f.store.snaps) != 1 {
		t.Fatalf("saved %d snapshots, want 1", len(f.store.snaps))
	}
	snap := f.store.snaps[0]
	if snap.Token != res.Token {
		t.Fatal("snapshot token mismatch")
	}
	if snap.PageviewEventID != "pv_"+res.Token {
		t.Fatalf("pageview event id = %q", snap.PageviewEventID)
	}
	if snap.FBCLID != "click123" || snap.UTMSource != "ig" {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.ClientIP != "::ffff:203.0.113.9" {
		t.Fatalf("client ip = %q", snap.ClientIP)
	}

	if len(f.events.pageviews) != 1 {
		t.Fatal("pageview not emitted")
	}
}

func TestTrackingDisabledSkipsSnapshot(t *testing.T) {
	f := setup(t)
	f.seedPool(t, func(p *botdomain.RedirectPool) { p.TrackingEnabled = false })
	f.seedBot(t, 100, true)

	res, err := f.svc.Handle(context.Background(), request(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.RedirectURL == "" {
		t.Fatal("redirect must still happen")
	}
	if len(f.store.snaps) != 0 {
		t.Fatal("tracking disabled must not persist a snapshot")
	}
}

func TestCloakerDeniesMissingParam(t *testing.T) {
	f := setup(t)
	f.seedPool(t, func(p *botdomain.RedirectPool) {
		p.CloakerEnabled = true
		p.CloakerParamName = "grk"
		p.CloakerParamValue = "v1"
	})
	f.seedBot(t, 100, true)

	res, err := f.svc.Handle(context.Background(), request(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Benign || res.RedirectURL != "" {
		t.Fatalf("result = %+v, want benign", res)
	}
	if len(f.store.snaps) != 0 {
		t.Fatal("denied click must not leave a snapshot")
	}
}

func TestCloakerDeniesScriptedAgents(t *testing.T) {
	f := setup(t)
	f.seedPool(t, func(p *botdomain.RedirectPool) { p.CloakerEnabled = true })
	f.seedBot(t, 100, true)

	for _, ua := range []string{"", "curl/8.4.0", "facebookexternalhit/1.1", "Googlebot/2.1"} {
		res, err := f.svc.Handle(context.Background(), request(func(r *redirect.Request) {
			r.UserAgent = ua
		}))
		if err != nil {
			t.Fatalf("Handle(%q): %v", ua, err)
		}
		if !res.Benign {
			t.Fatalf("ua %q passed the cloaker", ua)
		}
	}
}

func TestCloakerRefererWhitelist(t *testing.T) {
	f := setup(t)
	f.seedPool(t, func(p *botdomain.RedirectPool) {
		p.CloakerEnabled = true
		p.RefererWhitelist = "instagram.com, facebook.com"
	})
	f.seedBot(t, 100, true)
	ctx := context.Background()

	res, err := f.svc.Handle(ctx, request(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.Benign {
		t.Fatal("whitelisted referer must pass")
	}

	res, err = f.svc.Handle(ctx, request(func(r *redirect.Request) {
		r.Referer = "https://shady.example.net"
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Benign {
		t.Fatal("off-whitelist referer must be denied")
	}
}

func TestPickSkipsStoppedAndUnhealthyBots(t *testing.T) {
	f := setup(t)
	f.seedPool(t, nil)
	f.seedBot(t, 100, false)
	f.seedBot(t, 101, true)
	ctx := context.Background()

	res, err := f.svc.Handle(ctx, request(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !strings.Contains(res.RedirectURL, "bot_101") {
		t.Fatalf("url = %q, want the running bot", res.RedirectURL)
	}

	f.health.down[101] = true
	res, err = f.svc.Handle(ctx, request(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !res.Benign {
		t.Fatal("a pool with no healthy bot must answer the benign page")
	}
}

func TestSnapshotFBCFromCookie(t *testing.T) {
	f := setup(t)
	f.seedPool(t, nil)
	f.seedBot(t, 100, true)

	_, err := f.svc.Handle(context.Background(), request(func(r *redirect.Request) {
		r.Query.Set("fbclid", "click123")
		r.Query.Set("fbp", "fb.1.999.query")
		r.Cookies["_fbc"] = "fb.1.123.click123"
		r.Cookies["_fbp"] = "fb.1.123.cookie"
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	snap := f.store.snaps[0]
	if snap.FBC != "fb.1.123.click123" || snap.FBCOrigin != tracking.FBCOriginCookie {
		t.Fatalf("fbc = %q origin %q", snap.FBC, snap.FBCOrigin)
	}
	if snap.FBP != "fb.1.123.cookie" {
		t.Fatalf("fbp = %q, cookie must win over query", snap.FBP)
	}
}

func TestSnapshotSyntheticFBC(t *testing.T) {
	f := setup(t)
	f.seedPool(t, nil)
	f.seedBot(t, 100, true)

	_, err := f.svc.Handle(context.Background(), request(func(r *redirect.Request) {
		r.Query.Set("fbclid", "click123")
	}))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	snap := f.store.snaps[0]
	if snap.FBCOrigin != tracking.FBCOriginSynthetic {
		t.Fatalf("origin = %q", snap.FBCOrigin)
	}
	wantMillis := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC).UnixMilli()
	if want := fmt.Sprintf("fb.1.%d.click123", wantMillis); snap.FBC != want {
		t.Fatalf("fbc = %q, want %q", snap.FBC, want)
	}
}

func TestSnapshotWithoutClickHasNoFBC(t *testing.T) {
	f := setup(t)
	f.seedPool(t, nil)
	f.seedBot(t, 100, true)

	_, err := f.svc.Handle(context.Background(), request(nil))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	snap := f.store.snaps[0]
	if snap.FBC != "" || snap.FBCOrigin != tracking.FBCOriginAbsent {
		t.Fatalf("fbc = %q origin %q, want absent", snap.FBC, snap.FBCOrigin)
	}
}

func TestClientIPTrustOrder(t *testing.T) {
	header := http.Header{}
	header.Set("X-Forwarded-For", "198.51.100.7, 10.0.0.1")
	header.Set("X-Real-IP", "198.51.100.8")
	if got := redirect.ClientIP(header, "192.0.2.1:4455"); got != "198.51.100.7" {
		t.Fatalf("ClientIP = %q", got)
	}

	header.Set("CF-Connecting-IP", "198.51.100.9")
	if got := redirect.ClientIP(header, "192.0.2.1:4455"); got != "198.51.100.9" {
		t.Fatalf("ClientIP = %q, CF header must win", got)
	}

	if got := redirect.ClientIP(http.Header{}, "192.0.2.1:4455"); got != "192.0.2.1" {
		t.Fatalf("ClientIP = %q, want the socket peer", got)
	}
}

func TestNormalizeIP(t *testing.T) {
	cases := map[string]string{
		"203.0.113.9":    "::ffff:203.0.113.9",
		"2001:db8::1":    "2001:db8::1",
		"not an address": "not an address",
	}
	for in, want := range cases {
		if got := redirect.NormalizeIP(in); got != want {
			t.Errorf("NormalizeIP(%q) = %q, want %q", in, got, want)
		}
	}
}
