package repository_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/vendazap/vendazap/internal/bot/domain"
	botrepo "github.com/vendazap/vendazap/internal/bot/repository"
)

func setup(t *testing.T) (*gorm.DB, domain.Repository) {
	t.Helper()

	dsn := fmt.Sprintf("file:botrepo_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&domain.Bot{}, &domain.BotUser{}, &domain.RedirectPool{}, &domain.PoolBot{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, botrepo.Provide()
}

func seedBot(t *testing.T, db *gorm.DB, id int64) *domain.Bot {
	t.Helper()
	bot := &domain.Bot{
		ID:            snowflake.ID(id),
		OwnerID:       1,
		Token:         "enc_v1",
		Username:      fmt.Sprintf("bot_%d", id),
		IsActive:      true,
		WebhookSecret: fmt.Sprintf("whs_%d", id),
	}
	if err := db.Create(bot).Error; err != nil {
		t.Fatalf("seed bot: %v", err)
	}
	return bot
}

func botUser(botID, tgUserID int64, token string, at time.Time) *domain.BotUser {
	return &domain.BotUser{
		ID:                 snowflake.ID(time.Now().UnixNano()),
		BotID:              botID,
		TelegramUserID:     tgUserID,
		ChatID:             tgUserID,
		TrackingToken:      token,
		FBC:                "fb.1.1.orig",
		FirstInteractionAt: at,
		LastInteractionAt:  at,
	}
}

func TestUpsertBotUserRefreshesAttribution(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	created, err := repo.UpsertBotUser(ctx, db, botUser(100, 300, "tok_a", now))
	if err != nil {
		t.Fatalf("UpsertBotUser: %v", err)
	}

	// Same token: attribution stays.
	later := now.Add(time.Hour)
	repeat := botUser(100, 300, "tok_a", later)
	repeat.FBC = ""
	updated, err := repo.UpsertBotUser(ctx, db, repeat)
	if err != nil {
		t.Fatalf("UpsertBotUser repeat: %v", err)
	}
	if updated.ID != created.ID {
		t.Fatal("expected the existing row back")
	}
	if updated.FBC != "fb.1.1.orig" {
		t.Fatal("attribution must not be wiped by a tokenless revisit")
	}
	if !updated.LastInteractionAt.Equal(later) {
		t.Fatal("last interaction not touched")
	}

	// New token: the fresher click wins.
	fresh := botUser(100, 300, "tok_b", later.Add(time.Hour))
	fresh.FBC = "fb.1.2.fresh"
	updated, err = repo.UpsertBotUser(ctx, db, fresh)
	if err != nil {
		t.Fatalf("UpsertBotUser fresh: %v", err)
	}
	if updated.TrackingToken != "tok_b" || updated.FBC != "fb.1.2.fresh" {
		t.Fatalf("attribution not refreshed: token=%q fbc=%q", updated.TrackingToken, updated.FBC)
	}
}

func TestRotateTokenArchivesUsers(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()
	bot := seedBot(t, db, 100)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := repo.UpsertBotUser(ctx, db, botUser(100, 300, "tok_a", now)); err != nil {
		t.Fatalf("UpsertBotUser: %v", err)
	}

	if err := repo.RotateToken(ctx, db, int64(bot.ID), "enc_v2", now.Add(time.Minute)); err != nil {
		t.Fatalf("RotateToken: %v", err)
	}

	stored, err := repo.FindBotByID(ctx, db, int64(bot.ID))
	if err != nil {
		t.Fatalf("FindBotByID: %v", err)
	}
	if stored.Token != "enc_v2" {
		t.Fatalf("token = %q, want enc_v2", stored.Token)
	}

	// The old identity namespace is archived, not deleted.
	user, err := repo.FindBotUser(ctx, db, 100, 300)
	if err != nil {
		t.Fatalf("FindBotUser: %v", err)
	}
	if user != nil {
		t.Fatal("active lookup must miss after rotation")
	}
	var count int64
	if err := db.Model(&domain.BotUser{}).Where("bot_id = ? AND archived_at > 0", 100).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("archived rows = %d, want 1", count)
	}

	// A fresh interaction starts a clean row.
	if _, err := repo.UpsertBotUser(ctx, db, botUser(100, 300, "tok_b", now)); err != nil {
		t.Fatalf("UpsertBotUser after rotation: %v", err)
	}
	user, err = repo.FindBotUser(ctx, db, 100, 300)
	if err != nil {
		t.Fatalf("FindBotUser: %v", err)
	}
	if user == nil || user.TrackingToken != "tok_b" {
		t.Fatal("expected a fresh active row after rotation")
	}
}

func TestRotateTokenRepeatedly(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()
	bot := seedBot(t, db, 100)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// Each cycle: the user interacts, then the owner rotates. Every
	// rotation must archive into its own generation.
	for i := 0; i < 3; i++ {
		token := fmt.Sprintf("tok_%d", i)
		if _, err := repo.UpsertBotUser(ctx, db, botUser(100, 300, token, now)); err != nil {
			t.Fatalf("UpsertBotUser %d: %v", i, err)
		}
		rotatedAt := now.Add(time.Duration(i+1) * time.Minute)
		if err := repo.RotateToken(ctx, db, int64(bot.ID), fmt.Sprintf("enc_v%d", i+2), rotatedAt); err != nil {
			t.Fatalf("RotateToken %d: %v", i, err)
		}
	}

	user, err := repo.FindBotUser(ctx, db, 100, 300)
	if err != nil {
		t.Fatalf("FindBotUser: %v", err)
	}
	if user != nil {
		t.Fatal("active lookup must miss after the last rotation")
	}
	var count int64
	if err := db.Model(&domain.BotUser{}).Where("bot_id = ? AND archived_at > 0", 100).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("archived rows = %d, want one per rotation", count)
	}
}

func TestFindBotMissingIsNil(t *testing.T) {
	db, repo := setup(t)

	bot, err := repo.FindBotByID(context.Background(), db, 999)
	if err != nil {
		t.Fatalf("FindBotByID: %v", err)
	}
	if bot != nil {
		t.Fatal("missing bot must be (nil, nil)")
	}
}

func TestListIdleBotUsers(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	if _, err := repo.UpsertBotUser(ctx, db, botUser(100, 1, "t1", now.Add(-2*time.Hour))); err != nil {
		t.Fatalf("seed idle: %v", err)
	}
	if _, err := repo.UpsertBotUser(ctx, db, botUser(100, 2, "t2", now)); err != nil {
		t.Fatalf("seed active: %v", err)
	}

	idle, err := repo.ListIdleBotUsers(ctx, db, 100, now.Add(-time.Hour), 50)
	if err != nil {
		t.Fatalf("ListIdleBotUsers: %v", err)
	}
	if len(idle) != 1 || idle[0].TelegramUserID != 1 {
		t.Fatalf("idle = %v, want the 2h-old user only", idle)
	}
}

func TestPoolLookups(t *testing.T) {
	db, repo := setup(t)
	ctx := context.Background()

	pool := &domain.RedirectPool{ID: 7, OwnerID: 1, Slug: "promo"}
	if err := db.Create(pool).Error; err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	for i, weight := range []int{3, 1} {
		pb := &domain.PoolBot{ID: snowflake.ID(100 + i), PoolID: 7, BotID: int64(100 + i), Weight: weight}
		if err := db.Create(pb).Error; err != nil {
			t.Fatalf("seed pool bot: %v", err)
		}
	}

	found, err := repo.FindPoolBySlug(ctx, db, "promo")
	if err != nil {
		t.Fatalf("FindPoolBySlug: %v", err)
	}
	if found == nil || found.ID != 7 {
		t.Fatalf("pool = %+v", found)
	}

	members, err := repo.ListPoolBots(ctx, db, 7)
	if err != nil {
		t.Fatalf("ListPoolBots: %v", err)
	}
	if len(members) != 2 || members[0].Weight != 3 {
		t.Fatalf("members = %+v", members)
	}

	missing, err := repo.FindPoolBySlug(ctx, db, "ghost")
	if err != nil || missing != nil {
		t.Fatalf("missing slug = (%v, %v), want (nil, nil)", missing, err)
	}
}
