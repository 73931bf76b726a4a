package tracking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// FBC origin values. Only cookie-origin fbc may be persisted to a
// Payment or emitted in conversion events.
const (
	FBCOriginCookie    = "cookie"
	FBCOriginSynthetic = "synthetic"
	FBCOriginAbsent    = "absent"
)

var ErrNotFound = errors.New("tracking: snapshot not found")

// Snapshot is the attribution captured at the HTTP redirect, keyed by an
// opaque tracking token and joined opportunistically downstream.
type Snapshot struct {
	Token           string    `json:"token"`
	FBP             string    `json:"fbp,omitempty"`
	FBC             string    `json:"fbc,omitempty"`
	FBCOrigin       string    `json:"fbc_origin"`
	FBCLID          string    `json:"fbclid,omitempty"`
	UTMSource       string    `json:"utm_source,omitempty"`
	UTMMedium       string    `json:"utm_medium,omitempty"`
	UTMCampaign     string    `json:"utm_campaign,omitempty"`
	UTMContent      string    `json:"utm_content,omitempty"`
	UTMTerm         string    `json:"utm_term,omitempty"`
	ClientIP        string    `json:"client_ip,omitempty"`
	ClientUserAgent string    `json:"client_user_agent,omitempty"`
	PageviewEventID string    `json:"pageview_event_id"`
	ClickContextURL string    `json:"click_context_url,omitempty"`
	PoolID          int64     `json:"pool_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

const (
	keySnapshot   = "track:snap:%s"
	keyByFBCLID   = "track:fbclid:%s"
	keyByChat     = "track:chat:%d:%d"
	keyByPayment  = "track:payment:%s"
	keyLastToken  = "track:last:%d:%d"
	keyFlowCursor = "flow:cursor:%d:%d"
	keyFlowDelay  = "flow:delay"
)

// Store keeps short-lived attribution snapshots and their secondary
// indices in Redis. A token has a single writer; readers tolerate
// staleness of at most one write.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Store{client: client, ttl: ttl}
}

// NewToken mints an opaque tracking token.
func NewToken() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Save writes a snapshot under its token. Idempotent overwrite.
func (s *Store) Save(ctx context.Context, snap *Snapshot) error {
	if snap == nil || strings.TrimSpace(snap.Token) == "" {
		return errors.New("tracking: snapshot token required")
	}
	if snap.FBCOrigin == "" {
		snap.FBCOrigin = FBCOriginAbsent
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, fmt.Sprintf(keySnapshot, snap.Token), raw, s.ttl).Err(); err != nil {
		return err
	}
	if snap.FBCLID != "" {
		if err := s.client.Set(ctx, fmt.Sprintf(keyByFBCLID, snap.FBCLID), snap.Token, s.ttl).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the snapshot for a token, or ErrNotFound after TTL.
func (s *Store) Get(ctx context.Context, token string) (*Snapshot, error) {
	raw, err := s.client.Get(ctx, fmt.Sprintf(keySnapshot, token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// BindChat indexes the token by (bot, chat) and records it as the most
// recent click-to-bot binding for the user.
func (s *Store) BindChat(ctx context.Context, botID int64, chatID int64, tgUserID int64, token string) error {
	if err := s.client.Set(ctx, fmt.Sprintf(keyByChat, botID, chatID), token, s.ttl).Err(); err != nil {
		return err
	}
	return s.client.Set(ctx, fmt.Sprintf(keyLastToken, botID, tgUserID), token, s.ttl).Err()
}

// BindPayment indexes the token by payment id with the remaining TTL.
func (s *Store) BindPayment(ctx context.Context, paymentID string, token string) error {
	return s.client.Set(ctx, fmt.Sprintf(keyByPayment, paymentID), token, s.ttl).Err()
}

// TokenByFBCLID resolves a token through the fbclid secondary index.
func (s *Store) TokenByFBCLID(ctx context.Context, fbclid string) (string, error) {
	return s.lookup(ctx, fmt.Sprintf(keyByFBCLID, fbclid))
}

// TokenByPayment resolves a token through the payment secondary index.
func (s *Store) TokenByPayment(ctx context.Context, paymentID string) (string, error) {
	return s.lookup(ctx, fmt.Sprintf(keyByPayment, paymentID))
}

// LastTokenForUser returns the most recent click-to-bot binding for a
// Telegram user, or ErrNotFound.
func (s *Store) LastTokenForUser(ctx context.Context, botID int64, tgUserID int64) (string, error) {
	return s.lookup(ctx, fmt.Sprintf(keyLastToken, botID, tgUserID))
}

func (s *Store) lookup(ctx context.Context, key string) (string, error) {
	token, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// FlowCursor is the per-user position inside a flow. Config is the
// flow graph the traversal started on; an in-flight cursor finishes on
// that graph even after the bot publishes a newer flow version.
type FlowCursor struct {
	FlowID      int64           `json:"flow_id"`
	FlowVersion int             `json:"flow_version"`
	StepID      string          `json:"step_id"`
	UserID      int64           `json:"user_id,omitempty"`
	Vars        map[string]any  `json:"vars,omitempty"`
	Config      json.RawMessage `json:"config,omitempty"`
	AwaitingAt  *time.Time      `json:"awaiting_at,omitempty"`
	ResumeAt    *time.Time      `json:"resume_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// SaveCursor persists the flow cursor for (bot, chat) with its own TTL.
func (s *Store) SaveCursor(ctx context.Context, botID, chatID int64, cursor *FlowCursor, ttl time.Duration) error {
	if cursor == nil {
		return errors.New("tracking: cursor required")
	}
	cursor.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return s.client.Set(ctx, fmt.Sprintf(keyFlowCursor, botID, chatID), raw, ttl).Err()
}

// Cursor loads the flow cursor for (bot, chat), or ErrNotFound.
func (s *Store) Cursor(ctx context.Context, botID, chatID int64) (*FlowCursor, error) {
	raw, err := s.client.Get(ctx, fmt.Sprintf(keyFlowCursor, botID, chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cursor FlowCursor
	if err := json.Unmarshal(raw, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// ClearCursor removes the flow cursor for (bot, chat).
func (s *Store) ClearCursor(ctx context.Context, botID, chatID int64) error {
	return s.client.Del(ctx, fmt.Sprintf(keyFlowCursor, botID, chatID)).Err()
}

// ResumeRef points at a chat whose parked delay step came due.
type ResumeRef struct {
	BotID  int64
	ChatID int64
}

// ScheduleResume registers a delay-step wakeup. The entry survives a
// process restart; the scheduler drains it.
func (s *Store) ScheduleResume(ctx context.Context, botID, chatID int64, at time.Time) error {
	member := fmt.Sprintf("%d:%d", botID, chatID)
	return s.client.ZAdd(ctx, keyFlowDelay, redis.Z{
		Score:  float64(at.Unix()),
		Member: member,
	}).Err()
}

// DueResumes pops every wakeup whose instant passed.
func (s *Store) DueResumes(ctx context.Context, now time.Time, limit int64) ([]ResumeRef, error) {
	members, err := s.client.ZRangeByScore(ctx, keyFlowDelay, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	refs := make([]ResumeRef, 0, len(members))
	toRemove := make([]interface{}, 0, len(members))
	for _, m := range members {
		toRemove = append(toRemove, m)
		var ref ResumeRef
		if _, err := fmt.Sscanf(m, "%d:%d", &ref.BotID, &ref.ChatID); err != nil {
			continue
		}
		refs = append(refs, ref)
	}
	if err := s.client.ZRem(ctx, keyFlowDelay, toRemove...).Err(); err != nil {
		return nil, err
	}
	return refs, nil
}
