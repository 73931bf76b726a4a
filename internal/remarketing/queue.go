package remarketing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"github.com/vendazap/vendazap/internal/remarketing/domain"
)

// Queue is the per-bot delayed job queue. Jobs are scored by their
// execute-at instant, so the drain pops everything due in one call and
// insertion order holds within the same second.
type Queue struct {
	kv    *redis.Client
	limit int64
}

func NewQueue(kv *redis.Client, limit int64) *Queue {
	if limit <= 0 {
		limit = 10000
	}
	return &Queue{kv: kv, limit: limit}
}

func queueKey(botID int64) string { return fmt.Sprintf("remarketing:queue:%d", botID) }

// Enqueue adds a job, rejecting over-limit queues with ErrQueueFull.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) error {
	if q.kv == nil {
		return nil
	}
	key := queueKey(job.BotID)
	size, err := q.kv.ZCard(ctx, key).Result()
	if err != nil {
		return err
	}
	if size >= q.limit {
		return fmt.Errorf("%w: bot %d at %d jobs", domain.ErrQueueFull, job.BotID, size)
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.kv.ZAdd(ctx, key, redis.Z{
		Score:  float64(job.ExecuteAt.Unix()),
		Member: raw,
	}).Err()
}

// Due pops every job whose execute-at passed.
func (q *Queue) Due(ctx context.Context, botID int64, nowUnix int64, limit int64) ([]domain.Job, error) {
	if q.kv == nil {
		return nil, nil
	}
	key := queueKey(botID)
	members, err := q.kv.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowUnix, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	jobs := make([]domain.Job, 0, len(members))
	toRemove := make([]interface{}, 0, len(members))
	for _, m := range members {
		toRemove = append(toRemove, m)
		var job domain.Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	if err := q.kv.ZRem(ctx, key, toRemove...).Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// EvictUser drops every queued job targeting the user. Called when
// the user converts.
func (q *Queue) EvictUser(ctx context.Context, botID, telegramUserID int64) (int, error) {
	if q.kv == nil {
		return 0, nil
	}
	key := queueKey(botID)
	members, err := q.kv.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	var toRemove []interface{}
	for _, m := range members {
		var job domain.Job
		if err := json.Unmarshal([]byte(m), &job); err != nil {
			continue
		}
		if job.TelegramUserID == telegramUserID {
			toRemove = append(toRemove, m)
		}
	}
	if len(toRemove) == 0 {
		return 0, nil
	}
	if err := q.kv.ZRem(ctx, key, toRemove...).Err(); err != nil {
		return 0, err
	}
	return len(toRemove), nil
}

// Len reports the queue depth for a bot.
func (q *Queue) Len(ctx context.Context, botID int64) (int64, error) {
	if q.kv == nil {
		return 0, nil
	}
	return q.kv.ZCard(ctx, queueKey(botID)).Result()
}
