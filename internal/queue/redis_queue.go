package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"enrollment-pipeline/internal/config"
	"enrollment-pipeline/internal/models"
)

// Delivery is one leased message. The same message may be delivered again
// if it is not acknowledged before its lease expires.
type Delivery struct {
	ID      string
	Body    []byte
	Attempt int
}

// RedisQueue is an at-least-once queue in Redis: a ready list, an in-flight
// sorted set scored by lease deadline and a scheduled set for delayed retries.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	scheduledKey  string
	msgPrefix     string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue client from config.
func NewRedisQueue(cfg config.Config) *RedisQueue {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewRedisQueueWithClient(client, cfg)
}

// NewRedisQueueWithClient builds a queue on an existing client.
func NewRedisQueueWithClient(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "enrollments"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	prefix := "queue:" + name + ":"
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + "ready",
		inflightKey:   prefix + "inflight",
		scheduledKey:  prefix + "scheduled",
		msgPrefix:     prefix + "msg:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// Close releases the underlying client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) msgKey(id string) string {
	return q.msgPrefix + id
}

// Publish stores the body and makes it ready for delivery.
func (q *RedisQueue) Publish(ctx context.Context, body []byte) (string, error) {
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.msgKey(id), "body", body, "attempts", 0, "published_at", time.Now().UnixMilli())
	pipe.RPush(ctx, q.readyKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("publish: %w", err)
	}
	return id, nil
}

// Receive leases up to max ready messages for the visibility timeout and
// bumps their attempt counters.
func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := receiveScript.Run(ctx, q.client,
		[]string{q.readyKey, q.inflightKey}, deadline, max, q.msgPrefix).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receive: %w", err)
	}
	flat, ok := res.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected type from receive script: %T", res)
	}
	out := make([]Delivery, 0, len(flat)/3)
	for i := 0; i+2 < len(flat); i += 3 {
		id, _ := flat[i].(string)
		body, _ := flat[i+1].(string)
		attempt, _ := strconv.Atoi(fmt.Sprint(flat[i+2]))
		out = append(out, Delivery{ID: id, Body: []byte(body), Attempt: attempt})
	}
	return out, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight message.
func (q *RedisQueue) ExtendLease(ctx context.Context, id string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: id,
	}).Err()
}

// Ack removes a message from in-flight tracking and drops its body.
func (q *RedisQueue) Ack(ctx context.Context, id string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.Del(ctx, q.msgKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules the message for redelivery after delay.
func (q *RedisQueue) Retry(ctx context.Context, id string, delay time.Duration) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, id)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled messages into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.moveDue(ctx, q.scheduledKey, now, limit)
	return len(ids), err
}

// RequeueExpired reclaims leases that timed out, making them ready again.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return q.moveDue(ctx, q.inflightKey, now, limit)
}

func (q *RedisQueue) moveDue(ctx context.Context, from string, now time.Time, limit int64) ([]string, error) {
	res, err := moveDueScript.Run(ctx, q.client, []string{from, q.readyKey}, now.UnixMilli(), limit).StringSlice()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Send appends a letter to the dead-letter list.
func (q *RedisQueue) Send(ctx context.Context, letter models.DeadLetter) error {
	raw, err := json.Marshal(letter)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	return q.client.RPush(ctx, q.dlqKey, raw).Err()
}

// DLQPeek reads the oldest dead letters.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]models.DeadLetter, error) {
	raws, err := q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DeadLetter, 0, len(raws))
	for _, raw := range raws {
		var l models.DeadLetter
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			l = models.DeadLetter{Body: raw, Reason: "undecodable dead letter"}
		}
		out = append(out, l)
	}
	return out, nil
}

// ReadyDepth returns the length of the ready list.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns how many messages are currently leased.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var receiveScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local deadline = ARGV[1]
local max = tonumber(ARGV[2])
local prefix = ARGV[3]
local out = {}
local n = 0
while n < max do
  local id = redis.call('LPOP', ready)
  if not id then break end
  local key = prefix .. id
  local body = redis.call('HGET', key, 'body')
  if body then
    local attempts = redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('ZADD', inflight, deadline, id)
    table.insert(out, id)
    table.insert(out, body)
    table.insert(out, tostring(attempts))
    n = n + 1
  end
end
return out
`)

var moveDueScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
local moved = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    redis.call('RPUSH', KEYS[2], id)
    table.insert(moved, id)
  end
end
return moved
`)
