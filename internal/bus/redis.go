// ABOUTME: Redis-backed durable store for the message bus.
// ABOUTME: Per-recipient id lists trimmed to the history bound, JSON bodies keyed by id.

package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	msgKeyPrefix  = "switchboard:msg:"
	chanKeyPrefix = "switchboard:chan:"

	// Bodies outlive their channel entry briefly after a trim; the TTL
	// reclaims them without a sweeper.
	msgTTL = 24 * time.Hour
)

// RedisStore persists messages in Redis so queued messages survive an
// orchestrator restart. Each message body lives under its own key and
// each recipient has a trimmed list of message ids in publish order.
type RedisStore struct {
	client *redis.Client
	limit  int
}

// NewRedisStore connects to Redis at addr and verifies the connection
// with a ping before returning. A failed ping returns an error so the
// caller can fall back to the in-memory store.
func NewRedisStore(ctx context.Context, addr, password string, db, limit int) (*RedisStore, error) {
	if limit <= 0 {
		limit = 1000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}

	return &RedisStore{client: client, limit: limit}, nil
}

func (s *RedisStore) Append(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, msgKeyPrefix+msg.ID, body, msgTTL)
	pipe.RPush(ctx, chanKeyPrefix+msg.Recipient, msg.ID)
	pipe.LTrim(ctx, chanKeyPrefix+msg.Recipient, int64(-s.limit), -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisStore) Update(ctx context.Context, msg Message) error {
	key := msgKeyPrefix + msg.ID
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}
	if exists == 0 {
		return ErrUnknownMessage
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message %s: %w", msg.ID, err)
	}
	if err := s.client.Set(ctx, key, body, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("update message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (Message, error) {
	body, err := s.client.Get(ctx, msgKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return Message{}, ErrUnknownMessage
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message %s: %w", id, err)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return msg, nil
}

func (s *RedisStore) History(ctx context.Context, recipient string, limit int) ([]Message, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	ids, err := s.client.LRange(ctx, chanKeyPrefix+recipient, start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", recipient, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = msgKeyPrefix + id
	}
	bodies, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", recipient, err)
	}

	out := make([]Message, 0, len(bodies))
	for _, raw := range bodies {
		text, ok := raw.(string)
		if !ok {
			continue // body expired ahead of its channel entry
		}
		var msg Message
		if err := json.Unmarshal([]byte(text), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *RedisStore) Name() string { return "redis" }

func (s *RedisStore) Close() error { return s.client.Close() }
