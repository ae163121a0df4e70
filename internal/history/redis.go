package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-rag/internal/models"
)

const redisKeyPrefix = "chat:history:"

// RedisStore keeps each session as a list of JSON encoded turns. Trimming and
// idle expiry are delegated to LTRIM and EXPIRE.
type RedisStore struct {
	client    *redis.Client
	retention Retention
}

func NewRedisStore(ctx context.Context, addr, password string, database int, r Retention) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisStoreFromClient(client, r), nil
}

func NewRedisStoreFromClient(client *redis.Client, r Retention) *RedisStore {
	return &RedisStore{client: client, retention: r}
}

func (s *RedisStore) key(session string) string {
	return redisKeyPrefix + session
}

func (s *RedisStore) Append(ctx context.Context, session string, turns ...models.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]interface{}, len(turns))
	for i, t := range stamp(turns, time.Now()) {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		values[i] = data
	}

	key := s.key(session)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		if s.retention.MaxTurns > 0 {
			pipe.LTrim(ctx, key, int64(-s.retention.MaxTurns), -1)
		}
		if s.retention.TTL > 0 {
			pipe.Expire(ctx, key, s.retention.TTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, session string) ([]models.Turn, error) {
	raw, err := s.client.LRange(ctx, s.key(session), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	turns := make([]models.Turn, 0, len(raw))
	for _, item := range raw {
		var t models.Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("corrupt history entry for session %s: %w", session, err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
