// Package session persists active-tenant session contexts in Redis. A tenant
// switch writes a fresh context under a new token; the old token is revoked.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound marks a missing or expired session context.
var ErrNotFound = errors.New("session context not found or expired")

// Context is the stored per-token session state: who the caller is and which
// tenant their requests are scoped to.
type Context struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ActiveTenant string    `json:"active_tenant"`
	CreatedAt    time.Time `json:"created_at"`
}

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "sessctx:"}, nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "sessctx:"}
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) SaveContext(ctx context.Context, tokenHash string, sc Context, expiresAt time.Time) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	jsonData, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal session context: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session context: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupContext(ctx context.Context, tokenHash string) (Context, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return Context{}, ErrNotFound
	}
	if err != nil {
		return Context{}, fmt.Errorf("lookup session context: %w", err)
	}

	var sc Context
	if err := json.Unmarshal([]byte(jsonData), &sc); err != nil {
		return Context{}, fmt.Errorf("unmarshal session context: %w", err)
	}
	return sc, nil
}

func (s *RedisStore) RevokeContext(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session context: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
