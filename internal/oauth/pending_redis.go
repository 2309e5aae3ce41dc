package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a PendingStore shared by several server instances. Redis
// expires entries itself, so Sweep has nothing to do.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisClient connects to the Redis server at redisURL
// (redis://[:password@]host:port/db) and checks it responds.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// NewRedisStore creates a store keeping entries under prefix for ttl. A zero
// ttl uses DefaultPendingTTL.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultPendingTTL
	}
	return &RedisStore{
		client: client,
		prefix: prefix + "oauth:pending:",
		ttl:    ttl,
	}
}

func (s *RedisStore) Put(ctx context.Context, state string, p *PendingAuthorization) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = p.CreatedAt.Add(s.ttl)
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+state, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store pending authorization: %w", err)
	}
	return nil
}

// Take uses GETDEL so only one caller can receive the entry.
func (s *RedisStore) Take(ctx context.Context, state string) (*PendingAuthorization, bool, error) {
	data, err := s.client.GetDel(ctx, s.prefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("take pending authorization: %w", err)
	}

	var p PendingAuthorization
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, false, fmt.Errorf("unmarshal pending authorization: %w", err)
	}
	return &p, true, nil
}

func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
