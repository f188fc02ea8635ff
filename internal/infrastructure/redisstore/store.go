// Package redisstore implements the coordination Store, Bus and Locker on
// redis, the shared backbone of a multi-instance deployment.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/0Andriy/roomsync/internal/domain/coordination"
)

// setIfAbsentOrEqual implements the lease CAS: write only when the key is
// absent or already ours, refreshing the TTL either way.
var setIfAbsentOrEqual = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false or current == ARGV[1] then
  redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
  return 1
end
return 0
`)

// Store is a redis-backed coordination.Store.
type Store struct {
	client redis.UniversalClient
	log    zerolog.Logger
}

// NewStore connects to redis and verifies the connection. redisURL accepts
// a single URL or a comma-separated list of cluster addresses.
func NewStore(ctx context.Context, redisURL string, log zerolog.Logger) (*Store, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url must be provided")
	}

	opts, err := buildUniversalOptions(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewUniversalClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Store{
		client: client,
		log:    log.With().Str("component", "redis-store").Logger(),
	}, nil
}

// NewStoreFromClient wraps an existing client (shared with the bus).
func NewStoreFromClient(client redis.UniversalClient, log zerolog.Logger) *Store {
	return &Store{
		client: client,
		log:    log.With().Str("component", "redis-store").Logger(),
	}
}

// Client exposes the underlying connection for the bus and locker.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

func (s *Store) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", coordination.ErrNotFound
		}
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (s *Store) SetIfAbsentOrEqual(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := setIfAbsentOrEqual.Run(ctx, s.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis cas %s: %w", key, err)
	}
	return res == 1, nil
}

func (s *Store) AddToSet(ctx context.Context, key string, members ...string) (int64, error) {
	added, err := s.client.SAdd(ctx, key, toAnySlice(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis sadd %s: %w", key, err)
	}
	return added, nil
}

func (s *Store) RemoveFromSet(ctx context.Context, key string, members ...string) (int64, error) {
	removed, err := s.client.SRem(ctx, key, toAnySlice(members)...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis srem %s: %w", key, err)
	}
	return removed, nil
}

func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis smembers %s: %w", key, err)
	}
	return members, nil
}

func (s *Store) SetContains(ctx context.Context, key, member string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) SetSize(ctx context.Context, key string) (int64, error) {
	size, err := s.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scard %s: %w", key, err)
	}
	return size, nil
}

func (s *Store) GetHash(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", key, err)
	}
	return fields, nil
}

func (s *Store) SetHash(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if err := s.client.HSet(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func toAnySlice(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

// buildUniversalOptions accepts either full redis URLs or bare host:port
// pairs, comma-separated for cluster deployments.
func buildUniversalOptions(raw string) (*redis.UniversalOptions, error) {
	parts := strings.Split(raw, ",")
	opts := &redis.UniversalOptions{}

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if strings.Contains(part, "://") {
			parsed, err := redis.ParseURL(part)
			if err != nil {
				return nil, err
			}
			opts.Addrs = append(opts.Addrs, parsed.Addr)
			if opts.Username == "" {
				opts.Username = parsed.Username
			}
			if opts.Password == "" {
				opts.Password = parsed.Password
			}
			if opts.DB == 0 {
				opts.DB = parsed.DB
			}
			if opts.TLSConfig == nil {
				opts.TLSConfig = parsed.TLSConfig
			}
		} else {
			opts.Addrs = append(opts.Addrs, part)
		}
	}

	if len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("no redis addresses provided")
	}
	return opts, nil
}
