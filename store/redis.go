package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces record keys when no prefix is configured.
const DefaultRedisPrefix = "csrf"

// Redis persists the record group as one hash per browsing session, keyed
// "<prefix>:<sessionID>". The hash expires with the token it holds.
type Redis struct {
	redis redis.UniversalClient
	key   string
}

// NewRedis creates a [Redis] store for one browsing session.
//
//	Performance: Save is 1 MULTI/EXEC (DEL + HSET + PEXPIREAT); Load is 1 HGETALL; Clear is 1 DEL.
func NewRedis(client redis.UniversalClient, prefix, sessionID string) *Redis {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &Redis{
		redis: client,
		key:   prefix + ":" + sessionID,
	}
}

// Key returns the Redis key holding the record hash.
func (s *Redis) Key() string {
	return s.key
}

// Load reads the record hash. Missing or partial hashes report [ErrNotFound].
func (s *Redis) Load(ctx context.Context) (Record, error) {
	values, err := s.redis.HGetAll(ctx, s.key).Result()
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(values) == 0 {
		return Record{}, ErrNotFound
	}
	return Decode(values)
}

// Save replaces the record hash in a single transaction so readers never observe a mix of
// old and new fields.
func (s *Redis) Save(ctx context.Context, r Record) error {
	values := Encode(r)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.HSet(ctx, s.key, values)
		pipe.PExpireAt(ctx, s.key, r.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Clear deletes the record hash.
func (s *Redis) Clear(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
