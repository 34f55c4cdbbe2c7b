package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "x402:entitlement:"

// RedisStore keeps entitlements as JSON values written with SETNX and no TTL.
// Durability follows the Redis server's persistence settings.
type RedisStore struct {
	client redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store backed by a new Redis client.
func NewRedisStore(addr string, password string, db int) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisStore{client: rdb}
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, id string) (Record, bool, error) {
	if id == "" {
		return Record{}, false, ErrEmptyPaymentID
	}

	raw, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("redis entitlement get: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("redis entitlement decode %s: %w", id, err)
	}
	return rec, true, nil
}

func (s *RedisStore) IsSettled(ctx context.Context, id string) (bool, error) {
	return isSettled(ctx, s, id)
}

func (s *RedisStore) PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error) {
	rec, err := normalize(rec)
	if err != nil {
		return Record{}, false, err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return Record{}, false, fmt.Errorf("redis entitlement encode: %w", err)
	}

	created, err := s.client.SetNX(ctx, redisKeyPrefix+rec.PaymentID, raw, 0).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("redis entitlement put: %w", err)
	}
	if created {
		return rec, true, nil
	}

	existing, found, err := s.Get(ctx, rec.PaymentID)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, fmt.Errorf("redis entitlement put: %s vanished after conflict", rec.PaymentID)
	}
	return existing, false, nil
}
