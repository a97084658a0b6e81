package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shopmesh/checkout/internal/core/domain"
)

const (
	cartKeyPrefix = "cart:"
	scanBatchSize = 100
)

// RedisCartStore keeps each cart as a JSON blob under its owner key with a
// Redis-level TTL, so carts vanish eventually even if the scanner never
// runs. The cart's own expiresAt stays authoritative for logical expiry.
type RedisCartStore struct {
	client *redis.Client
}

func NewRedisCartStore(client *redis.Client) *RedisCartStore {
	return &RedisCartStore{client: client}
}

func (r *RedisCartStore) Get(ctx context.Context, ownerKey string) (*domain.Cart, error) {
	raw, err := r.client.Get(ctx, cartKeyPrefix+ownerKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cart: %w", err)
	}

	var cart domain.Cart
	if err := json.Unmarshal(raw, &cart); err != nil {
		return nil, fmt.Errorf("decode cart: %w", err)
	}
	return &cart, nil
}

func (r *RedisCartStore) Save(ctx context.Context, cart *domain.Cart, ttl time.Duration) error {
	raw, err := json.Marshal(cart)
	if err != nil {
		return fmt.Errorf("encode cart: %w", err)
	}
	// The key TTL gets a grace window past the logical expiry so the
	// scanner can still observe and report the expired cart.
	if err := r.client.Set(ctx, cartKeyPrefix+cart.Owner.Key(), raw, ttl*2).Err(); err != nil {
		return fmt.Errorf("save cart: %w", err)
	}
	return nil
}

func (r *RedisCartStore) Delete(ctx context.Context, ownerKey string) error {
	if err := r.client.Del(ctx, cartKeyPrefix+ownerKey).Err(); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}

// ExpiredOwners scans the cart keyspace for carts logically past expiry.
func (r *RedisCartStore) ExpiredOwners(ctx context.Context, now time.Time) ([]string, error) {
	var expired []string
	iter := r.client.Scan(ctx, 0, cartKeyPrefix+"*", scanBatchSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get cart %s: %w", key, err)
		}

		var cart domain.Cart
		if err := json.Unmarshal(raw, &cart); err != nil {
			// Unreadable entries are reaped rather than left to rot.
			expired = append(expired, strings.TrimPrefix(key, cartKeyPrefix))
			continue
		}
		if cart.IsExpired(now) {
			expired = append(expired, strings.TrimPrefix(key, cartKeyPrefix))
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan carts: %w", err)
	}
	return expired, nil
}
