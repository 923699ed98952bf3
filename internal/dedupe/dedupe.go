// Package dedupe implements the Normalizer's optional redis-backed
// idempotency guard: detecting a re-delivered messageId from the
// at-least-once broker fabric before it is processed a second time
// (spec.md Non-goals: "downstream deduplicates by message id" — this
// is that downstream).
package dedupe

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard is a SETNX-based seen-before check keyed by (deviceId,
// messageId). A nil *Guard is a valid, always-pass no-op — dedupe is
// optional per SPEC_FULL §10/§11.
type Guard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Options configures the redis connection and key lifetime.
type Options struct {
	Addr     string
	Password string
	DB       int
	KeyPrefix string
	TTL       time.Duration
}

// DefaultTTL bounds how long a messageId is remembered; long enough to
// catch broker-level redelivery, short enough not to grow unbounded.
const DefaultTTL = 10 * time.Minute

// New connects to redis and verifies reachability.
func New(opts Options) (*Guard, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "iotmw:dedupe"
	}
	if opts.TTL == 0 {
		opts.TTL = DefaultTTL
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Guard{client: client, prefix: opts.KeyPrefix, ttl: opts.TTL}, nil
}

// Seen records (deviceId, messageId) as processed and reports whether
// it had already been seen within the TTL window. A nil receiver
// always reports false (never seen), so callers with dedupe disabled
// don't need a separate code path.
func (g *Guard) Seen(ctx context.Context, deviceID, messageID string) (bool, error) {
	if g == nil {
		return false, nil
	}
	if messageID == "" {
		return false, nil
	}

	key := fmt.Sprintf("%s:%s:%s", g.prefix, deviceID, messageID)

	set, err := g.client.SetNX(ctx, key, 1, g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check for %s: %w", key, err)
	}

	// SetNX returns true when the key was newly created (not seen
	// before); false means it already existed (a repeat delivery).
	return !set, nil
}

// Close closes the underlying redis connection.
func (g *Guard) Close() error {
	if g == nil {
		return nil
	}
	return g.client.Close()
}

// Ping verifies the redis connection is reachable, for the ambient
// health check.
func (g *Guard) Ping(ctx context.Context) error {
	if g == nil {
		return nil
	}
	return g.client.Ping(ctx).Err()
}
