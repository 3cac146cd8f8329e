package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Registry shared by every instance. Each user has a sorted set
// of endpoint ids scored by expiry time.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewRedis creates a Redis registry. Keys are "<prefix>:presence:<user>";
// a trailing colon on prefix is ignored.
func NewRedis(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: strings.TrimSuffix(prefix, ":"), ttl: ttl, now: time.Now}
}

func (r *Redis) key(userID string) string {
	return fmt.Sprintf("%s:presence:%s", r.prefix, userID)
}

func (r *Redis) Register(ctx context.Context, userID, endpointID string) error {
	key := r.key(userID)
	expiry := r.now().Add(r.ttl)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(expiry.UnixMilli()), Member: endpointID})
	pipe.PExpire(ctx, key, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to register presence: %w", err)
	}
	return nil
}

func (r *Redis) Refresh(ctx context.Context, userID, endpointID string) error {
	return r.Register(ctx, userID, endpointID)
}

func (r *Redis) Unregister(ctx context.Context, userID, endpointID string) error {
	if err := r.client.ZRem(ctx, r.key(userID), endpointID).Err(); err != nil {
		return fmt.Errorf("failed to unregister presence: %w", err)
	}
	return nil
}

func (r *Redis) Online(ctx context.Context, userID string) (bool, error) {
	key := r.key(userID)
	cutoff := strconv.FormatInt(r.now().UnixMilli(), 10)

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to read presence: %w", err)
	}
	return card.Val() > 0, nil
}

// Ping checks the Redis connection.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
