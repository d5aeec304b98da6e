package anchor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisAnchor records roots in Redis hashes and appends them to a list that
// external auditors can tail.
type RedisAnchor struct {
	client redis.Cmdable
	prefix string
	clock  func() time.Time
}

// NewRedisAnchor wraps an existing client.
func NewRedisAnchor(client redis.Cmdable, keyPrefix string) *RedisAnchor {
	if keyPrefix == "" {
		keyPrefix = "accord:anchor"
	}
	return &RedisAnchor{client: client, prefix: keyPrefix, clock: time.Now}
}

// NewRedisAnchorFromAddr dials addr lazily; nothing is contacted until Submit.
func NewRedisAnchorFromAddr(addr, password string, db int, keyPrefix string) *RedisAnchor {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisAnchor(rdb, keyPrefix)
}

func (a *RedisAnchor) Name() string { return "redis" }

func (a *RedisAnchor) Submit(ctx context.Context, root string) (string, error) {
	txRef := a.prefix + ":" + root
	_, err := a.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, txRef, "root", root, "submitted_at", a.clock().UTC().Format(time.RFC3339Nano))
		p.RPush(ctx, a.prefix+":log", root)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: redis: %v", ErrAnchorUnavailable, err)
	}
	return txRef, nil
}

func (a *RedisAnchor) Status(ctx context.Context, txRef string) Status {
	root, err := a.client.HGet(ctx, txRef, "root").Result()
	if err != nil {
		return StatusUnknown
	}
	if a.prefix+":"+root != txRef {
		return StatusUnknown
	}
	return StatusConfirmed
}
