package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DigestKind labels why a digest was sent.
type DigestKind string

const (
	DigestCreated      DigestKind = "created"
	DigestEscalated    DigestKind = "escalated"
	DigestOverdue      DigestKind = "overdue"
	DigestAcknowledged DigestKind = "acknowledged"
	DigestResolved     DigestKind = "resolved"
	DigestDismissed    DigestKind = "dismissed"
)

// Digest is the notification payload sent to reviewers.
type Digest struct {
	Kind       DigestKind `json:"kind"`
	Escalation Escalation `json:"escalation"`
	At         time.Time  `json:"at"`
}

// Notifier delivers digests. Failures are logged and never block a
// transition.
type Notifier interface {
	Notify(ctx context.Context, d Digest) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, d Digest) error

func (f NotifierFunc) Notify(ctx context.Context, d Digest) error { return f(ctx, d) }

// RedisNotifier publishes digests as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  redis.Cmdable
	channel string
}

// NewRedisNotifier publishes on channel, "accord:escalations" when empty.
func NewRedisNotifier(client redis.Cmdable, channel string) *RedisNotifier {
	if channel == "" {
		channel = "accord:escalations"
	}
	return &RedisNotifier{client: client, channel: channel}
}

// Channel returns the pub/sub channel.
func (n *RedisNotifier) Channel() string { return n.channel }

func (n *RedisNotifier) Notify(ctx context.Context, d Digest) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("escalation: encode digest: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("escalation: publish %s: %w", d.Kind, err)
	}
	return nil
}
