// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Twofold Contributors

package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"

	"github.com/twofold/twofold/internal/pairing"
)

// outbox is the part of redis.Cmdable the notifier uses.
type outbox interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
}

// RedisNotifier implements pairing.Notifier by appending envelopes to a Redis list.
type RedisNotifier struct {
	client outbox
	key    string
	now    func() time.Time
}

var _ pairing.Notifier = (*RedisNotifier)(nil)

// NewRedisNotifier creates a notifier writing to the list at key.
func NewRedisNotifier(client outbox, key string) (*RedisNotifier, error) {
	if client == nil {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").Errorf("redis client is required")
	}
	if key == "" {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").Errorf("outbox key is required")
	}
	return &RedisNotifier{client: client, key: key, now: time.Now}, nil
}

// NewRedisClient parses url and returns a client that has answered PING.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, oops.Code("NOTIFY_INVALID_CONFIG").With("operation", "parse redis url").Wrap(err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // ping error takes precedence
		return nil, oops.Code("NOTIFY_CONNECT_FAILED").With("addr", opts.Addr).Wrap(err)
	}
	return client, nil
}

// SendVerificationCode queues a verification code envelope.
func (n *RedisNotifier) SendVerificationCode(ctx context.Context, address, code string, expiresAt time.Time) error {
	return n.push(ctx, codeEnvelope(address, code, expiresAt, n.now().UTC()))
}

// SendPartnerNotification queues a partner event envelope.
func (n *RedisNotifier) SendPartnerNotification(ctx context.Context, address string, event pairing.PartnerEvent) error {
	return n.push(ctx, eventEnvelope(address, event, n.now().UTC()))
}

func (n *RedisNotifier) push(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return oops.Code("NOTIFY_ENCODE_FAILED").With("kind", env.Kind).Wrap(err)
	}
	if err := n.client.RPush(ctx, n.key, payload).Err(); err != nil {
		return oops.Code("NOTIFY_PUSH_FAILED").
			With("kind", env.Kind).
			With("key", n.key).
			Wrap(err)
	}
	return nil
}
