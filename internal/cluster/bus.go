// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cluster fans per-user decision cache invalidations out to every
// replica over Redis pub/sub. The local cache is always cleared first by the
// mutating replica; peers converge on receipt or, at worst, on TTL expiry.
package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/opentrusty/accessgate/internal/observability/logger"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "accessgate:invalidations"

// Invalidator drops cached decisions.
type Invalidator interface {
	InvalidateUser(userID string)
	Purge()
}

type message struct {
	Origin string    `json:"origin"`
	UserID string    `json:"user_id,omitempty"`
	All    bool      `json:"all,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

// Bus publishes and receives invalidation messages.
type Bus struct {
	client     *redis.Client
	channel    string
	instanceID string
	logger     *slog.Logger
}

// NewBus connects to redisURL and verifies the connection.
func NewBus(ctx context.Context, redisURL, channel string, log *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewBusWithClient(client, channel, log), nil
}

// NewBusWithClient wraps an existing client.
func NewBusWithClient(client *redis.Client, channel string, log *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Bus{
		client:     client,
		channel:    channel,
		instanceID: id,
		logger:     log.With(logger.Component("cluster"), slog.String("instance_id", id)),
	}
}

// InstanceID identifies this replica in published messages.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// PublishInvalidation tells the other replicas to drop userID's decisions.
func (b *Bus) PublishInvalidation(ctx context.Context, userID string) error {
	return b.publish(ctx, message{Origin: b.instanceID, UserID: userID, SentAt: time.Now().UTC()})
}

// PublishPurge tells the other replicas to drop every cached decision.
func (b *Bus) PublishPurge(ctx context.Context) error {
	return b.publish(ctx, message{Origin: b.instanceID, All: true, SentAt: time.Now().UTC()})
}

func (b *Bus) publish(ctx context.Context, m message) error {
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish invalidation: %w", err)
	}
	return nil
}

// Subscription is a running receiver started by Subscribe.
type Subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Subscribe starts applying peer invalidations to inv. It returns once the
// subscription is confirmed by the server. Messages from this replica are
// ignored; its cache was cleared before publishing.
func (b *Bus) Subscribe(ctx context.Context, inv Invalidator) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{pubsub: pubsub, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		ch := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				b.apply(runCtx, msg.Payload, inv)
			}
		}
	}()

	b.logger.InfoContext(ctx, "subscribed to cache invalidations", slog.String("channel", b.channel))
	return sub, nil
}

func (b *Bus) apply(ctx context.Context, payload string, inv Invalidator) {
	var m message
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		b.logger.WarnContext(ctx, "dropping malformed invalidation", logger.Error(err))
		return
	}
	if m.Origin == b.instanceID {
		return
	}
	if m.All {
		inv.Purge()
		b.logger.InfoContext(ctx, "applied peer cache purge", slog.String("origin", m.Origin))
		return
	}
	if m.UserID == "" {
		return
	}
	inv.InvalidateUser(m.UserID)
	b.logger.DebugContext(ctx, "applied peer invalidation",
		logger.UserID(m.UserID),
		slog.String("origin", m.Origin),
	)
}

// Close stops the receiver and waits for it to exit.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

// Ping checks Redis connectivity
func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (b *Bus) Close() error {
	return b.client.Close()
}
