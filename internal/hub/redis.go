package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

var _ interfaces.Broker = (*RedisBroker)(nil)

// DefaultChannelPrefix namespaces parley topics on a shared Redis.
const DefaultChannelPrefix = "parley:topic:"

// RedisBroker publishes through Redis so every process sharing it sees
// the event. The process holds one PubSub connection subscribed to exactly
// the topics it has local subscribers for; received messages are handed to
// the local Hub for delivery.
type RedisBroker struct {
	client redis.UniversalClient
	local  *Hub
	prefix string
	logger *slog.Logger

	// mu orders Redis subscribe and unsubscribe calls with the local
	// first-join and last-leave transitions that trigger them.
	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBroker layers a Redis bridge over a running local hub.
func NewRedisBroker(client redis.UniversalClient, local *Hub, prefix string, logger *slog.Logger) (*RedisBroker, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if local == nil {
		return nil, fmt.Errorf("redis broker: local hub is nil")
	}
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{
		client: client,
		local:  local,
		prefix: prefix,
		logger: logger.With("component", "redis_broker"),
	}, nil
}

// Start opens the PubSub connection and the receive loop.
func (b *RedisBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return ErrHubAlreadyRunning
	}
	b.pubsub = b.client.Subscribe(ctx)

	ch := b.pubsub.Channel()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.receive(ctx, ch)
	}()
	return nil
}

// Stop closes the PubSub connection and waits for the receive loop.
func (b *RedisBroker) Stop() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if pubsub == nil {
		return ErrHubNotRunning
	}
	err := pubsub.Close()
	b.wg.Wait()
	return err
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + topic
}

// Join subscribes sub locally and subscribes the process on Redis when sub
// is the first local subscriber of the topic.
func (b *RedisBroker) Join(ctx context.Context, topic string, sub interfaces.Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	first, err := b.local.join(ctx, topic, sub)
	if err != nil || !first {
		return err
	}
	if b.pubsub == nil {
		return ErrHubNotRunning
	}
	if err := b.pubsub.Subscribe(ctx, b.channel(topic)); err != nil {
		_, _ = b.local.leave(ctx, topic, sub)
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return nil
}

// Leave unsubscribes sub locally and drops the Redis subscription once no
// local subscriber remains.
func (b *RedisBroker) Leave(ctx context.Context, topic string, sub interfaces.Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	last, err := b.local.leave(ctx, topic, sub)
	if err != nil || !last {
		return err
	}
	return b.unsubscribe(ctx, topic)
}

// LeaveAll is Leave for every topic sub joined.
func (b *RedisBroker) LeaveAll(ctx context.Context, sub interfaces.Subscriber) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	emptied, err := b.local.leaveAll(ctx, sub)
	if err != nil || len(emptied) == 0 {
		return err
	}
	return b.unsubscribe(ctx, emptied...)
}

func (b *RedisBroker) unsubscribe(ctx context.Context, topics ...string) error {
	if b.pubsub == nil {
		return nil
	}
	channels := make([]string, len(topics))
	for i, topic := range topics {
		channels[i] = b.channel(topic)
	}
	if err := b.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unsubscribe %v: %w", topics, err)
	}
	return nil
}

// Publish sends ev to every process subscribed to topic, this one
// included. Local delivery happens when Redis echoes the message back.
func (b *RedisBroker) Publish(ctx context.Context, topic string, ev types.Event) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBroker) receive(ctx context.Context, ch <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			topic, ok := strings.CutPrefix(msg.Channel, b.prefix)
			if !ok {
				continue
			}
			var ev types.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.logger.Warn("undecodable event", "channel", msg.Channel, "error", err)
				continue
			}
			if err := b.local.Publish(ctx, topic, ev); err != nil {
				b.logger.Warn("local delivery failed", "topic", topic, "error", err)
			}
		}
	}
}
