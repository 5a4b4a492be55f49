// Package hub fans events out to the connections subscribed to a topic.
// Hub delivers within one process; RedisBroker bridges several processes
// through Redis pub/sub and delivers locally through a Hub.
package hub

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"parley/pkg/interfaces"
	"parley/pkg/types"
)

var _ interfaces.Broker = (*Hub)(nil)

type opKind int

const (
	opJoin opKind = iota
	opLeave
	opLeaveAll
	opPublish
	opStats
)

type op struct {
	kind  opKind
	topic string
	sub   interfaces.Subscriber
	event types.Event
	reply chan opResult
}

type opResult struct {
	// changed is true when a join created a topic or a leave emptied it.
	changed bool
	// emptied lists the topics a LeaveAll removed.
	emptied []string
	stats   Stats
}

// Stats is a point-in-time view of the hub's subscription table.
type Stats struct {
	Topics        int   `json:"topics"`
	Subscriptions int   `json:"subscriptions"`
	Dropped       int64 `json:"dropped"`
}

// Hub is an in-process topic broker. A single goroutine owns the
// subscription table, so every subscriber sees events of a topic in publish
// order.
type Hub struct {
	ops      chan op
	shutdown chan struct{}
	done     chan struct{}

	// owned by the run loop
	topics     map[string]map[string]interfaces.Subscriber
	membership map[string]map[string]struct{}

	dropped atomic.Int64
	logger  *slog.Logger

	running bool
	mu      sync.RWMutex
}

// NewHub creates a stopped hub. buffer sizes the op queue.
func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		ops:        make(chan op, buffer),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
		topics:     make(map[string]map[string]interfaces.Subscriber),
		membership: make(map[string]map[string]struct{}),
		logger:     logger.With("component", "hub"),
	}
}

// Start runs the processing loop until Stop is called or ctx ends.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	h.running = true
	go h.run(ctx)
	return nil
}

// Stop ends the processing loop and waits for it to exit.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	close(h.shutdown)
	h.mu.Unlock()

	<-h.done
	return nil
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

// Join subscribes sub to topic.
func (h *Hub) Join(ctx context.Context, topic string, sub interfaces.Subscriber) error {
	_, err := h.join(ctx, topic, sub)
	return err
}

// Leave unsubscribes sub from topic.
func (h *Hub) Leave(ctx context.Context, topic string, sub interfaces.Subscriber) error {
	_, err := h.leave(ctx, topic, sub)
	return err
}

// LeaveAll unsubscribes sub from every topic it joined.
func (h *Hub) LeaveAll(ctx context.Context, sub interfaces.Subscriber) error {
	_, err := h.leaveAll(ctx, sub)
	return err
}

// Publish queues ev for every subscriber of topic. It returns once the
// event is queued, not delivered.
func (h *Hub) Publish(ctx context.Context, topic string, ev types.Event) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	_, err := h.submit(ctx, op{kind: opPublish, topic: topic, event: ev})
	return err
}

// Stats reports the current subscription table.
func (h *Hub) Stats(ctx context.Context) (Stats, error) {
	res, err := h.submit(ctx, op{kind: opStats, reply: make(chan opResult, 1)})
	return res.stats, err
}

// join reports whether sub is the topic's first subscriber.
func (h *Hub) join(ctx context.Context, topic string, sub interfaces.Subscriber) (bool, error) {
	if err := validate(topic, sub); err != nil {
		return false, err
	}
	res, err := h.submit(ctx, op{kind: opJoin, topic: topic, sub: sub, reply: make(chan opResult, 1)})
	return res.changed, err
}

// leave reports whether the topic lost its last subscriber.
func (h *Hub) leave(ctx context.Context, topic string, sub interfaces.Subscriber) (bool, error) {
	if err := validate(topic, sub); err != nil {
		return false, err
	}
	res, err := h.submit(ctx, op{kind: opLeave, topic: topic, sub: sub, reply: make(chan opResult, 1)})
	return res.changed, err
}

// leaveAll returns the topics that lost their last subscriber.
func (h *Hub) leaveAll(ctx context.Context, sub interfaces.Subscriber) ([]string, error) {
	if sub == nil {
		return nil, ErrNilSubscriber
	}
	res, err := h.submit(ctx, op{kind: opLeaveAll, sub: sub, reply: make(chan opResult, 1)})
	return res.emptied, err
}

func validate(topic string, sub interfaces.Subscriber) error {
	if topic == "" {
		return ErrEmptyTopic
	}
	if sub == nil {
		return ErrNilSubscriber
	}
	return nil
}

func (h *Hub) submit(ctx context.Context, o op) (opResult, error) {
	if !h.isRunning() {
		return opResult{}, ErrHubNotRunning
	}
	select {
	case h.ops <- o:
	case <-h.done:
		return opResult{}, ErrHubNotRunning
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
	if o.reply == nil {
		return opResult{}, nil
	}
	select {
	case res := <-o.reply:
		return res, nil
	case <-h.done:
		return opResult{}, ErrHubNotRunning
	case <-ctx.Done():
		return opResult{}, ctx.Err()
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	h.logger.Info("hub started")
	defer h.logger.Info("hub stopped")

	for {
		select {
		case o := <-h.ops:
			h.apply(o)
		case <-h.shutdown:
			return
		case <-ctx.Done():
			h.mu.Lock()
			h.running = false
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) apply(o op) {
	var res opResult
	switch o.kind {
	case opJoin:
		res.changed = h.add(o.topic, o.sub)
	case opLeave:
		res.changed = h.remove(o.topic, o.sub.ID())
	case opLeaveAll:
		for topic := range h.membership[o.sub.ID()] {
			if h.remove(topic, o.sub.ID()) {
				res.emptied = append(res.emptied, topic)
			}
		}
	case opPublish:
		h.deliver(o.topic, o.event)
	case opStats:
		res.stats.Topics = len(h.topics)
		for _, subs := range h.topics {
			res.stats.Subscriptions += len(subs)
		}
		res.stats.Dropped = h.dropped.Load()
	}
	if o.reply != nil {
		o.reply <- res
	}
}

func (h *Hub) add(topic string, sub interfaces.Subscriber) bool {
	subs, exists := h.topics[topic]
	if !exists {
		subs = make(map[string]interfaces.Subscriber)
		h.topics[topic] = subs
	}
	subs[sub.ID()] = sub

	joined, ok := h.membership[sub.ID()]
	if !ok {
		joined = make(map[string]struct{})
		h.membership[sub.ID()] = joined
	}
	joined[topic] = struct{}{}
	return !exists
}

func (h *Hub) remove(topic, subID string) bool {
	if joined, ok := h.membership[subID]; ok {
		delete(joined, topic)
		if len(joined) == 0 {
			delete(h.membership, subID)
		}
	}
	subs, ok := h.topics[topic]
	if !ok {
		return false
	}
	if _, member := subs[subID]; !member {
		return false
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(h.topics, topic)
		return true
	}
	return false
}

func (h *Hub) deliver(topic string, ev types.Event) {
	for id, sub := range h.topics[topic] {
		if !sub.Deliver(ev) {
			h.dropped.Add(1)
			h.logger.Warn("subscriber buffer full, event dropped", "topic", topic, "subscriber", id, "type", ev.Type)
		}
	}
}
