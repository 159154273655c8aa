// Package bus implements the in-process event bus that connects every
// component. Topics are dotted paths; a subscription pattern is either an
// exact topic or a prefix with a trailing "*" segment ("market.orderbook.*",
// "market.*"). Publishing enqueues the event synchronously and delivers it
// asynchronously: each subscription owns a goroutine draining its own queue,
// so one subscriber sees events in publish order and a slow or panicking
// handler never blocks the publisher or its peers.
//
// An optional external Broker can mirror published events (serialized to
// JSON) to an out-of-process transport. When the broker is marked required
// and is disconnected, Publish fails with ErrDisconnected; otherwise the bus
// degrades to in-process delivery.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrDisconnected is returned by Publish when a required external broker
// is not connected.
var ErrDisconnected = errors.New("bus: external broker disconnected")

// Handler processes one delivered event. Handlers run on the subscription's
// own goroutine; a panic is recovered and logged without affecting other
// subscriptions.
type Handler func(ctx context.Context, topic string, payload any)

// Broker is an optional external pub/sub backing. Payloads cross the broker
// boundary as JSON.
type Broker interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

type subscription struct {
	pattern string
	handler Handler

	mu     sync.Mutex
	queue  []event
	wake   chan struct{}
	closed bool
}

type event struct {
	topic   string
	payload any
}

// Bus is the in-process event bus.
type Bus struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string][]*subscription

	broker         Broker
	brokerRequired bool
	connected      bool

	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	published uint64
	delivered uint64
	statsMu   sync.Mutex
}

// Option configures the bus.
type Option func(*Bus)

// WithBroker attaches an external broker. When required is true, Publish
// fails with ErrDisconnected while the broker is down; otherwise broker
// failures are logged and delivery continues in-process.
func WithBroker(b Broker, required bool) Option {
	return func(bus *Bus) {
		bus.broker = b
		bus.brokerRequired = required
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		logger: logger.With("component", "event_bus"),
		subs:   make(map[string][]*subscription),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect connects the external broker, if one is configured.
func (b *Bus) Connect(ctx context.Context) error {
	if b.broker == nil {
		return nil
	}
	if err := b.broker.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()
	b.logger.Info("external broker connected")
	return nil
}

// Subscribe registers a handler for a topic pattern and returns an
// unsubscribe function. The pattern is an exact topic, or a dotted prefix
// ending in "*" which matches every topic below the prefix.
func (b *Bus) Subscribe(pattern string, handler Handler) func() {
	sub := &subscription{
		pattern: pattern,
		handler: handler,
		wake:    make(chan struct{}, 1),
	}

	b.mu.Lock()
	b.subs[pattern] = append(b.subs[pattern], sub)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.drain(sub)

	return func() { b.unsubscribe(sub) }
}

func (b *Bus) unsubscribe(sub *subscription) {
	b.mu.Lock()
	list := b.subs[sub.pattern]
	for i, s := range list {
		if s == sub {
			b.subs[sub.pattern] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.pattern]) == 0 {
		delete(b.subs, sub.pattern)
	}
	b.mu.Unlock()

	sub.mu.Lock()
	sub.closed = true
	sub.mu.Unlock()
	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

// Publish delivers the payload to every subscription whose pattern matches
// the topic, exactly once per subscription, preserving publish order within
// each subscription. It never blocks on handlers.
func (b *Bus) Publish(topic string, payload any) error {
	b.mu.RLock()
	if b.broker != nil && b.brokerRequired && !b.connected {
		b.mu.RUnlock()
		return ErrDisconnected
	}
	var matched []*subscription
	for pattern, list := range b.subs {
		if TopicMatches(pattern, topic) {
			matched = append(matched, list...)
		}
	}
	broker := b.broker
	connected := b.connected
	b.mu.RUnlock()

	for _, sub := range matched {
		sub.mu.Lock()
		if !sub.closed {
			sub.queue = append(sub.queue, event{topic: topic, payload: payload})
		}
		sub.mu.Unlock()
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	}

	b.statsMu.Lock()
	b.published++
	b.statsMu.Unlock()

	if broker != nil && connected {
		data, err := json.Marshal(payload)
		if err != nil {
			b.logger.Warn("broker payload not serializable", "topic", topic, "error", err)
		} else if err := broker.Publish(b.ctx, topic, data); err != nil {
			if b.brokerRequired {
				return fmt.Errorf("broker publish: %w", err)
			}
			b.logger.Warn("broker publish failed, continuing in-process", "topic", topic, "error", err)
		}
	}
	return nil
}

// drain runs one subscription's delivery loop.
func (b *Bus) drain(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		batch := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, evt := range batch {
			b.deliver(sub, evt)
		}

		select {
		case <-sub.wake:
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) deliver(sub *subscription, evt event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panic", "pattern", sub.pattern, "topic", evt.topic, "panic", r)
		}
	}()
	sub.handler(b.ctx, evt.topic, evt.payload)
	b.statsMu.Lock()
	b.delivered++
	b.statsMu.Unlock()
}

// Stats returns the lifetime publish and delivery counts.
func (b *Bus) Stats() (published, delivered uint64) {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.published, b.delivered
}

// Close stops delivery goroutines and disconnects the broker. Events still
// queued at close time are dropped.
func (b *Bus) Close() error {
	b.cancel()
	b.mu.Lock()
	for _, list := range b.subs {
		for _, sub := range list {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
		}
	}
	b.subs = make(map[string][]*subscription)
	connected := b.connected
	b.connected = false
	b.mu.Unlock()
	b.wg.Wait()

	if b.broker != nil && connected {
		if err := b.broker.Close(); err != nil {
			return fmt.Errorf("close broker: %w", err)
		}
	}
	return nil
}

// TopicMatches reports whether a subscription pattern matches a concrete
// topic. A trailing "*" segment matches everything below its prefix:
// "market.*" matches "market.stale.m1", "market.orderbook.*" matches
// "market.orderbook.m1". A bare "*" matches every topic.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	if pattern == "*" {
		return topic != ""
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(topic, prefix+".") && len(topic) > len(prefix)+1
	}
	return false
}
