package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisBroadcaster fans messages out across processes over a single Redis
// pub/sub channel. Every process publishes to Redis and receives its own
// messages back, so emitters see the same stream as everyone else and
// per-emitter ordering is preserved by Redis.
type RedisBroadcaster[T any] struct {
	client  *redis.Client
	channel string
	bufSize int
	logger  *slog.Logger

	mu     sync.RWMutex
	subs   map[*memorySubscriber[T]]struct{}
	cancel context.CancelFunc
	closed bool
}

// RedisOption configures a RedisBroadcaster.
type RedisOption[T any] func(*RedisBroadcaster[T])

// WithRedisLogger sets the logger for receive-loop failures.
func WithRedisLogger[T any](log *slog.Logger) RedisOption[T] {
	return func(b *RedisBroadcaster[T]) {
		if log != nil {
			b.logger = log
		}
	}
}

// NewRedisBroadcaster creates a broadcaster bound to the named Redis channel
// and starts its receive loop. Close stops the loop and the subscription.
func NewRedisBroadcaster[T any](client *redis.Client, channel string, bufSize int, opts ...RedisOption[T]) *RedisBroadcaster[T] {
	if bufSize < 1 {
		bufSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &RedisBroadcaster[T]{
		client:  client,
		channel: channel,
		bufSize: bufSize,
		logger:  slog.Default(),
		subs:    make(map[*memorySubscriber[T]]struct{}),
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	go b.receive(ctx)
	return b
}

// Broadcast publishes the message to Redis; local delivery happens when the
// message loops back on the subscription, keeping ordering identical on
// every worker.
func (b *RedisBroadcaster[T]) Broadcast(ctx context.Context, msg Message[T]) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrBroadcasterClosed
	}

	data, err := json.Marshal(msg.Data)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel, data).Err()
}

// Subscribe registers a local subscriber for messages from all workers.
func (b *RedisBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	sub := &memorySubscriber[T]{
		ch: make(chan Message[T], b.bufSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.markClosed()
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	sub.onClose = func() { b.remove(sub) }

	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub
}

// Close stops the receive loop and closes all subscribers.
func (b *RedisBroadcaster[T]) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.markClosed()
		delete(b.subs, sub)
	}
	b.mu.Unlock()

	b.cancel()
	return nil
}

func (b *RedisBroadcaster[T]) remove(sub *memorySubscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

func (b *RedisBroadcaster[T]) receive(ctx context.Context) {
	pubsub := b.client.Subscribe(ctx, b.channel)
	defer func() { _ = pubsub.Close() }()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var data T
			if err := json.Unmarshal([]byte(m.Payload), &data); err != nil {
				b.logger.Warn("broadcast: dropping undecodable message",
					"channel", b.channel, "error", err)
				continue
			}
			b.deliver(Message[T]{Data: data})
		}
	}
}

func (b *RedisBroadcaster[T]) deliver(msg Message[T]) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}
