package broadcast

import (
	"context"
	"sync"
)

// MemoryBroadcaster is an in-process Broadcaster implementation.
// Suitable for tests and single-worker deployments.
type MemoryBroadcaster[T any] struct {
	mu      sync.RWMutex
	subs    map[*memorySubscriber[T]]struct{}
	bufSize int
	closed  bool
}

// NewMemoryBroadcaster creates a broadcaster delivering into per-subscriber
// buffers of the given size.
func NewMemoryBroadcaster[T any](bufSize int) *MemoryBroadcaster[T] {
	if bufSize < 1 {
		bufSize = 1
	}
	return &MemoryBroadcaster[T]{
		subs:    make(map[*memorySubscriber[T]]struct{}),
		bufSize: bufSize,
	}
}

// Broadcast delivers msg to every subscriber without blocking. Subscribers
// with full buffers are skipped.
func (b *MemoryBroadcaster[T]) Broadcast(_ context.Context, msg Message[T]) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBroadcasterClosed
	}
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
	return nil
}

// Subscribe registers a new subscriber. The subscription is removed when
// ctx is canceled or the subscriber is closed.
func (b *MemoryBroadcaster[T]) Subscribe(ctx context.Context) Subscriber[T] {
	sub := &memorySubscriber[T]{
		ch:     make(chan Message[T], b.bufSize),
		parent: b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		sub.closed = true
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = sub.Close()
		}()
	}
	return sub
}

// Close shuts down the broadcaster and all its subscribers.
func (b *MemoryBroadcaster[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.markClosed()
		delete(b.subs, sub)
	}
	return nil
}

func (b *MemoryBroadcaster[T]) remove(sub *memorySubscriber[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// memorySubscriber is shared by the memory and Redis broadcasters; the
// owning broadcaster supplies the detach behavior through parent or onClose.
type memorySubscriber[T any] struct {
	ch      chan Message[T]
	parent  *MemoryBroadcaster[T]
	onClose func()

	mu     sync.Mutex
	closed bool
}

// Receive returns the subscriber's message channel. The channel is closed
// when the subscription ends.
func (s *memorySubscriber[T]) Receive(_ context.Context) <-chan Message[T] {
	return s.ch
}

// Close ends the subscription. Safe to call multiple times.
func (s *memorySubscriber[T]) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.parent != nil {
		s.parent.remove(s)
	}
	if s.onClose != nil {
		s.onClose()
	}
	close(s.ch)
	return nil
}

// markClosed closes the channel without re-locking the parent; called only
// from the broadcaster while it holds its own lock.
func (s *memorySubscriber[T]) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
