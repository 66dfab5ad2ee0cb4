// Package broadcast provides a generic pub/sub messaging system with
// pluggable backends: an in-memory broadcaster for single-process use and a
// Redis-backed one that fans messages out across worker processes.
//
// Delivery is non-blocking: a subscriber whose buffer is full misses the
// message rather than stalling the broadcaster and every other subscriber.
package broadcast

import (
	"context"
	"errors"
)

var (
	ErrBroadcasterClosed = errors.New("broadcaster is closed")
	ErrSubscriberClosed  = errors.New("subscriber is closed")
)

// Message wraps broadcast payloads.
type Message[T any] struct {
	Data T
}

// Broadcaster sends messages to all active subscribers.
type Broadcaster[T any] interface {
	Broadcast(ctx context.Context, msg Message[T]) error
	Subscribe(ctx context.Context) Subscriber[T]
	Close() error
}

// Subscriber receives broadcast messages until closed or its context ends.
type Subscriber[T any] interface {
	Receive(ctx context.Context) <-chan Message[T]
	Close() error
}
