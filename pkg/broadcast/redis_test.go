package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/pkg/broadcast"
)

type note struct {
	Seq  int    `json:"seq"`
	Body string `json:"body"`
}

func newRedisBroadcaster(t *testing.T, mr *miniredis.Miniredis) *broadcast.RedisBroadcaster[note] {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := broadcast.NewRedisBroadcaster[note](client, "events", 16)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBroadcaster_FansOutAcrossWorkers(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	sender := newRedisBroadcaster(t, mr)
	receiver := newRedisBroadcaster(t, mr)

	sub := receiver.Subscribe(ctx)
	defer func() { _ = sub.Close() }()

	// The receive loop subscribes asynchronously, so keep publishing
	// until the subscription is live and a message comes back.
	var got note
	require.Eventually(t, func() bool {
		require.NoError(t, sender.Broadcast(ctx, broadcast.Message[note]{Data: note{Seq: 1, Body: "hello"}}))
		select {
		case msg := <-sub.Receive(ctx):
			got = msg.Data
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, note{Seq: 1, Body: "hello"}, got)
}

func TestRedisBroadcaster_SenderSeesOwnMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := newRedisBroadcaster(t, mr)

	sub := b.Subscribe(ctx)
	defer func() { _ = sub.Close() }()

	require.Eventually(t, func() bool {
		require.NoError(t, b.Broadcast(ctx, broadcast.Message[note]{Data: note{Seq: 7}}))
		select {
		case msg := <-sub.Receive(ctx):
			return msg.Data.Seq == 7
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRedisBroadcaster_Close(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mr := miniredis.RunT(t)
	b := newRedisBroadcaster(t, mr)

	sub := b.Subscribe(ctx)
	require.NoError(t, b.Close())

	err := b.Broadcast(ctx, broadcast.Message[note]{Data: note{Seq: 1}})
	assert.ErrorIs(t, err, broadcast.ErrBroadcasterClosed)

	_, open := <-sub.Receive(ctx)
	assert.False(t, open, "subscribers close with the broadcaster")
}
