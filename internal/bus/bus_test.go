package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

func newMessage(id string) NewMessage {
	return NewMessage{models.MessageServiceStructure{ID: id, ChannelID: "c1", ServerID: "s1", AuthorID: "u1"}}
}

func TestKindNames(t *testing.T) {
	for _, k := range Kinds {
		parsed, ok := ParseKind(k.String())
		require.True(t, ok)
		assert.Equal(t, k, parsed)
	}
	_, ok := ParseKind("nope")
	assert.False(t, ok)
	assert.Equal(t, "server_agent_update", KindServerAgentUpdate.String())
}

func TestPublish_DeliversInOrderPerSubscription(t *testing.T) {
	b := New(zerolog.Nop())

	var mu sync.Mutex
	var got []string
	b.OnNewMessage(func(_ context.Context, ev NewMessage) error {
		mu.Lock()
		got = append(got, ev.ID)
		mu.Unlock()
		return nil
	})

	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		require.NoError(t, b.Publish(context.Background(), newMessage(id)))
	}
	b.Close()

	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, got)
}

func TestPublish_OnlyMatchingKind(t *testing.T) {
	b := New(zerolog.Nop())

	var deleted, cleared atomic.Int32
	b.OnMessageDeleted(func(context.Context, MessageDeleted) error { deleted.Add(1); return nil })
	b.OnChannelCleared(func(context.Context, ChannelCleared) error { cleared.Add(1); return nil })

	require.NoError(t, b.Publish(context.Background(), MessageDeleted{MessageID: "m1", ChannelID: "c1"}))
	b.Close()

	assert.EqualValues(t, 1, deleted.Load())
	assert.EqualValues(t, 0, cleared.Load())
}

func TestPublish_DoesNotWaitForSlowHandler(t *testing.T) {
	b := New(zerolog.Nop())
	release := make(chan struct{})
	var fast atomic.Int32

	b.OnNewMessage(func(context.Context, NewMessage) error {
		<-release
		return nil
	})
	b.OnNewMessage(func(context.Context, NewMessage) error {
		fast.Add(1)
		return nil
	})

	done := make(chan struct{})
	go func() {
		_ = b.Publish(context.Background(), newMessage("m1"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow handler")
	}
	assert.Eventually(t, func() bool { return fast.Load() == 1 }, time.Second, 5*time.Millisecond)

	close(release)
	b.Close()
}

func TestPublish_HandlerFailuresAreIsolated(t *testing.T) {
	b := New(zerolog.Nop())
	var ok atomic.Int32

	b.OnNewMessage(func(context.Context, NewMessage) error { panic("boom") })
	b.OnNewMessage(func(context.Context, NewMessage) error { return errors.New("bad") })
	b.OnNewMessage(func(context.Context, NewMessage) error { ok.Add(1); return nil })

	require.NoError(t, b.Publish(context.Background(), newMessage("m1")))
	require.NoError(t, b.Publish(context.Background(), newMessage("m2")))
	b.Close()

	assert.EqualValues(t, 2, ok.Load())
}

func TestPublish_HandlerContextSurvivesPublisherCancel(t *testing.T) {
	b := New(zerolog.Nop())
	release := make(chan struct{})
	errCh := make(chan error, 1)

	b.OnNewMessage(func(ctx context.Context, _ NewMessage) error {
		<-release
		errCh <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Publish(ctx, newMessage("m1")))
	cancel()
	close(release)
	b.Close()

	assert.NoError(t, <-errCh)
}

func TestPublish_NoSubscribersDropsEvent(t *testing.T) {
	b := New(zerolog.Nop())
	require.NoError(t, b.Publish(context.Background(), newMessage("lost")))

	var n atomic.Int32
	b.OnNewMessage(func(context.Context, NewMessage) error { n.Add(1); return nil })
	b.Close()

	assert.EqualValues(t, 0, n.Load(), "events are not replayed to late subscribers")
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := New(zerolog.Nop())
	var n atomic.Int32
	sub := b.OnNewMessage(func(context.Context, NewMessage) error { n.Add(1); return nil })

	require.NoError(t, b.Publish(context.Background(), newMessage("m1")))
	sub.Unsubscribe()
	assert.EqualValues(t, 1, n.Load())
	assert.Equal(t, 0, b.SubscriberCount(KindNewMessage))

	require.NoError(t, b.Publish(context.Background(), newMessage("m2")))
	b.Close()
	assert.EqualValues(t, 1, n.Load())

	sub.Unsubscribe()
}

func TestClose_RejectsPublish(t *testing.T) {
	b := New(zerolog.Nop())
	b.Close()
	assert.ErrorIs(t, b.Publish(context.Background(), newMessage("m1")), ErrClosed)
	b.Close()
}
