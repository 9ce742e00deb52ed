package remote

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/models"
)

func TestEncodeDecode(t *testing.T) {
	events := []bus.Event{
		bus.NewMessage{MessageServiceStructure: models.MessageServiceStructure{
			ID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Content: "hi", CreatedAt: 1700000000000,
			Metadata: models.Metadata{"authorDisplayName": "U"},
		}},
		bus.MessageDeleted{MessageID: "m1", ChannelID: "c1", ServerID: "s1"},
		bus.ChannelCleared{ChannelID: "c1", ServerID: "s1", DeletedCount: 4},
		bus.ServerAgentUpdate{AgentID: "a1", ServerID: "s1", Type: bus.AgentAddedToServer},
	}

	for _, ev := range events {
		t.Run(ev.Kind().String(), func(t *testing.T) {
			data, err := Encode(ev)
			require.NoError(t, err)
			assert.Contains(t, string(data), `"kind":"`+ev.Kind().String()+`"`)

			got, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, ev, got)
		})
	}
}

func TestNewMessageWireFormat(t *testing.T) {
	data, err := Encode(bus.NewMessage{MessageServiceStructure: models.MessageServiceStructure{
		ID: "m1", ChannelID: "c1", ServerID: "s1", AuthorID: "u1", Content: "hi", CreatedAt: 42,
	}})
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.JSONEq(t, `{"id":"m1","channel_id":"c1","server_id":"s1","author_id":"u1","content":"hi","created_at":42}`,
		string(env.Payload))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"kind":"mystery","payload":{}}`))
	assert.Error(t, err)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestBridge_ForwardsEvents(t *testing.T) {
	logger := zerolog.Nop()
	central := bus.New(logger)
	defer central.Close()

	srv := httptest.NewServer(Handler(central, logger))
	defer srv.Close()

	local := bus.New(logger)
	defer local.Close()

	received := make(chan bus.NewMessage, 1)
	local.OnNewMessage(func(_ context.Context, ev bus.NewMessage) error {
		received <- ev
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	dialErr := make(chan error, 1)
	go func() {
		dialErr <- Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), local, logger)
	}()

	require.Eventually(t, func() bool {
		return central.SubscriberCount(bus.KindNewMessage) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, central.Publish(context.Background(), bus.NewMessage{
		MessageServiceStructure: models.MessageServiceStructure{ID: "m1", ChannelID: "c1", AuthorID: "u1"},
	}))

	select {
	case ev := <-received:
		assert.Equal(t, "m1", ev.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("event not forwarded")
	}

	cancel()
	select {
	case err := <-dialErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Dial did not return after cancel")
	}

	assert.Eventually(t, func() bool {
		return central.SubscriberCount(bus.KindNewMessage) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventsURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:3000/messaging/events", EventsURL("http://localhost:3000/"))
	assert.Equal(t, "wss://relay.example.com/messaging/events", EventsURL("https://relay.example.com"))
}

func TestFollow_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	local := bus.New(zerolog.Nop())
	defer local.Close()

	done := make(chan error, 1)
	go func() {
		// Nothing listens here, so Follow sits in its backoff.
		done <- Follow(ctx, "ws://127.0.0.1:1/messaging/events", local, zerolog.Nop())
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Follow did not return after cancel")
	}
}
