package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newTestChannel(t *testing.T, s DataStore, participants ...string) *models.Channel {
	t.Helper()
	ch, err := s.CreateChannel(context.Background(), &models.Channel{
		MessageServerID: models.DefaultServerID,
		Name:            "general",
		Type:            models.ChannelTypeGroup,
	}, participants...)
	require.NoError(t, err)
	return ch
}

func TestSQLite_DefaultServerSeededOnce(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "relay.db")

	s1, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	s1.Close()

	s2, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	defer s2.Close()

	servers, err := s2.GetMessageServers(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, models.DefaultServerID, servers[0].ID)

	again, err := s2.CreateMessageServer(ctx, &models.MessageServer{ID: models.DefaultServerID, Name: "other"})
	require.NoError(t, err)
	assert.Equal(t, "Default Server", again.Name)
}

func TestSQLite_GetMissingReturnsNotFound(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	_, err := s.GetChannelDetails(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetMessageByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetMessageServerByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetChannelParticipants(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateChannel(ctx, &models.Channel{MessageServerID: "nope", Name: "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ParticipantsAreASet(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ch := newTestChannel(t, s, "alice", "alice", " ", "bob")

	require.NoError(t, s.AddChannelParticipants(ctx, ch.ID, "bob", "carol"))

	got, err := s.GetChannelParticipants(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, got)

	require.NoError(t, s.RemoveChannelParticipants(ctx, ch.ID, "bob", "zed"))
	ok, err := s.IsChannelParticipant(ctx, ch.ID, "bob")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.IsChannelParticipant(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLite_UpdateChannelReplacesParticipants(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ch := newTestChannel(t, s, "alice", "bob")

	topic := "launch"
	updated, err := s.UpdateChannel(ctx, ch.ID, models.ChannelUpdate{
		Topic:          &topic,
		ParticipantIDs: []string{"carol"},
	})
	require.NoError(t, err)
	assert.Equal(t, "general", updated.Name)
	assert.Equal(t, "launch", updated.Topic)

	got, err := s.GetChannelParticipants(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, got)

	_, err = s.UpdateChannel(ctx, "missing", models.ChannelUpdate{Topic: &topic})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_DMChannelIsOrderIndependent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	a, err := s.FindOrCreateDMChannel(ctx, "alice", "bob", models.DefaultServerID)
	require.NoError(t, err)
	b, err := s.FindOrCreateDMChannel(ctx, "bob", "alice", models.DefaultServerID)
	require.NoError(t, err)

	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, models.ChannelTypeDM, a.Type)

	got, err := s.GetChannelParticipants(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, got)
}

func TestSQLite_DMChannelConcurrentCallsConverge(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := s.FindOrCreateDMChannel(ctx, "alice", "bob", models.DefaultServerID)
			errs[i] = err
			if err == nil {
				ids[i] = ch.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}

	channels, err := s.GetChannelsForServer(ctx, models.DefaultServerID)
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestSQLite_MessagesNewestFirstWithCursor(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ch := newTestChannel(t, s)

	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return at }
		_, err := s.CreateMessage(ctx, &models.Message{
			ChannelID: ch.ID,
			AuthorID:  "alice",
			Content:   []string{"one", "two", "three"}[i],
		})
		require.NoError(t, err)
	}

	all, err := s.GetMessagesForChannel(ctx, ch.ID, 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "three", all[0].Content)
	assert.Equal(t, "one", all[2].Content)

	older, err := s.GetMessagesForChannel(ctx, ch.ID, 10, all[0].CreatedAt)
	require.NoError(t, err)
	require.Len(t, older, 2)
	assert.Equal(t, "two", older[0].Content)

	limited, err := s.GetMessagesForChannel(ctx, ch.ID, 1, time.Time{})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestSQLite_MessageRoundTripKeepsMetadata(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ch := newTestChannel(t, s)

	root := "root-1"
	created, err := s.CreateMessage(ctx, &models.Message{
		ChannelID:              ch.ID,
		AuthorID:               "alice",
		Content:                "hello",
		RawMessage:             []byte(`{"text":"hello"}`),
		SourceType:             "discord",
		InReplyToRootMessageID: &root,
		Metadata:               models.Metadata{"authorDisplayName": "Alice"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	got, err := s.GetMessageByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "discord", got.SourceType)
	assert.JSONEq(t, `{"text":"hello"}`, string(got.RawMessage))
	require.NotNil(t, got.InReplyToRootMessageID)
	assert.Equal(t, root, *got.InReplyToRootMessageID)
	assert.Equal(t, "Alice", got.Metadata["authorDisplayName"])
}

func TestSQLite_DeleteMessageIsIdempotent(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ch := newTestChannel(t, s)

	msg, err := s.CreateMessage(ctx, &models.Message{ChannelID: ch.ID, AuthorID: "alice", Content: "bye"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteMessage(ctx, msg.ID))
	require.NoError(t, s.DeleteMessage(ctx, msg.ID))

	_, err = s.GetMessageByID(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLite_ClearChannelCountsRemoved(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ch := newTestChannel(t, s)
	other := newTestChannel(t, s)

	for i := 0; i < 3; i++ {
		_, err := s.CreateMessage(ctx, &models.Message{ChannelID: ch.ID, AuthorID: "alice", Content: "x"})
		require.NoError(t, err)
	}
	_, err := s.CreateMessage(ctx, &models.Message{ChannelID: other.ID, AuthorID: "alice", Content: "keep"})
	require.NoError(t, err)

	n, err := s.ClearChannelMessages(ctx, ch.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	left, err := s.GetMessagesForChannel(ctx, other.ID, 0, time.Time{})
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestSQLite_DeleteChannelCascades(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()
	ch := newTestChannel(t, s, "alice")

	msg, err := s.CreateMessage(ctx, &models.Message{ChannelID: ch.ID, AuthorID: "alice", Content: "x"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteChannel(ctx, ch.ID))

	_, err = s.GetMessageByID(ctx, msg.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	ok, err := s.IsChannelParticipant(ctx, ch.ID, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_DeleteServerCascades(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	server, err := s.CreateMessageServer(ctx, &models.MessageServer{Name: "guild", SourceType: "discord"})
	require.NoError(t, err)
	ch, err := s.CreateChannel(ctx, &models.Channel{MessageServerID: server.ID, Name: "general"})
	require.NoError(t, err)
	require.NoError(t, s.AddAgentToServer(ctx, server.ID, "agent-1"))

	require.NoError(t, s.DeleteMessageServer(ctx, server.ID))

	_, err = s.GetChannelDetails(ctx, ch.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	servers, err := s.GetServersForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, servers)
}

func TestSQLite_AgentServerAssociation(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.AddAgentToServer(ctx, models.DefaultServerID, "agent-1"))
	require.NoError(t, s.AddAgentToServer(ctx, models.DefaultServerID, "agent-1"))

	agents, err := s.GetAgentsForServer(ctx, models.DefaultServerID)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent-1"}, agents)

	servers, err := s.GetServersForAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, []string{models.DefaultServerID}, servers)

	require.NoError(t, s.RemoveAgentFromServer(ctx, models.DefaultServerID, "agent-1"))
	require.NoError(t, s.RemoveAgentFromServer(ctx, models.DefaultServerID, "agent-1"))

	assert.ErrorIs(t, s.AddAgentToServer(ctx, "missing", "agent-1"), ErrNotFound)
}
