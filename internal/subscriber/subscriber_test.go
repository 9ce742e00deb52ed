package subscriber

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eldtechnologies/agentrelay/internal/agentmem"
	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/ids"
	"github.com/eldtechnologies/agentrelay/internal/models"
)

const agentID = "agent-1"

var anyCtx = mock.Anything

type MockDirectory struct {
	mock.Mock
}

func (m *MockDirectory) AgentServers(ctx context.Context, agentID string) ([]string, error) {
	args := m.Called(ctx, agentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirectory) ServerChannels(ctx context.Context, serverID string) ([]models.Channel, error) {
	args := m.Called(ctx, serverID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Channel), args.Error(1)
}

func (m *MockDirectory) ChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockDirectory) ChannelDetails(ctx context.Context, channelID string) (*models.Channel, error) {
	args := m.Called(ctx, channelID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Channel), args.Error(1)
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []agentmem.EventType
	last   map[agentmem.EventType]any
}

func (r *sinkRecorder) sink(_ context.Context, et agentmem.EventType, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, et)
	if r.last == nil {
		r.last = map[agentmem.EventType]any{}
	}
	r.last[et] = payload
	return nil
}

func (r *sinkRecorder) count(et agentmem.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == et {
			n++
		}
	}
	return n
}

func (r *sinkRecorder) payload(et agentmem.EventType) any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last[et]
}

type harness struct {
	bus   *bus.Bus
	sub   *Subscriber
	dir   *MockDirectory
	store *agentmem.InMemoryStore
	rec   *sinkRecorder
}

// drain waits until every published event has been handled.
func (h *harness) drain() { h.bus.Close() }

func (h *harness) publish(t *testing.T, ev bus.Event) {
	t.Helper()
	require.NoError(t, h.bus.Publish(context.Background(), ev))
}

func defaultDirectory() *MockDirectory {
	dir := &MockDirectory{}
	dir.On("AgentServers", mock.Anything, agentID).Return([]string{"s1"}, nil)
	dir.On("ServerChannels", mock.Anything, "s1").Return([]models.Channel{
		{ID: "c1", MessageServerID: "s1", Name: "general", Type: models.ChannelTypeGroup},
	}, nil)
	return dir
}

func newHarness(t *testing.T, dir *MockDirectory) *harness {
	t.Helper()
	h := &harness{
		bus:   bus.New(zerolog.Nop()),
		dir:   dir,
		store: agentmem.NewInMemoryStore(),
		rec:   &sinkRecorder{},
	}
	rt := agentmem.NewRuntime(agentID, h.store, agentmem.RuntimeOptions{Sink: h.rec.sink})
	h.sub = New(rt, h.bus, Options{Directory: dir, RequestTimeout: time.Second, Logger: zerolog.Nop()})
	require.NoError(t, h.sub.Start(context.Background()))
	t.Cleanup(func() {
		h.sub.Stop()
		h.bus.Close()
	})
	return h
}

func message(id, channelID, author string) bus.NewMessage {
	return bus.NewMessage{MessageServiceStructure: models.MessageServiceStructure{
		ID:                id,
		ChannelID:         channelID,
		ServerID:          "s1",
		AuthorID:          author,
		AuthorDisplayName: "Alice",
		Content:           "hello " + id,
		SourceType:        "discord",
		CreatedAt:         1700000000000,
	}}
}

func TestStart_LoadsChannelCache(t *testing.T) {
	h := newHarness(t, defaultDirectory())
	assert.Equal(t, []string{"c1"}, h.sub.ValidChannels())
	assert.Equal(t, []string{"s1"}, h.sub.Servers())
	assert.ErrorIs(t, h.sub.Start(context.Background()), ErrAlreadyStarted)
}

func TestNewMessage_DeliversOneMemory(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	h.publish(t, message("m1", "c1", "alice"))
	h.drain()

	require.Equal(t, 1, h.rec.count(agentmem.EventMessageReceived))
	got := h.rec.payload(agentmem.EventMessageReceived).(agentmem.MessageReceived)
	assert.Equal(t, SourceCentral, got.Source)
	assert.Equal(t, "m1", got.Message.ID)

	mem, err := h.store.GetMemoryByID(context.Background(), ids.ForAgent(agentID, "m1"))
	require.NoError(t, err)
	assert.Equal(t, agentID, mem.AgentID)
	assert.Equal(t, "hello m1", mem.Content.Text)
	assert.Equal(t, "discord", mem.Content.Source)
	assert.Equal(t, models.ChannelTypeGroup, mem.Content.ChannelType)
	assert.Equal(t, ids.ForAgent(agentID, "c1"), mem.RoomID)
	assert.Equal(t, ids.ForAgent(agentID, "s1"), mem.WorldID)
	assert.Equal(t, ids.ForAgent(agentID, "alice"), mem.EntityID)
	assert.Equal(t, "m1", mem.Metadata["centralMessageId"])
	assert.Equal(t, "Alice", mem.Metadata["authorDisplayName"])

	_, ok := h.store.World(mem.WorldID)
	assert.True(t, ok)
	room, ok := h.store.Room(mem.RoomID)
	require.True(t, ok)
	assert.Equal(t, "c1", room.ChannelID)
}

func TestNewMessage_DuplicateDeliveryIsIdempotent(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	h.publish(t, message("m1", "c1", "alice"))
	h.publish(t, message("m1", "c1", "alice"))
	h.publish(t, message("m1", "c1", "alice"))
	h.drain()

	assert.Equal(t, 1, h.rec.count(agentmem.EventMessageReceived))
	all, err := h.store.GetMemoriesByRoomIDs(context.Background(), []string{ids.ForAgent(agentID, "c1")})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestNewMessage_ConcurrentDuplicatesCreateOneMemory(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	const n = 12
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.sub.handleNewMessage(context.Background(), message("m1", "c1", "alice"))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.rec.count(agentmem.EventMessageReceived))
	assert.Equal(t, 0, h.sub.locks.size())
}

func TestNewMessage_SelfAuthoredIsSkipped(t *testing.T) {
	h := newHarness(t, defaultDirectory())

	h.publish(t, message("m1", "c1", agentID))
	h.drain()

	assert.Equal(t, 0, h.rec.count(agentmem.EventMessageReceived))
	h.dir.AssertNotCalled(t, "ChannelParticipants", mock.Anything, mock.Anything)
	_, err := h.store.GetMemoryByID(context.Background(), ids.ForAgent(agentID, "m1"))
	assert.ErrorIs(t, err, agentmem.ErrMemoryNotFound)
}

func TestNewMessage_NonParticipantRecheckedPerEvent(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice"}, nil).Once()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	h.publish(t, message("m1", "c1", "alice"))
	h.publish(t, message("m2", "c1", "alice"))
	h.drain()

	dir.AssertNumberOfCalls(t, "ChannelParticipants", 2)
	_, err := h.store.GetMemoryByID(context.Background(), ids.ForAgent(agentID, "m1"))
	assert.ErrorIs(t, err, agentmem.ErrMemoryNotFound)
	_, err = h.store.GetMemoryByID(context.Background(), ids.ForAgent(agentID, "m2"))
	assert.NoError(t, err)
	assert.Equal(t, 1, h.rec.count(agentmem.EventMessageReceived))
}

func TestNewMessage_UnknownChannelRefreshesOnce(t *testing.T) {
	h := newHarness(t, defaultDirectory())

	h.publish(t, message("m1", "elsewhere", "alice"))
	h.drain()

	h.dir.AssertNumberOfCalls(t, "AgentServers", 2)
	h.dir.AssertNotCalled(t, "ChannelParticipants", mock.Anything, mock.Anything)
	assert.Equal(t, 0, h.rec.count(agentmem.EventMessageReceived))
}

func TestNewMessage_MissedChannelIsNotRefreshedAgainWithinTTL(t *testing.T) {
	h := newHarness(t, defaultDirectory())
	ctx := context.Background()
	now := time.Now()
	h.sub.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.NoError(t, h.sub.handleNewMessage(ctx, message("m1", "elsewhere", "alice")))
	}
	h.dir.AssertNumberOfCalls(t, "AgentServers", 2)

	now = now.Add(DefaultMissTTL)
	require.NoError(t, h.sub.handleNewMessage(ctx, message("m2", "elsewhere", "alice")))
	h.dir.AssertNumberOfCalls(t, "AgentServers", 3)

	// Joining a server forgets earlier misses.
	require.NoError(t, h.sub.handleServerAgentUpdate(ctx, bus.ServerAgentUpdate{AgentID: agentID, ServerID: "s1", Type: bus.AgentAddedToServer}))
	h.dir.AssertNumberOfCalls(t, "AgentServers", 4)
	require.NoError(t, h.sub.handleNewMessage(ctx, message("m3", "elsewhere", "alice")))
	h.dir.AssertNumberOfCalls(t, "AgentServers", 5)
	assert.Equal(t, 0, h.rec.count(agentmem.EventMessageReceived))
}

func TestNewMessage_ChannelFoundAfterRefresh(t *testing.T) {
	dir := &MockDirectory{}
	dir.On("AgentServers", mock.Anything, agentID).Return([]string{"s1"}, nil)
	dir.On("ServerChannels", mock.Anything, "s1").Return([]models.Channel{{ID: "c1", MessageServerID: "s1"}}, nil).Once()
	dir.On("ServerChannels", mock.Anything, "s1").Return([]models.Channel{
		{ID: "c1", MessageServerID: "s1"},
		{ID: "c2", MessageServerID: "s1", Type: models.ChannelTypeDM},
	}, nil)
	dir.On("ChannelParticipants", mock.Anything, "c2").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	h.publish(t, message("m1", "c2", "alice"))
	h.drain()

	assert.Equal(t, 1, h.rec.count(agentmem.EventMessageReceived))
	assert.Equal(t, []string{"c1", "c2"}, h.sub.ValidChannels())
}

func TestNewMessage_DirectoryFailureDropsOnlyThatEvent(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return(nil, errors.New("connection refused")).Once()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	h.publish(t, message("m1", "c1", "alice"))
	h.publish(t, message("m2", "c1", "alice"))
	h.drain()

	_, err := h.store.GetMemoryByID(context.Background(), ids.ForAgent(agentID, "m1"))
	assert.ErrorIs(t, err, agentmem.ErrMemoryNotFound)
	_, err = h.store.GetMemoryByID(context.Background(), ids.ForAgent(agentID, "m2"))
	assert.NoError(t, err)
}

func TestNewMessage_RequestTimeoutIsAnOrdinaryFailure(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	b := bus.New(zerolog.Nop())
	rec := &sinkRecorder{}
	rt := agentmem.NewRuntime(agentID, agentmem.NewInMemoryStore(), agentmem.RuntimeOptions{Sink: rec.sink})
	sub := New(rt, b, Options{Directory: dir, RequestTimeout: 20 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, sub.Start(context.Background()))
	defer sub.Stop()

	start := time.Now()
	require.NoError(t, b.Publish(context.Background(), message("m1", "c1", "alice")))
	b.Close()

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 0, rec.count(agentmem.EventMessageReceived))
}

func TestMessageDeleted(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	h.publish(t, message("m1", "c1", "alice"))
	h.publish(t, bus.MessageDeleted{MessageID: "m1", ChannelID: "c1", ServerID: "s1"})
	h.publish(t, bus.MessageDeleted{MessageID: "never-seen", ChannelID: "c1"})
	h.drain()

	assert.Equal(t, 1, h.rec.count(agentmem.EventMessageDeleted))
	got := h.rec.payload(agentmem.EventMessageDeleted).(agentmem.MessageDeleted)
	assert.Equal(t, ids.ForAgent(agentID, "m1"), got.Memory.ID)

	_, err := h.store.GetMemoryByID(context.Background(), got.Memory.ID)
	assert.ErrorIs(t, err, agentmem.ErrMemoryNotFound)
}

func TestChannelCleared(t *testing.T) {
	dir := defaultDirectory()
	dir.On("ChannelParticipants", mock.Anything, "c1").Return([]string{"alice", agentID}, nil)
	h := newHarness(t, dir)

	h.publish(t, message("m1", "c1", "alice"))
	h.publish(t, message("m2", "c1", "alice"))
	h.publish(t, bus.ChannelCleared{ChannelID: "c1", ServerID: "s1", DeletedCount: 2})
	h.drain()

	require.Equal(t, 1, h.rec.count(agentmem.EventChannelCleared))
	got := h.rec.payload(agentmem.EventChannelCleared).(agentmem.ChannelCleared)
	assert.Equal(t, 2, got.MemoryCount)
	assert.Equal(t, ids.ForAgent(agentID, "c1"), got.RoomID)
}

func TestServerAgentUpdate(t *testing.T) {
	dir := &MockDirectory{}
	dir.On("AgentServers", mock.Anything, agentID).Return([]string{"s1"}, nil).Once()
	dir.On("AgentServers", mock.Anything, agentID).Return([]string{"s1", "s2"}, nil)
	dir.On("ServerChannels", mock.Anything, "s1").Return([]models.Channel{{ID: "c1", MessageServerID: "s1"}}, nil)
	dir.On("ServerChannels", mock.Anything, "s2").Return([]models.Channel{{ID: "c2", MessageServerID: "s2"}}, nil)
	h := newHarness(t, dir)

	h.publish(t, bus.ServerAgentUpdate{AgentID: "someone-else", ServerID: "s2", Type: bus.AgentAddedToServer})
	h.publish(t, bus.ServerAgentUpdate{AgentID: agentID, ServerID: "s2", Type: bus.AgentAddedToServer})
	h.drain()

	assert.Equal(t, 1, h.rec.count(agentmem.EventServerJoined))
	got := h.rec.payload(agentmem.EventServerJoined).(agentmem.ServerMembership)
	assert.Equal(t, "s2", got.ServerID)
	assert.Equal(t, []string{"c1", "c2"}, h.sub.ValidChannels())
	assert.Equal(t, []string{"s1", "s2"}, h.sub.Servers())
	dir.AssertNumberOfCalls(t, "AgentServers", 2)
}

func TestServerAgentUpdate_Removed(t *testing.T) {
	dir := &MockDirectory{}
	dir.On("AgentServers", mock.Anything, agentID).Return([]string{"s1", "s2"}, nil).Once()
	dir.On("AgentServers", mock.Anything, agentID).Return([]string{"s1"}, nil)
	dir.On("ServerChannels", mock.Anything, "s1").Return([]models.Channel{{ID: "c1", MessageServerID: "s1"}}, nil)
	dir.On("ServerChannels", mock.Anything, "s2").Return([]models.Channel{{ID: "c2", MessageServerID: "s2"}}, nil)
	h := newHarness(t, dir)
	require.Equal(t, []string{"c1", "c2"}, h.sub.ValidChannels())

	h.publish(t, bus.ServerAgentUpdate{AgentID: agentID, ServerID: "s2", Type: bus.AgentRemovedFromServer})
	h.drain()

	assert.Equal(t, 1, h.rec.count(agentmem.EventServerLeft))
	assert.Equal(t, []string{"c1"}, h.sub.ValidChannels())
	assert.Equal(t, []string{"s1"}, h.sub.Servers())
}

func TestStart_DirectoryDownIsNotFatal(t *testing.T) {
	dir := &MockDirectory{}
	dir.On("AgentServers", mock.Anything, agentID).Return(nil, errors.New("no route to host"))
	h := newHarness(t, dir)

	assert.Empty(t, h.sub.ValidChannels())
	h.publish(t, message("m1", "c1", "alice"))
	h.drain()
	assert.Equal(t, 0, h.rec.count(agentmem.EventMessageReceived))
}

func TestStop_DetachesFromBus(t *testing.T) {
	h := newHarness(t, defaultDirectory())
	h.sub.Stop()
	h.sub.Stop()

	for _, k := range bus.Kinds {
		assert.Equal(t, 0, h.bus.SubscriberCount(k))
	}
}

func TestNew_DefaultsToCentralClient(t *testing.T) {
	rt := agentmem.NewRuntime(agentID, agentmem.NewInMemoryStore(), agentmem.RuntimeOptions{
		Settings: map[string]string{SettingCentralURL: "http://central:3000"},
	})
	sub := New(rt, bus.New(zerolog.Nop()), Options{})
	assert.NotNil(t, sub.dir)
	assert.Equal(t, DefaultRequestTimeout, sub.timeout)
}
