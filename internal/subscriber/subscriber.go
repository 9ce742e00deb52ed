// Package subscriber routes bus events to one agent. It keeps only the
// events the agent should see, turns each qualifying message into exactly
// one private memory, and raises the matching runtime event.
package subscriber

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/agentmem"
	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/central"
	"github.com/eldtechnologies/agentrelay/internal/ids"
	"github.com/eldtechnologies/agentrelay/internal/metrics"
	"github.com/eldtechnologies/agentrelay/internal/models"
)

// SettingCentralURL is the runtime setting holding the central API base URL.
const SettingCentralURL = "CENTRAL_MESSAGE_SERVER_URL"

// DefaultRequestTimeout bounds each central API call.
const DefaultRequestTimeout = 10 * time.Second

// DefaultMissTTL is how long a channel outside the agent's servers is
// remembered as such before a new event for it may refresh the cache again.
const DefaultMissTTL = 30 * time.Second

// SourceCentral marks memories and events that came through the central bus.
const SourceCentral = "central"

// ErrAlreadyStarted is returned by Start on a running subscriber.
var ErrAlreadyStarted = errors.New("subscriber already started")

// Runtime is the agent side the subscriber writes into.
type Runtime interface {
	AgentID() string
	EnsureWorldExists(ctx context.Context, w agentmem.World) error
	EnsureRoomExists(ctx context.Context, r agentmem.Room) error
	GetMemoryByID(ctx context.Context, id string) (*agentmem.Memory, error)
	CreateMemory(ctx context.Context, m *agentmem.Memory) (string, error)
	GetMemoriesByRoomIDs(ctx context.Context, roomIDs []string) ([]agentmem.Memory, error)
	EmitEvent(ctx context.Context, eventType agentmem.EventType, payload any) error
	GetSetting(key string) string
}

// Directory answers membership questions about the central store.
type Directory interface {
	AgentServers(ctx context.Context, agentID string) ([]string, error)
	ServerChannels(ctx context.Context, serverID string) ([]models.Channel, error)
	ChannelParticipants(ctx context.Context, channelID string) ([]string, error)
	ChannelDetails(ctx context.Context, channelID string) (*models.Channel, error)
}

// Options configures a Subscriber.
type Options struct {
	// Directory defaults to a central.Client for the runtime's
	// CENTRAL_MESSAGE_SERVER_URL setting.
	Directory      Directory
	RequestTimeout time.Duration
	MissTTL        time.Duration
	Logger         zerolog.Logger
}

// Subscriber is one agent's view of the bus.
type Subscriber struct {
	rt      Runtime
	agentID string
	bus     *bus.Bus
	dir     Directory
	timeout time.Duration
	missTTL time.Duration
	now     func() time.Time
	logger  zerolog.Logger

	mu       sync.RWMutex
	channels map[string]models.Channel // every channel on the agent's servers
	servers  map[string]struct{}
	misses   map[string]time.Time // channel id -> when a refresh last missed it

	refreshMu sync.Mutex
	locks     *keyedMutex

	lifeMu sync.Mutex
	cancel context.CancelFunc
	subs   []*bus.Subscription

	ctxMu sync.RWMutex
	ctx   context.Context // cancelled by Stop
}

// New creates a stopped subscriber for rt on b.
func New(rt Runtime, b *bus.Bus, opts Options) *Subscriber {
	dir := opts.Directory
	if dir == nil {
		dir = central.NewClient(rt.GetSetting(SettingCentralURL))
	}
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	missTTL := opts.MissTTL
	if missTTL <= 0 {
		missTTL = DefaultMissTTL
	}
	return &Subscriber{
		rt:       rt,
		agentID:  rt.AgentID(),
		bus:      b,
		dir:      dir,
		timeout:  timeout,
		missTTL:  missTTL,
		now:      time.Now,
		logger:   opts.Logger.With().Str("component", "subscriber").Str("agent_id", rt.AgentID()).Logger(),
		channels: make(map[string]models.Channel),
		servers:  make(map[string]struct{}),
		misses:   make(map[string]time.Time),
		locks:    newKeyedMutex(),
	}
}

// AgentID returns the agent this subscriber serves.
func (s *Subscriber) AgentID() string { return s.agentID }

// Start loads the channel cache and subscribes to every event kind. A failed
// initial load is logged; the cache fills on the next miss.
func (s *Subscriber) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	life, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.ctxMu.Lock()
	s.ctx = life
	s.ctxMu.Unlock()
	s.cancel = cancel

	if err := s.refresh(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("initial channel refresh failed")
	}

	s.subs = []*bus.Subscription{
		s.bus.OnNewMessage(s.handleNewMessage),
		s.bus.OnMessageDeleted(s.handleMessageDeleted),
		s.bus.OnChannelCleared(s.handleChannelCleared),
		s.bus.OnServerAgentUpdate(s.handleServerAgentUpdate),
	}

	s.logger.Info().Int("channels", len(s.ValidChannels())).Msg("subscriber started")
	return nil
}

// Stop cancels in-flight work and detaches from the bus. Events already
// queued are drained against the cancelled context.
func (s *Subscriber) Stop() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
	s.cancel = nil
	s.logger.Info().Msg("subscriber stopped")
}

// ValidChannels returns the cached channel ids, sorted.
func (s *Subscriber) ValidChannels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.channels))
	for id := range s.channels {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Servers returns the servers the agent is attached to, sorted.
func (s *Subscriber) Servers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.servers))
	for id := range s.servers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *Subscriber) channel(id string) (models.Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// callCtx bounds one directory call. It ends on Stop as well.
func (s *Subscriber) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	s.ctxMu.RLock()
	life := s.ctx
	s.ctxMu.RUnlock()
	if life == nil {
		return ctx, cancel
	}
	stop := context.AfterFunc(life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// refresh rebuilds the channel cache from the directory. A server whose
// channel list cannot be fetched keeps its previously cached channels.
func (s *Subscriber) refresh(ctx context.Context) error {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	return s.refreshLocked(ctx)
}

func (s *Subscriber) refreshLocked(ctx context.Context) error {
	callCtx, cancel := s.callCtx(ctx)
	serverIDs, err := s.dir.AgentServers(callCtx, s.agentID)
	cancel()
	if err != nil {
		return err
	}

	s.mu.RLock()
	previous := maps.Clone(s.channels)
	s.mu.RUnlock()

	channels := make(map[string]models.Channel)
	servers := make(map[string]struct{}, len(serverIDs))
	for _, serverID := range serverIDs {
		servers[serverID] = struct{}{}

		callCtx, cancel := s.callCtx(ctx)
		list, err := s.dir.ServerChannels(callCtx, serverID)
		cancel()
		if err != nil {
			s.logger.Warn().Err(err).Str("server_id", serverID).Msg("channel list fetch failed, keeping cached channels")
			for id, ch := range previous {
				if ch.MessageServerID == serverID {
					channels[id] = ch
				}
			}
			continue
		}
		for _, ch := range list {
			if ch.MessageServerID == "" {
				ch.MessageServerID = serverID
			}
			channels[ch.ID] = ch
		}
	}

	s.mu.Lock()
	s.channels = channels
	s.servers = servers
	s.mu.Unlock()

	s.logger.Debug().Int("servers", len(servers)).Int("channels", len(channels)).Msg("channel cache refreshed")
	return nil
}

// lookupChannel returns the cached channel, refreshing once on a miss.
// Concurrent misses share one refresh, and a channel that was missed within
// missTTL is not refreshed for again.
func (s *Subscriber) lookupChannel(ctx context.Context, channelID string) (models.Channel, bool) {
	if ch, ok := s.channel(channelID); ok {
		return ch, true
	}
	if s.recentlyMissed(channelID) {
		return models.Channel{}, false
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	if ch, ok := s.channel(channelID); ok {
		return ch, true
	}
	if s.recentlyMissed(channelID) {
		return models.Channel{}, false
	}
	if err := s.refreshLocked(ctx); err != nil {
		s.logger.Warn().Err(err).Str("channel_id", channelID).Msg("channel refresh failed")
		return models.Channel{}, false
	}
	ch, ok := s.channel(channelID)
	if !ok {
		s.recordMiss(channelID)
	}
	return ch, ok
}

func (s *Subscriber) recentlyMissed(channelID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	at, ok := s.misses[channelID]
	return ok && s.now().Sub(at) < s.missTTL
}

func (s *Subscriber) recordMiss(channelID string) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, at := range s.misses {
		if now.Sub(at) >= s.missTTL {
			delete(s.misses, id)
		}
	}
	s.misses[channelID] = now
}

func (s *Subscriber) decide(outcome string) {
	metrics.SubscriberDecisions.WithLabelValues(outcome).Inc()
}

func (s *Subscriber) handleNewMessage(_ context.Context, ev bus.NewMessage) error {
	ctx := s.lifeCtx()
	msg := ev.MessageServiceStructure
	log := s.logger.With().Str("message_id", msg.ID).Str("channel_id", msg.ChannelID).Logger()

	ch, ok := s.lookupChannel(ctx, msg.ChannelID)
	if !ok {
		s.decide("unknown_channel")
		log.Debug().Str("reason", "channel not on agent's servers").Msg("skipping message")
		return nil
	}

	if msg.AuthorID == s.agentID {
		s.decide("self")
		log.Debug().Str("reason", "own message").Msg("skipping message")
		return nil
	}

	callCtx, cancel := s.callCtx(ctx)
	participants, err := s.dir.ChannelParticipants(callCtx, msg.ChannelID)
	cancel()
	if err != nil {
		s.decide("error")
		log.Warn().Err(err).Msg("participant fetch failed, dropping message")
		return nil
	}
	if !slices.Contains(participants, s.agentID) {
		s.decide("not_participant")
		log.Info().Str("reason", "agent not a participant").Msg("skipping message")
		return nil
	}

	serverID := msg.ServerID
	if serverID == "" {
		serverID = ch.MessageServerID
	}
	worldID := ids.ForAgent(s.agentID, serverID)
	roomID := ids.ForAgent(s.agentID, msg.ChannelID)

	if err := s.rt.EnsureWorldExists(ctx, agentmem.World{ID: worldID, ServerID: serverID}); err != nil {
		s.decide("error")
		log.Error().Err(err).Msg("ensure world failed")
		return nil
	}
	if err := s.rt.EnsureRoomExists(ctx, agentmem.Room{
		ID:        roomID,
		WorldID:   worldID,
		ChannelID: msg.ChannelID,
		ServerID:  serverID,
		Type:      ch.Type,
		Name:      ch.Name,
	}); err != nil {
		s.decide("error")
		log.Error().Err(err).Msg("ensure room failed")
		return nil
	}

	memoryID := ids.ForAgent(s.agentID, msg.ID)
	unlock := s.locks.Lock(memoryID)
	defer unlock()

	if _, err := s.rt.GetMemoryByID(ctx, memoryID); err == nil {
		s.decide("duplicate")
		log.Debug().Str("reason", "already remembered").Msg("skipping message")
		return nil
	} else if !errors.Is(err, agentmem.ErrMemoryNotFound) {
		s.decide("error")
		log.Error().Err(err).Msg("memory lookup failed")
		return nil
	}

	memory := s.memoryFor(msg, ch, memoryID, roomID, worldID)
	if _, err := s.rt.CreateMemory(ctx, &memory); err != nil {
		if errors.Is(err, agentmem.ErrMemoryExists) {
			s.decide("duplicate")
			log.Debug().Str("reason", "already remembered").Msg("skipping message")
			return nil
		}
		s.decide("error")
		log.Error().Err(err).Msg("create memory failed")
		return nil
	}

	s.decide("delivered")
	if err := s.rt.EmitEvent(ctx, agentmem.EventMessageReceived, agentmem.MessageReceived{
		Memory:  memory,
		Message: msg,
		Source:  SourceCentral,
	}); err != nil {
		log.Warn().Err(err).Msg("emit MESSAGE_RECEIVED failed")
	}
	return nil
}

func (s *Subscriber) memoryFor(msg models.MessageServiceStructure, ch models.Channel, memoryID, roomID, worldID string) agentmem.Memory {
	source := msg.SourceType
	if source == "" {
		source = SourceCentral
	}

	metadata := msg.Metadata.Clone()
	if metadata == nil {
		metadata = models.Metadata{}
	}
	metadata["centralMessageId"] = msg.ID
	metadata["centralChannelId"] = msg.ChannelID
	metadata["centralServerId"] = msg.ServerID
	metadata["centralAuthorId"] = msg.AuthorID
	if msg.AuthorDisplayName != "" {
		metadata["authorDisplayName"] = msg.AuthorDisplayName
	}

	content := agentmem.Content{
		Text:        msg.Content,
		Source:      source,
		ChannelType: ch.Type,
	}
	if msg.InReplyToMessageID != "" {
		content.InReplyTo = ids.ForAgent(s.agentID, msg.InReplyToMessageID)
	}

	createdAt := msg.CreatedAt
	if createdAt == 0 {
		createdAt = time.Now().UnixMilli()
	}

	return agentmem.Memory{
		ID:        memoryID,
		AgentID:   s.agentID,
		EntityID:  ids.ForAgent(s.agentID, msg.AuthorID),
		RoomID:    roomID,
		WorldID:   worldID,
		Content:   content,
		Metadata:  metadata,
		CreatedAt: createdAt,
	}
}

func (s *Subscriber) handleMessageDeleted(_ context.Context, ev bus.MessageDeleted) error {
	ctx := s.lifeCtx()
	log := s.logger.With().Str("message_id", ev.MessageID).Str("channel_id", ev.ChannelID).Logger()

	memory, err := s.rt.GetMemoryByID(ctx, ids.ForAgent(s.agentID, ev.MessageID))
	if err != nil {
		if errors.Is(err, agentmem.ErrMemoryNotFound) {
			log.Debug().Msg("no memory for deleted message")
			return nil
		}
		log.Error().Err(err).Msg("memory lookup failed")
		return nil
	}

	if err := s.rt.EmitEvent(ctx, agentmem.EventMessageDeleted, agentmem.MessageDeleted{Memory: *memory}); err != nil {
		log.Warn().Err(err).Msg("emit MESSAGE_DELETED failed")
	}
	return nil
}

func (s *Subscriber) handleChannelCleared(_ context.Context, ev bus.ChannelCleared) error {
	ctx := s.lifeCtx()
	log := s.logger.With().Str("channel_id", ev.ChannelID).Logger()
	roomID := ids.ForAgent(s.agentID, ev.ChannelID)

	memories, err := s.rt.GetMemoriesByRoomIDs(ctx, []string{roomID})
	if err != nil {
		log.Error().Err(err).Msg("room memory lookup failed")
		return nil
	}

	if err := s.rt.EmitEvent(ctx, agentmem.EventChannelCleared, agentmem.ChannelCleared{
		RoomID:      roomID,
		ChannelID:   ev.ChannelID,
		MemoryCount: len(memories),
		Memories:    memories,
	}); err != nil {
		log.Warn().Err(err).Msg("emit CHANNEL_CLEARED failed")
	}
	return nil
}

func (s *Subscriber) handleServerAgentUpdate(_ context.Context, ev bus.ServerAgentUpdate) error {
	if ev.AgentID != s.agentID {
		return nil
	}
	ctx := s.lifeCtx()
	log := s.logger.With().Str("server_id", ev.ServerID).Str("type", string(ev.Type)).Logger()

	var eventType agentmem.EventType
	s.mu.Lock()
	switch ev.Type {
	case bus.AgentAddedToServer:
		s.servers[ev.ServerID] = struct{}{}
		eventType = agentmem.EventServerJoined
	case bus.AgentRemovedFromServer:
		delete(s.servers, ev.ServerID)
		for id, ch := range s.channels {
			if ch.MessageServerID == ev.ServerID {
				delete(s.channels, id)
			}
		}
		eventType = agentmem.EventServerLeft
	default:
		s.mu.Unlock()
		log.Warn().Msg("unknown server update type")
		return nil
	}
	clear(s.misses)
	s.mu.Unlock()

	log.Info().Msg("server membership changed")

	if err := s.rt.EmitEvent(ctx, eventType, agentmem.ServerMembership{
		AgentID:  s.agentID,
		ServerID: ev.ServerID,
		WorldID:  ids.ForAgent(s.agentID, ev.ServerID),
	}); err != nil {
		log.Warn().Err(err).Msgf("emit %s failed", eventType)
	}

	if err := s.refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("channel refresh after membership change failed")
	}
	return nil
}

func (s *Subscriber) lifeCtx() context.Context {
	s.ctxMu.RLock()
	defer s.ctxMu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}
