package agentmem

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

// EventType names a downstream event raised into the agent.
type EventType string

const (
	EventMessageReceived EventType = "MESSAGE_RECEIVED"
	EventMessageDeleted  EventType = "MESSAGE_DELETED"
	EventChannelCleared  EventType = "CHANNEL_CLEARED"
	EventServerJoined    EventType = "SERVER_JOINED"
	EventServerLeft      EventType = "SERVER_LEFT"
)

// MessageReceived is the payload of MESSAGE_RECEIVED.
type MessageReceived struct {
	Memory  Memory                         `json:"memory"`
	Message models.MessageServiceStructure `json:"message"`
	Source  string                         `json:"source"`
}

// MessageDeleted is the payload of MESSAGE_DELETED.
type MessageDeleted struct {
	Memory Memory `json:"memory"`
}

// ChannelCleared is the payload of CHANNEL_CLEARED.
type ChannelCleared struct {
	RoomID      string   `json:"roomId"`
	ChannelID   string   `json:"channelId"`
	MemoryCount int      `json:"memoryCount"`
	Memories    []Memory `json:"memories,omitempty"`
}

// ServerMembership is the payload of SERVER_JOINED and SERVER_LEFT.
type ServerMembership struct {
	AgentID  string `json:"agentId"`
	ServerID string `json:"serverId"`
	WorldID  string `json:"worldId"`
}

// Sink receives every event the runtime raises, after the runtime has
// applied it to its own memory.
type Sink func(ctx context.Context, eventType EventType, payload any) error

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Settings map[string]string
	Sink     Sink
	Logger   zerolog.Logger
}

// Runtime is an agent's memory plus its outbound event hook. It forgets
// deleted and cleared messages on its own before passing events on.
type Runtime struct {
	agentID  string
	store    Store
	settings map[string]string
	sink     Sink
	logger   zerolog.Logger
}

// NewRuntime creates a runtime for agentID backed by store.
func NewRuntime(agentID string, store Store, opts RuntimeOptions) *Runtime {
	settings := make(map[string]string, len(opts.Settings))
	for k, v := range opts.Settings {
		settings[k] = v
	}
	return &Runtime{
		agentID:  agentID,
		store:    store,
		settings: settings,
		sink:     opts.Sink,
		logger:   opts.Logger.With().Str("component", "runtime").Str("agent_id", agentID).Logger(),
	}
}

// AgentID returns the agent's id.
func (r *Runtime) AgentID() string { return r.agentID }

// Store returns the backing memory store.
func (r *Runtime) Store() Store { return r.store }

// GetSetting returns a setting or "".
func (r *Runtime) GetSetting(key string) string { return r.settings[key] }

// EnsureWorldExists records w for this agent if it is new.
func (r *Runtime) EnsureWorldExists(ctx context.Context, w World) error {
	w.AgentID = r.agentID
	return r.store.EnsureWorld(ctx, w)
}

// EnsureRoomExists records room for this agent if it is new.
func (r *Runtime) EnsureRoomExists(ctx context.Context, room Room) error {
	room.AgentID = r.agentID
	return r.store.EnsureRoom(ctx, room)
}

// GetMemoryByID returns a memory or ErrMemoryNotFound.
func (r *Runtime) GetMemoryByID(ctx context.Context, id string) (*Memory, error) {
	return r.store.GetMemoryByID(ctx, id)
}

// CreateMemory stamps m with the agent id and stores it.
func (r *Runtime) CreateMemory(ctx context.Context, m *Memory) (string, error) {
	m.AgentID = r.agentID
	return r.store.CreateMemory(ctx, m)
}

// GetMemoriesByRoomIDs returns the memories of the given rooms.
func (r *Runtime) GetMemoriesByRoomIDs(ctx context.Context, roomIDs []string) ([]Memory, error) {
	return r.store.GetMemoriesByRoomIDs(ctx, roomIDs)
}

// EmitEvent applies deletions to memory, then hands the event to the sink.
func (r *Runtime) EmitEvent(ctx context.Context, eventType EventType, payload any) error {
	var errs []error

	switch p := payload.(type) {
	case MessageDeleted:
		if err := r.store.DeleteMemory(ctx, p.Memory.ID); err != nil {
			errs = append(errs, fmt.Errorf("forget memory %s: %w", p.Memory.ID, err))
		}
	case ChannelCleared:
		for _, m := range p.Memories {
			if err := r.store.DeleteMemory(ctx, m.ID); err != nil {
				errs = append(errs, fmt.Errorf("forget memory %s: %w", m.ID, err))
			}
		}
	}

	r.logger.Debug().Str("event", string(eventType)).Msg("event emitted")

	if r.sink != nil {
		if err := r.sink(ctx, eventType, payload); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", eventType, err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes each event to logger. Processes without a reasoning
// pipeline use it as their sink.
func LogSink(logger zerolog.Logger) Sink {
	return func(_ context.Context, eventType EventType, payload any) error {
		event := logger.Info().Str("event", string(eventType))
		switch p := payload.(type) {
		case MessageReceived:
			event = event.
				Str("memory_id", p.Memory.ID).
				Str("room_id", p.Memory.RoomID).
				Str("author_id", p.Message.AuthorID).
				Str("content", p.Message.Content)
		case MessageDeleted:
			event = event.Str("memory_id", p.Memory.ID)
		case ChannelCleared:
			event = event.Str("room_id", p.RoomID).Int("memories", p.MemoryCount)
		case ServerMembership:
			event = event.Str("server_id", p.ServerID)
		}
		event.Msg("agent event")
		return nil
	}
}
