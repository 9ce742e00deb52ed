// Package agentmem is the agent-owned side of delivery: the private memory
// an agent keeps of the conversations it takes part in, and the runtime the
// subscriber hands qualifying events to.
package agentmem

import (
	"context"
	"errors"
	"fmt"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

var (
	// ErrMemoryExists is returned by CreateMemory when the id is taken.
	ErrMemoryExists = errors.New("memory already exists")
	// ErrMemoryNotFound is returned (wrapped) for unknown memory ids.
	ErrMemoryNotFound = errors.New("memory not found")
)

// World is an agent's private view of a central server.
type World struct {
	ID       string `json:"id"`
	AgentID  string `json:"agentId"`
	ServerID string `json:"serverId"`
	Name     string `json:"name,omitempty"`
}

// Room is an agent's private view of a central channel.
type Room struct {
	ID        string             `json:"id"`
	AgentID   string             `json:"agentId"`
	WorldID   string             `json:"worldId"`
	ChannelID string             `json:"channelId"`
	ServerID  string             `json:"serverId"`
	Type      models.ChannelType `json:"type,omitempty"`
	Name      string             `json:"name,omitempty"`
}

// Content is what the agent remembers of a message.
type Content struct {
	Text        string             `json:"text"`
	Source      string             `json:"source"`
	ChannelType models.ChannelType `json:"channelType,omitempty"`
	InReplyTo   string             `json:"inReplyTo,omitempty"`
}

// Memory is one remembered message.
type Memory struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agentId"`
	EntityID  string          `json:"entityId"`
	RoomID    string          `json:"roomId"`
	WorldID   string          `json:"worldId"`
	Content   Content         `json:"content"`
	Metadata  models.Metadata `json:"metadata,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

// Store persists an agent's worlds, rooms and memories.
type Store interface {
	EnsureWorld(ctx context.Context, w World) error
	EnsureRoom(ctx context.Context, r Room) error

	// CreateMemory inserts m unless its id exists, in which case it
	// returns ErrMemoryExists and leaves the stored memory untouched.
	CreateMemory(ctx context.Context, m *Memory) (string, error)
	GetMemoryByID(ctx context.Context, id string) (*Memory, error)
	// GetMemoriesByRoomIDs returns memories of the given rooms, oldest first.
	GetMemoriesByRoomIDs(ctx context.Context, roomIDs []string) ([]Memory, error)
	DeleteMemory(ctx context.Context, id string) error

	Close() error
}

// Open returns the memory store for agentID: Redis under the agent's own
// namespace when redisURL is set, an in-memory store otherwise.
func Open(ctx context.Context, redisURL, agentID string) (Store, error) {
	if redisURL == "" {
		return NewInMemoryStore(), nil
	}
	s, err := NewRedisStore(ctx, redisURL, agentID)
	if err != nil {
		return nil, fmt.Errorf("open memory store for %s: %w", agentID, err)
	}
	return s, nil
}
