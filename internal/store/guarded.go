package store

import (
	"context"
	"errors"
	"time"

	"github.com/eldtechnologies/agentrelay/internal/breaker"
	"github.com/eldtechnologies/agentrelay/internal/models"
)

// Breaker families. Each family trips independently.
const (
	FamilyServers      = "servers"
	FamilyChannels     = "channels"
	FamilyParticipants = "participants"
	FamilyMessages     = "messages"
	FamilyAgents       = "agents"
)

// Guarded routes every DataStore call through a per-family circuit breaker.
// ErrNotFound is an answer, not a failure, and never trips a breaker.
type Guarded struct {
	inner    DataStore
	breakers *breaker.Group
}

var _ DataStore = (*Guarded)(nil)

// NewGuarded wraps inner. opts.IsFailure is replaced.
func NewGuarded(inner DataStore, opts breaker.Options) *Guarded {
	opts.IsFailure = func(err error) bool { return !errors.Is(err, ErrNotFound) }
	return &Guarded{inner: inner, breakers: breaker.NewGroup(opts)}
}

// Breakers exposes the breaker group for health reporting.
func (g *Guarded) Breakers() *breaker.Group { return g.breakers }

func (g *Guarded) exec(ctx context.Context, family, label string, op func(context.Context) error) error {
	return g.breakers.Get(family).Execute(ctx, label, op)
}

// Close closes the underlying store.
func (g *Guarded) Close() { g.inner.Close() }

// Ping bypasses the breakers so health checks always see the backend.
func (g *Guarded) Ping(ctx context.Context) error { return g.inner.Ping(ctx) }

// CreateMessageServer creates a server under the servers breaker.
func (g *Guarded) CreateMessageServer(ctx context.Context, server *models.MessageServer) (*models.MessageServer, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyServers), "createMessageServer", func(ctx context.Context) (*models.MessageServer, error) {
		return g.inner.CreateMessageServer(ctx, server)
	})
}

// GetMessageServers lists all servers.
func (g *Guarded) GetMessageServers(ctx context.Context) ([]models.MessageServer, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyServers), "getMessageServers", g.inner.GetMessageServers)
}

// GetMessageServerByID returns one server or ErrNotFound.
func (g *Guarded) GetMessageServerByID(ctx context.Context, id string) (*models.MessageServer, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyServers), "getMessageServerById", func(ctx context.Context) (*models.MessageServer, error) {
		return g.inner.GetMessageServerByID(ctx, id)
	})
}

// DeleteMessageServer removes a server and everything under it.
func (g *Guarded) DeleteMessageServer(ctx context.Context, id string) error {
	return g.exec(ctx, FamilyServers, "deleteMessageServer", func(ctx context.Context) error {
		return g.inner.DeleteMessageServer(ctx, id)
	})
}

// CreateChannel creates a channel with its participants under the channels breaker.
func (g *Guarded) CreateChannel(ctx context.Context, channel *models.Channel, participantIDs ...string) (*models.Channel, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyChannels), "createChannel", func(ctx context.Context) (*models.Channel, error) {
		return g.inner.CreateChannel(ctx, channel, participantIDs...)
	})
}

// GetChannelsForServer lists a server's channels.
func (g *Guarded) GetChannelsForServer(ctx context.Context, serverID string) ([]models.Channel, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyChannels), "getChannelsForServer", func(ctx context.Context) ([]models.Channel, error) {
		return g.inner.GetChannelsForServer(ctx, serverID)
	})
}

// GetChannelDetails returns one channel or ErrNotFound.
func (g *Guarded) GetChannelDetails(ctx context.Context, id string) (*models.Channel, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyChannels), "getChannelDetails", func(ctx context.Context) (*models.Channel, error) {
		return g.inner.GetChannelDetails(ctx, id)
	})
}

// UpdateChannel applies a partial channel update.
func (g *Guarded) UpdateChannel(ctx context.Context, id string, update models.ChannelUpdate) (*models.Channel, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyChannels), "updateChannel", func(ctx context.Context) (*models.Channel, error) {
		return g.inner.UpdateChannel(ctx, id, update)
	})
}

// DeleteChannel removes a channel with its messages and participants.
func (g *Guarded) DeleteChannel(ctx context.Context, id string) error {
	return g.exec(ctx, FamilyChannels, "deleteChannel", func(ctx context.Context) error {
		return g.inner.DeleteChannel(ctx, id)
	})
}

// FindOrCreateDMChannel returns the DM channel for a user pair, creating it once.
func (g *Guarded) FindOrCreateDMChannel(ctx context.Context, userA, userB, serverID string) (*models.Channel, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyChannels), "findOrCreateDmChannel", func(ctx context.Context) (*models.Channel, error) {
		return g.inner.FindOrCreateDMChannel(ctx, userA, userB, serverID)
	})
}

// AddChannelParticipants adds participants under the participants breaker.
func (g *Guarded) AddChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error {
	return g.exec(ctx, FamilyParticipants, "addChannelParticipants", func(ctx context.Context) error {
		return g.inner.AddChannelParticipants(ctx, channelID, userIDs...)
	})
}

// RemoveChannelParticipants removes participants.
func (g *Guarded) RemoveChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error {
	return g.exec(ctx, FamilyParticipants, "removeChannelParticipants", func(ctx context.Context) error {
		return g.inner.RemoveChannelParticipants(ctx, channelID, userIDs...)
	})
}

// GetChannelParticipants lists a channel's participant ids.
func (g *Guarded) GetChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyParticipants), "getChannelParticipants", func(ctx context.Context) ([]string, error) {
		return g.inner.GetChannelParticipants(ctx, channelID)
	})
}

// IsChannelParticipant reports whether userID belongs to the channel.
func (g *Guarded) IsChannelParticipant(ctx context.Context, channelID, userID string) (bool, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyParticipants), "isChannelParticipant", func(ctx context.Context) (bool, error) {
		return g.inner.IsChannelParticipant(ctx, channelID, userID)
	})
}

// CreateMessage stores a message under the messages breaker.
func (g *Guarded) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyMessages), "createMessage", func(ctx context.Context) (*models.Message, error) {
		return g.inner.CreateMessage(ctx, msg)
	})
}

// GetMessageByID returns one message or ErrNotFound.
func (g *Guarded) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyMessages), "getMessageById", func(ctx context.Context) (*models.Message, error) {
		return g.inner.GetMessageByID(ctx, id)
	})
}

// GetMessagesForChannel returns a page of history, newest first.
func (g *Guarded) GetMessagesForChannel(ctx context.Context, channelID string, limit int, before time.Time) ([]models.Message, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyMessages), "getMessagesForChannel", func(ctx context.Context) ([]models.Message, error) {
		return g.inner.GetMessagesForChannel(ctx, channelID, limit, before)
	})
}

// DeleteMessage removes a message; unknown ids are a no-op.
func (g *Guarded) DeleteMessage(ctx context.Context, id string) error {
	return g.exec(ctx, FamilyMessages, "deleteMessage", func(ctx context.Context) error {
		return g.inner.DeleteMessage(ctx, id)
	})
}

// ClearChannelMessages removes a channel's messages and returns the count.
func (g *Guarded) ClearChannelMessages(ctx context.Context, channelID string) (int64, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyMessages), "clearChannelMessages", func(ctx context.Context) (int64, error) {
		return g.inner.ClearChannelMessages(ctx, channelID)
	})
}

// AddAgentToServer attaches an agent under the agents breaker.
func (g *Guarded) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	return g.exec(ctx, FamilyAgents, "addAgentToServer", func(ctx context.Context) error {
		return g.inner.AddAgentToServer(ctx, serverID, agentID)
	})
}

// RemoveAgentFromServer detaches an agent.
func (g *Guarded) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	return g.exec(ctx, FamilyAgents, "removeAgentFromServer", func(ctx context.Context) error {
		return g.inner.RemoveAgentFromServer(ctx, serverID, agentID)
	})
}

// GetAgentsForServer lists the agents attached to a server.
func (g *Guarded) GetAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyAgents), "getAgentsForServer", func(ctx context.Context) ([]string, error) {
		return g.inner.GetAgentsForServer(ctx, serverID)
	})
}

// GetServersForAgent lists the servers an agent is attached to.
func (g *Guarded) GetServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	return breaker.Do(ctx, g.breakers.Get(FamilyAgents), "getServersForAgent", func(ctx context.Context) ([]string, error) {
		return g.inner.GetServersForAgent(ctx, agentID)
	})
}
