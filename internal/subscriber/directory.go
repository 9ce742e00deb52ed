package subscriber

import (
	"context"

	"github.com/eldtechnologies/agentrelay/internal/models"
	"github.com/eldtechnologies/agentrelay/internal/store"
)

// StoreDirectory answers membership questions straight from a DataStore. It
// serves agents colocated with the central server; remote agents use the
// central HTTP client.
type StoreDirectory struct {
	Store store.DataStore
}

// AgentServers lists the servers agentID is attached to.
func (d StoreDirectory) AgentServers(ctx context.Context, agentID string) ([]string, error) {
	return d.Store.GetServersForAgent(ctx, agentID)
}

// ServerChannels lists a server's channels.
func (d StoreDirectory) ServerChannels(ctx context.Context, serverID string) ([]models.Channel, error) {
	return d.Store.GetChannelsForServer(ctx, serverID)
}

// ChannelParticipants lists a channel's participant ids.
func (d StoreDirectory) ChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	return d.Store.GetChannelParticipants(ctx, channelID)
}

// ChannelDetails returns one channel.
func (d StoreDirectory) ChannelDetails(ctx context.Context, channelID string) (*models.Channel, error) {
	return d.Store.GetChannelDetails(ctx, channelID)
}
