package bus

import (
	"github.com/eldtechnologies/agentrelay/internal/models"
)

// Kind identifies an event family. The set is closed.
type Kind int

const (
	KindNewMessage Kind = iota + 1
	KindMessageDeleted
	KindChannelCleared
	KindServerAgentUpdate
)

// Kinds lists every event kind in declaration order.
var Kinds = []Kind{KindNewMessage, KindMessageDeleted, KindChannelCleared, KindServerAgentUpdate}

func (k Kind) String() string {
	switch k {
	case KindNewMessage:
		return "new_message"
	case KindMessageDeleted:
		return "message_deleted"
	case KindChannelCleared:
		return "channel_cleared"
	case KindServerAgentUpdate:
		return "server_agent_update"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Event is implemented only by the payload types in this package.
type Event interface {
	Kind() Kind
	sealed()
}

// NewMessage announces a message that has been durably stored.
type NewMessage struct {
	models.MessageServiceStructure
}

// MessageDeleted announces a removed message.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	ServerID  string `json:"serverId,omitempty"`
}

// ChannelCleared announces that every message of a channel was removed.
type ChannelCleared struct {
	ChannelID    string `json:"channelId"`
	ServerID     string `json:"serverId,omitempty"`
	DeletedCount int64  `json:"deletedCount"`
}

// UpdateType says whether an agent joined or left a server.
type UpdateType string

const (
	AgentAddedToServer     UpdateType = "agent_added_to_server"
	AgentRemovedFromServer UpdateType = "agent_removed_from_server"
)

// ServerAgentUpdate announces a change in agent-server membership.
type ServerAgentUpdate struct {
	AgentID  string     `json:"agentId"`
	ServerID string     `json:"serverId"`
	Type     UpdateType `json:"type"`
}

func (NewMessage) Kind() Kind        { return KindNewMessage }
func (MessageDeleted) Kind() Kind    { return KindMessageDeleted }
func (ChannelCleared) Kind() Kind    { return KindChannelCleared }
func (ServerAgentUpdate) Kind() Kind { return KindServerAgentUpdate }

func (NewMessage) sealed()        {}
func (MessageDeleted) sealed()    {}
func (ChannelCleared) sealed()    {}
func (ServerAgentUpdate) sealed() {}
