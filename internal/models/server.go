package models

import "time"

// DefaultServerID is the well-known server that always exists.
const DefaultServerID = "00000000-0000-0000-0000-000000000000"

// MessageServer groups related channels (a workspace).
type MessageServer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	SourceType string    `json:"sourceType"`
	SourceID   string    `json:"sourceId,omitempty"`
	Metadata   Metadata  `json:"metadata,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ServerAgent records that an agent is attached to a server.
type ServerAgent struct {
	MessageServerID string `json:"messageServerId"`
	AgentID         string `json:"agentId"`
}
