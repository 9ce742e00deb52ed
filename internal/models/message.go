package models

import (
	"encoding/json"
	"time"
)

// Message is a canonical chat message stored in the central store.
type Message struct {
	ID                     string          `json:"id"`
	ChannelID              string          `json:"channelId"`
	AuthorID               string          `json:"authorId"`
	Content                string          `json:"content"`
	RawMessage             json.RawMessage `json:"rawMessage,omitempty"`
	SourceType             string          `json:"sourceType,omitempty"`
	SourceID               string          `json:"sourceId,omitempty"`
	InReplyToRootMessageID *string         `json:"inReplyToRootMessageId,omitempty"`
	Metadata               Metadata        `json:"metadata,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	UpdatedAt              time.Time       `json:"updatedAt"`
}

// MessageServiceStructure is the canonical payload announced for a new
// message. created_at is epoch milliseconds.
type MessageServiceStructure struct {
	ID                 string          `json:"id"`
	ChannelID          string          `json:"channel_id"`
	ServerID           string          `json:"server_id"`
	AuthorID           string          `json:"author_id"`
	AuthorDisplayName  string          `json:"author_display_name,omitempty"`
	Content            string          `json:"content"`
	RawMessage         json.RawMessage `json:"raw_message,omitempty"`
	SourceID           string          `json:"source_id,omitempty"`
	SourceType         string          `json:"source_type,omitempty"`
	InReplyToMessageID string          `json:"in_reply_to_message_id,omitempty"`
	CreatedAt          int64           `json:"created_at"`
	Metadata           Metadata        `json:"metadata,omitempty"`
}

// ToServiceStructure builds the announced payload for m living on serverID.
func (m *Message) ToServiceStructure(serverID string) MessageServiceStructure {
	out := MessageServiceStructure{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		ServerID:   serverID,
		AuthorID:   m.AuthorID,
		Content:    m.Content,
		RawMessage: m.RawMessage,
		SourceID:   m.SourceID,
		SourceType: m.SourceType,
		CreatedAt:  m.CreatedAt.UnixMilli(),
		Metadata:   m.Metadata.Clone(),
	}
	if m.InReplyToRootMessageID != nil {
		out.InReplyToMessageID = *m.InReplyToRootMessageID
	}
	if name, ok := m.Metadata["authorDisplayName"].(string); ok {
		out.AuthorDisplayName = name
	}
	return out
}

// SubmitMessageRequest is an inbound message from an external channel.
type SubmitMessageRequest struct {
	ChannelID              string          `json:"channelId"`
	AuthorID               string          `json:"authorId"`
	Content                string          `json:"content"`
	RawMessage             json.RawMessage `json:"rawMessage,omitempty"`
	SourceType             string          `json:"sourceType,omitempty"`
	SourceID               string          `json:"sourceId,omitempty"`
	InReplyToRootMessageID *string         `json:"inReplyToRootMessageId,omitempty"`
	Metadata               Metadata        `json:"metadata,omitempty"`
}
