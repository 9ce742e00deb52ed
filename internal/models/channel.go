package models

import "time"

// ChannelType is the kind of conversation a channel carries.
type ChannelType string

const (
	ChannelTypeGroup      ChannelType = "GROUP"
	ChannelTypeDM         ChannelType = "DM"
	ChannelTypeSelf       ChannelType = "SELF"
	ChannelTypeThread     ChannelType = "THREAD"
	ChannelTypeFeed       ChannelType = "FEED"
	ChannelTypeVoiceGroup ChannelType = "VOICE_GROUP"
	ChannelTypeVoiceDM    ChannelType = "VOICE_DM"
	ChannelTypeWorld      ChannelType = "WORLD"
	ChannelTypeForum      ChannelType = "FORUM"
	ChannelTypeAPI        ChannelType = "API"
)

// Valid reports whether t is one of the known channel types.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelTypeGroup, ChannelTypeDM, ChannelTypeSelf, ChannelTypeThread,
		ChannelTypeFeed, ChannelTypeVoiceGroup, ChannelTypeVoiceDM,
		ChannelTypeWorld, ChannelTypeForum, ChannelTypeAPI:
		return true
	}
	return false
}

// Channel is a conversation stream inside a MessageServer.
type Channel struct {
	ID              string      `json:"id"`
	MessageServerID string      `json:"messageServerId"`
	Name            string      `json:"name"`
	Type            ChannelType `json:"type"`
	SourceType      string      `json:"sourceType,omitempty"`
	SourceID        string      `json:"sourceId,omitempty"`
	Topic           string      `json:"topic,omitempty"`
	Metadata        Metadata    `json:"metadata,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// ChannelUpdate carries the mutable fields of a channel. Nil fields are left
// unchanged; a non-nil ParticipantIDs replaces the participant set.
type ChannelUpdate struct {
	Name           *string  `json:"name,omitempty"`
	Topic          *string  `json:"topic,omitempty"`
	Metadata       Metadata `json:"metadata,omitempty"`
	ParticipantIDs []string `json:"participantCentralUserIds,omitempty"`
}

// ChannelParticipant is one membership record.
type ChannelParticipant struct {
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}
