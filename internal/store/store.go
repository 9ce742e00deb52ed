package store

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/eldtechnologies/agentrelay/internal/models"
)

// ErrNotFound is returned (wrapped) when a referenced server, channel or
// message does not exist.
var ErrNotFound = errors.New("not found")

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 200
)

// DataStore is the central message store. SQLiteStore and PostgresStore
// implement it; Guarded wraps either one behind circuit breakers.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Server operations
	CreateMessageServer(ctx context.Context, server *models.MessageServer) (*models.MessageServer, error)
	GetMessageServers(ctx context.Context) ([]models.MessageServer, error)
	GetMessageServerByID(ctx context.Context, id string) (*models.MessageServer, error)
	DeleteMessageServer(ctx context.Context, id string) error

	// Channel operations
	CreateChannel(ctx context.Context, channel *models.Channel, participantIDs ...string) (*models.Channel, error)
	GetChannelsForServer(ctx context.Context, serverID string) ([]models.Channel, error)
	GetChannelDetails(ctx context.Context, id string) (*models.Channel, error)
	UpdateChannel(ctx context.Context, id string, update models.ChannelUpdate) (*models.Channel, error)
	DeleteChannel(ctx context.Context, id string) error
	FindOrCreateDMChannel(ctx context.Context, userA, userB, serverID string) (*models.Channel, error)

	// Participant operations
	AddChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error
	RemoveChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error
	GetChannelParticipants(ctx context.Context, channelID string) ([]string, error)
	IsChannelParticipant(ctx context.Context, channelID, userID string) (bool, error)

	// Message operations
	CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
	GetMessageByID(ctx context.Context, id string) (*models.Message, error)
	GetMessagesForChannel(ctx context.Context, channelID string, limit int, before time.Time) ([]models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ClearChannelMessages(ctx context.Context, channelID string) (int64, error)

	// Agent-server association
	AddAgentToServer(ctx context.Context, serverID, agentID string) error
	RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error
	GetAgentsForServer(ctx context.Context, serverID string) ([]string, error)
	GetServersForAgent(ctx context.Context, agentID string) ([]string, error)
}

// rowScanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// dmKey identifies the direct-message channel between two users on a server
// regardless of argument order.
func dmKey(userA, userB, serverID string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return serverID + ":" + pair[0] + ":" + pair[1]
}

func dmName(userA, userB string) string {
	pair := []string{userA, userB}
	sort.Strings(pair)
	return "DM " + pair[0] + "-" + pair[1]
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultMessageLimit
	}
	if limit > maxMessageLimit {
		return maxMessageLimit
	}
	return limit
}

// uniqueIDs drops blanks and duplicates, keeping first-seen order.
func uniqueIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
