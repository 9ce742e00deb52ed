// Package ingest is the write-then-announce path: every change is persisted
// through the guarded store first and only announced on the bus once the
// write has succeeded.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/agentrelay/internal/bus"
	"github.com/eldtechnologies/agentrelay/internal/metrics"
	"github.com/eldtechnologies/agentrelay/internal/models"
	"github.com/eldtechnologies/agentrelay/internal/store"
)

// ErrInvalidMessage wraps every validation failure.
var ErrInvalidMessage = errors.New("invalid message")

// Publisher is the part of the bus the ingestion path needs.
type Publisher interface {
	Publish(ctx context.Context, ev bus.Event) error
}

func validate(r models.SubmitMessageRequest) error {
	switch {
	case strings.TrimSpace(r.ChannelID) == "":
		return fmt.Errorf("%w: channelId is required", ErrInvalidMessage)
	case strings.TrimSpace(r.AuthorID) == "":
		return fmt.Errorf("%w: authorId is required", ErrInvalidMessage)
	case strings.TrimSpace(r.Content) == "":
		return fmt.Errorf("%w: content is required", ErrInvalidMessage)
	}
	return nil
}

// Service persists inbound changes and announces them.
type Service struct {
	store  store.DataStore
	bus    Publisher
	logger zerolog.Logger
}

// NewService creates the ingestion service. ds should be the guarded store.
func NewService(ds store.DataStore, pub Publisher, logger zerolog.Logger) *Service {
	return &Service{
		store:  ds,
		bus:    pub,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// EnsureDefaultServer creates the well-known default server if missing.
func (s *Service) EnsureDefaultServer(ctx context.Context) (*models.MessageServer, error) {
	server, err := s.store.CreateMessageServer(ctx, &models.MessageServer{
		ID:         models.DefaultServerID,
		Name:       "Default Server",
		SourceType: "agentrelay_default",
	})
	if err != nil {
		return nil, fmt.Errorf("ensure default server: %w", err)
	}
	return server, nil
}

// SubmitMessage resolves the channel, stores the message and then publishes
// exactly one new_message event for it. A failed lookup stores nothing; a
// failed write publishes nothing.
func (s *Service) SubmitMessage(ctx context.Context, req models.SubmitMessageRequest) (*models.Message, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	channel, err := s.store.GetChannelDetails(ctx, req.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}

	msg, err := s.store.CreateMessage(ctx, &models.Message{
		ChannelID:              req.ChannelID,
		AuthorID:               req.AuthorID,
		Content:                req.Content,
		RawMessage:             req.RawMessage,
		SourceType:             req.SourceType,
		SourceID:               req.SourceID,
		InReplyToRootMessageID: req.InReplyToRootMessageID,
		Metadata:               req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}

	sourceType := msg.SourceType
	if sourceType == "" {
		sourceType = "unknown"
	}
	metrics.MessagesIngested.WithLabelValues(sourceType).Inc()

	s.publish(ctx, bus.NewMessage{MessageServiceStructure: msg.ToServiceStructure(channel.MessageServerID)})
	return msg, nil
}

// DeleteMessage removes a message and announces it. Unknown ids are a no-op
// and announce nothing.
func (s *Service) DeleteMessage(ctx context.Context, messageID string) error {
	msg, err := s.store.GetMessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lookup message: %w", err)
	}

	var serverID string
	if channel, err := s.store.GetChannelDetails(ctx, msg.ChannelID); err == nil {
		serverID = channel.MessageServerID
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve channel: %w", err)
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	s.publish(ctx, bus.MessageDeleted{
		MessageID: msg.ID,
		ChannelID: msg.ChannelID,
		ServerID:  serverID,
	})
	return nil
}

// ClearChannel removes every message of a channel and announces the count.
func (s *Service) ClearChannel(ctx context.Context, channelID string) (int64, error) {
	channel, err := s.store.GetChannelDetails(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("resolve channel: %w", err)
	}

	n, err := s.store.ClearChannelMessages(ctx, channelID)
	if err != nil {
		return 0, fmt.Errorf("clear channel: %w", err)
	}

	s.publish(ctx, bus.ChannelCleared{
		ChannelID:    channelID,
		ServerID:     channel.MessageServerID,
		DeletedCount: n,
	})
	return n, nil
}

// DeleteChannel clears and removes a channel. Agents see it as a
// channel_cleared event.
func (s *Service) DeleteChannel(ctx context.Context, channelID string) error {
	channel, err := s.store.GetChannelDetails(ctx, channelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolve channel: %w", err)
	}

	n, err := s.store.ClearChannelMessages(ctx, channelID)
	if err != nil {
		return fmt.Errorf("clear channel: %w", err)
	}
	if err := s.store.DeleteChannel(ctx, channelID); err != nil {
		return fmt.Errorf("delete channel: %w", err)
	}

	s.publish(ctx, bus.ChannelCleared{
		ChannelID:    channelID,
		ServerID:     channel.MessageServerID,
		DeletedCount: n,
	})
	return nil
}

// DeleteServer removes a server with its channels and agent associations.
// Each channel is cleared and announced before the server row goes, then
// every attached agent is told it left. Unknown ids are a no-op.
func (s *Service) DeleteServer(ctx context.Context, serverID string) error {
	if _, err := s.store.GetMessageServerByID(ctx, serverID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("lookup server: %w", err)
	}

	agents, err := s.store.GetAgentsForServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list server agents: %w", err)
	}
	channels, err := s.store.GetChannelsForServer(ctx, serverID)
	if err != nil {
		return fmt.Errorf("list server channels: %w", err)
	}

	for _, channel := range channels {
		n, err := s.store.ClearChannelMessages(ctx, channel.ID)
		if err != nil {
			return fmt.Errorf("clear channel %s: %w", channel.ID, err)
		}
		s.publish(ctx, bus.ChannelCleared{
			ChannelID:    channel.ID,
			ServerID:     serverID,
			DeletedCount: n,
		})
	}

	if err := s.store.DeleteMessageServer(ctx, serverID); err != nil {
		return fmt.Errorf("delete server: %w", err)
	}

	for _, agentID := range agents {
		s.publish(ctx, bus.ServerAgentUpdate{AgentID: agentID, ServerID: serverID, Type: bus.AgentRemovedFromServer})
	}
	return nil
}

// AddAgentToServer attaches an agent and announces it.
func (s *Service) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return fmt.Errorf("%w: agentId is required", ErrInvalidMessage)
	}
	if err := s.store.AddAgentToServer(ctx, serverID, agentID); err != nil {
		return fmt.Errorf("add agent to server: %w", err)
	}
	s.publish(ctx, bus.ServerAgentUpdate{AgentID: agentID, ServerID: serverID, Type: bus.AgentAddedToServer})
	return nil
}

// RemoveAgentFromServer detaches an agent and announces it.
func (s *Service) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	if err := s.store.RemoveAgentFromServer(ctx, serverID, agentID); err != nil {
		return fmt.Errorf("remove agent from server: %w", err)
	}
	s.publish(ctx, bus.ServerAgentUpdate{AgentID: agentID, ServerID: serverID, Type: bus.AgentRemovedFromServer})
	return nil
}

// publish never fails the caller: the write already happened.
func (s *Service) publish(ctx context.Context, ev bus.Event) {
	if err := s.bus.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("kind", ev.Kind().String()).Msg("event not published")
	}
}
