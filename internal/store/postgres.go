package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eldtechnologies/agentrelay/internal/ids"
	"github.com/eldtechnologies/agentrelay/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateMessageServer inserts the server unless its id already exists and
// returns the stored row either way.
func (s *PostgresStore) CreateMessageServer(ctx context.Context, server *models.MessageServer) (*models.MessageServer, error) {
	id := server.ID
	if id == "" {
		id = ids.NewUUIDv7()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO message_servers (id, name, source_type, source_id, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, id, server.Name, server.SourceType, nullable(server.SourceID), server.Metadata)
	if err != nil {
		return nil, err
	}

	return s.GetMessageServerByID(ctx, id)
}

const pgServerColumns = `id, name, source_type, source_id, metadata, created_at, updated_at`

func scanPGServer(row rowScanner) (*models.MessageServer, error) {
	server := &models.MessageServer{}
	var sourceID *string
	err := row.Scan(
		&server.ID,
		&server.Name,
		&server.SourceType,
		&sourceID,
		&server.Metadata,
		&server.CreatedAt,
		&server.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	server.SourceID = deref(sourceID)
	return server, nil
}

// GetMessageServers lists all servers, oldest first.
func (s *PostgresStore) GetMessageServers(ctx context.Context) ([]models.MessageServer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgServerColumns+`
		FROM message_servers
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := []models.MessageServer{}
	for rows.Next() {
		server, err := scanPGServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}

// GetMessageServerByID retrieves a server by ID.
func (s *PostgresStore) GetMessageServerByID(ctx context.Context, id string) (*models.MessageServer, error) {
	server, err := scanPGServer(s.pool.QueryRow(ctx, `
		SELECT `+pgServerColumns+`
		FROM message_servers WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message server %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return server, nil
}

// DeleteMessageServer removes a server and everything under it.
func (s *PostgresStore) DeleteMessageServer(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM message_servers WHERE id = $1`, id)
	return err
}

// CreateChannel creates a channel and its initial participants in one
// transaction.
func (s *PostgresStore) CreateChannel(ctx context.Context, channel *models.Channel, participantIDs ...string) (*models.Channel, error) {
	var id string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		id, err = insertPGChannel(ctx, tx, channel, "")
		if err != nil {
			return err
		}
		return addPGParticipants(ctx, tx, id, participantIDs)
	})
	if err != nil {
		return nil, err
	}
	return s.GetChannelDetails(ctx, id)
}

func insertPGChannel(ctx context.Context, tx pgx.Tx, channel *models.Channel, key string) (string, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM message_servers WHERE id = $1)
	`, channel.MessageServerID).Scan(&exists)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("message server %s: %w", channel.MessageServerID, ErrNotFound)
	}

	id := channel.ID
	if id == "" {
		id = ids.NewUUIDv7()
	}
	channelType := channel.Type
	if channelType == "" {
		channelType = models.ChannelTypeGroup
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO channels (id, server_id, name, type, source_type, source_id, topic, dm_key, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, id, channel.MessageServerID, channel.Name, string(channelType),
		nullable(channel.SourceType), nullable(channel.SourceID), nullable(channel.Topic),
		nullable(key), channel.Metadata)
	if err != nil {
		return "", err
	}
	return id, nil
}

func addPGParticipants(ctx context.Context, tx pgx.Tx, channelID string, userIDs []string) error {
	for _, userID := range uniqueIDs(userIDs) {
		_, err := tx.Exec(ctx, `
			INSERT INTO channel_participants (channel_id, user_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, channelID, userID)
		if err != nil {
			return err
		}
	}
	return nil
}

const pgChannelColumns = `id, server_id, name, type, source_type, source_id, topic, metadata, created_at, updated_at`

func scanPGChannel(row rowScanner) (*models.Channel, error) {
	channel := &models.Channel{}
	var channelType string
	var sourceType, sourceID, topic *string
	err := row.Scan(
		&channel.ID,
		&channel.MessageServerID,
		&channel.Name,
		&channelType,
		&sourceType,
		&sourceID,
		&topic,
		&channel.Metadata,
		&channel.CreatedAt,
		&channel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	channel.Type = models.ChannelType(channelType)
	channel.SourceType = deref(sourceType)
	channel.SourceID = deref(sourceID)
	channel.Topic = deref(topic)
	return channel, nil
}

// GetChannelsForServer lists the channels of a server, oldest first.
func (s *PostgresStore) GetChannelsForServer(ctx context.Context, serverID string) ([]models.Channel, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgChannelColumns+`
		FROM channels
		WHERE server_id = $1
		ORDER BY created_at, id
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		channel, err := scanPGChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *channel)
	}
	return channels, rows.Err()
}

// GetChannelDetails retrieves a channel by ID.
func (s *PostgresStore) GetChannelDetails(ctx context.Context, id string) (*models.Channel, error) {
	channel, err := scanPGChannel(s.pool.QueryRow(ctx, `
		SELECT `+pgChannelColumns+`
		FROM channels WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return channel, nil
}

// UpdateChannel applies the non-nil fields of update. A non-nil participant
// list replaces the current membership.
func (s *PostgresStore) UpdateChannel(ctx context.Context, id string, update models.ChannelUpdate) (*models.Channel, error) {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanPGChannel(tx.QueryRow(ctx, `
			SELECT `+pgChannelColumns+`
			FROM channels WHERE id = $1
			FOR UPDATE
		`, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("channel %s: %w", id, ErrNotFound)
			}
			return err
		}

		if update.Name != nil {
			current.Name = *update.Name
		}
		if update.Topic != nil {
			current.Topic = *update.Topic
		}
		if update.Metadata != nil {
			current.Metadata = update.Metadata
		}

		_, err = tx.Exec(ctx, `
			UPDATE channels SET name = $1, topic = $2, metadata = $3, updated_at = NOW()
			WHERE id = $4
		`, current.Name, nullable(current.Topic), current.Metadata, id)
		if err != nil {
			return err
		}

		if update.ParticipantIDs != nil {
			if _, err := tx.Exec(ctx, `DELETE FROM channel_participants WHERE channel_id = $1`, id); err != nil {
				return err
			}
			return addPGParticipants(ctx, tx, id, update.ParticipantIDs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetChannelDetails(ctx, id)
}

// DeleteChannel removes a channel; messages and participants cascade.
func (s *PostgresStore) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM channels WHERE id = $1`, id)
	return err
}

// FindOrCreateDMChannel returns the DM channel between two users on a server,
// creating it on first use. Concurrent creators collide on dm_key and the
// loser reads the winner's row.
func (s *PostgresStore) FindOrCreateDMChannel(ctx context.Context, userA, userB, serverID string) (*models.Channel, error) {
	key := dmKey(userA, userB, serverID)

	var id string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, `SELECT id FROM channels WHERE dm_key = $1`, key).Scan(&id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM message_servers WHERE id = $1)
		`, serverID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("message server %s: %w", serverID, ErrNotFound)
		}

		metadata := models.Metadata{"user1": userA, "user2": userB, "forAgent": userB}
		_, err = tx.Exec(ctx, `
			INSERT INTO channels (id, server_id, name, type, dm_key, metadata)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (dm_key) DO NOTHING
		`, ids.NewUUIDv7(), serverID, dmName(userA, userB), string(models.ChannelTypeDM), key, metadata)
		if err != nil {
			return err
		}

		if err := tx.QueryRow(ctx, `SELECT id FROM channels WHERE dm_key = $1`, key).Scan(&id); err != nil {
			return err
		}
		return addPGParticipants(ctx, tx, id, []string{userA, userB})
	})
	if err != nil {
		return nil, err
	}
	return s.GetChannelDetails(ctx, id)
}

func (s *PostgresStore) channelExists(ctx context.Context, channelID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM channels WHERE id = $1)
	`, channelID).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	return nil
}

// AddChannelParticipants adds members; existing members are left alone.
func (s *PostgresStore) AddChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error {
	if err := s.channelExists(ctx, channelID); err != nil {
		return err
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return addPGParticipants(ctx, tx, channelID, userIDs)
	})
}

// RemoveChannelParticipants removes members; absent members are ignored.
func (s *PostgresStore) RemoveChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM channel_participants WHERE channel_id = $1 AND user_id = ANY($2)
	`, channelID, uniqueIDs(userIDs))
	return err
}

// GetChannelParticipants returns the member ids of a channel.
func (s *PostgresStore) GetChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	if err := s.channelExists(ctx, channelID); err != nil {
		return nil, err
	}
	return s.queryStrings(ctx, `
		SELECT user_id FROM channel_participants WHERE channel_id = $1 ORDER BY user_id
	`, channelID)
}

// IsChannelParticipant reports whether userID is a member of channelID.
func (s *PostgresStore) IsChannelParticipant(ctx context.Context, channelID, userID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM channel_participants WHERE channel_id = $1 AND user_id = $2)
	`, channelID, userID).Scan(&exists)
	return exists, err
}

// CreateMessage stores a message, generating its id and timestamps.
func (s *PostgresStore) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := s.channelExists(ctx, msg.ChannelID); err != nil {
		return nil, err
	}

	id := msg.ID
	if id == "" {
		id = ids.NewUUIDv7()
	}

	created, err := scanPGMessage(s.pool.QueryRow(ctx, `
		INSERT INTO central_messages (id, channel_id, author_id, content, raw_message, source_type, source_id,
			in_reply_to_root_message_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+pgMessageColumns,
		id, msg.ChannelID, msg.AuthorID, msg.Content, rawJSON(msg.RawMessage),
		nullable(msg.SourceType), nullable(msg.SourceID), msg.InReplyToRootMessageID, msg.Metadata))
	if err != nil {
		return nil, err
	}
	return created, nil
}

const pgMessageColumns = `id, channel_id, author_id, content, raw_message, source_type, source_id,
	in_reply_to_root_message_id, metadata, created_at, updated_at`

func scanPGMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var raw []byte
	var sourceType, sourceID *string
	err := row.Scan(
		&msg.ID,
		&msg.ChannelID,
		&msg.AuthorID,
		&msg.Content,
		&raw,
		&sourceType,
		&sourceID,
		&msg.InReplyToRootMessageID,
		&msg.Metadata,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		msg.RawMessage = json.RawMessage(raw)
	}
	msg.SourceType = deref(sourceType)
	msg.SourceID = deref(sourceID)
	return msg, nil
}

// GetMessageByID retrieves a message by ID.
func (s *PostgresStore) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanPGMessage(s.pool.QueryRow(ctx, `
		SELECT `+pgMessageColumns+`
		FROM central_messages WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

// GetMessagesForChannel returns up to limit messages, newest first, created
// strictly before the given time when it is non-zero.
func (s *PostgresStore) GetMessagesForChannel(ctx context.Context, channelID string, limit int, before time.Time) ([]models.Message, error) {
	var beforeArg *time.Time
	if !before.IsZero() {
		beforeArg = &before
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+pgMessageColumns+`
		FROM central_messages
		WHERE channel_id = $1 AND ($2::timestamptz IS NULL OR created_at < $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, channelID, beforeArg, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanPGMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// DeleteMessage removes a message. Deleting a missing message is not an
// error.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM central_messages WHERE id = $1`, id)
	return err
}

// ClearChannelMessages deletes every message of a channel.
func (s *PostgresStore) ClearChannelMessages(ctx context.Context, channelID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM central_messages WHERE channel_id = $1`, channelID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// AddAgentToServer attaches an agent to a server; repeats are no-ops.
func (s *PostgresStore) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	if _, err := s.GetMessageServerByID(ctx, serverID); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO server_agents (server_id, agent_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, serverID, agentID)
	return err
}

// RemoveAgentFromServer detaches an agent; detaching twice is a no-op.
func (s *PostgresStore) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM server_agents WHERE server_id = $1 AND agent_id = $2
	`, serverID, agentID)
	return err
}

// GetAgentsForServer lists agents attached to a server.
func (s *PostgresStore) GetAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT agent_id FROM server_agents WHERE server_id = $1 ORDER BY agent_id
	`, serverID)
}

// GetServersForAgent lists servers an agent is attached to.
func (s *PostgresStore) GetServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT server_id FROM server_agents WHERE agent_id = $1 ORDER BY server_id
	`, agentID)
}

func (s *PostgresStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}
