package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/eldtechnologies/agentrelay/internal/ids"
	"github.com/eldtechnologies/agentrelay/internal/models"
)

// SQLiteStore handles SQLite database operations. Timestamps are stored as
// unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/agentrelay.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/agentrelay.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	store := &SQLiteStore{db: db, now: time.Now}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS message_servers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		source_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL REFERENCES message_servers(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		source_type TEXT,
		source_id TEXT,
		topic TEXT,
		dm_key TEXT UNIQUE,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS channel_participants (
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS central_messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels(id) ON DELETE CASCADE,
		author_id TEXT NOT NULL,
		content TEXT NOT NULL,
		raw_message TEXT,
		source_type TEXT,
		source_id TEXT,
		in_reply_to_root_message_id TEXT,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS server_agents (
		server_id TEXT NOT NULL REFERENCES message_servers(id) ON DELETE CASCADE,
		agent_id TEXT NOT NULL,
		PRIMARY KEY (server_id, agent_id)
	);

	CREATE INDEX IF NOT EXISTS idx_channels_server ON channels(server_id);
	CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON central_messages(channel_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_server_agents_agent ON server_agents(agent_id);
	CREATE INDEX IF NOT EXISTS idx_participants_user ON channel_participants(user_id);
	`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	// Seed default server if not exists
	now := s.now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_servers (id, name, source_type, metadata, created_at, updated_at)
		VALUES (?, 'Default Server', 'agentrelay_default', '{}', ?, ?)
	`, models.DefaultServerID, now, now)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateMessageServer inserts the server unless its id already exists and
// returns the stored row either way.
func (s *SQLiteStore) CreateMessageServer(ctx context.Context, server *models.MessageServer) (*models.MessageServer, error) {
	id := server.ID
	if id == "" {
		id = ids.NewUUIDv7()
	}
	now := s.now().UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO message_servers (id, name, source_type, source_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, server.Name, server.SourceType, nullable(server.SourceID), server.Metadata, now, now)
	if err != nil {
		return nil, err
	}

	return s.GetMessageServerByID(ctx, id)
}

const sqliteServerColumns = `id, name, source_type, source_id, metadata, created_at, updated_at`

func scanSQLiteServer(row rowScanner) (*models.MessageServer, error) {
	server := &models.MessageServer{}
	var sourceID *string
	var created, updated int64
	err := row.Scan(
		&server.ID,
		&server.Name,
		&server.SourceType,
		&sourceID,
		&server.Metadata,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	server.SourceID = deref(sourceID)
	server.CreatedAt = time.UnixMilli(created).UTC()
	server.UpdatedAt = time.UnixMilli(updated).UTC()
	return server, nil
}

// GetMessageServers lists all servers, oldest first.
func (s *SQLiteStore) GetMessageServers(ctx context.Context) ([]models.MessageServer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteServerColumns+`
		FROM message_servers
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	servers := []models.MessageServer{}
	for rows.Next() {
		server, err := scanSQLiteServer(rows)
		if err != nil {
			return nil, err
		}
		servers = append(servers, *server)
	}
	return servers, rows.Err()
}

// GetMessageServerByID retrieves a server by ID.
func (s *SQLiteStore) GetMessageServerByID(ctx context.Context, id string) (*models.MessageServer, error) {
	server, err := scanSQLiteServer(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteServerColumns+`
		FROM message_servers WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message server %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return server, nil
}

// DeleteMessageServer removes a server with its channels, messages and agent
// associations. Deleting a missing server is not an error.
func (s *SQLiteStore) DeleteMessageServer(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM message_servers WHERE id = ?`, id)
	return err
}

// CreateChannel creates a channel and its initial participants in one
// transaction.
func (s *SQLiteStore) CreateChannel(ctx context.Context, channel *models.Channel, participantIDs ...string) (*models.Channel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	id, err := s.insertChannel(ctx, tx, channel, "")
	if err != nil {
		return nil, err
	}
	if err := addParticipantsTx(ctx, tx, id, participantIDs); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return s.GetChannelDetails(ctx, id)
}

func (s *SQLiteStore) insertChannel(ctx context.Context, tx *sql.Tx, channel *models.Channel, key string) (string, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM message_servers WHERE id = ?`, channel.MessageServerID).Scan(&exists)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("message server %s: %w", channel.MessageServerID, ErrNotFound)
		}
		return "", err
	}

	id := channel.ID
	if id == "" {
		id = ids.NewUUIDv7()
	}
	channelType := channel.Type
	if channelType == "" {
		channelType = models.ChannelTypeGroup
	}
	now := s.now().UnixMilli()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (id, server_id, name, type, source_type, source_id, topic, dm_key, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, channel.MessageServerID, channel.Name, string(channelType),
		nullable(channel.SourceType), nullable(channel.SourceID), nullable(channel.Topic),
		nullable(key), channel.Metadata, now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

func addParticipantsTx(ctx context.Context, tx *sql.Tx, channelID string, userIDs []string) error {
	for _, userID := range uniqueIDs(userIDs) {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO channel_participants (channel_id, user_id) VALUES (?, ?)
		`, channelID, userID)
		if err != nil {
			return err
		}
	}
	return nil
}

const sqliteChannelColumns = `id, server_id, name, type, source_type, source_id, topic, metadata, created_at, updated_at`

func scanSQLiteChannel(row rowScanner) (*models.Channel, error) {
	channel := &models.Channel{}
	var channelType string
	var sourceType, sourceID, topic *string
	var created, updated int64
	err := row.Scan(
		&channel.ID,
		&channel.MessageServerID,
		&channel.Name,
		&channelType,
		&sourceType,
		&sourceID,
		&topic,
		&channel.Metadata,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	channel.Type = models.ChannelType(channelType)
	channel.SourceType = deref(sourceType)
	channel.SourceID = deref(sourceID)
	channel.Topic = deref(topic)
	channel.CreatedAt = time.UnixMilli(created).UTC()
	channel.UpdatedAt = time.UnixMilli(updated).UTC()
	return channel, nil
}

// GetChannelsForServer lists the channels of a server, oldest first.
func (s *SQLiteStore) GetChannelsForServer(ctx context.Context, serverID string) ([]models.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteChannelColumns+`
		FROM channels
		WHERE server_id = ?
		ORDER BY created_at, id
	`, serverID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := []models.Channel{}
	for rows.Next() {
		channel, err := scanSQLiteChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, *channel)
	}
	return channels, rows.Err()
}

// GetChannelDetails retrieves a channel by ID.
func (s *SQLiteStore) GetChannelDetails(ctx context.Context, id string) (*models.Channel, error) {
	channel, err := scanSQLiteChannel(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteChannelColumns+`
		FROM channels WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return channel, nil
}

// UpdateChannel applies the non-nil fields of update. A non-nil participant
// list replaces the current membership.
func (s *SQLiteStore) UpdateChannel(ctx context.Context, id string, update models.ChannelUpdate) (*models.Channel, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := scanSQLiteChannel(tx.QueryRowContext(ctx, `
		SELECT `+sqliteChannelColumns+`
		FROM channels WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("channel %s: %w", id, ErrNotFound)
		}
		return nil, err
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

	_, err = tx.ExecContext(ctx, `
		UPDATE channels SET name = ?, topic = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`, current.Name, nullable(current.Topic), current.Metadata, s.now().UnixMilli(), id)
	if err != nil {
		return nil, err
	}

	if update.ParticipantIDs != nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM channel_participants WHERE channel_id = ?`, id); err != nil {
			return nil, err
		}
		if err := addParticipantsTx(ctx, tx, id, update.ParticipantIDs); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetChannelDetails(ctx, id)
}

// DeleteChannel removes a channel; its messages and participants cascade.
// Deleting a missing channel is not an error.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = ?`, id)
	return err
}

// FindOrCreateDMChannel returns the DM channel between two users on a server,
// creating it on first use. The unique dm_key makes concurrent calls converge
// on one row.
func (s *SQLiteStore) FindOrCreateDMChannel(ctx context.Context, userA, userB, serverID string) (*models.Channel, error) {
	key := dmKey(userA, userB, serverID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM channels WHERE dm_key = ?`, key).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err = s.insertChannel(ctx, tx, &models.Channel{
			MessageServerID: serverID,
			Name:            dmName(userA, userB),
			Type:            models.ChannelTypeDM,
			Metadata:        models.Metadata{"user1": userA, "user2": userB, "forAgent": userB},
		}, key)
		if err != nil {
			return nil, err
		}
		if err := addParticipantsTx(ctx, tx, id, []string{userA, userB}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetChannelDetails(ctx, id)
}

func (s *SQLiteStore) channelExists(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, channelID string) error {
	var exists int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM channels WHERE id = ?`, channelID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	return err
}

// AddChannelParticipants adds members; existing members are left alone.
func (s *SQLiteStore) AddChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.channelExists(ctx, tx, channelID); err != nil {
		return err
	}
	if err := addParticipantsTx(ctx, tx, channelID, userIDs); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveChannelParticipants removes members; absent members are ignored.
func (s *SQLiteStore) RemoveChannelParticipants(ctx context.Context, channelID string, userIDs ...string) error {
	for _, userID := range uniqueIDs(userIDs) {
		_, err := s.db.ExecContext(ctx, `
			DELETE FROM channel_participants WHERE channel_id = ? AND user_id = ?
		`, channelID, userID)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetChannelParticipants returns the member ids of a channel.
func (s *SQLiteStore) GetChannelParticipants(ctx context.Context, channelID string) ([]string, error) {
	if err := s.channelExists(ctx, s.db, channelID); err != nil {
		return nil, err
	}
	return s.queryStrings(ctx, `
		SELECT user_id FROM channel_participants WHERE channel_id = ? ORDER BY user_id
	`, channelID)
}

// IsChannelParticipant reports whether userID is a member of channelID.
func (s *SQLiteStore) IsChannelParticipant(ctx context.Context, channelID, userID string) (bool, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM channel_participants WHERE channel_id = ? AND user_id = ?
	`, channelID, userID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// CreateMessage stores a message, generating its id and timestamps.
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if err := s.channelExists(ctx, s.db, msg.ChannelID); err != nil {
		return nil, err
	}

	id := msg.ID
	if id == "" {
		id = ids.NewUUIDv7()
	}
	now := s.now().UnixMilli()

	var raw *string
	if len(msg.RawMessage) > 0 {
		r := string(msg.RawMessage)
		raw = &r
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO central_messages (id, channel_id, author_id, content, raw_message, source_type, source_id,
			in_reply_to_root_message_id, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, msg.ChannelID, msg.AuthorID, msg.Content, raw,
		nullable(msg.SourceType), nullable(msg.SourceID), msg.InReplyToRootMessageID,
		msg.Metadata, now, now)
	if err != nil {
		return nil, err
	}

	return s.GetMessageByID(ctx, id)
}

const sqliteMessageColumns = `id, channel_id, author_id, content, raw_message, source_type, source_id,
	in_reply_to_root_message_id, metadata, created_at, updated_at`

func scanSQLiteMessage(row rowScanner) (*models.Message, error) {
	msg := &models.Message{}
	var raw, sourceType, sourceID *string
	var created, updated int64
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
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	if raw != nil {
		msg.RawMessage = json.RawMessage(*raw)
	}
	msg.SourceType = deref(sourceType)
	msg.SourceID = deref(sourceID)
	msg.CreatedAt = time.UnixMilli(created).UTC()
	msg.UpdatedAt = time.UnixMilli(updated).UTC()
	return msg, nil
}

// GetMessageByID retrieves a message by ID.
func (s *SQLiteStore) GetMessageByID(ctx context.Context, id string) (*models.Message, error) {
	msg, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM central_messages WHERE id = ?
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return msg, nil
}

// GetMessagesForChannel returns up to limit messages, newest first, created
// strictly before the given time when it is non-zero.
func (s *SQLiteStore) GetMessagesForChannel(ctx context.Context, channelID string, limit int, before time.Time) ([]models.Message, error) {
	beforeMs := int64(1<<63 - 1)
	if !before.IsZero() {
		beforeMs = before.UnixMilli()
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteMessageColumns+`
		FROM central_messages
		WHERE channel_id = ? AND created_at < ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, channelID, beforeMs, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, *msg)
	}
	return messages, rows.Err()
}

// DeleteMessage removes a message. Deleting a missing message is not an
// error.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM central_messages WHERE id = ?`, id)
	return err
}

// ClearChannelMessages deletes every message of a channel and returns how
// many were removed.
func (s *SQLiteStore) ClearChannelMessages(ctx context.Context, channelID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM central_messages WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AddAgentToServer attaches an agent to a server; repeats are no-ops.
func (s *SQLiteStore) AddAgentToServer(ctx context.Context, serverID, agentID string) error {
	if _, err := s.GetMessageServerByID(ctx, serverID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO server_agents (server_id, agent_id) VALUES (?, ?)
	`, serverID, agentID)
	return err
}

// RemoveAgentFromServer detaches an agent; detaching twice is a no-op.
func (s *SQLiteStore) RemoveAgentFromServer(ctx context.Context, serverID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM server_agents WHERE server_id = ? AND agent_id = ?
	`, serverID, agentID)
	return err
}

// GetAgentsForServer lists agents attached to a server.
func (s *SQLiteStore) GetAgentsForServer(ctx context.Context, serverID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT agent_id FROM server_agents WHERE server_id = ? ORDER BY agent_id
	`, serverID)
}

// GetServersForAgent lists servers an agent is attached to.
func (s *SQLiteStore) GetServersForAgent(ctx context.Context, agentID string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT server_id FROM server_agents WHERE agent_id = ? ORDER BY server_id
	`, agentID)
}

func (s *SQLiteStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
