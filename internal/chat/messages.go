package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/dynamisinc/cobra-poc-sub003/internal/db"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

const messageColumns = `id, channel_id, body, sender_name, source_platform,
	external_message_id, external_sender_id, sent_at, attachment_url, created_at`

const defaultHistoryLimit = 50

// MessageStore persists the per-channel message log.
type MessageStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewMessageStore(log *slog.Logger, pool *pgxpool.Pool) *MessageStore {
	if log == nil {
		log = slog.Default()
	}
	return &MessageStore{
		pool:   pool,
		logger: log.With(slog.String("service", "messages")),
	}
}

// Insert records a message. For inbound external messages the
// (source_platform, external_message_id) pair is the idempotency key;
// a replay returns ErrDuplicateMessage and writes nothing.
func (s *MessageStore) Insert(ctx context.Context, in InsertMessageInput) (Message, error) {
	channelUUID, err := dbpkg.ParseUUID(in.ChannelID)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}
	if in.Body == "" && in.AttachmentURL == "" {
		return Message{}, fmt.Errorf("message body or attachment is required")
	}
	sentAt := in.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO bridged_messages (channel_id, body, sender_name, source_platform,
			external_message_id, external_sender_id, sent_at, attachment_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source_platform, external_message_id)
			WHERE source_platform IS NOT NULL AND external_message_id IS NOT NULL
			DO NOTHING
		RETURNING `+messageColumns,
		channelUUID, in.Body, in.SenderName,
		dbpkg.ToPgText(string(in.SourcePlatform)), dbpkg.ToPgText(in.ExternalMessageID),
		dbpkg.ToPgText(in.ExternalSenderID), sentAt, dbpkg.ToPgText(in.AttachmentURL))

	msg, err := scanMessage(row)
	if err != nil {
		// DO NOTHING yields no row when the idempotency key conflicts.
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrDuplicateMessage
		}
		return Message{}, err
	}
	return msg, nil
}

// ListLatest returns the most recent messages for a channel, oldest first.
func (s *MessageStore) ListLatest(ctx context.Context, channelID string, limit int) ([]Message, error) {
	return s.list(ctx, channelID, time.Time{}, limit)
}

// ListBefore pages backwards through history from the given timestamp.
func (s *MessageStore) ListBefore(ctx context.Context, channelID string, before time.Time, limit int) ([]Message, error) {
	return s.list(ctx, channelID, before, limit)
}

func (s *MessageStore) list(ctx context.Context, channelID string, before time.Time, limit int) ([]Message, error) {
	channelUUID, err := dbpkg.ParseUUID(channelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}
	if limit <= 0 || limit > 200 {
		limit = defaultHistoryLimit
	}
	cutoff := before
	if cutoff.IsZero() {
		cutoff = time.Now().UTC().Add(time.Hour)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT * FROM (
			SELECT `+messageColumns+` FROM bridged_messages
			WHERE channel_id = $1 AND sent_at < $2
			ORDER BY sent_at DESC
			LIMIT $3
		) page ORDER BY sent_at
	`, channelUUID, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m                 Message
		id, channelID     pgtype.UUID
		sourcePlatform    pgtype.Text
		externalMessageID pgtype.Text
		externalSenderID  pgtype.Text
		attachmentURL     pgtype.Text
		sentAt, createdAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &channelID, &m.Body, &m.SenderName, &sourcePlatform,
		&externalMessageID, &externalSenderID, &sentAt, &attachmentURL, &createdAt)
	if err != nil {
		return Message{}, err
	}
	m.ID = dbpkg.UUIDToString(id)
	m.ChannelID = dbpkg.UUIDToString(channelID)
	m.SourcePlatform = platform.Platform(dbpkg.TextToString(sourcePlatform))
	m.ExternalMessageID = dbpkg.TextToString(externalMessageID)
	m.ExternalSenderID = dbpkg.TextToString(externalSenderID)
	m.SentAt = dbpkg.TimeFromPg(sentAt)
	m.AttachmentURL = dbpkg.TextToString(attachmentURL)
	m.CreatedAt = dbpkg.TimeFromPg(createdAt)
	return m, nil
}
