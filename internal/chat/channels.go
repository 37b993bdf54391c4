package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/dynamisinc/cobra-poc-sub003/internal/db"
)

const channelColumns = `id, event_id, name, channel_type, is_system, is_active,
	position_role, mapping_id, created_at, updated_at`

// ChannelStore provides channel CRUD plus the lifecycle operations
// (archive, restore, delete).
type ChannelStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewChannelStore(log *slog.Logger, pool *pgxpool.Pool) *ChannelStore {
	if log == nil {
		log = slog.Default()
	}
	return &ChannelStore{
		pool:   pool,
		logger: log.With(slog.String("service", "channels")),
	}
}

// EnsureEventChannels creates the two system channels for an event if they
// do not already exist. Safe to call repeatedly.
func (s *ChannelStore) EnsureEventChannels(ctx context.Context, eventID string) error {
	eventUUID, err := dbpkg.ParseUUID(eventID)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO channels (event_id, name, channel_type, is_system)
		VALUES ($1, 'General', 'internal', TRUE), ($1, 'Announcements', 'announcements', TRUE)
		ON CONFLICT DO NOTHING
	`, eventUUID)
	return err
}

// Create adds a channel to an event.
func (s *ChannelStore) Create(ctx context.Context, in CreateChannelInput) (Channel, error) {
	eventUUID, err := dbpkg.ParseUUID(in.EventID)
	if err != nil {
		return Channel{}, err
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Channel{}, fmt.Errorf("channel name is required")
	}
	mappingUUID, err := dbpkg.ParseOptionalUUID(in.MappingID)
	if err != nil {
		return Channel{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channels (event_id, name, channel_type, is_system, position_role, mapping_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+channelColumns,
		eventUUID, name, in.ChannelType, in.IsSystem,
		dbpkg.ToPgText(in.PositionRole), mappingUUID)
	return scanChannel(row)
}

// GetByID returns a channel by id, archived or not.
func (s *ChannelStore) GetByID(ctx context.Context, id string) (Channel, error) {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Channel{}, fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, idUUID)
	return scanChannel(row)
}

// GetByMapping resolves the external channel bound to a mapping, if any.
func (s *ChannelStore) GetByMapping(ctx context.Context, mappingID string) (Channel, error) {
	mappingUUID, err := dbpkg.ParseUUID(mappingID)
	if err != nil {
		return Channel{}, fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE mapping_id = $1 AND is_active
	`, mappingUUID)
	return scanChannel(row)
}

// ListByEvent returns the event's channels. Archived channels are included
// only when includeArchived is set.
func (s *ChannelStore) ListByEvent(ctx context.Context, eventID string, includeArchived bool) ([]Channel, error) {
	eventUUID, err := dbpkg.ParseUUID(eventID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+channelColumns+` FROM channels
		WHERE event_id = $1 AND (is_active OR $2)
		ORDER BY is_system DESC, created_at
	`, eventUUID, includeArchived)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	channels := make([]Channel, 0)
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// Rename updates a channel's name.
func (s *ChannelStore) Rename(ctx context.Context, id, name string) (Channel, error) {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Channel{}, fmt.Errorf("%w: %v", ErrChannelNotFound, err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE channels SET name = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+channelColumns, idUUID, strings.TrimSpace(name))
	return scanChannel(row)
}

// Archive soft-hides a channel. System channels are refused.
func (s *ChannelStore) Archive(ctx context.Context, id string) (Channel, error) {
	return s.setActive(ctx, id, false)
}

// Restore un-archives a channel.
func (s *ChannelStore) Restore(ctx context.Context, id string) (Channel, error) {
	return s.setActive(ctx, id, true)
}

func (s *ChannelStore) setActive(ctx context.Context, id string, active bool) (Channel, error) {
	ch, err := s.GetByID(ctx, id)
	if err != nil {
		return Channel{}, err
	}
	if ch.IsSystem {
		return Channel{}, ErrSystemChannel
	}
	idUUID, _ := dbpkg.ParseUUID(id)
	row := s.pool.QueryRow(ctx, `
		UPDATE channels SET is_active = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+channelColumns, idUUID, active)
	return scanChannel(row)
}

// Delete removes a channel and its message log. System channels are
// refused.
func (s *ChannelStore) Delete(ctx context.Context, id string) error {
	ch, err := s.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if ch.IsSystem {
		return ErrSystemChannel
	}
	idUUID, _ := dbpkg.ParseUUID(id)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM bridged_messages WHERE channel_id = $1`, idUUID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM channels WHERE id = $1`, idUUID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func scanChannel(row pgx.Row) (Channel, error) {
	var (
		ch                   Channel
		id, eventID, mapping pgtype.UUID
		positionRole         pgtype.Text
		createdAt, updatedAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &eventID, &ch.Name, &ch.ChannelType, &ch.IsSystem, &ch.IsActive,
		&positionRole, &mapping, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Channel{}, ErrChannelNotFound
		}
		return Channel{}, err
	}
	ch.ID = dbpkg.UUIDToString(id)
	ch.EventID = dbpkg.UUIDToString(eventID)
	ch.PositionRole = dbpkg.TextToString(positionRole)
	ch.MappingID = dbpkg.UUIDToString(mapping)
	ch.CreatedAt = dbpkg.TimeFromPg(createdAt)
	ch.UpdatedAt = dbpkg.TimeFromPg(updatedAt)
	return ch, nil
}
