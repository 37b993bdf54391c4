package mapping

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
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

const mappingColumns = `id, event_id, platform, external_id, display_name, session_ref,
	webhook_secret, is_active, last_activity_at, created_at, updated_at`

// Store provides CRUD operations for channel mappings.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store backed by the given pool.
func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "mapping")),
	}
}

// UpsertByExternalIdentity creates an unlinked mapping for the identity or,
// if an active one exists, refreshes its session reference and activity
// timestamp. The partial unique index on (platform, external_id) makes
// concurrent first contacts collapse into a single row. Returns the
// mapping and whether it was newly created.
func (s *Store) UpsertByExternalIdentity(ctx context.Context, in UpsertInput) (Mapping, bool, error) {
	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		return Mapping{}, false, fmt.Errorf("external id is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channel_mappings (platform, external_id, display_name, session_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (platform, external_id) WHERE is_active DO UPDATE SET
			session_ref      = COALESCE(EXCLUDED.session_ref, channel_mappings.session_ref),
			display_name     = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name
			                        ELSE channel_mappings.display_name END,
			last_activity_at = now(),
			updated_at       = now()
		RETURNING `+mappingColumns+`, (xmax = 0) AS inserted
	`, in.Platform.String(), externalID, strings.TrimSpace(in.DisplayName), in.SessionRef)

	m, inserted, err := scanMappingWithInserted(row)
	if err != nil {
		return Mapping{}, false, err
	}
	return m, inserted, nil
}

// Create provisions a linked mapping directly (explicit external-group
// provisioning by a user).
func (s *Store) Create(ctx context.Context, in CreateInput) (Mapping, error) {
	eventUUID, err := dbpkg.ParseUUID(in.EventID)
	if err != nil {
		return Mapping{}, err
	}
	externalID := strings.TrimSpace(in.ExternalID)
	if externalID == "" {
		return Mapping{}, fmt.Errorf("external id is required")
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO channel_mappings (event_id, platform, external_id, display_name, session_ref, webhook_secret)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+mappingColumns,
		eventUUID, in.Platform.String(), externalID, strings.TrimSpace(in.DisplayName), in.SessionRef, in.WebhookSecret)
	return scanMapping(row)
}

// GetByID returns a mapping by id, active or not.
func (s *Store) GetByID(ctx context.Context, id string) (Mapping, error) {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	row := s.pool.QueryRow(ctx, `SELECT `+mappingColumns+` FROM channel_mappings WHERE id = $1`, idUUID)
	return scanMapping(row)
}

// GetActiveByExternalIdentity resolves the active mapping for a platform identity.
func (s *Store) GetActiveByExternalIdentity(ctx context.Context, p platform.Platform, externalID string) (Mapping, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+mappingColumns+` FROM channel_mappings
		WHERE platform = $1 AND external_id = $2 AND is_active
	`, p.String(), strings.TrimSpace(externalID))
	return scanMapping(row)
}

// List returns all mappings, newest first.
func (s *Store) List(ctx context.Context) ([]Mapping, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+mappingColumns+` FROM channel_mappings ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// ListActiveByEvent returns the linked, active mappings for an event.
func (s *Store) ListActiveByEvent(ctx context.Context, eventID string) ([]Mapping, error) {
	eventUUID, err := dbpkg.ParseUUID(eventID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+mappingColumns+` FROM channel_mappings
		WHERE event_id = $1 AND is_active
		ORDER BY created_at
	`, eventUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// LinkToEvent binds an unlinked mapping to an event. A mapping that is
// already linked must be unlinked first; each mapping backs at most one
// external channel at a time.
func (s *Store) LinkToEvent(ctx context.Context, id, eventID string) (Mapping, error) {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	eventUUID, err := dbpkg.ParseUUID(eventID)
	if err != nil {
		return Mapping{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE channel_mappings
		SET event_id = $2, updated_at = now()
		WHERE id = $1 AND event_id IS NULL
		RETURNING `+mappingColumns, idUUID, eventUUID)
	m, err := scanMapping(row)
	if errors.Is(err, ErrNotFound) {
		if existing, getErr := s.GetByID(ctx, id); getErr == nil && existing.Linked() {
			return Mapping{}, fmt.Errorf("%w: bound to event %s", ErrAlreadyLinked, existing.EventID)
		}
		return Mapping{}, ErrNotFound
	}
	return m, err
}

// Unlink clears the event binding but preserves the mapping record and its
// session reference.
func (s *Store) Unlink(ctx context.Context, id string) (Mapping, error) {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE channel_mappings
		SET event_id = NULL, updated_at = now()
		WHERE id = $1
		RETURNING `+mappingColumns, idUUID)
	return scanMapping(row)
}

// Rename updates the display name.
func (s *Store) Rename(ctx context.Context, id, displayName string) (Mapping, error) {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE channel_mappings
		SET display_name = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+mappingColumns, idUUID, strings.TrimSpace(displayName))
	return scanMapping(row)
}

// RefreshSession stores a fresh session reference and bumps activity.
func (s *Store) RefreshSession(ctx context.Context, id string, sessionRef []byte) error {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_mappings
		SET session_ref = COALESCE($2, session_ref), last_activity_at = now(), updated_at = now()
		WHERE id = $1
	`, idUUID, sessionRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListStale returns active mappings with no activity for at least
// inactiveDays days.
func (s *Store) ListStale(ctx context.Context, inactiveDays int) ([]Mapping, error) {
	if inactiveDays <= 0 {
		return nil, fmt.Errorf("inactive days must be positive")
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+mappingColumns+` FROM channel_mappings
		WHERE is_active AND last_activity_at < now() - make_interval(days => $1)
		ORDER BY last_activity_at
	`, inactiveDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMappings(rows)
}

// Deactivate soft-deletes a mapping; reversible via Reactivate.
func (s *Store) Deactivate(ctx context.Context, id string) (Mapping, error) {
	return s.setActive(ctx, id, false)
}

// Reactivate restores a soft-deleted mapping.
func (s *Store) Reactivate(ctx context.Context, id string) (Mapping, error) {
	return s.setActive(ctx, id, true)
}

func (s *Store) setActive(ctx context.Context, id string, active bool) (Mapping, error) {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Mapping{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE channel_mappings
		SET is_active = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+mappingColumns, idUUID, active)
	return scanMapping(row)
}

// DeactivateOnRemovalNotice handles the platform reporting our bot/app was
// uninstalled from the conversation: the session reference is no longer
// valid, so it is cleared along with the active flag.
func (s *Store) DeactivateOnRemovalNotice(ctx context.Context, p platform.Platform, externalID string) (Mapping, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE channel_mappings
		SET is_active = FALSE, session_ref = NULL, updated_at = now()
		WHERE platform = $1 AND external_id = $2 AND is_active
		RETURNING `+mappingColumns, p.String(), strings.TrimSpace(externalID))
	return scanMapping(row)
}

// Purge hard-deletes a mapping, detaching any channel that still
// references it. Administrative use only.
func (s *Store) Purge(ctx context.Context, id string) error {
	idUUID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `UPDATE channels SET mapping_id = NULL WHERE mapping_id = $1`, idUUID); err != nil {
		return err
	}
	tag, err := tx.Exec(ctx, `DELETE FROM channel_mappings WHERE id = $1`, idUUID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return tx.Commit(ctx)
}

func scanMapping(row pgx.Row) (Mapping, error) {
	var (
		m              Mapping
		id, eventID    pgtype.UUID
		p              string
		lastActivityAt pgtype.Timestamptz
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
	)
	err := row.Scan(&id, &eventID, &p, &m.ExternalID, &m.DisplayName, &m.SessionRef,
		&m.WebhookSecret, &m.IsActive, &lastActivityAt, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Mapping{}, ErrNotFound
		}
		return Mapping{}, err
	}
	m.ID = dbpkg.UUIDToString(id)
	m.EventID = dbpkg.UUIDToString(eventID)
	m.Platform = platform.Platform(p)
	m.LastActivityAt = dbpkg.TimeFromPg(lastActivityAt)
	m.CreatedAt = dbpkg.TimeFromPg(createdAt)
	m.UpdatedAt = dbpkg.TimeFromPg(updatedAt)
	return m, nil
}

func scanMappingWithInserted(row pgx.Row) (Mapping, bool, error) {
	var (
		m              Mapping
		id, eventID    pgtype.UUID
		p              string
		lastActivityAt pgtype.Timestamptz
		createdAt      pgtype.Timestamptz
		updatedAt      pgtype.Timestamptz
		inserted       bool
	)
	err := row.Scan(&id, &eventID, &p, &m.ExternalID, &m.DisplayName, &m.SessionRef,
		&m.WebhookSecret, &m.IsActive, &lastActivityAt, &createdAt, &updatedAt, &inserted)
	if err != nil {
		return Mapping{}, false, err
	}
	m.ID = dbpkg.UUIDToString(id)
	m.EventID = dbpkg.UUIDToString(eventID)
	m.Platform = platform.Platform(p)
	m.LastActivityAt = dbpkg.TimeFromPg(lastActivityAt)
	m.CreatedAt = dbpkg.TimeFromPg(createdAt)
	m.UpdatedAt = dbpkg.TimeFromPg(updatedAt)
	return m, inserted, nil
}

func collectMappings(rows pgx.Rows) ([]Mapping, error) {
	items := make([]Mapping, 0)
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}
