// Package session persists opaque per-conversation connection state for
// platforms whose delivery path requires an established session (tenant
// keys, receive ids, bot registrations).
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/dynamisinc/cobra-poc-sub003/internal/db"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

// ErrNotFound indicates no session is stored for the conversation key.
var ErrNotFound = errors.New("session not found")

// Session is a stored connection blob for one external conversation.
type Session struct {
	ConversationKey string            `json:"conversation_key"`
	Platform        platform.Platform `json:"platform"`
	Blob            []byte            `json:"-"`
	DisplayName     string            `json:"display_name,omitempty"`
	TenantID        string            `json:"tenant_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Key builds the canonical conversation key for a platform identity.
func Key(p platform.Platform, conversationID string) string {
	return p.String() + ":" + strings.TrimSpace(conversationID)
}

// Store persists conversation sessions in Postgres.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		pool:   pool,
		logger: log.With(slog.String("service", "session")),
	}
}

// Save writes or replaces the session for the key. Later writes win.
func (s *Store) Save(ctx context.Context, sess Session) error {
	if sess.ConversationKey == "" {
		return fmt.Errorf("conversation key is required")
	}
	if len(sess.Blob) == 0 {
		return fmt.Errorf("session blob is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_sessions (conversation_key, platform, session_blob, display_name, tenant_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_key) DO UPDATE SET
			session_blob = EXCLUDED.session_blob,
			display_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name
			                    ELSE conversation_sessions.display_name END,
			tenant_id    = CASE WHEN EXCLUDED.tenant_id <> '' THEN EXCLUDED.tenant_id
			                    ELSE conversation_sessions.tenant_id END,
			updated_at   = now()
	`, sess.ConversationKey, sess.Platform.String(), sess.Blob, sess.DisplayName, sess.TenantID)
	return err
}

// Get returns the stored session for the key.
func (s *Store) Get(ctx context.Context, conversationKey string) (Session, error) {
	var (
		sess      Session
		p         string
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_key, platform, session_blob, display_name, tenant_id, created_at, updated_at
		FROM conversation_sessions WHERE conversation_key = $1
	`, conversationKey).Scan(&sess.ConversationKey, &p, &sess.Blob, &sess.DisplayName,
		&sess.TenantID, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrNotFound
		}
		return Session{}, err
	}
	sess.Platform = platform.Platform(p)
	sess.CreatedAt = dbpkg.TimeFromPg(createdAt)
	sess.UpdatedAt = dbpkg.TimeFromPg(updatedAt)
	return sess, nil
}

// Clear removes the session for the key. Clearing a missing key is not an
// error.
func (s *Store) Clear(ctx context.Context, conversationKey string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversation_sessions WHERE conversation_key = $1`, conversationKey)
	return err
}
