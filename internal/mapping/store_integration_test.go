package mapping_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamisinc/cobra-poc-sub003/internal/db"
	"github.com/dynamisinc/cobra-poc-sub003/internal/mapping"
	"github.com/dynamisinc/cobra-poc-sub003/internal/platform"
)

func setupMappingIntegrationTest(t *testing.T) (*mapping.Store, *pgxpool.Pool) {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	if err := db.MigrateDSN(dsn); err != nil {
		pool.Close()
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(pool.Close)
	return mapping.NewStore(nil, pool), pool
}

func cleanupMapping(t *testing.T, pool *pgxpool.Pool, externalID string) {
	t.Helper()
	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(),
			`DELETE FROM channel_mappings WHERE external_id = $1`, externalID)
		if err != nil {
			t.Logf("cleanup mapping %s: %v", externalID, err)
		}
	})
}

func TestUpsertCollapsesIdenticalIdentity(t *testing.T) {
	store, pool := setupMappingIntegrationTest(t)
	ctx := context.Background()

	externalID := "itest-" + uuid.NewString()
	cleanupMapping(t, pool, externalID)

	first, isNew, err := store.UpsertByExternalIdentity(ctx, mapping.UpsertInput{
		Platform:    platform.GroupMe,
		ExternalID:  externalID,
		DisplayName: "Ops Group",
		SessionRef:  []byte(`{"bot_id":"b1"}`),
	})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.False(t, first.Linked(), "first contact creates the mapping unlinked")

	second, isNew, err := store.UpsertByExternalIdentity(ctx, mapping.UpsertInput{
		Platform:   platform.GroupMe,
		ExternalID: externalID,
		SessionRef: []byte(`{"bot_id":"b2"}`),
	})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, first.ID, second.ID, "identical identities must collapse into one row")
	assert.Equal(t, []byte(`{"bot_id":"b2"}`), second.SessionRef, "later session writes win")
	assert.Equal(t, "Ops Group", second.DisplayName, "an empty display name must not clobber the stored one")

	var count int
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT count(*) FROM channel_mappings WHERE external_id = $1`, externalID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestLinkToEventRefusesRelink(t *testing.T) {
	store, pool := setupMappingIntegrationTest(t)
	ctx := context.Background()

	externalID := "itest-" + uuid.NewString()
	cleanupMapping(t, pool, externalID)

	m, _, err := store.UpsertByExternalIdentity(ctx, mapping.UpsertInput{
		Platform:   platform.GroupMe,
		ExternalID: externalID,
		SessionRef: []byte(`{"bot_id":"b1"}`),
	})
	require.NoError(t, err)

	eventA := uuid.NewString()
	eventB := uuid.NewString()

	linked, err := store.LinkToEvent(ctx, m.ID, eventA)
	require.NoError(t, err)
	assert.Equal(t, eventA, linked.EventID)

	_, err = store.LinkToEvent(ctx, m.ID, eventB)
	require.ErrorIs(t, err, mapping.ErrAlreadyLinked)

	unlinked, err := store.Unlink(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, unlinked.Linked())
	assert.Equal(t, []byte(`{"bot_id":"b1"}`), unlinked.SessionRef, "unlink preserves the session reference")

	relinked, err := store.LinkToEvent(ctx, m.ID, eventB)
	require.NoError(t, err)
	assert.Equal(t, eventB, relinked.EventID)
}

func TestLinkToEventUnknownMapping(t *testing.T) {
	store, _ := setupMappingIntegrationTest(t)

	_, err := store.LinkToEvent(context.Background(), uuid.NewString(), uuid.NewString())
	require.ErrorIs(t, err, mapping.ErrNotFound)
}
