package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore spins up an ephemeral Postgres container, runs
// migrations, and returns a connected Store. Skipped unless Docker is
// reachable, following the teacher's testhelpers_test.go container
// convention but via the newer modules/postgres helper.
func newTestStore(t *testing.T) *Postgres {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("cgf_test"),
		postgres.WithUsername("cgf"),
		postgres.WithPassword("cgf"),
		postgres.BasicWaitStrategies(),
		wait.ForListeningPort("5432/tcp"),
	)
	if err != nil {
		t.Skipf("docker unavailable, skipping store integration test: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, RunMigrations(ctx, dsn))

	pg, err := NewPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pg.Close)
	return pg
}

type testDoc struct {
	UID  string `json:"uid"`
	Name string `json:"name"`
}

func TestPostgresInsertAndFindByID(t *testing.T) {
	pg := newTestStore(t)
	ctx := context.Background()

	doc := testDoc{UID: "u1", Name: "Alpha"}
	require.NoError(t, pg.Insert(ctx, CollectionUser, doc.UID, doc))

	var got testDoc
	require.NoError(t, pg.FindByID(ctx, CollectionUser, "u1", &got))
	require.Equal(t, doc, got)

	err := pg.Insert(ctx, CollectionUser, doc.UID, doc)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestPostgresFindOneByField(t *testing.T) {
	pg := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, pg.Insert(ctx, CollectionLobby, "l1", testDoc{UID: "l1", Name: "Alpha"}))

	var got testDoc
	require.NoError(t, pg.FindOneByField(ctx, CollectionLobby, "name", "Alpha", &got))
	require.Equal(t, "l1", got.UID)

	err := pg.FindOneByField(ctx, CollectionLobby, "name", "Nonexistent", &got)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresUpdateFieldsIsPartial(t *testing.T) {
	pg := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, pg.Upsert(ctx, CollectionUser, "u2", map[string]any{
		"uid": "u2", "name": "Bravo", "n_logins": 1,
	}))

	require.NoError(t, pg.UpdateFields(ctx, CollectionUser, "u2", map[string]any{
		"n_logins": 2,
	}))

	var got map[string]any
	require.NoError(t, pg.FindByID(ctx, CollectionUser, "u2", &got))
	require.Equal(t, "Bravo", got["name"])
	require.EqualValues(t, 2, got["n_logins"])
}

func TestPostgresIterate(t *testing.T) {
	pg := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, pg.Insert(ctx, CollectionMap, name, testDoc{UID: name, Name: name}))
	}

	var seen []string
	require.NoError(t, pg.Iterate(ctx, CollectionMap, func(id string, raw []byte) error {
		seen = append(seen, id)
		return nil
	}))
	require.ElementsMatch(t, []string{"a", "b", "c"}, seen)
}

func TestPostgresGameSessionUniqueRoomLobby(t *testing.T) {
	pg := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, pg.Insert(ctx, CollectionGame, "g1", map[string]any{
		"name": "g1", "room": "Alpha##ab12", "lobby": "Racing",
	}))
	err := pg.Insert(ctx, CollectionGame, "g2", map[string]any{
		"name": "g2", "room": "Alpha##ab12", "lobby": "Racing",
	})
	require.Error(t, err)
}
