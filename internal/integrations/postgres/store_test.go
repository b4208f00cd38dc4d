package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/turbolytics/cpemirror/pkg/cpe"
	"github.com/turbolytics/cpemirror/pkg/ingest"
	"go.uber.org/zap"
)

func TestPrepareSQL(t *testing.T) {
	s := &Store{table: "cpe"}
	s.prepareSQL()

	assert.True(t, strings.HasPrefix(s.upsertSQL, `INSERT INTO "cpe" ("name", "type",`))
	assert.Contains(t, s.upsertSQL, `"update" = EXCLUDED."update"`)
	assert.Contains(t, s.upsertSQL, "$14::text[]")
	assert.NotContains(t, s.upsertSQL, `"name" = EXCLUDED`)
	assert.True(t, strings.HasSuffix(s.upsertSQL, "RETURNING name, (xmax = 0) AS inserted"))
	assert.Equal(t, len(columns), len(recordValues(cpe.Record{})))
}

func record(t *testing.T, id string) cpe.Record {
	t.Helper()
	r, err := cpe.Normalize(id)
	require.NoError(t, err)
	return r
}

func TestIntegrationPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate pgContainer: %s", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store, err := NewStore(ctx, connStr, WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close(ctx)
	})
	require.NoError(t, store.EnsureSchema(ctx))
	require.NoError(t, store.EnsureSchema(ctx))

	widget := record(t, "cpe:2.3:a:acme:widget:1.0:*:*:*:*:*:*:*")
	os := record(t, "cpe:2.3:o:acme:os:2:*:*:*:*:*:*:*")
	widgetLater := widget
	widgetLater.Update = "sp1"

	res, err := store.Apply(ctx, []cpe.Record{widget, os, widgetLater})
	require.NoError(t, err)
	assert.Equal(t, []string{widget.Name, os.Name}, res.Created)
	assert.Empty(t, res.Updated)

	doc, err := store.Get(ctx, widget.Name)
	require.NoError(t, err)
	assert.Equal(t, "sp1", doc.Update)
	assert.Equal(t, cpe.TypeSoftware, doc.Type)

	res, err = store.Apply(ctx, []cpe.Record{widgetLater, os})
	require.NoError(t, err)
	assert.Empty(t, res.Created)
	assert.Equal(t, []string{widget.Name, os.Name}, res.Updated)

	again, err := store.Get(ctx, widget.Name)
	require.NoError(t, err)
	assert.Equal(t, doc, again)

	_, err = store.Get(ctx, "cpe:2.3:a:nobody:nothing:*:*:*:*:*:*:*:*")
	assert.ErrorIs(t, err, ingest.ErrNotFound)

	require.NoError(t, store.Ping(ctx))
}
