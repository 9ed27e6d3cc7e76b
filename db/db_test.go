package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	d, err := New(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func TestMigrationsApply(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	var version int
	err := d.GetContext(ctx, &version, "SELECT MAX(version) FROM schema_migrations")
	require.NoError(t, err)
	require.Equal(t, len(migrations), version)

	// The initial migration seeds the default listener port.
	port, err := d.GetSetting(ctx, SettingSMTPPort)
	require.NoError(t, err)
	require.Equal(t, DefaultSMTPPort, port)
}

func TestPragmasApplyToEveryPooledConnection(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	delivered, err := d.DeliverMessage(ctx, "journal", &MessageData{
		From:        "a@x",
		To:          "b@x",
		HeadersJSON: "[]",
		Attachments: []AttachmentData{{Filename: "f.txt", Size: 3, Content: []byte("abc")}},
	})
	require.NoError(t, err)

	// Hold one connection so the checks and the delete below are forced onto
	// other pooled connections.
	held, err := d.Connx(ctx)
	require.NoError(t, err)
	defer held.Close()

	second, err := d.Connx(ctx)
	require.NoError(t, err)
	var fk, busy int
	require.NoError(t, second.GetContext(ctx, &fk, "PRAGMA foreign_keys"))
	require.NoError(t, second.GetContext(ctx, &busy, "PRAGMA busy_timeout"))
	require.NoError(t, second.Close())
	assert.Equal(t, 1, fk)
	assert.Equal(t, 10000, busy)

	// With the held connection pinned, this delete runs on a fresh
	// connection; the attachment cascade must still fire.
	_, err = d.DeleteMessage(ctx, delivered.MessageID)
	require.NoError(t, err)

	var orphans int
	require.NoError(t, d.GetContext(ctx, &orphans, "SELECT COUNT(*) FROM attachments"))
	assert.Zero(t, orphans)
}

func TestMigrationsIdempotent(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	// Reopening the same database must not re-apply migrations.
	require.NoError(t, d.migrate(ctx))

	var count int
	err := d.GetContext(ctx, &count, "SELECT COUNT(*) FROM schema_migrations")
	require.NoError(t, err)
	require.Equal(t, len(migrations), count)
}
