package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.GetSetting(ctx, "missing")
	assert.ErrorIs(t, err, ErrSettingNotFound)

	require.NoError(t, d.SetSetting(ctx, "theme", "dark"))
	value, err := d.GetSetting(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", value)

	// Upsert overwrites.
	require.NoError(t, d.SetSetting(ctx, "theme", "light"))
	value, err = d.GetSetting(ctx, "theme")
	require.NoError(t, err)
	assert.Equal(t, "light", value)

	settings, err := d.GetAllSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "light", settings["theme"])
	assert.Equal(t, DefaultSMTPPort, settings[SettingSMTPPort])
}

func TestGetSMTPPort(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	port, err := d.GetSMTPPort(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultSMTPPort, port)

	require.NoError(t, d.SetSetting(ctx, SettingSMTPPort, "3025"))
	port, err = d.GetSMTPPort(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3025", port)

	// Fallback applies when the row is gone entirely.
	_, err = d.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", SettingSMTPPort)
	require.NoError(t, err)
	port, err = d.GetSMTPPort(ctx)
	require.NoError(t, err)
	assert.Equal(t, DefaultSMTPPort, port)
}
