package db

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// SettingSMTPPort is the settings key holding the capture listener port.
	SettingSMTPPort = "smtp_port"

	// DefaultSMTPPort is used when no port setting is stored.
	DefaultSMTPPort = "2500"
)

// Setting is a process-wide key/value pair.
type Setting struct {
	Key       string    `db:"key" json:"key"`
	Value     string    `db:"value" json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// GetSetting returns the value stored for key, or ErrSettingNotFound.
func (d *Database) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := d.GetContext(ctx, &value, "SELECT value FROM settings WHERE key = ?", key)
	if err != nil {
		if isNoRows(err) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("reading setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting stores a value for key, inserting or updating as needed.
func (d *Database) SetSetting(ctx context.Context, key, value string) error {
	_, err := d.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`, key, value)
	if err != nil {
		return fmt.Errorf("storing setting %q: %w", key, err)
	}
	return nil
}

// GetAllSettings returns every stored setting as a key/value map.
func (d *Database) GetAllSettings(ctx context.Context) (map[string]string, error) {
	var rows []Setting
	if err := d.SelectContext(ctx, &rows, "SELECT key, value, updated_at FROM settings"); err != nil {
		return nil, fmt.Errorf("listing settings: %w", err)
	}
	settings := make(map[string]string, len(rows))
	for _, row := range rows {
		settings[row.Key] = row.Value
	}
	return settings, nil
}

// GetSMTPPort returns the configured listener port, falling back to
// DefaultSMTPPort when unset.
func (d *Database) GetSMTPPort(ctx context.Context) (string, error) {
	port, err := d.GetSetting(ctx, SettingSMTPPort)
	if errors.Is(err, ErrSettingNotFound) {
		return DefaultSMTPPort, nil
	}
	if err != nil {
		return "", err
	}
	return port, nil
}
