package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Validate())

	cfg.SMTP.Host = "0.0.0.0"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.SMTP.Host = "not-an-ip"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.SMTP.MaxConnections = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.SMTP.ShutdownGracePeriod = "bogus"
	assert.Error(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/tmp/pulsar-test"

[smtp]
host = "127.0.0.1"
max_connections = 3

[logging]
level = "debug"
`), 0644))

	cfg := NewDefaultConfig()
	require.NoError(t, Load(path, &cfg, true))

	assert.Equal(t, "/tmp/pulsar-test", cfg.DataDir)
	assert.Equal(t, 3, cfg.SMTP.MaxConnections)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Values absent from the file keep their defaults.
	assert.Equal(t, "pulsar.localhost", cfg.SMTP.Hostname)
}

func TestLoadMissingFile(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, Load(filepath.Join(t.TempDir(), "nope.toml"), &cfg, false))
	assert.Error(t, Load(filepath.Join(t.TempDir(), "nope.toml"), &cfg, true))
}

func TestGetShutdownGracePeriod(t *testing.T) {
	s := SMTPConfig{}
	d, err := s.GetShutdownGracePeriod()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	s.ShutdownGracePeriod = "250ms"
	d, err = s.GetShutdownGracePeriod()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
}

func TestValidatePort(t *testing.T) {
	assert.NoError(t, ValidatePort("2500"))
	assert.NoError(t, ValidatePort("1"))
	assert.NoError(t, ValidatePort("65535"))

	assert.Error(t, ValidatePort(""))
	assert.Error(t, ValidatePort("abc"))
	assert.Error(t, ValidatePort("0"))
	assert.Error(t, ValidatePort("65536"))
	assert.Error(t, ValidatePort("-1"))
}
