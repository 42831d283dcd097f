package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SSO_STORAGE_PATH", "")
	t.Setenv("SSO_LOGGING_LEVEL", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.General.LoggingLevel)
	assert.Equal(t, "stdout", cfg.General.LoggingOutput)
	assert.Equal(t, 5*time.Minute, cfg.ObjectTimeouts.IdentityTimeout)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "signond.toml")
	contents := `
[general]
storagepath = "/tmp/custom.db"
logginglevel = "debug"

[securestorage]
provider = "keyring"

[objecttimeouts]
identitytimeout = "30s"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.db", cfg.General.StoragePath)
	assert.Equal(t, "debug", cfg.General.LoggingLevel)
	assert.Equal(t, "keyring", cfg.SecureStorage["provider"])
	assert.Equal(t, 30*time.Second, cfg.ObjectTimeouts.IdentityTimeout)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SSO_STORAGE_PATH", "/env/override.db")
	t.Setenv("SSO_LOGGING_OUTPUT", "syslog")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	assert.Equal(t, "/env/override.db", cfg.General.StoragePath)
	assert.Equal(t, "syslog", cfg.General.LoggingOutput)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signond.toml")
	want := &Config{
		General: General{
			StoragePath:   "/var/lib/signond/signond.db",
			PluginsDir:    "/usr/lib/signond/plugins",
			LoggingLevel:  "debug",
			LoggingOutput: "stdout",
		},
		SecureStorage: map[string]string{"provider": "keyring"},
		ObjectTimeouts: ObjectTimeouts{
			IdentityTimeout: 2 * time.Minute,
		},
	}

	require.NoError(t, Save(path, want))

	got, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, want.General.StoragePath, got.General.StoragePath)
	assert.Equal(t, want.General.LoggingLevel, got.General.LoggingLevel)
	assert.Equal(t, want.SecureStorage["provider"], got.SecureStorage["provider"])
}
