package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testPaths(t *testing.T) *Paths {
	t.Helper()
	dir := t.TempDir()
	return &Paths{
		ConfigDir: filepath.Join(dir, "config"),
		DataDir:   filepath.Join(dir, "data"),
		CacheDir:  filepath.Join(dir, "cache"),
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Account.JID = "1@chat.example.com"
	cfg.Account.UserID = 1
	return cfg
}

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	paths := testPaths(t)

	cfg, err := LoadFile(filepath.Join(paths.ConfigDir, "config.toml"), paths)
	require.NoError(t, err)
	require.Equal(t, BackendXMPP, cfg.Transport.Backend)
	require.Equal(t, paths.DataDir, cfg.General.DataDir)
	require.Equal(t, filepath.Join(paths.DataDir, "qmchat.log"), cfg.Logging.File)
	require.Equal(t, 50, cfg.Storage.HistoryLimit)
}

func TestSaveAndLoadFile(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, paths.EnsureDirectories())
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	cfg := validConfig()
	cfg.Transport.Backend = BackendMQTT
	cfg.Transport.MQTT.Broker = "mqtt://localhost:1883"
	require.NoError(t, SaveFile(configPath, cfg))

	loaded, err := LoadFile(configPath, paths)
	require.NoError(t, err)
	require.Equal(t, "1@chat.example.com", loaded.Account.JID)
	require.Equal(t, BackendMQTT, loaded.Transport.Backend)
	require.Equal(t, "mqtt://localhost:1883", loaded.Transport.MQTT.Broker)
	require.NoError(t, Validate(loaded))
}

func TestEnvironmentOverrides(t *testing.T) {
	paths := testPaths(t)
	t.Setenv("QMCHAT_ACCOUNT_JID", "7@chat.example.com")
	t.Setenv("QMCHAT_ACCOUNT_USER_ID", "7")
	t.Setenv("QMCHAT_LOGGING_LEVEL", "debug")

	cfg, err := LoadFile(filepath.Join(paths.ConfigDir, "config.toml"), paths)
	require.NoError(t, err)
	require.Equal(t, "7@chat.example.com", cfg.Account.JID)
	require.Equal(t, 7, cfg.Account.UserID)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "qmchat", cfg.Account.Resource)
}

func TestLoadFileRejectsBadTOML(t *testing.T) {
	paths := testPaths(t)
	require.NoError(t, paths.EnsureDirectories())
	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[account\njid = "), 0600))

	_, err := LoadFile(configPath, paths)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validConfig()))

	cfg := validConfig()
	cfg.Account.UserID = 0
	require.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Account.JID = "nobody"
	require.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Transport.Backend = "carrier-pigeon"
	require.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Logging.Level = "loud"
	require.Error(t, Validate(cfg))

	cfg = validConfig()
	cfg.Transport.Backend = BackendMQTT
	require.True(t, errors.Is(Validate(cfg), ErrMissingBroker))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(t, filepath.Join(home, "logs/q.log"), expandPath("~/logs/q.log"))
	require.Equal(t, "/var/log/q.log", expandPath("/var/log/q.log"))
}
