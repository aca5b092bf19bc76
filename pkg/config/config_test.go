package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_ReferenceValues(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 3*time.Second, cfg.Relay.Backoff)
	assert.Equal(t, 120*time.Millisecond, cfg.Transfer.ChunkInterval)
	assert.Contains(t, cfg.Call.ICEServers, "stun:stun.l.google.com:19302")
	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfig_OverlaysYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "krypt.yaml")
	data := []byte(`
relay:
  url: ws://relay.example:9000/ws
  backoff: 5s
transfer:
  chunk_size: 1000
call:
  buffer_early_candidates: false
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://relay.example:9000/ws", cfg.Relay.URL)
	assert.Equal(t, 5*time.Second, cfg.Relay.Backoff)
	assert.Equal(t, 1000, cfg.Transfer.ChunkSize)
	assert.False(t, cfg.Call.BufferEarlyCandidates)
	// untouched sections keep defaults
	assert.Equal(t, 20*time.Second, cfg.Relay.PingInterval)
	assert.Equal(t, 24*time.Hour, cfg.Messaging.StatusTTL)
}

func TestLoadConfig_OverlaysTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "krypt.toml")
	data := []byte(`
[relay]
url = "wss://relay.example/ws"
backoff_jitter = "500ms"

[messaging]
max_queued_per_peer = 4

[notify]
desktop = true
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://relay.example/ws", cfg.Relay.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.BackoffJitter)
	assert.Equal(t, 4, cfg.Messaging.MaxQueuedPerPeer)
	assert.True(t, cfg.Notify.Desktop)
	assert.Equal(t, 3*time.Second, cfg.Relay.Backoff)
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("relay: [oops"), 0o600))
	_, err = LoadConfig(bad)
	require.Error(t, err)

	badTOML := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(badTOML, []byte("[relay\nurl = 1"), 0o600))
	_, err = LoadConfig(badTOML)
	require.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("transfer:\n  chunk_size: 0\n"), 0o600))
	_, err = LoadConfig(invalid)
	require.ErrorContains(t, err, "chunk_size")
}
