package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 4096, cfg.Engine.ClientInitialBufferSize)
	assert.Equal(t, 5*time.Minute, cfg.Engine.DefaultSessionExpiryInterval)
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyFilenameReturnsDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxQosPackets = 42
	cfg.Log.Level = "debug"

	path := filepath.Join(t.TempDir(), "flashmq.yaml")
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Engine.MaxQosPackets)
	assert.Equal(t, "debug", loaded.Log.Level)
}

func TestValidateRejectsNonPowerOfTwoBufferSize(t *testing.T) {
	cfg := Default()
	cfg.Engine.ClientInitialBufferSize = 4097
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsMaxPacketSizeSmallerThanInitialBuffer(t *testing.T) {
	cfg := Default()
	cfg.Engine.MaxPacketSize = cfg.Engine.ClientInitialBufferSize - 1
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyStorageDir(t *testing.T) {
	cfg := Default()
	cfg.Storage.Dir = ""
	assert.Error(t, cfg.Validate())
}

func TestLoadParsesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flashmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  client_initial_buffer_size: 8192
  max_packet_size: 1048576
  max_qos_packets: 50
  default_session_expiry_interval: 1m
log:
  level: warn
  format: json
storage:
  dir: /var/lib/flashmq
limits:
  connect_rate_per_second: 5
  connect_burst: 10
  connect_cleanup_interval: 1m
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8192, cfg.Engine.ClientInitialBufferSize)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/var/lib/flashmq", cfg.Storage.Dir)
	assert.Equal(t, 5.0, cfg.Limits.ConnectRatePerSecond)
}
