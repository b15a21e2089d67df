package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fxnlabs/nn-gpu/fixtures"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		path := writeConfig(t, `
logger:
  verbosity: debug
device:
  backend: cpu
  limits:
    maxWorkgroupInvocations: 128
    maxWorkgroupSize: [64, 64, 16]
tuning:
  enabled: false
  storePath: /tmp/tuning.yaml
  strictDeviceLimits: true
capabilities:
  execTime: 0.25
  powerUsage: 0.5
metrics:
  listenAddress: ":9100"
`)
		config, err := LoadConfig(path)
		require.NoError(t, err)
		require.NotNil(t, config)

		assert.Equal(t, "debug", config.Logger.Verbosity)
		assert.Equal(t, 128, config.Device.Limits.MaxWorkgroupInvocations)
		assert.Equal(t, [3]int{64, 64, 16}, config.Device.Limits.MaxWorkgroupSize)
		assert.Equal(t, [3]int{0, 0, 0}, config.Device.Limits.MaxWorkgroupCount)
		assert.False(t, config.Tuning.Enabled)
		assert.True(t, config.Tuning.StrictDeviceLimits)
		assert.True(t, config.Tuning.UseDefaults, "unset fields keep defaults")
		assert.Equal(t, "/tmp/tuning.yaml", config.Tuning.StorePath)
		assert.Equal(t, ":9100", config.Metrics.ListenAddress)
	})

	t.Run("template parses", func(t *testing.T) {
		config, err := LoadConfig(writeConfig(t, string(fixtures.ConfigTemplate)))
		require.NoError(t, err)
		assert.Equal(t, "console", config.Logger.Encoding)
		assert.False(t, filepath.Base(config.Tuning.StorePath) == config.Tuning.StorePath)
		assert.NotContains(t, config.Tuning.StorePath, "~")
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := LoadConfig("non-existent-file.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "logger: [unterminated"))
		assert.Error(t, err)
	})

	t.Run("unsupported backend", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "device:\n  backend: vulkan\n"))
		assert.Error(t, err)
	})

	t.Run("bad capability override", func(t *testing.T) {
		_, err := LoadConfig(writeConfig(t, "capabilities:\n  override: \"fast\"\n"))
		assert.Error(t, err)
	})
}

func TestCapabilities(t *testing.T) {
	c := CapabilitiesConfig{ExecTime: 0.8, PowerUsage: 0.9}
	e, p := c.Performance()
	assert.Equal(t, float32(0.8), e)
	assert.Equal(t, float32(0.9), p)

	c.Override = "0.1, 0.2"
	e, p = c.Performance()
	assert.Equal(t, float32(0.1), e)
	assert.Equal(t, float32(0.2), p)
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "a", "b"), ExpandHome("~/a/b"))
	assert.Equal(t, "/abs/path", ExpandHome("/abs/path"))
}
