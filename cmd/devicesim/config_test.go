package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/ethstream/internal/devicesim"
	"github.com/danmuck/ethstream/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSimConfigExample(t *testing.T) {
	testlog.Start(t)
	cfg, err := loadSimConfig("ex.config.toml")
	require.NoError(t, err)
	require.Equal(t, uint64(7), cfg.Seed)
	require.Equal(t, 250*time.Millisecond, cfg.Timeout)
	require.Len(t, cfg.Routes, 1)

	r := cfg.Routes[0]
	require.Equal(t, "in0", r.Name)
	require.Equal(t, "127.0.0.1:32401", r.Listen)
	require.Equal(t, "127.0.0.1:32501", r.Forward)
	require.True(t, r.StripPadding)
	require.Equal(t, 4096, r.FrameSize)
}

func TestLoadSimConfigKeepsDefaults(t *testing.T) {
	testlog.Start(t)
	path := writeConfig(t, `
[[routes]]
name = "in0"
listen = "127.0.0.1:0"
forward = "127.0.0.1:1"
`)
	cfg, err := loadSimConfig(path)
	require.NoError(t, err)
	def := devicesim.DefaultConfig()
	require.Equal(t, def.Timeout, cfg.Timeout)
	require.Equal(t, def.Seed, cfg.Seed)
	require.Zero(t, cfg.LossRate)
}

func TestLoadSimConfigRejects(t *testing.T) {
	testlog.Start(t)
	for name, content := range map[string]string{
		"bad timeout": `timeout = "later"`,
		"unknown key": `loss = 0.5`,
		"bad toml":    `routes = [`,
	} {
		_, err := loadSimConfig(writeConfig(t, content))
		require.Error(t, err, name)
	}
}
