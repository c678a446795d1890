package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 300*time.Millisecond, cfg.Watchdog.UpdatePeriod)
	assert.Equal(t, 10, cfg.Watchdog.UpdatesPerCheck)
	assert.Equal(t, 3, cfg.Watchdog.DeadlockCheckIterations)
	assert.Equal(t, 2*time.Second, cfg.Watchdog.DeadlockCheckWaitTime)
	assert.Equal(t, 8, cfg.Worker.PoolSize)
	assert.ElementsMatch(t, DefaultClassifiedFaultSubstrings, cfg.Transport.ClassifiedFaultSubstrings)
}

func TestLoadWithViperOverride(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("watchdog.updates_per_check", 5)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Watchdog.UpdatesPerCheck)
}

func TestMergeConfigFilesProjectFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "multiworld.toml")
	require.NoError(t, os.WriteFile(path, []byte("[worker]\npool_size = 32\n"), 0o644))

	t.Chdir(dir)
	v := viper.New()
	SetDefaults(v)
	mergeConfigFiles(v)

	cfg, err := LoadWithViper(v)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Worker.PoolSize)
}

func TestResetClearsCache(t *testing.T) {
	t.Cleanup(Reset)
	first, err := Load()
	require.NoError(t, err)
	Reset()
	second, err := Load()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}
