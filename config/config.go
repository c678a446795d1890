// Package config loads the multiworld runtime's tunables using Viper,
// following the same precedence-merge pattern as the rest of the stack:
// defaults < system file < user file < project file < environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/cisco-open/pymultiworld/errors"
)

// Config holds every tunable named in SPEC_FULL §2/§7.
type Config struct {
	Watchdog  WatchdogConfig  `mapstructure:"watchdog"`
	Store     StoreConfig     `mapstructure:"store"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Transport TransportConfig `mapstructure:"transport"`
}

// WatchdogConfig configures the heartbeat protocol and deadlock probe
// described in spec.md §4.3.
type WatchdogConfig struct {
	UpdatePeriod           time.Duration `mapstructure:"update_period"`
	UpdatesPerCheck        int           `mapstructure:"updates_per_check"`
	DeadlockCheckIterations int          `mapstructure:"deadlock_check_iterations"`
	DeadlockCheckWaitTime  time.Duration `mapstructure:"deadlock_check_wait_time"`
	BrokenChannelCapacity  int           `mapstructure:"broken_channel_capacity"`
}

// StoreConfig configures the rendezvous store client/server.
type StoreConfig struct {
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	RPCTimeout  time.Duration `mapstructure:"rpc_timeout"`
}

// WorkerConfig configures the blocking-call offload pool shared by the
// Manager and Communicator.
type WorkerConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// TransportConfig configures how transport errors are classified.
// REDESIGN FLAG (spec.md §9): the classified-substring set is configurable
// data, not a hard-coded list, and is hot-reloadable (see Watcher).
type TransportConfig struct {
	ClassifiedFaultSubstrings []string      `mapstructure:"classified_fault_substrings"`
	PollInterval              time.Duration `mapstructure:"poll_interval"`
}

var (
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads the runtime configuration using Viper, caching the result.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	v := initViper()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}

	globalConfig = &cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance backing Load, for advanced access.
func GetViper() *viper.Viper {
	return initViper()
}

// LoadWithViper loads configuration from a caller-provided Viper instance,
// bypassing the cache. Tests use this to load from an isolated instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &cfg, nil
}

// Reset clears the cached configuration. Tests use this between cases.
func Reset() {
	globalConfig = nil
	viperInstance = nil
}

// Default returns the built-in defaults without touching the filesystem or
// environment — the configuration a caller gets if it never calls Load.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := LoadWithViper(v)
	if err != nil {
		// SetDefaults only ever sets well-typed values; unmarshal cannot fail.
		panic(err)
	}
	return cfg
}

func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}

	v := viper.New()

	v.SetEnvPrefix("MULTIWORLD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)
	mergeConfigFiles(v)

	viperInstance = v
	return v
}

// findProjectConfig walks up from the working directory looking for
// multiworld.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		candidate := filepath.Join(dir, "multiworld.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// mergeConfigFiles merges configuration files in precedence order, lowest
// first: system < user < project. Files are merged into Viper's config
// layer, so environment variables (bound above via AutomaticEnv) still win.
func mergeConfigFiles(v *viper.Viper) {
	homeDir, _ := os.UserHomeDir()

	configPaths := []string{
		"/etc/multiworld/config.toml",
		filepath.Join(homeDir, ".multiworld", "config.toml"),
	}
	if project := findProjectConfig(); project != "" {
		configPaths = append(configPaths, project)
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		layer := viper.New()
		layer.SetConfigFile(path)
		layer.SetConfigType("toml")
		if err := layer.ReadInConfig(); err != nil {
			continue
		}

		if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
			continue
		}
	}
}
