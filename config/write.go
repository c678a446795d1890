package config

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/cisco-open/pymultiworld/errors"
)

// fileConfig mirrors Config's shape for TOML marshaling; mapstructure tags
// on Config drive Viper's unmarshal, but BurntSushi/toml keys off its own
// struct tags, so WriteDefault uses a small parallel struct rather than
// reusing Config's tags for two incompatible libraries.
type fileConfig struct {
	Watchdog struct {
		UpdatePeriod            string `toml:"update_period"`
		UpdatesPerCheck         int    `toml:"updates_per_check"`
		DeadlockCheckIterations int    `toml:"deadlock_check_iterations"`
		DeadlockCheckWaitTime   string `toml:"deadlock_check_wait_time"`
		BrokenChannelCapacity   int    `toml:"broken_channel_capacity"`
	} `toml:"watchdog"`
	Store struct {
		DialTimeout string `toml:"dial_timeout"`
		RPCTimeout  string `toml:"rpc_timeout"`
	} `toml:"store"`
	Worker struct {
		PoolSize int `toml:"pool_size"`
	} `toml:"worker"`
	Transport struct {
		ClassifiedFaultSubstrings []string `toml:"classified_fault_substrings"`
		PollInterval              string   `toml:"poll_interval"`
	} `toml:"transport"`
}

// WriteDefault writes a multiworld.toml at path containing the built-in
// defaults, for an operator to copy into /etc/multiworld, ~/.multiworld, or
// a project root and then edit (the `multiworld config init` CLI command).
func WriteDefault(path string) error {
	var fc fileConfig
	fc.Watchdog.UpdatePeriod = "300ms"
	fc.Watchdog.UpdatesPerCheck = 10
	fc.Watchdog.DeadlockCheckIterations = 3
	fc.Watchdog.DeadlockCheckWaitTime = "2s"
	fc.Watchdog.BrokenChannelCapacity = 16
	fc.Store.DialTimeout = "30s"
	fc.Store.RPCTimeout = "5s"
	fc.Worker.PoolSize = 8
	fc.Transport.ClassifiedFaultSubstrings = DefaultClassifiedFaultSubstrings
	fc.Transport.PollInterval = "2ms"

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create config file")
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(fc); err != nil {
		return errors.Wrap(err, "failed to encode default config")
	}
	return nil
}
