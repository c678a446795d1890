package config

import "github.com/spf13/viper"

// Default classified transport-fault substrings, taken verbatim from the
// original implementation's hard-coded set (spec.md §7). Data, not code —
// operators can override via config or environment to match their own
// transport backend's error strings.
var DefaultClassifiedFaultSubstrings = []string{
	"NCCL Error 6",
	"NCCL communicator was aborted",
	"Connection reset by peer",
	"Connection closed by peer",
}

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	// Watchdog heartbeat protocol (spec.md §4.3)
	v.SetDefault("watchdog.update_period", "300ms")
	v.SetDefault("watchdog.updates_per_check", 10) // ~3s at 300ms ticks
	v.SetDefault("watchdog.deadlock_check_iterations", 3)
	v.SetDefault("watchdog.deadlock_check_wait_time", "2s")
	v.SetDefault("watchdog.broken_channel_capacity", 16)

	// Rendezvous store
	v.SetDefault("store.dial_timeout", "30s")
	v.SetDefault("store.rpc_timeout", "5s")

	// Worker pool shared by Manager and Communicator
	v.SetDefault("worker.pool_size", 8)

	// Transport fault classification and busy-await cadence
	v.SetDefault("transport.classified_fault_substrings", DefaultClassifiedFaultSubstrings)
	v.SetDefault("transport.poll_interval", "2ms")
}
