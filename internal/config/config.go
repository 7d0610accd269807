// Package config loads Orion's boot-time configuration from a TOML
// file (ambient stack: every other component's tunables are sourced
// here rather than hardcoded). Grounded on containerdUtils's
// toml.NewDecoder(f).Decode(&config) idiom, generalized from a single
// "Root" field to the kernel's scheduler/klog/process tunables and
// backed by afero so tests can supply an in-memory config without
// touching the real filesystem.
package config

import (
	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
)

// DefaultMaxProcesses resolves spec.md §9's open question on
// MAX_PROCESSES: see DESIGN.md for the rationale.
const DefaultMaxProcesses = 4096

// Config is Orion's boot-time configuration (spec §9's bounded global
// mutable state, externalized here instead of compiled-in constants).
type Config struct {
	Kernel    KernelConfig    `toml:"kernel"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Klog      KlogConfig      `toml:"klog"`
	Diag      DiagConfig      `toml:"diag"`
}

// KernelConfig bounds the process/thread arenas (spec §9
// MAX_PROCESSES) and the default per-process handle-table size (spec
// §4.4).
type KernelConfig struct {
	MaxProcesses       int `toml:"max_processes"`
	MaxThreads         int `toml:"max_threads"`
	DefaultHandleBound int `toml:"default_handle_bound"`
}

// SchedulerConfig mirrors internal/sched/const.go's named constants.
// The scheduler uses only its compiled constants and does not read
// these fields.
type SchedulerConfig struct {
	TickIntervalNs           int64 `toml:"tick_interval_ns"`
	SliceBudgetNs            int64 `toml:"slice_budget_ns"`
	LoadBalanceIntervalTicks int64 `toml:"load_balance_interval_ticks"`
}

// KlogConfig sizes each category's ring buffer and sets the minimum
// recorded level (spec §4.2).
type KlogConfig struct {
	RingCapacity   int    `toml:"ring_capacity"`
	ThresholdLevel string `toml:"threshold_level"`
}

// DiagConfig points the panic path at its core-dump directory and
// retention count (spec §4.9).
type DiagConfig struct {
	CoreDumpDir      string `toml:"core_dump_dir"`
	CoreDumpRetain   int    `toml:"core_dump_retain"`
	MemoryDumpBuffer int    `toml:"memory_dump_buffer"`
}

// Default returns the configuration Orion boots with absent an
// on-disk override.
func Default() Config {
	return Config{
		Kernel: KernelConfig{
			MaxProcesses:       DefaultMaxProcesses,
			MaxThreads:         DefaultMaxProcesses * 4,
			DefaultHandleBound: 256,
		},
		Scheduler: SchedulerConfig{
			TickIntervalNs:           1_000_000,
			SliceBudgetNs:            4_000_000,
			LoadBalanceIntervalTicks: 64,
		},
		Klog: KlogConfig{
			RingCapacity:   4096,
			ThresholdLevel: "info",
		},
		Diag: DiagConfig{
			CoreDumpDir:      "/var/crash",
			CoreDumpRetain:   16,
			MemoryDumpBuffer: 8,
		},
	}
}

// Load reads and decodes path on fs, overlaying onto Default() so a
// partial file only overrides the sections it mentions.
func Load(fs afero.Fs, path string) (Config, error) {
	cfg := Default()

	f, err := fs.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	if _, err := toml.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
