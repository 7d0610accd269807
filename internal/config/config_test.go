package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/orion.toml", []byte(`
[kernel]
max_processes = 1024

[scheduler]
slice_budget_ns = 2000000
`), 0o644))

	cfg, err := Load(fs, "/etc/orion.toml")
	require.NoError(t, err)

	require.Equal(t, 1024, cfg.Kernel.MaxProcesses)
	require.Equal(t, int64(2_000_000), cfg.Scheduler.SliceBudgetNs)
	// fields absent from the file keep their Default() values.
	require.Equal(t, Default().Kernel.DefaultHandleBound, cfg.Kernel.DefaultHandleBound)
	require.Equal(t, Default().Scheduler.TickIntervalNs, cfg.Scheduler.TickIntervalNs)
}

func TestLoadMissingFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	_, err := Load(fs, "/etc/missing.toml")
	require.Error(t, err)
}

func TestDefaultMatchesMaxProcessesConstant(t *testing.T) {
	require.Equal(t, DefaultMaxProcesses, Default().Kernel.MaxProcesses)
}
