package diag

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/iyotee/Orion-sub005/internal/hal/simhal"
	"github.com/iyotee/Orion-sub005/internal/klog"
)

func newTestDiag(t *testing.T, fs afero.Fs) (*Diag, *simhal.HAL) {
	t.Helper()
	h := simhal.New(4)
	log := klog.New(64, klog.LevelTrace, h.TimestampNs, nil)
	return New(h, log, fs, "/var/crash", 4, nil), h
}

func TestPanicBroadcastsHaltToOtherCPUs(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, h := newTestDiag(t, fs)
	h.SetCurrentCPUID(0)

	d.Panic("sched.go", 123, "Tick", "runqueue invariant violated: %d", 42)

	require.True(t, h.Halted(0))
	require.True(t, h.Halted(1))
	require.True(t, h.Halted(2))
	require.True(t, h.Halted(3))
}

func TestPanicPersistsCoreDumpToFs(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, h := newTestDiag(t, fs)
	h.SetCurrentCPUID(1)

	d.Panic("ipc.go", 7, "Send", "bad state")

	entries, err := afero.ReadDir(fs, "/var/crash")
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestPanicFallsBackToMemoryWhenFsNil(t *testing.T) {
	d, h := newTestDiag(t, nil)
	h.SetCurrentCPUID(0)

	d.Panic("boot.go", 1, "Validate", "bad magic")

	dumps := d.MemoryDumps()
	require.Len(t, dumps, 1)
	require.Equal(t, "boot.go", dumps[0].File)
}

func TestPanicReentryGoesStraightToHalt(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, h := newTestDiag(t, fs)
	h.SetCurrentCPUID(0)

	d.panicLock.Lock() // simulate a panic already in progress
	d.Panic("double.go", 1, "Fault", "nested")
	d.panicLock.Unlock()

	require.True(t, h.Halted(0))
	entries, _ := afero.ReadDir(fs, "/var/crash")
	require.Len(t, entries, 0, "a re-entrant panic must not repeat the full persist sequence")
}

func TestSweepRetainedDumpsKeepsNewest(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/var/crash", 0o755))
	for _, name := range []string{"core-1.json", "core-2.json", "core-3.json"} {
		require.NoError(t, afero.WriteFile(fs, "/var/crash/"+name, []byte("{}"), 0o600))
	}

	require.NoError(t, SweepRetainedDumps(fs, "/var/crash", 2))

	entries, err := afero.ReadDir(fs, "/var/crash")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "core-2.json", entries[0].Name())
	require.Equal(t, "core-3.json", entries[1].Name())
}
