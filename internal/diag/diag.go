// Package diag implements the panic and diagnostics path C10 specifies
// (spec §4.9): a re-entry-guarded panic sequence that emits a structured
// klog.Emergency header, walks a bounded stack depth, persists a core
// dump through an afero filesystem collaborator (falling back to a
// bounded in-memory buffer when the filesystem is not ready), and
// broadcasts halt to every other CPU through the HAL before halting
// itself. Grounded on the teacher's `spf13/afero` swappable-filesystem
// idiom (linuxUtils/utils's package-level `appFs afero.Fs`) and
// `idShiftUtils`'s `github.com/karrick/godirwalk` directory walk for the
// dump-retention sweep.
package diag

import (
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/karrick/godirwalk"
	"github.com/spf13/afero"

	"github.com/iyotee/Orion-sub005/internal/audit"
	"github.com/iyotee/Orion-sub005/internal/hal"
	"github.com/iyotee/Orion-sub005/internal/klog"
	"github.com/iyotee/Orion-sub005/internal/spinlock"
)

// MaxFrames bounds the walked stack depth (spec §4.9 "bounded depth").
const MaxFrames = 32

// CoreDump is the persisted or buffered record of one panic (spec
// §4.9's "dump saved register state" and the frame walk).
type CoreDump struct {
	TimestampNs int64    `json:"ts_ns"`
	CPU         int      `json:"cpu"`
	File        string   `json:"file"`
	Line        int      `json:"line"`
	Function    string   `json:"function"`
	Message     string   `json:"message"`
	Frames      []string `json:"frames"`
}

// Diag owns the panic path's shared state: the kernel has exactly one,
// wired at boot.
type Diag struct {
	h   hal.HAL
	log *klog.Ring

	fs      afero.Fs
	dumpDir string

	auditor *audit.Logger

	panicLock spinlock.Spinlock // re-entry guard, try-acquire only (spec §4.9)

	memMu      sync.Mutex
	memDumps   []CoreDump
	memDumpCap int
}

// New creates a Diag. fs/dumpDir back core-dump persistence; if fs is
// nil or writes fail, dumps fall back to an in-memory ring of at most
// memDumpCap entries (spec §4.9 "else store in a bounded in-memory
// buffer").
func New(h hal.HAL, log *klog.Ring, fs afero.Fs, dumpDir string, memDumpCap int, auditor *audit.Logger) *Diag {
	return &Diag{h: h, log: log, fs: fs, dumpDir: dumpDir, auditor: auditor, memDumpCap: memDumpCap}
}

// Panic executes the contract of spec §4.9: disable interrupts on this
// CPU, guard re-entry with a try-acquire (a nested or concurrent panic
// skips straight to the halt broadcast), emit the structured emergency
// header, walk a bounded stack, persist a core dump, broadcast halt to
// every other CPU, and halt this one. It returns only if the HAL's Halt
// returns, as the simulated HAL's does.
func (d *Diag) Panic(file string, line int, fn string, format string, args ...interface{}) {
	d.h.DisableInterrupts()
	cpu := d.h.CurrentCPUID()

	if !d.panicLock.TryLock() {
		// a panic is already unwinding (possibly on another CPU, or this
		// one re-entered); proceed directly to the halt broadcast rather
		// than repeating the full sequence (spec §4.9).
		d.broadcastHaltAndHalt(cpu)
		return
	}

	msg := fmt.Sprintf(format, args...)
	now := d.h.TimestampNs()
	d.log.Emergency("PANIC %s:%d %s() cpu=%d ts=%d: %s", file, line, fn, cpu, now, msg)

	frames := walkFrames(MaxFrames)
	dump := CoreDump{
		TimestampNs: now,
		CPU:         cpu,
		File:        file,
		Line:        line,
		Function:    fn,
		Message:     msg,
		Frames:      frames,
	}
	d.persist(dump)

	if d.auditor != nil {
		d.auditor.Emit(now, audit.EventPanic, 0, "%s:%d %s(): %s", file, line, fn, msg)
	}

	d.broadcastHaltAndHalt(cpu)
}

// walkFrames is the Go-native stand-in for an architecture frame-pointer
// chain walk: runtime.Callers gives a bounded, safe stack trace without
// the unsafe register introspection a real ISA port would need.
func walkFrames(max int) []string {
	pcs := make([]uintptr, max)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]string, 0, n)
	for {
		f, more := frames.Next()
		out = append(out, fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line))
		if !more {
			break
		}
	}
	return out
}

func (d *Diag) persist(dump CoreDump) {
	if d.fs != nil {
		// spec §6 persisted-state naming: core.<timestamp>.<file>.<line>
		path := fmt.Sprintf("%s/core.%d.%s.%d", d.dumpDir, dump.TimestampNs, sanitizeFileComponent(dump.File), dump.Line)
		if data, err := json.MarshalIndent(dump, "", "  "); err == nil {
			if err := afero.WriteFile(d.fs, path, data, 0o600); err == nil {
				return
			}
		}
	}

	d.memMu.Lock()
	d.memDumps = append(d.memDumps, dump)
	if over := len(d.memDumps) - d.memDumpCap; d.memDumpCap > 0 && over > 0 {
		d.memDumps = d.memDumps[over:]
	}
	d.memMu.Unlock()
}

// MemoryDumps returns a snapshot of core dumps held in the in-memory
// fallback (empty unless persistence to fs failed or fs is nil).
func (d *Diag) MemoryDumps() []CoreDump {
	d.memMu.Lock()
	defer d.memMu.Unlock()
	out := make([]CoreDump, len(d.memDumps))
	copy(out, d.memDumps)
	return out
}

func (d *Diag) broadcastHaltAndHalt(cpu int) {
	for _, c := range d.h.OnlineCPUs() {
		if c != cpu {
			d.h.SendIPI(c, hal.IPIHalt)
		}
	}
	d.h.Halt()
}

// SweepRetainedDumps walks dumpDir and removes core-dump files beyond
// keep, oldest first, so an unattended kernel does not accumulate dumps
// without bound. Grounded on idShiftUtils's godirwalk usage for
// directory traversal.
func SweepRetainedDumps(fs afero.Fs, dumpDir string, keep int) error {
	if _, ok := fs.(*afero.OsFs); !ok {
		return sweepViaAfero(fs, dumpDir, keep)
	}

	var names []string
	err := godirwalk.Walk(dumpDir, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if !de.IsDir() {
				names = append(names, path)
			}
			return nil
		},
		Unsorted: true,
	})
	if err != nil {
		return err
	}
	return removeOldest(fs, names, keep)
}

// sweepViaAfero is the MemMapFs/test-friendly path: godirwalk operates
// on the real OS filesystem only, so non-OS afero backends list
// directly through the afero API instead.
func sweepViaAfero(fs afero.Fs, dumpDir string, keep int) error {
	entries, err := afero.ReadDir(fs, dumpDir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, dumpDir+"/"+e.Name())
		}
	}
	return removeOldest(fs, names, keep)
}

// sanitizeFileComponent strips path separators out of a source file name
// so it can appear as one segment of a core-dump file name.
func sanitizeFileComponent(file string) string {
	out := make([]byte, len(file))
	for i := 0; i < len(file); i++ {
		c := file[i]
		if c == '/' || c == '\\' {
			c = '_'
		}
		out[i] = c
	}
	return string(out)
}

func removeOldest(fs afero.Fs, names []string, keep int) error {
	sort.Strings(names) // core.<ts>.<file>.<line> names sort lexicographically by timestamp
	if over := len(names) - keep; keep > 0 && over > 0 {
		for _, n := range names[:over] {
			if err := fs.Remove(n); err != nil {
				return err
			}
		}
	}
	return nil
}
