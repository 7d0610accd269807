// Package process implements the process/thread lifecycle C6 specifies
// (spec §3 "Process"/"Thread", §4.5). Creation accepts an
// OCI-process-spec-shaped image descriptor for argv/envp/initial
// capabilities, grounded on the teacher corpus's use of
// github.com/opencontainers/runtime-spec/specs-go in idMap and shiftfs
// (specs.LinuxIDMapping, specs.Process) for describing a to-be-created
// process/namespace. Two-phase teardown (detach, quiesce, free) is
// modeled after fileMonitor/monitor.go's stop-channel-then-cleanup
// shape.
//
// Following spec §9's design note on cycles, processes and threads live
// in fixed-size slab arenas keyed by (slot, id): the slot is id modulo
// the arena capacity, and the stored id disambiguates a stale reference
// to a slot that has since been recycled by a different process/thread
// — the same (index, epoch) discipline internal/capability uses, with
// the monotonic PID/TID standing in for the epoch.
package process

import (
	"sync"
	"sync/atomic"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/handle"
	"github.com/iyotee/Orion-sub005/internal/hal"
	"github.com/iyotee/Orion-sub005/internal/kerr"
)

// State is a process's aggregate lifecycle state (spec §3).
type State int

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateBlocked
	StateSleeping
	StateStopped
	StateZombie
)

// ThreadState is a thread's lifecycle state (spec §3).
type ThreadState int

const (
	ThreadNew ThreadState = iota
	ThreadReady
	ThreadRunning
	ThreadBlocked
	ThreadSleeping
	ThreadTerminated
)

// Layout holds a process's memory-layout descriptors (spec §3).
type Layout struct {
	CodeBase, CodeSize uintptr
	DataBase, DataSize uintptr
	HeapBase, HeapSize uintptr
	StackBase, StackSize uintptr
}

// Image describes the executable image and initial process environment
// at creation time, shaped after specs.Process so it reuses the same
// OCI process-spec vocabulary the teacher corpus already depends on for
// argv/envp/capabilities (idMap, shiftfs, linuxUtils's
// CreateUsernsProcess).
type Image struct {
	Spec       specs.Process
	EntryPoint uintptr
	Layout     Layout
}

// Process is a kernel process (spec §3).
type Process struct {
	mu sync.Mutex

	PID    uint64
	slot   uint32
	State  State
	Parent *Process
	children []uint64

	AddressSpace hal.AddressSpace
	Handles      *handle.Table
	Threads      []*Thread // Threads[0] is the main thread

	Layout Layout
	Argv   []string
	Envp   []string

	PendingSignals uint64

	CreatedAtNs      int64
	AccumulatedCPUNs int64
}

// Thread is a kernel thread (spec §3).
type Thread struct {
	mu sync.Mutex

	TID     uint64
	slot    uint32
	Process *Process
	State   ThreadState

	Context hal.RegisterContext

	KernelStackBase uintptr
	UserStackBase   uintptr
	UserStackSize   int

	// scheduler fields (spec §3's thread scheduler-field list); the
	// scheduler package owns their semantics but the fields live here
	// since a thread is a single kernel object.
	VRuntime      int64
	ActualRuntime int64
	LastSwitchNs  int64
	Priority      int // [-20, +19]
	Weight        int
	AffinityCPUs  []int // nil/empty means "all CPUs"
	WakeDeadline  int64

	// RQCPU is the CPU id of the runqueue whose tree currently holds this
	// thread; -1 if it is in no tree (including while it runs as a CPU's
	// current thread).
	RQCPU int
}

const (
	MinPriority = -20
	MaxPriority = 19
)

// Manager owns the process/thread arenas, the global capability table,
// and the monotonic PID/TID counters (spec §9's bounded global mutable
// state: "next-PID counter (atomic), next-TID counter (atomic), array
// of processes").
type Manager struct {
	caps *capability.Table

	nextPID uint64
	nextTID uint64

	procMu    sync.Mutex
	procSlots []procSlot
	procCap   uint32

	threadMu    sync.Mutex
	threadSlots []threadSlot
	threadCap   uint32

	defaultHandleBound int
}

type procSlot struct {
	proc *Process
	pid  uint64 // 0 means empty
}

type threadSlot struct {
	thread *Thread
	tid    uint64
}

// NewManager creates a process/thread manager bounded by procCapacity
// and threadCapacity slots (spec §9's open question on MAX_PROCESSES;
// see DESIGN.md for the chosen default, set by internal/config).
func NewManager(caps *capability.Table, procCapacity, threadCapacity, defaultHandleBound int) *Manager {
	return &Manager{
		caps:               caps,
		procSlots:          make([]procSlot, procCapacity),
		procCap:            uint32(procCapacity),
		threadSlots:        make([]threadSlot, threadCapacity),
		threadCap:          uint32(threadCapacity),
		defaultHandleBound: defaultHandleBound,
	}
}

func (m *Manager) allocPID() uint64 { return atomic.AddUint64(&m.nextPID, 1) }
func (m *Manager) allocTID() uint64 { return atomic.AddUint64(&m.nextTID, 1) }

// CreateProcess allocates a process record, address space, main thread
// slot, loads argv/envp from img, and creates (but does not yet enqueue)
// the main thread in StateNew (spec §4.5). The caller is responsible for
// admitting the main thread to a runqueue (internal/sched), which
// transitions the process new -> ready.
func (m *Manager) CreateProcess(h hal.HAL, parent *Process, img Image, nowNs int64) (*Process, *Thread, error) {
	as, err := h.AddressSpaceCreate()
	if err != nil {
		return nil, nil, kerr.Wrap(kerr.NoMemory, err, "create-process: address space create failed")
	}

	pid := m.allocPID()
	slot := uint32(pid % uint64(m.procCap))

	proc := &Process{
		PID:          pid,
		slot:         slot,
		State:        StateNew,
		Parent:       parent,
		AddressSpace: as,
		Handles:      handle.New(pid, m.caps, m.defaultHandleBound),
		Layout:       img.Layout,
		Argv:         append([]string(nil), img.Spec.Args...),
		Envp:         append([]string(nil), img.Spec.Env...),
		CreatedAtNs:  nowNs,
	}

	m.procMu.Lock()
	if m.procSlots[slot].pid != 0 {
		m.procMu.Unlock()
		_ = h.AddressSpaceDestroy(as)
		return nil, nil, kerr.New(kerr.NoSpace, "create-process: process table slot %d occupied", slot)
	}
	m.procSlots[slot] = procSlot{proc: proc, pid: pid}
	m.procMu.Unlock()

	if parent != nil {
		parent.mu.Lock()
		parent.children = append(parent.children, pid)
		parent.mu.Unlock()
	}

	mainThread, err := m.createThreadLocked(proc, h, img.EntryPoint, 0, img.Layout.StackBase, int(img.Layout.StackSize), nowNs)
	if err != nil {
		return nil, nil, err
	}

	proc.mu.Lock()
	proc.Threads = append(proc.Threads, mainThread)
	proc.mu.Unlock()

	return proc, mainThread, nil
}

// CreateThread allocates a new thread within proc: a user stack
// (permissions RW, user-accessible — the caller maps it via
// proc.AddressSpace before or as part of this call in a real HAL-backed
// path; here the stack region is caller-provided), and a register
// context initialized via h.ContextInit so execution resumes at
// entryPoint(arg) with SP at the stack's top (spec §4.5).
func (m *Manager) CreateThread(proc *Process, h hal.Context, entryPoint uintptr, arg uintptr, stackBase uintptr, stackSize int, nowNs int64) (*Thread, error) {
	th, err := m.createThreadLocked(proc, h, entryPoint, arg, stackBase, stackSize, nowNs)
	if err != nil {
		return nil, err
	}
	proc.mu.Lock()
	proc.Threads = append(proc.Threads, th)
	proc.mu.Unlock()
	return th, nil
}

func (m *Manager) createThreadLocked(proc *Process, h hal.Context, entryPoint uintptr, arg uintptr, stackBase uintptr, stackSize int, nowNs int64) (*Thread, error) {
	tid := m.allocTID()
	slot := uint32(tid % uint64(m.threadCap))

	th := &Thread{
		TID:             tid,
		slot:            slot,
		Process:         proc,
		State:           ThreadNew,
		KernelStackBase: 0,
		UserStackBase:   stackBase,
		UserStackSize:   stackSize,
		Priority:        0,
		Weight:          WeightForPriority(0),
		LastSwitchNs:    nowNs,
		RQCPU:           -1,
	}

	m.threadMu.Lock()
	if m.threadSlots[slot].tid != 0 {
		m.threadMu.Unlock()
		return nil, kerr.New(kerr.NoSpace, "create-thread: thread table slot %d occupied", slot)
	}
	m.threadSlots[slot] = threadSlot{thread: th, tid: tid}
	m.threadMu.Unlock()

	// Architecture-opaque register context, initialized via the HAL so
	// the thread resumes at entryPoint(arg) with SP at the stack top on
	// first dispatch (spec §4.5).
	stackTop := stackBase + uintptr(stackSize)
	h.ContextInit(&th.Context, entryPoint, stackTop, arg)

	return th, nil
}

// WeightForPriority maps a nice-equivalent priority in [-20, 19] to a
// scheduler weight (spec §4.6): higher priority yields a higher weight,
// which accrues virtual runtime more slowly. This mirrors the classic
// CFS nice-to-weight table.
func WeightForPriority(priority int) int {
	if priority < MinPriority {
		priority = MinPriority
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}
	return niceToWeight[priority-MinPriority]
}

// niceToWeight is indexed by (priority - MinPriority); values follow the
// standard CFS table (weight roughly multiplies by 1.25 per nice step).
var niceToWeight = [MaxPriority - MinPriority + 1]int{
	88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

// Lookup returns the live process for pid, or (nil, false) if pid is
// unknown or its slot has been recycled by a different process.
func (m *Manager) Lookup(pid uint64) (*Process, bool) {
	if pid == 0 {
		return nil, false
	}
	slot := uint32(pid % uint64(m.procCap))
	m.procMu.Lock()
	defer m.procMu.Unlock()
	s := m.procSlots[slot]
	if s.pid != pid {
		return nil, false
	}
	return s.proc, true
}

// LookupThread returns the live thread for tid, or (nil, false).
func (m *Manager) LookupThread(tid uint64) (*Thread, bool) {
	if tid == 0 {
		return nil, false
	}
	slot := uint32(tid % uint64(m.threadCap))
	m.threadMu.Lock()
	defer m.threadMu.Unlock()
	s := m.threadSlots[slot]
	if s.tid != tid {
		return nil, false
	}
	return s.thread, true
}

// DetachThread marks th terminated and removes it from scheduling
// consideration — phase one of the two-phase destruction procedure
// (spec §4.5). The caller (internal/sched) must already have removed th
// from any runqueue before calling this.
func (m *Manager) DetachThread(th *Thread) {
	th.mu.Lock()
	th.State = ThreadTerminated
	th.mu.Unlock()
}

// ReapThread frees th's slot once the caller has confirmed th is
// quiesced (off every runqueue, no CPU is still "current" on it) —
// phase two of the two-phase destruction procedure (spec §4.5). This
// prevents use-after-free when a thread is preempted while other CPUs
// hold pointers to it.
func (m *Manager) ReapThread(th *Thread) {
	m.threadMu.Lock()
	if m.threadSlots[th.slot].tid == th.TID {
		m.threadSlots[th.slot] = threadSlot{}
	}
	m.threadMu.Unlock()

	if proc := th.Process; proc != nil {
		proc.mu.Lock()
		for i, t := range proc.Threads {
			if t.TID == th.TID {
				proc.Threads = append(proc.Threads[:i], proc.Threads[i+1:]...)
				break
			}
		}
		proc.mu.Unlock()
	}
}

// RaiseSignal OR-accumulates bits into proc's pending-signal mask (spec
// §6's "signal" syscall); delivery/consumption is a userspace-visible
// concern outside this package's scope.
func (p *Process) RaiseSignal(bits uint64) {
	p.mu.Lock()
	p.PendingSignals |= bits
	p.mu.Unlock()
}

// ExitProcess transitions proc to zombie. It is fully reaped (its slot
// freed) when the parent observes its status or the parent itself
// exits (spec §3's process lifecycle).
func (m *Manager) ExitProcess(proc *Process) {
	proc.mu.Lock()
	proc.State = StateZombie
	proc.mu.Unlock()
}

// ReapProcess frees proc's process-table slot after its parent has
// observed its zombie status (or the parent exited).
func (m *Manager) ReapProcess(proc *Process) {
	m.procMu.Lock()
	if m.procSlots[proc.slot].pid == proc.PID {
		m.procSlots[proc.slot] = procSlot{}
	}
	m.procMu.Unlock()
}

// AggregateState derives a process's overall state from its threads'
// states, per spec §3: *running*/*blocked*/*sleeping*/*stopped* are
// driven by the threads' aggregate. A process with any running thread
// is running; else any ready thread makes it ready; else any blocked
// thread makes it blocked; else any sleeping thread makes it sleeping;
// a process with no threads left is left as whatever
// ExitProcess/StateNew most recently set.
func AggregateState(proc *Process) State {
	proc.mu.Lock()
	threads := append([]*Thread(nil), proc.Threads...)
	current := proc.State
	proc.mu.Unlock()

	if current == StateZombie {
		return StateZombie
	}
	if len(threads) == 0 {
		return current
	}

	var anyRunning, anyReady, anyBlocked, anySleeping bool
	for _, th := range threads {
		th.mu.Lock()
		s := th.State
		th.mu.Unlock()
		switch s {
		case ThreadRunning:
			anyRunning = true
		case ThreadReady:
			anyReady = true
		case ThreadBlocked:
			anyBlocked = true
		case ThreadSleeping:
			anySleeping = true
		}
	}
	switch {
	case anyRunning:
		return StateRunning
	case anyReady:
		return StateReady
	case anyBlocked:
		return StateBlocked
	case anySleeping:
		return StateSleeping
	default:
		return current
	}
}
