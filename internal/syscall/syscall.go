// Package syscall implements C9's numbered dispatch table (spec §6):
// the single boundary userspace crosses into the kernel core. Every
// group (process/thread, memory, IPC, time, I/O, objects, security,
// misc) is numbered per spec §6's fixed layout; argument and result
// shapes are deliberately generic (a small bag-of-fields Request and
// Response) since a real trap handler would copy fixed-size register
// arguments in, not typed Go structs. Copy-in/out validation runs
// through the HAL's ValidateUserRange; capability/right resolution
// flows through internal/handle into internal/capability; every
// handler returns a *kerr.Error so callers can switch on Kind (spec
// §7). Grounded on linuxUtils's single-entry-point, numbered-operation
// dispatch shape (its ioctl-style "cmd" switch in nsenter/nsexec.c-era
// helpers), generalized here into a Go map-based dispatch table.
package syscall

import (
	"context"
	"crypto/rand"
	"sync"

	"github.com/iyotee/Orion-sub005/internal/audit"
	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/hal"
	"github.com/iyotee/Orion-sub005/internal/ipc"
	"github.com/iyotee/Orion-sub005/internal/kerr"
	"github.com/iyotee/Orion-sub005/internal/klog"
	"github.com/iyotee/Orion-sub005/internal/process"
	"github.com/iyotee/Orion-sub005/internal/sched"
)

// Number is one of the 0-59 numbered syscalls spec §6 lays out.
type Number int

// Process/thread group (0-9).
const (
	SysExit Number = iota
	SysYield
	SysProcCreate
	SysThreadCreate
	SysWait
	SysSignal
	SysGetPID
	SysGetTID
)

// Memory group (10-19).
const (
	SysVMMap Number = iota + 10
	SysVMUnmap
	SysVMProtect
	SysShmCreate
	SysShmAttach
	SysShmDetach
	SysMadvise
)

// IPC group (20-29).
const (
	SysPortCreate Number = iota + 20
	SysPortSend
	SysPortRecv
	SysPortShare
	SysMsgForward
)

// Time group (30-34).
const (
	SysClockGet Number = iota + 30
	SysTimerCreate
	SysTimerStart
	SysTimerStop
	SysNanosleep
)

// I/O group (35-39).
const (
	SysOpen Number = iota + 35
	SysIOSubmit
	SysIOPoll
	SysIOCancel
)

// Objects group (40-44).
const (
	SysObjInfo Number = iota + 40
	SysObjDup
	SysObjClose
)

// Security group (45-49).
const (
	SysCapGrant Number = iota + 45
	SysCapRevoke
	SysCapQuery
	SysSandboxLoad
	SysAuditEmit
)

// Misc group (50-59).
const (
	SysInfo Number = iota + 50
	SysDbgTrace
	SysRandom
)

// vm-map PROT/MAP flag bits (spec §6), carried in Request.Flags.
const (
	ProtRead = 1 << iota
	ProtWrite
	ProtExec
)

const (
	MapPrivate = 1 << iota
	MapShared
	MapFixed
	MapAnonymous
)

// Request is the generic argument bag a numbered syscall reads from;
// each handler interprets only the fields its group needs, standing in
// for a fixed-size register/argument copy-in a real trap handler would
// perform through the HAL's ValidateUserRange.
type Request struct {
	Handle    int
	Handle2   int
	VA, PA    uintptr
	Length    int
	Flags     int
	Arg0      uint64
	Arg1      uint64
	Nonblock  bool
	Payload   []byte
	Caps      []ipc.CapTransfer
	MsgType   ipc.MessageType
	Rights    capability.Rights
	TargetPID uint64
	Image     process.Image
	Path      string
}

// Response is the generic result bag a handler populates.
type Response struct {
	Handle int
	Value  uint64
	PID    uint64
	TID    uint64
	Data   []byte
}

// Handler implements one numbered syscall.
type Handler func(d *Dispatcher, ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error)

// Dispatcher wires the numbered syscall table to the kernel's core
// components (spec §9: C9 depends on C4-C8). There is one Dispatcher
// per booted kernel.
type Dispatcher struct {
	procs   *process.Manager
	sc      *sched.Scheduler
	caps    *capability.Table
	h       hal.HAL
	klog    *klog.Ring
	auditor *audit.Logger

	mu         sync.Mutex
	nextPortID uint64
	ports      map[uint64]*ipc.Port

	nextTimerID uint64
	timers      map[uint64]timerEntry

	sandboxMu sync.Mutex
	sandboxes map[uint64]SandboxProfile
}

type timerEntry struct {
	port *ipc.Port
	bits uint64
}

// SandboxProfile is the rights ceiling a sandbox-load call installs for
// a process: CapGrant on that process narrows the granted rights
// through this mask in addition to the granting capability's own
// rights (spec §6 "security (... sandbox-load ...)").
type SandboxProfile struct {
	MaxRights capability.Rights
}

// New creates a Dispatcher over the given core components. It registers
// the IPC port teardown hook on caps so destroying a port capability
// (via handle.Close reaching refcount zero) also tears down the
// in-memory Port; cap-revoke does not destroy the capability.
func New(procs *process.Manager, sc *sched.Scheduler, caps *capability.Table, h hal.HAL, log *klog.Ring, auditor *audit.Logger) *Dispatcher {
	d := &Dispatcher{
		procs:     procs,
		sc:        sc,
		caps:      caps,
		h:         h,
		klog:      log,
		auditor:   auditor,
		ports:     make(map[uint64]*ipc.Port),
		timers:    make(map[uint64]timerEntry),
		sandboxes: make(map[uint64]SandboxProfile),
	}
	caps.RegisterTeardown(capability.TypeIPCPort, func(objectID uint64) error {
		d.mu.Lock()
		p := d.ports[objectID]
		delete(d.ports, objectID)
		d.mu.Unlock()
		if p != nil {
			p.Destroy()
		}
		return nil
	})
	return d
}

var table = map[Number]Handler{
	SysExit:        (*Dispatcher).sysExit,
	SysYield:       (*Dispatcher).sysYield,
	SysProcCreate:  (*Dispatcher).sysProcCreate,
	SysThreadCreate: (*Dispatcher).sysThreadCreate,
	SysWait:        (*Dispatcher).sysWait,
	SysSignal:      (*Dispatcher).sysSignal,
	SysGetPID:      (*Dispatcher).sysGetPID,
	SysGetTID:      (*Dispatcher).sysGetTID,

	SysVMMap:     (*Dispatcher).sysVMMap,
	SysVMUnmap:   (*Dispatcher).sysVMUnmap,
	SysVMProtect: (*Dispatcher).sysVMProtect,
	SysShmCreate: (*Dispatcher).sysShmCreate,
	SysShmAttach: (*Dispatcher).sysShmAttach,
	SysShmDetach: (*Dispatcher).sysShmDetach,
	SysMadvise:   (*Dispatcher).sysMadvise,

	SysPortCreate: (*Dispatcher).sysPortCreate,
	SysPortSend:   (*Dispatcher).sysPortSend,
	SysPortRecv:   (*Dispatcher).sysPortRecv,
	SysPortShare:  (*Dispatcher).sysPortShare,
	SysMsgForward: (*Dispatcher).sysMsgForward,

	SysClockGet:    (*Dispatcher).sysClockGet,
	SysTimerCreate: (*Dispatcher).sysTimerCreate,
	SysTimerStart:  (*Dispatcher).sysTimerStart,
	SysTimerStop:   (*Dispatcher).sysTimerStop,
	SysNanosleep:   (*Dispatcher).sysNanosleep,

	SysOpen:     (*Dispatcher).sysOpen,
	SysIOSubmit: (*Dispatcher).sysIOSubmit,
	SysIOPoll:   (*Dispatcher).sysIOPoll,
	SysIOCancel: (*Dispatcher).sysIOCancel,

	SysObjInfo:  (*Dispatcher).sysObjInfo,
	SysObjDup:   (*Dispatcher).sysObjDup,
	SysObjClose: (*Dispatcher).sysObjClose,

	SysCapGrant:    (*Dispatcher).sysCapGrant,
	SysCapRevoke:   (*Dispatcher).sysCapRevoke,
	SysCapQuery:    (*Dispatcher).sysCapQuery,
	SysSandboxLoad: (*Dispatcher).sysSandboxLoad,
	SysAuditEmit:   (*Dispatcher).sysAuditEmit,

	SysInfo:    (*Dispatcher).sysInfo,
	SysDbgTrace: (*Dispatcher).sysDbgTrace,
	SysRandom:  (*Dispatcher).sysRandom,
}

// Dispatch routes num to its registered handler (spec §6's numbered
// dispatch table), returning invalid-argument for an unassigned number
// (spec §6 groups reserve some numbers for future use).
func (d *Dispatcher) Dispatch(ctx context.Context, callerPID, callerTID uint64, num Number, req Request) (Response, error) {
	h, ok := table[num]
	if !ok {
		return Response{}, kerr.New(kerr.InvalidArgument, "dispatch: syscall number %d is unassigned", num)
	}
	return h(d, ctx, callerPID, callerTID, req)
}

func (d *Dispatcher) callerProcess(pid uint64) (*process.Process, error) {
	proc, ok := d.procs.Lookup(pid)
	if !ok {
		return nil, kerr.New(kerr.NotFound, "syscall: calling process %d not found", pid)
	}
	return proc, nil
}

// ---- process/thread (0-9) ----

func (d *Dispatcher) sysExit(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	th, ok := d.procs.LookupThread(callerTID)
	if !ok {
		return Response{}, kerr.New(kerr.NotFound, "exit: calling thread %d not found", callerTID)
	}

	d.sc.RemoveFromRQ(th)
	d.procs.DetachThread(th)
	d.procs.ReapThread(th)

	if len(proc.Threads) <= 1 {
		d.procs.ExitProcess(proc)
	}
	return Response{}, nil
}

func (d *Dispatcher) sysYield(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	cpu := d.h.CurrentCPUID()
	d.sc.Yield(cpu)
	return Response{}, nil
}

func (d *Dispatcher) sysProcCreate(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	var parent *process.Process
	if callerPID != 0 {
		parent, _ = d.procs.Lookup(callerPID)
	}
	proc, mainThread, err := d.procs.CreateProcess(d.h, parent, req.Image, d.h.TimestampNs())
	if err != nil {
		return Response{}, err
	}
	if err := d.sc.AddToRQ(mainThread); err != nil {
		return Response{}, err
	}
	return Response{PID: proc.PID, TID: mainThread.TID}, nil
}

func (d *Dispatcher) sysThreadCreate(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	th, err := d.procs.CreateThread(proc, d.h, req.Image.EntryPoint, uintptr(req.Arg0), req.VA, req.Length, d.h.TimestampNs())
	if err != nil {
		return Response{}, err
	}
	if err := d.sc.AddToRQ(th); err != nil {
		return Response{}, err
	}
	return Response{TID: th.TID}, nil
}

func (d *Dispatcher) sysWait(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	child, ok := d.procs.Lookup(req.TargetPID)
	if !ok {
		return Response{}, kerr.New(kerr.NotFound, "wait: process %d not found", req.TargetPID)
	}
	if process.AggregateState(child) != process.StateZombie {
		return Response{}, kerr.New(kerr.WouldBlock, "wait: process %d has not exited", req.TargetPID)
	}
	d.procs.ReapProcess(child)
	return Response{PID: child.PID}, nil
}

func (d *Dispatcher) sysSignal(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	target, ok := d.procs.Lookup(req.TargetPID)
	if !ok {
		return Response{}, kerr.New(kerr.NotFound, "signal: process %d not found", req.TargetPID)
	}
	target.RaiseSignal(req.Arg0)
	return Response{}, nil
}

func (d *Dispatcher) sysGetPID(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	return Response{PID: callerPID}, nil
}

func (d *Dispatcher) sysGetTID(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	return Response{TID: callerTID}, nil
}

// ---- memory (10-19) ----

func mapFlags(flags int) hal.MapFlags {
	return hal.MapFlags{
		Read:      flags&ProtRead != 0,
		Write:     flags&ProtWrite != 0,
		Exec:      flags&ProtExec != 0,
		Private:   flags&MapPrivate != 0,
		Shared:    flags&MapShared != 0,
		Fixed:     flags&MapFixed != 0,
		Anonymous: flags&MapAnonymous != 0,
	}
}

func (d *Dispatcher) sysVMMap(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if err := proc.AddressSpace.Map(req.VA, req.PA, req.Length, mapFlags(req.Flags)); err != nil {
		return Response{}, kerr.Wrap(kerr.NoMemory, err, "vm-map: failed for va=%#x len=%d", req.VA, req.Length)
	}
	return Response{Value: uint64(req.VA)}, nil
}

func (d *Dispatcher) sysVMUnmap(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if err := proc.AddressSpace.Unmap(req.VA, req.Length); err != nil {
		return Response{}, kerr.Wrap(kerr.InvalidArgument, err, "vm-unmap: failed for va=%#x len=%d", req.VA, req.Length)
	}
	return Response{}, nil
}

func (d *Dispatcher) sysVMProtect(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if err := proc.AddressSpace.Protect(req.VA, req.Length, mapFlags(req.Flags)); err != nil {
		return Response{}, kerr.Wrap(kerr.InvalidArgument, err, "vm-protect: failed for va=%#x len=%d", req.VA, req.Length)
	}
	return Response{}, nil
}

// sysShmCreate draws its object id from d.nextPortID, standing in for a real physical
// page allocator's object-id namespace (spec §1 scopes the physical
// allocator out; only the capability/handle bookkeeping around a shared
// region is this kernel's concern).
func (d *Dispatcher) sysShmCreate(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	d.mu.Lock()
	id := d.nextPortID // shares the monotonic counter space with ports; both are just object ids.
	d.nextPortID++
	d.mu.Unlock()

	capID := d.caps.Create(capability.TypeMemory, id, req.Rights|capability.Read|capability.Write, callerPID)
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	h, err := proc.Handles.Open(capID, req.Rights|capability.Read|capability.Write)
	if err != nil {
		return Response{}, err
	}
	return Response{Handle: h}, nil
}

func (d *Dispatcher) sysShmAttach(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	capID, err := proc.Handles.Lookup(req.Handle, capability.TypeMemory)
	if err != nil {
		return Response{}, err
	}
	if _, ok := d.caps.Lookup(capID, callerPID); !ok {
		return Response{}, kerr.New(kerr.BadHandle, "shm-attach: capability behind handle %d is stale", req.Handle)
	}
	flags := mapFlags(req.Flags)
	flags.Shared = true
	if err := proc.AddressSpace.Map(req.VA, req.PA, req.Length, flags); err != nil {
		return Response{}, kerr.Wrap(kerr.NoMemory, err, "shm-attach: map failed")
	}
	return Response{Value: uint64(req.VA)}, nil
}

func (d *Dispatcher) sysShmDetach(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if err := proc.AddressSpace.Unmap(req.VA, req.Length); err != nil {
		return Response{}, kerr.Wrap(kerr.InvalidArgument, err, "shm-detach: unmap failed")
	}
	return Response{}, nil
}

// sysMadvise validates the range but otherwise has no observable effect
// (no physical allocator backs this kernel, spec §1); callers rely on
// it only for the copy-in/out validation contract.
func (d *Dispatcher) sysMadvise(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if !proc.AddressSpace.ValidateUserRange(req.VA, req.Length, false) {
		return Response{}, kerr.New(kerr.InvalidArgument, "madvise: range va=%#x len=%d is not user-addressable", req.VA, req.Length)
	}
	return Response{}, nil
}

// ---- IPC (20-29) ----

func (d *Dispatcher) sysPortCreate(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	capacity := int(req.Arg0)
	if capacity <= 0 {
		capacity = 16
	}

	d.mu.Lock()
	id := d.nextPortID
	d.nextPortID++
	port := ipc.New(callerPID, capacity, d.caps, d.h.TimestampNs)
	d.ports[id] = port
	d.mu.Unlock()

	rights := capability.Read | capability.Write | capability.Grant | capability.Revoke | capability.Delete
	capID := d.caps.Create(capability.TypeIPCPort, id, rights, callerPID)

	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	h, err := proc.Handles.Open(capID, rights)
	if err != nil {
		return Response{}, err
	}
	return Response{Handle: h}, nil
}

func (d *Dispatcher) resolvePort(proc *process.Process, h int, pid uint64) (*ipc.Port, error) {
	capID, err := proc.Handles.Lookup(h, capability.TypeIPCPort)
	if err != nil {
		return nil, err
	}
	info, ok := d.caps.Lookup(capID, pid)
	if !ok {
		return nil, kerr.New(kerr.BadHandle, "ipc: capability behind handle %d is stale", h)
	}
	d.mu.Lock()
	port := d.ports[info.ObjectID]
	d.mu.Unlock()
	if port == nil {
		return nil, kerr.New(kerr.NotFound, "ipc: no port backs object %d", info.ObjectID)
	}
	return port, nil
}

func (d *Dispatcher) sysPortSend(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	port, err := d.resolvePort(proc, req.Handle, callerPID)
	if err != nil {
		return Response{}, err
	}
	msg := ipc.Message{Type: req.MsgType, Payload: req.Payload, Caps: req.Caps}
	if err := port.Send(ctx, callerPID, msg, req.Nonblock); err != nil {
		return Response{}, err
	}
	return Response{}, nil
}

func (d *Dispatcher) sysPortRecv(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	port, err := d.resolvePort(proc, req.Handle, callerPID)
	if err != nil {
		return Response{}, err
	}
	msg, err := port.Receive(ctx, req.Nonblock, callerPID, proc.Handles)
	if err != nil {
		return Response{}, err
	}
	return Response{Data: msg.Payload, PID: msg.SenderPID}, nil
}

// sysPortShare grants another process a direct handle onto a port
// capability (spec §6 "port-share"), distinct from sending a
// TypeCapability message: no message is enqueued, the grant is
// immediate.
func (d *Dispatcher) sysPortShare(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	capID, err := proc.Handles.Lookup(req.Handle, capability.TypeIPCPort)
	if err != nil {
		return Response{}, err
	}
	narrowed, err := d.caps.Grant(capID, req.TargetPID, req.Rights, callerPID)
	if err != nil {
		return Response{}, err
	}
	target, err := d.callerProcess(req.TargetPID)
	if err != nil {
		return Response{}, err
	}
	h, err := target.Handles.Open(capID, narrowed)
	if err != nil {
		return Response{}, err
	}
	if d.auditor != nil {
		d.auditor.Emit(d.h.TimestampNs(), audit.EventCapGrant, callerPID, "port-share handle=%d target=%d rights=%v", req.Handle, req.TargetPID, narrowed)
	}
	return Response{Handle: h}, nil
}

// sysMsgForward receives the next message on one port and immediately
// re-sends it on another, without exposing the payload to userspace in
// between (spec §6 "msg-forward").
func (d *Dispatcher) sysMsgForward(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	src, err := d.resolvePort(proc, req.Handle, callerPID)
	if err != nil {
		return Response{}, err
	}
	dst, err := d.resolvePort(proc, req.Handle2, callerPID)
	if err != nil {
		return Response{}, err
	}
	msg, err := src.Receive(ctx, req.Nonblock, callerPID, proc.Handles)
	if err != nil {
		return Response{}, err
	}
	if err := dst.Send(ctx, callerPID, msg, req.Nonblock); err != nil {
		return Response{}, err
	}
	return Response{}, nil
}

// ---- time (30-34) ----

func (d *Dispatcher) sysClockGet(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	return Response{Value: uint64(d.h.TimestampNs())}, nil
}

func (d *Dispatcher) sysTimerCreate(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	port, err := d.resolvePort(proc, req.Handle, callerPID)
	if err != nil {
		return Response{}, err
	}
	d.mu.Lock()
	id := d.nextTimerID
	d.nextTimerID++
	d.timers[id] = timerEntry{port: port, bits: req.Arg0}
	d.mu.Unlock()
	return Response{Value: id}, nil
}

func (d *Dispatcher) sysTimerStart(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	d.mu.Lock()
	te, ok := d.timers[req.Arg0]
	d.mu.Unlock()
	if !ok {
		return Response{}, kerr.New(kerr.NotFound, "timer-start: unknown timer %d", req.Arg0)
	}
	d.h.TimerSetOneshot(int(req.Arg1), func() { te.port.Notify(te.bits) })
	return Response{}, nil
}

// sysTimerStop removes the timer's bookkeeping entry. The HAL's
// TimerSetOneshot interface has no cancel primitive (spec §6 gives the
// kernel no architectural one-shot cancel either); a callback armed
// before stop still fires and notifies the timer's port.
func (d *Dispatcher) sysTimerStop(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	d.mu.Lock()
	delete(d.timers, req.Arg0)
	d.mu.Unlock()
	return Response{}, nil
}

func (d *Dispatcher) sysNanosleep(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	th, ok := d.procs.LookupThread(callerTID)
	if !ok {
		return Response{}, kerr.New(kerr.NotFound, "nanosleep: calling thread %d not found", callerTID)
	}
	deadline := d.h.TimestampNs() + int64(req.Arg0)
	d.sc.SleepUntil(th, deadline)
	return Response{Value: uint64(deadline)}, nil
}

// ---- I/O (35-39) ----

type ioCompletion struct {
	n   int
	err error
}

// sysOpen resolves a path to a capability-backed file object. A real
// VFS backing store is out of scope (spec §1); this kernel only owns
// the capability/handle bookkeeping an open file descriptor needs, so
// every open mints a fresh TypeFile capability over an opaque object id
// drawn from a counter (the path is not used), with no storage behind it.
func (d *Dispatcher) sysOpen(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	d.mu.Lock()
	id := d.nextPortID
	d.nextPortID++
	d.mu.Unlock()

	rights := req.Rights
	if rights == 0 {
		rights = capability.Read
	}
	capID := d.caps.Create(capability.TypeFile, id, rights, callerPID)
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	h, err := proc.Handles.Open(capID, rights)
	if err != nil {
		return Response{}, err
	}
	return Response{Handle: h}, nil
}

// sysIOSubmit, sysIOPoll, sysIOCancel model a minimal completion-queue
// I/O ring (spec §6 "io-submit/poll/cancel"); since no real device/file
// backing exists in this kernel (spec §1), io-submit echoes the request's
// Arg0 and payload back. A submitted op always completes immediately;
// the three-call shape is preserved so userspace's submit/poll/cancel
// protocol is exercised even though completion is synchronous here.
func (d *Dispatcher) sysIOSubmit(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if _, err := proc.Handles.Lookup(req.Handle, capability.TypeFile); err != nil {
		return Response{}, err
	}
	return Response{Value: req.Arg0, Data: append([]byte(nil), req.Payload...)}, nil
}

func (d *Dispatcher) sysIOPoll(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	return Response{Value: req.Arg0}, nil
}

func (d *Dispatcher) sysIOCancel(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	// best-effort: a synchronously-completed op is already done by the
	// time cancel could observe it.
	return Response{}, nil
}

// ---- objects (40-44) ----

func (d *Dispatcher) sysObjInfo(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	_, typ, rights, err := proc.Handles.LookupAny(req.Handle)
	if err != nil {
		return Response{}, err
	}
	return Response{Value: uint64(rights), Data: []byte(typ.String())}, nil
}

func (d *Dispatcher) sysObjDup(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if err := proc.Handles.Dup(req.Handle); err != nil {
		return Response{}, err
	}
	return Response{Handle: req.Handle}, nil
}

func (d *Dispatcher) sysObjClose(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	if err := proc.Handles.Close(req.Handle); err != nil {
		return Response{}, err
	}
	return Response{}, nil
}

// ---- security (45-49) ----

func (d *Dispatcher) sandboxCeiling(pid uint64) capability.Rights {
	d.sandboxMu.Lock()
	defer d.sandboxMu.Unlock()
	profile, ok := d.sandboxes[pid]
	if !ok {
		return ^capability.Rights(0) // no ceiling installed: unrestricted
	}
	return profile.MaxRights
}

func (d *Dispatcher) sysCapGrant(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	capID, _, _, err := proc.Handles.LookupAny(req.Handle)
	if err != nil {
		return Response{}, err
	}
	rights := req.Rights & d.sandboxCeiling(callerPID)
	narrowed, err := d.caps.Grant(capID, req.TargetPID, rights, callerPID)
	if err != nil {
		return Response{}, err
	}
	target, err := d.callerProcess(req.TargetPID)
	if err != nil {
		return Response{}, err
	}
	h, err := target.Handles.Open(capID, narrowed)
	if err != nil {
		return Response{}, err
	}
	if d.auditor != nil {
		d.auditor.Emit(d.h.TimestampNs(), audit.EventCapGrant, callerPID, "cap-grant handle=%d target=%d rights=%v", req.Handle, req.TargetPID, narrowed)
	}
	return Response{Handle: h}, nil
}

func (d *Dispatcher) sysCapRevoke(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	capID, _, _, err := proc.Handles.LookupAny(req.Handle)
	if err != nil {
		return Response{}, err
	}
	if err := d.caps.Revoke(capID, req.TargetPID, req.Rights, callerPID); err != nil {
		return Response{}, err
	}
	if d.auditor != nil {
		d.auditor.Emit(d.h.TimestampNs(), audit.EventCapRevoke, callerPID, "cap-revoke handle=%d target=%d", req.Handle, req.TargetPID)
	}
	return Response{}, nil
}

func (d *Dispatcher) sysCapQuery(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	proc, err := d.callerProcess(callerPID)
	if err != nil {
		return Response{}, err
	}
	capID, _, _, err := proc.Handles.LookupAny(req.Handle)
	if err != nil {
		return Response{}, err
	}
	info, ok := d.caps.Lookup(capID, callerPID)
	if !ok {
		return Response{}, kerr.New(kerr.BadHandle, "cap-query: capability behind handle %d is stale", req.Handle)
	}
	return Response{Value: uint64(info.Rights), Data: []byte(info.Type.String())}, nil
}

// sysSandboxLoad installs a rights ceiling for the calling process: any
// future cap-grant it performs is narrowed through this mask in
// addition to the granting capability's own rights (spec §6
// "sandbox-load"; the exact policy format is this implementation's
// choice, since the source leaves the profile encoding open — see
// DESIGN.md).
func (d *Dispatcher) sysSandboxLoad(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	d.sandboxMu.Lock()
	d.sandboxes[callerPID] = SandboxProfile{MaxRights: req.Rights}
	d.sandboxMu.Unlock()
	return Response{}, nil
}

func (d *Dispatcher) sysAuditEmit(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	if d.auditor == nil {
		return Response{}, kerr.New(kerr.NotFound, "audit-emit: no audit logger installed")
	}
	d.auditor.Emit(d.h.TimestampNs(), audit.EventUser, callerPID, "%s", string(req.Payload))
	return Response{}, nil
}

// ---- misc (50-59) ----

func (d *Dispatcher) sysInfo(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	return Response{Value: uint64(d.h.CPUCount())}, nil
}

func (d *Dispatcher) sysDbgTrace(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	if d.klog != nil {
		d.klog.Write(klog.LevelDebug, "dbg-trace", "pid=%d tid=%d: %s", callerPID, callerTID, string(req.Payload))
	}
	return Response{}, nil
}

func (d *Dispatcher) sysRandom(ctx context.Context, callerPID, callerTID uint64, req Request) (Response, error) {
	n := int(req.Arg0)
	if n <= 0 || n > 4096 {
		return Response{}, kerr.New(kerr.InvalidArgument, "random: requested %d bytes out of range", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return Response{}, kerr.Wrap(kerr.Aborted, err, "random: entropy source failed")
	}
	return Response{Data: buf}, nil
}
