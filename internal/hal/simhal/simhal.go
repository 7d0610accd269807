// Package simhal is a software simulation of internal/hal's interfaces,
// used by tests and cmd/orion-sim in place of a real per-ISA port.
// golang.org/x/sys/unix's monotonic clock backs Time, and a per-address-
// space list of mapping records stands in for the MMU — grounded on the teacher
// corpus's heavy use of golang.org/x/sys/unix for raw Linux primitives
// (pathres.go's CAP_DAC_OVERRIDE checks, idMap's MountSetattr,
// linuxUtils's kernel version probing) and golang-set for membership
// tracking (idShiftUtils, overlayUtils).
//
// simhal does not execute real machine code: there is no hardware to
// context-switch, so ContextInit/ContextSwitch are bookkeeping no-ops.
// The scheduler under test runs its tick/pick_next/wakeup accounting
// against simulated time, exactly as the testable properties in spec §8
// describe (simulated ticks, not real execution).
package simhal

import (
	"fmt"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"golang.org/x/sys/unix"

	"github.com/iyotee/Orion-sub005/internal/hal"
)

// HAL is the simulated hardware abstraction layer. It is driven by a
// single scripted goroutine (a test or cmd/orion-sim), so "current CPU"
// is an explicit, settable piece of state rather than a true per-core
// thread-local — callers step through CPUs in turn via
// SetCurrentCPUID before issuing operations on behalf of that CPU.
type HAL struct {
	mu       sync.Mutex
	cpuCount int
	online   mapset.Set[int]
	current  int
	bootNs   int64
	oneshots map[int]func()
	irqs     map[int]irqHandler

	haltedMu sync.Mutex
	halted   mapset.Set[int]
}

type irqHandler struct {
	fn   func(data any)
	data any
}

// New creates a simulated HAL with cpuCount cores, all initially online.
func New(cpuCount int) *HAL {
	online := mapset.NewSet[int]()
	for i := 0; i < cpuCount; i++ {
		online.Add(i)
	}
	return &HAL{
		cpuCount: cpuCount,
		online:   online,
		bootNs:   nowNs(),
		oneshots: make(map[int]func()),
		irqs:     make(map[int]irqHandler),
		halted:   mapset.NewSet[int](),
	}
}

func nowNs() int64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return ts.Nano()
}

// SetCurrentCPUID sets which CPU id CurrentCPUID reports. The scripted
// driver calls this before performing an operation "as" that CPU.
func (h *HAL) SetCurrentCPUID(cpu int) {
	h.mu.Lock()
	h.current = cpu
	h.mu.Unlock()
}

func (h *HAL) CurrentCPUID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

func (h *HAL) CPUCount() int { return h.cpuCount }

func (h *HAL) OnlineCPUs() []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online.ToSlice()
}

// SetOffline/SetOnline simulate CPU hotplug for the edge case in spec
// §4.6: a thread must never land on an offline CPU.
func (h *HAL) SetOffline(cpu int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online.Remove(cpu)
}

func (h *HAL) SetOnline(cpu int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.online.Add(cpu)
}

func (h *HAL) CPUIdle(cpu int) {
	// no-op in simulation: the scheduler's idle thread already
	// represents this state.
}

func (h *HAL) SendIPI(cpu int, kind hal.IRQKind) {
	if kind == hal.IPIHalt {
		h.haltedMu.Lock()
		h.halted.Add(cpu)
		h.haltedMu.Unlock()
	}
}

// Halted reports whether SendIPI(cpu, hal.IPIHalt) was observed for cpu,
// or Halt was called while cpu was the current CPU, used by diag tests to assert the panic path's broadcast.
func (h *HAL) Halted(cpu int) bool {
	h.haltedMu.Lock()
	defer h.haltedMu.Unlock()
	return h.halted.Contains(cpu)
}

func (h *HAL) Halt() {
	h.haltedMu.Lock()
	h.halted.Add(h.CurrentCPUID())
	h.haltedMu.Unlock()
}

func (h *HAL) DisableInterrupts() {}
func (h *HAL) EnableInterrupts()  {}

func (h *HAL) TimestampNs() int64 { return nowNs() }
func (h *HAL) BootTimeNs() int64  { return h.bootNs }

func (h *HAL) TimerInit(hz int) {}

func (h *HAL) TimerSetOneshot(ticks int, cb func()) {
	h.mu.Lock()
	h.oneshots[ticks] = cb
	h.mu.Unlock()
}

// FireOneshot invokes and clears any callback armed for the given tick
// count; callers (the syscall tests) drive this explicitly since there
// is no real timer IRQ in simulation.
func (h *HAL) FireOneshot(ticks int) {
	h.mu.Lock()
	cb, ok := h.oneshots[ticks]
	if ok {
		delete(h.oneshots, ticks)
	}
	h.mu.Unlock()
	if ok {
		cb()
	}
}

func (h *HAL) AddressSpaceCreate() (hal.AddressSpace, error) {
	return newSimAddressSpace(), nil
}

func (h *HAL) AddressSpaceDestroy(as hal.AddressSpace) error {
	return nil
}

func (h *HAL) IRQRegister(n int, handler func(data any), data any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.irqs[n] = irqHandler{fn: handler, data: data}
	return nil
}

func (h *HAL) IRQEnable(n int) error  { return nil }
func (h *HAL) IRQDisable(n int) error { return nil }
func (h *HAL) IRQAck(n int) error     { return nil }

// RaiseIRQ invokes a registered handler, simulating an interrupt firing.
func (h *HAL) RaiseIRQ(n int) error {
	h.mu.Lock()
	hnd, ok := h.irqs[n]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("simhal: no handler registered for irq %d", n)
	}
	hnd.fn(hnd.data)
	return nil
}

func (h *HAL) ContextInit(ctx *hal.RegisterContext, entryPoint uintptr, stackTop uintptr, arg uintptr) {
	ctx.Opaque = []byte(fmt.Sprintf("entry=%#x:stack=%d:arg=%d", entryPoint, stackTop, arg))
}

func (h *HAL) ContextSwitch(prev, next *hal.RegisterContext) {
	// simulation: nothing to save/restore beyond the opaque blob, which
	// the scheduler already owns per thread.
}
