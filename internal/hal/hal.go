// Package hal defines the narrow interface the architecture-neutral
// kernel core consumes from each ISA port (spec §6, §9 "dynamic
// dispatch over per-ISA HAL"). The core never branches on ISA; it calls
// through these interfaces, which are populated at boot by whichever
// concrete HAL is registered. Per-ISA register/MMU/interrupt-controller
// implementations are out of scope (spec §1) — only this boundary and
// the simhal software simulation (for tests and cmd/orion-sim) live in
// this repository.
package hal

import "context"

// IRQKind distinguishes inter-processor interrupt kinds the core sends.
type IRQKind int

const (
	IPIReschedule IRQKind = iota
	IPIHalt
)

// CPU is the HAL's per-core control surface.
type CPU interface {
	CurrentCPUID() int
	CPUCount() int
	// OnlineCPUs reports the CPU ids currently online. The HAL must
	// report this atomically with respect to CPU hotplug so a thread
	// never lands on an offline CPU mid-transition (spec §4.6 edge case).
	OnlineCPUs() []int
	CPUIdle(cpu int)
	SendIPI(cpu int, kind IRQKind)
	Halt()
	DisableInterrupts()
	EnableInterrupts()
}

// Time is the HAL's clock and timer interface.
type Time interface {
	TimestampNs() int64 // monotonic
	BootTimeNs() int64
	TimerInit(hz int)
	TimerSetOneshot(ticks int, cb func())
}

// MMU is the HAL's address-space and mapping interface. The core
// consumes this as an external collaborator; its implementation is out
// of scope (spec §1, §4.5's "external collaborator" note).
type MMU interface {
	AddressSpaceCreate() (AddressSpace, error)
	AddressSpaceDestroy(AddressSpace) error
}

// AddressSpace is a single address space's mapping surface.
type AddressSpace interface {
	Map(va, pa uintptr, length int, flags MapFlags) error
	Unmap(va uintptr, length int) error
	Protect(va uintptr, length int, flags MapFlags) error
	Translate(va uintptr) (pa uintptr, ok bool)
	ValidateUserRange(va uintptr, length int, write bool) bool
}

// MapFlags mirrors the vm-map PROT/MAP flag bits of spec §6.
type MapFlags struct {
	Read, Write, Exec       bool
	Private, Shared         bool
	Fixed, Anonymous        bool
}

// Interrupts is the HAL's IRQ line control interface.
type Interrupts interface {
	IRQRegister(n int, handler func(data any), data any) error
	IRQEnable(n int) error
	IRQDisable(n int) error
	IRQAck(n int) error
}

// Context is the HAL's saved-register-context and switch interface.
// The context blob itself is architecture-opaque to the core (spec §3).
type Context interface {
	// ContextInit populates ctx so that on first dispatch execution
	// resumes at entryPoint(arg) with the stack pointer at stackTop
	// (spec §4.5). entryPoint is a raw address in the target address
	// space, not a host-callable function — no ISA port can jump into
	// Go code at an arbitrary address, so the core never invokes it
	// directly; it only threads the value through to the saved context.
	ContextInit(ctx *RegisterContext, entryPoint uintptr, stackTop uintptr, arg uintptr)
	ContextSwitch(prev, next *RegisterContext)
}

// RegisterContext is an architecture-opaque saved-register blob. The
// core never interprets its contents; it only threads pointers to it
// through ContextInit/ContextSwitch (spec §3 thread "saved register
// context").
type RegisterContext struct {
	Opaque []byte
}

// HAL aggregates every interface a booted kernel needs; schedule_init
// and friends take one of these rather than each sub-interface, mirroring
// how a real ISA port registers one vtable-like struct at boot (spec §9).
type HAL interface {
	CPU
	Time
	MMU
	Interrupts
	Context
}

// ctxKey is used to thread a HAL through contexts in tests and
// cmd/orion-sim without a global variable (spec §9 bounds global
// mutable state to an explicit, documented list that does not include
// the HAL handle itself).
type ctxKey struct{}

// WithHAL returns a context carrying h, retrievable with FromContext.
func WithHAL(ctx context.Context, h HAL) context.Context {
	return context.WithValue(ctx, ctxKey{}, h)
}

// FromContext retrieves the HAL installed by WithHAL, if any.
func FromContext(ctx context.Context) (HAL, bool) {
	h, ok := ctx.Value(ctxKey{}).(HAL)
	return h, ok
}
