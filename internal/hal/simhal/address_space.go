package simhal

import (
	"sync"

	"github.com/iyotee/Orion-sub005/internal/hal"
)

// mapping is one VA range's simulated backing.
type mapping struct {
	va, pa uintptr
	length int
	flags  hal.MapFlags
}

// simAddressSpace emulates MMU.AddressSpace over plain bookkeeping: no
// real memory protection occurs, but overlap, translate and
// user-range-validation semantics match what the real MMU contract
// requires closely enough to drive process/IPC tests.
type simAddressSpace struct {
	mu       sync.Mutex
	mappings []mapping
}

func newSimAddressSpace() *simAddressSpace {
	return &simAddressSpace{}
}

func (a *simAddressSpace) Map(va, pa uintptr, length int, flags hal.MapFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mappings = append(a.mappings, mapping{va: va, pa: pa, length: length, flags: flags})
	return nil
}

func (a *simAddressSpace) Unmap(va uintptr, length int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.mappings[:0]
	for _, m := range a.mappings {
		if m.va == va && m.length == length {
			continue
		}
		out = append(out, m)
	}
	a.mappings = out
	return nil
}

func (a *simAddressSpace) Protect(va uintptr, length int, flags hal.MapFlags) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.mappings {
		if a.mappings[i].va == va && a.mappings[i].length == length {
			a.mappings[i].flags = flags
			return nil
		}
	}
	return nil
}

func (a *simAddressSpace) Translate(va uintptr) (uintptr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range a.mappings {
		if va >= m.va && va < m.va+uintptr(m.length) {
			return m.pa + (va - m.va), true
		}
	}
	return 0, false
}

func (a *simAddressSpace) ValidateUserRange(va uintptr, length int, write bool) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := va + uintptr(length)
	for _, m := range a.mappings {
		if va >= m.va && end <= m.va+uintptr(m.length) {
			if write && !m.flags.Write {
				return false
			}
			return true
		}
	}
	return false
}
