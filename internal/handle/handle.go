// Package handle implements the per-process handle table C5 specifies:
// a fixed-size array indirecting a small integer to a capability table
// entry (spec §3 "Handle", §4.4). Grounded on the same indirection idiom
// the teacher's capability package uses internally, and on
// nestybox-libs/pidfd's small-integer-handle-to-kernel-object shape
// (a pidfd is, in effect, a handle onto a process).
package handle

import (
	"sync"

	"github.com/iyotee/Orion-sub005/internal/capability"
	"github.com/iyotee/Orion-sub005/internal/kerr"
)

// Entry is one handle table slot (spec §3).
type Entry struct {
	inUse    bool
	typ      capability.Type
	capID    capability.ID
	rights   capability.Rights // permissions snapshot at open time
	refCount int
}

// Table is a fixed-size per-process handle table.
type Table struct {
	mu      sync.Mutex
	owner   uint64 // owning process PID
	caps    *capability.Table
	entries []Entry
}

// New creates a handle table of the given bound for the process owner,
// indirecting into the shared capability table caps (spec §4.4's
// "default bound specified by config" — see internal/config).
func New(owner uint64, caps *capability.Table, bound int) *Table {
	return &Table{owner: owner, caps: caps, entries: make([]Entry, bound)}
}

// Open finds a free slot, fills it with a reference to capID (which
// owner must already hold via the capability table, with at least
// rights), starts the slot's reference count at one, and returns the
// new handle index (spec §4.4). The capability table's holder set is
// not changed.
func (t *Table) Open(capID capability.ID, rights capability.Rights) (int, error) {
	info, ok := t.caps.Lookup(capID, t.owner)
	if !ok {
		return -1, kerr.New(kerr.BadHandle, "open: capability %+v not held by process %d", capID, t.owner)
	}
	if !info.Rights.Has(rights) {
		return -1, kerr.New(kerr.Permission, "open: process %d lacks requested rights on %+v", t.owner, capID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for i := range t.entries {
		if !t.entries[i].inUse {
			t.entries[i] = Entry{inUse: true, typ: info.Type, capID: capID, rights: rights, refCount: 1}
			return i, nil
		}
	}
	return -1, kerr.New(kerr.NoSpace, "open: handle table for process %d is full", t.owner)
}

// Close decrements h's reference count; at zero it zeroes the slot and,
// if the table's process owns the underlying capability, destroys the
// capability (spec §4.4). Closing an already-closed handle returns
// bad-handle (spec §8 idempotence law).
func (t *Table) Close(h int) error {
	t.mu.Lock()
	if h < 0 || h >= len(t.entries) || !t.entries[h].inUse {
		t.mu.Unlock()
		return kerr.New(kerr.BadHandle, "close: handle %d not open", h)
	}

	t.entries[h].refCount--
	destroy := t.entries[h].refCount <= 0
	capID := t.entries[h].capID
	if destroy {
		t.entries[h] = Entry{}
	}
	t.mu.Unlock()

	if destroy {
		if info, ok := t.caps.Lookup(capID, t.owner); ok && info.Owner == t.owner {
			return t.caps.Destroy(capID)
		}
	}
	return nil
}

// Lookup returns the capability ID behind h if its type matches
// expected; a handle that is not open and a type mismatch both fail
// with bad-handle (spec §4.4).
func (t *Table) Lookup(h int, expected capability.Type) (capability.ID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h < 0 || h >= len(t.entries) || !t.entries[h].inUse {
		return capability.ID{}, kerr.New(kerr.BadHandle, "lookup: handle %d not open", h)
	}
	if t.entries[h].typ != expected {
		return capability.ID{}, kerr.New(kerr.BadHandle, "lookup: handle %d is type %s, expected %s", h, t.entries[h].typ, expected)
	}
	return t.entries[h].capID, nil
}

// Rights returns the rights snapshot recorded at open time for handle h.
func (t *Table) Rights(h int) (capability.Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h < 0 || h >= len(t.entries) || !t.entries[h].inUse {
		return 0, kerr.New(kerr.BadHandle, "rights: handle %d not open", h)
	}
	return t.entries[h].rights, nil
}

// LookupAny returns the capability ID, type, and rights snapshot behind
// h regardless of its type, for callers (internal/syscall's obj-info and
// cap-grant/cap-revoke/cap-query handlers) that operate generically
// across object kinds rather than expecting one specific type.
func (t *Table) LookupAny(h int) (capability.ID, capability.Type, capability.Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h < 0 || h >= len(t.entries) || !t.entries[h].inUse {
		return capability.ID{}, 0, 0, kerr.New(kerr.BadHandle, "lookup: handle %d not open", h)
	}
	e := t.entries[h]
	return e.capID, e.typ, e.rights, nil
}

// Dup increments h's reference count without allocating a new slot,
// modeling an additional reference to the same handle (used by the
// obj-dup syscall, spec §6).
func (t *Table) Dup(h int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h < 0 || h >= len(t.entries) || !t.entries[h].inUse {
		return kerr.New(kerr.BadHandle, "dup: handle %d not open", h)
	}
	t.entries[h].refCount++
	return nil
}
