// Package capability implements the kernel's object-capability table
// (spec §3 "Capability", §4.3). It is generalized from the teacher
// corpus's capability package — which manipulates the fixed POSIX
// capability bitmap (CAP_CHOWN..CAP_CHECKPOINT_RESTORE) via a
// CapType/Cap enum pair and a String() lookup table — into Orion's
// object-type + rights-bitmap + epoch model: a variable number of
// object types, an open rights bitmap, and a generation counter that
// invalidates outstanding identifiers on revoke.
package capability

import (
	"sync"

	"github.com/iyotee/Orion-sub005/internal/kerr"
)

// Type enumerates the kernel object kinds a capability may reference
// (spec §3).
type Type int

const (
	TypeMemory Type = iota
	TypeIPCPort
	TypeProcess
	TypeThread
	TypeFile
	TypeDirectory
	TypeDevice
	TypeNetworkSocket
	TypeTimer
	TypeSecurityContext
	TypeCryptoKey
	TypeHardwareResource
)

func (t Type) String() string {
	switch t {
	case TypeMemory:
		return "memory"
	case TypeIPCPort:
		return "ipc-port"
	case TypeProcess:
		return "process"
	case TypeThread:
		return "thread"
	case TypeFile:
		return "file"
	case TypeDirectory:
		return "directory"
	case TypeDevice:
		return "device"
	case TypeNetworkSocket:
		return "network-socket"
	case TypeTimer:
		return "timer"
	case TypeSecurityContext:
		return "security-context"
	case TypeCryptoKey:
		return "crypto-key"
	case TypeHardwareResource:
		return "hardware-resource"
	}
	return "unknown"
}

// Rights is the capability rights bitmap (spec §3).
type Rights uint32

const (
	Read Rights = 1 << iota
	Write
	Execute
	Grant
	Revoke
	Delete
	Create
	Modify
	Traverse
	Bind // bind/listen/connect
	Debug
	Admin
	Immortal    // cannot be revoked
	Delegatable // may be granted onward by a non-owner holder
)

func (r Rights) Has(required Rights) bool {
	return r&required == required
}

// ID is the composite identifier exposed to userspace: table index plus
// the epoch it was minted under, so a recycled or revoked slot is
// detectable (spec §4.3).
type ID struct {
	Index uint32
	Epoch uint32
}

// record is one capability table entry (spec §3).
type record struct {
	typ      Type
	objectID uint64
	rights   Rights // the full rights the owner holds
	owner    uint64 // owner PID
	epoch    uint32
	holders  map[uint64]Rights // PID -> narrowed granted rights
	live     bool
}

// TeardownFunc performs type-specific cleanup when a capability is
// destroyed (spec §4.3's "small registry").
type TeardownFunc func(objectID uint64) error

// Table is the per-kernel capability table (spec §4.3). There is one
// Table for the whole kernel; handles (internal/handle) are the
// per-process indirection into it.
type Table struct {
	mu        sync.Mutex
	records   []record
	freeList  []uint32
	teardown  map[Type]TeardownFunc
}

// New creates an empty capability table.
func New() *Table {
	return &Table{teardown: make(map[Type]TeardownFunc)}
}

// RegisterTeardown installs the cleanup function invoked by Destroy for
// capabilities of the given type (port -> close port, memory -> unmap,
// etc., per spec §4.3).
func (t *Table) RegisterTeardown(typ Type, fn TeardownFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.teardown[typ] = fn
}

// Create allocates a new capability record with a fresh epoch and
// returns its composite identifier (spec §4.3).
func (t *Table) Create(typ Type, objectID uint64, rights Rights, owner uint64) ID {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := record{
		typ:      typ,
		objectID: objectID,
		rights:   rights,
		owner:    owner,
		holders:  make(map[uint64]Rights),
		live:     true,
	}

	if n := len(t.freeList); n > 0 {
		idx := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		rec.epoch = t.records[idx].epoch + 1
		t.records[idx] = rec
		return ID{Index: idx, Epoch: rec.epoch}
	}

	rec.epoch = 1
	t.records = append(t.records, rec)
	return ID{Index: uint32(len(t.records) - 1), Epoch: rec.epoch}
}

func (t *Table) lookupLocked(id ID) (*record, bool) {
	if int(id.Index) >= len(t.records) {
		return nil, false
	}
	rec := &t.records[id.Index]
	if !rec.live || rec.epoch != id.Epoch {
		return nil, false
	}
	return rec, true
}

func rightsOf(rec *record, caller uint64) (Rights, bool) {
	if caller == rec.owner {
		return rec.rights, true
	}
	if r, ok := rec.holders[caller]; ok {
		return r, true
	}
	return 0, false
}

// Check reports whether caller holds every right in required on id
// (spec §4.3). It fails closed: an epoch mismatch, an unrecognized
// caller, or a missing right all report false.
func (t *Table) Check(id ID, required Rights, caller uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.lookupLocked(id)
	if !ok {
		return false
	}
	held, ok := rightsOf(rec, caller)
	if !ok {
		return false
	}
	return held.Has(required)
}

// Grant gives target a view of id narrowed to (caller's rights ∩
// rights), provided caller holds Grant. A capability without the
// Delegatable bit can only be granted onward by its original owner
// (spec §4.3).
func (t *Table) Grant(id ID, target uint64, rights Rights, caller uint64) (Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.lookupLocked(id)
	if !ok {
		return 0, kerr.New(kerr.BadHandle, "grant: unknown or stale capability %+v", id)
	}

	callerRights, ok := rightsOf(rec, caller)
	if !ok || !callerRights.Has(Grant) {
		return 0, kerr.New(kerr.Permission, "grant: caller %d lacks GRANT on %+v", caller, id)
	}

	if !rec.rights.Has(Delegatable) && caller != rec.owner {
		return 0, kerr.New(kerr.Permission, "grant: capability %+v is not delegatable by non-owner %d", id, caller)
	}

	narrowed := callerRights & rights
	if existing, ok := rec.holders[target]; ok {
		// grant-of-already-granted rights is idempotent.
		rec.holders[target] = existing | narrowed
	} else {
		if rec.holders == nil {
			rec.holders = make(map[uint64]Rights)
		}
		rec.holders[target] = narrowed
	}

	return narrowed, nil
}

// Revoke bumps id's epoch — instantly invalidating every outstanding
// derived identifier — and clears target's holder entry. Immortal
// capabilities reject revoke; revoking already-revoked rights is
// idempotent and returns success (spec §4.3).
func (t *Table) Revoke(id ID, target uint64, rights Rights, caller uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.lookupLocked(id)
	if !ok {
		// revoking a capability that's already gone/stale is treated as
		// the idempotent already-revoked case.
		return nil
	}

	if rec.rights.Has(Immortal) {
		return kerr.New(kerr.Permission, "revoke: capability %+v is immortal", id)
	}

	callerRights, ok := rightsOf(rec, caller)
	if !ok || !callerRights.Has(Revoke) {
		return kerr.New(kerr.Permission, "revoke: caller %d lacks REVOKE on %+v", caller, id)
	}

	delete(rec.holders, target)
	rec.epoch++

	return nil
}

// Destroy performs final teardown: it drops the record and runs the
// type-specific cleanup registered via RegisterTeardown (spec §4.3).
func (t *Table) Destroy(id ID) error {
	t.mu.Lock()
	rec, ok := t.lookupLocked(id)
	if !ok {
		t.mu.Unlock()
		return kerr.New(kerr.BadHandle, "destroy: unknown or stale capability %+v", id)
	}
	typ := rec.typ
	objectID := rec.objectID
	rec.live = false
	t.freeList = append(t.freeList, id.Index)
	fn := t.teardown[typ]
	t.mu.Unlock()

	if fn != nil {
		return fn(objectID)
	}
	return nil
}

// Info is a read-only snapshot of a capability record, used by
// internal/handle and internal/syscall to report type/rights without
// exposing the table's internal locking.
type Info struct {
	Type     Type
	ObjectID uint64
	Rights   Rights
	Owner    uint64
}

// Lookup returns a snapshot of id's record as seen by caller (its
// narrowed rights if it's a holder, the full rights if it's the owner),
// or false if id is unknown/stale/not held by caller.
func (t *Table) Lookup(id ID, caller uint64) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.lookupLocked(id)
	if !ok {
		return Info{}, false
	}
	rights, ok := rightsOf(rec, caller)
	if !ok {
		return Info{}, false
	}
	return Info{Type: rec.typ, ObjectID: rec.objectID, Rights: rights, Owner: rec.owner}, true
}
