// Package klog implements the kernel logging ring buffer C2 depends on
// by nearly every other component (spec §4.2). Each category owns a
// fixed-size, drop-oldest ring of records guarded by a spinlock. Ring
// also implements logrus.Hook so a logrus.Logger can be pointed at it
// as a sink for ambient kernel-build diagnostics (SPEC_FULL.md ambient
// stack), while retaining its own bounded-buffer semantics independent
// of logrus's own output path.
package klog

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/iyotee/Orion-sub005/internal/spinlock"
)

// Level reuses logrus's level enum so the ring's threshold and logrus's
// own level filtering speak the same vocabulary.
type Level = logrus.Level

const (
	LevelEmergency = logrus.PanicLevel
	LevelAlert     = logrus.FatalLevel
	LevelError     = logrus.ErrorLevel
	LevelWarn      = logrus.WarnLevel
	LevelInfo      = logrus.InfoLevel
	LevelDebug     = logrus.DebugLevel
	LevelTrace     = logrus.TraceLevel
)

// DefaultCategory is used when a caller passes an empty category.
const DefaultCategory = "kernel"

// Record is one log entry recorded in a ring.
type Record struct {
	TimestampNs int64
	Level       Level
	Category    string
	Message     string
}

// ring is a fixed-capacity, drop-oldest circular buffer of Records.
// ring tracks records by absolute position in the write stream
// (written), rather than a head/count pair, so the read cursor
// (readPos, also an absolute position) can tell unambiguously whether
// it has fallen behind the oldest record still retained.
type ring struct {
	lock     spinlock.Spinlock
	buf      []Record
	cap      int
	written  int64 // total records ever pushed
	readPos  int64 // absolute position of the next record Read will return
	overflow bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Record, capacity), cap: capacity}
}

func (r *ring) push(rec Record) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.pushLocked(rec)
}

func (r *ring) pushLocked(rec Record) {
	if r.written >= int64(r.cap) {
		r.overflow = true
	}
	r.buf[r.written%int64(r.cap)] = rec
	r.written++
}

// oldestLocked returns the absolute position of the oldest record still
// retained in the buffer.
func (r *ring) oldestLocked() int64 {
	if r.written <= int64(r.cap) {
		return 0
	}
	return r.written - int64(r.cap)
}

// Ring is a named collection of per-category rings plus a threshold
// level, exposed to the rest of the kernel through Write/Read/Emergency
// and to logrus as a Hook.
type Ring struct {
	lock       spinlock.Spinlock
	categories map[string]*ring
	threshold  Level
	capacity   int
	clock      func() int64
	console    func(string) // best-effort platform console, may be nil

	// defaultRing is the DefaultCategory buffer, created up front so
	// Emergency can reach it without taking the blocking category-map
	// lock bufferFor uses (spec §4.2, §4.9: the emergency path must make
	// progress using only try-acquire).
	defaultRing *ring
}

// New creates a Ring with the given per-category capacity and minimum
// recorded level. clock supplies monotonic nanosecond timestamps (the
// HAL clock, spec §4.2); console, if non-nil, is the best-effort
// platform console klog.Emergency also writes to.
func New(capacity int, threshold Level, clock func() int64, console func(string)) *Ring {
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	defaultRing := newRing(capacity)
	return &Ring{
		categories:  map[string]*ring{DefaultCategory: defaultRing},
		threshold:   threshold,
		capacity:    capacity,
		clock:       clock,
		console:     console,
		defaultRing: defaultRing,
	}
}

func (k *Ring) bufferFor(category string) *ring {
	if category == "" {
		category = DefaultCategory
	}
	k.lock.Lock()
	b, ok := k.categories[category]
	if !ok {
		b = newRing(k.capacity)
		k.categories[category] = b
	}
	k.lock.Unlock()
	return b
}

// Write appends a record to the buffer associated with category
// (DefaultCategory if empty). If level is below the configured
// threshold's priority (numerically greater, since logrus levels rank
// Panic=0..Trace=6) the call is a no-op that still returns success —
// per spec §4.2, a dropped record due to level is a local recovery, not
// a surfaced failure.
func (k *Ring) Write(level Level, category, format string, args ...interface{}) {
	if level > k.threshold {
		return
	}
	rec := Record{
		TimestampNs: k.clock(),
		Level:       level,
		Category:    category,
		Message:     fmt.Sprintf(format, args...),
	}
	k.bufferFor(category).push(rec)
}

// Read returns up to max records from buffer_id in FIFO order and
// advances the read cursor (spec §4.2).
func (k *Ring) Read(category string, max int) []Record {
	b := k.bufferFor(category)
	b.lock.Lock()
	defer b.lock.Unlock()

	if oldest := b.oldestLocked(); b.readPos < oldest {
		// cursor fell behind records that were already dropped; resync
		// to the oldest one still retained.
		b.readPos = oldest
	}

	unread64 := b.written - b.readPos
	unread := int(unread64)
	if int64(unread) != unread64 || unread > max {
		unread = max
	}
	if unread < 0 {
		unread = 0
	}
	out := make([]Record, 0, unread)
	for i := 0; i < unread; i++ {
		idx := (b.readPos + int64(i)) % int64(b.cap)
		out = append(out, b.buf[idx])
	}
	b.readPos += int64(unread)
	return out
}

// Overflow reports whether category has dropped records since creation.
func (k *Ring) Overflow(category string) bool {
	b := k.bufferFor(category)
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.overflow
}

// Emergency bypasses the level threshold and writes synchronously to
// the default buffer and, if possible, the platform console. It must
// make progress even with other locks held: it uses only try-acquire,
// falling back to an unsynchronized write rather than blocking (spec
// §4.2, §4.9). It reaches the default buffer directly through
// k.defaultRing rather than bufferFor, since bufferFor's category-map
// lookup takes a blocking lock.
func (k *Ring) Emergency(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	rec := Record{TimestampNs: k.clock(), Level: LevelEmergency, Category: DefaultCategory, Message: msg}

	b := k.defaultRing
	if b.lock.TryLock() {
		b.pushLocked(rec)
		b.lock.Unlock()
	} else {
		// could not acquire even via try-lock: write unsynchronized
		// rather than block, per spec's emergency-path contract.
		b.pushLocked(rec)
	}

	if k.console != nil {
		k.console(msg)
	}
}

// Levels implements logrus.Hook: the ring accepts every level logrus
// will fire, filtering is handled internally by Write's threshold
// check against whichever level the Entry carries.
func (k *Ring) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook, recording the entry into the category
// named by its "category" field (DefaultCategory if absent).
func (k *Ring) Fire(entry *logrus.Entry) error {
	category := DefaultCategory
	if c, ok := entry.Data["category"].(string); ok && c != "" {
		category = c
	}
	k.Write(entry.Level, category, "%s", entry.Message)
	return nil
}
