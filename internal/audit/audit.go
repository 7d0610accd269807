// Package audit implements the append-only security audit log spec §6
// names as a persisted-state component: best-effort, afero-backed, with
// an in-memory fallback when the filesystem collaborator is not ready.
// Grounded on linuxUtils/utils's package-level `appFs afero.Fs` swap
// idiom (production OsFs, MemMapFs under test).
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// DefaultLogPath is where spec §6 places the append-only security audit
// log.
const DefaultLogPath = "/var/log/security.log"

// EventKind enumerates the audit record kinds this package emits (spec
// §6: cap_grant, cap_revoke, and panic events each record one entry).
type EventKind string

const (
	EventCapGrant  EventKind = "cap_grant"
	EventCapRevoke EventKind = "cap_revoke"
	EventPanic     EventKind = "panic"
	EventUser      EventKind = "user" // emitted by the audit-emit syscall
)

// Record is one audit log entry.
type Record struct {
	TimestampNs int64     `json:"ts_ns"`
	Kind        EventKind `json:"kind"`
	ActorPID    uint64    `json:"actor_pid"`
	Detail      string    `json:"detail"`
}

// Logger appends Records to a file-backed, best-effort audit log. If
// the configured filesystem is not writable, records fall back to a
// bounded in-memory buffer rather than blocking the caller.
type Logger struct {
	mu   sync.Mutex
	fs   afero.Fs
	path string
	fh   afero.File

	fallback    []Record
	fallbackCap int
}

// New creates a Logger writing newline-delimited JSON records to path
// on fs. If path cannot be opened for append, every Write falls back to
// an in-memory ring of at most fallbackCap records rather than failing
// the caller (spec §6 "best-effort... memory-buffer fallback").
func New(fs afero.Fs, path string, fallbackCap int) *Logger {
	l := &Logger{fs: fs, path: path, fallbackCap: fallbackCap}
	fh, err := fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err == nil {
		l.fh = fh
	}
	return l
}

// Write appends rec, falling back to the in-memory buffer on any I/O
// error (a write failure here must never abort the caller's syscall).
func (l *Logger) Write(rec Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fh != nil {
		line, err := json.Marshal(rec)
		if err == nil {
			if _, werr := l.fh.Write(append(line, '\n')); werr == nil {
				return
			}
		}
	}

	l.fallback = append(l.fallback, rec)
	if over := len(l.fallback) - l.fallbackCap; over > 0 {
		l.fallback = l.fallback[over:]
	}
}

// Emit is a convenience wrapper building a Record from its fields.
func (l *Logger) Emit(nowNs int64, kind EventKind, actorPID uint64, format string, args ...interface{}) {
	l.Write(Record{TimestampNs: nowNs, Kind: kind, ActorPID: actorPID, Detail: fmt.Sprintf(format, args...)})
}

// FallbackRecords returns a snapshot of records held in the in-memory
// fallback buffer. The buffer is never cleared, and the backing file
// is not reopened once a write to it has failed.
func (l *Logger) FallbackRecords() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.fallback))
	copy(out, l.fallback)
	return out
}

// Close releases the backing file handle, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fh == nil {
		return nil
	}
	return l.fh.Close()
}
