package capnweb

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Value is the runtime denotation produced by evaluating a
// WireExpression: the result of the wire codec's literals/arrays/
// objects plus the special forms that become live values (dates,
// errors, capability stubs, promises). Grounded in the Value enum
// referenced throughout capnweb-core/src/protocol/il_runner.rs
// (Value::Null/Bool/Number/String/Array/Object), extended per
// spec.md §3 to cover date/error/stub/promise.
type ValueKind int

const (
	VNull ValueKind = iota
	VBool
	VNumber
	VString
	VArray
	VObject
	VDate
	VError
	VStub
	VPromise
)

type Value struct {
	Kind ValueKind

	Bool   bool
	Number float64
	Str    string
	Array  []Value
	Object map[string]Value
	Date   time.Time
	Err    *ProtoError
	Stub   RpcTarget
	// Promise references an import entry; valueToExpr renders it inline
	// once it has settled. Evaluate never produces or awaits one.
	Promise *ImportEntry
}

func Null() Value                   { return Value{Kind: VNull} }
func Bool(b bool) Value             { return Value{Kind: VBool, Bool: b} }
func Number(n float64) Value        { return Value{Kind: VNumber, Number: n} }
func String(s string) Value         { return Value{Kind: VString, Str: s} }
func Array(items []Value) Value     { return Value{Kind: VArray, Array: items} }
func Object(fields map[string]Value) Value {
	return Value{Kind: VObject, Object: fields}
}
func Date(t time.Time) Value         { return Value{Kind: VDate, Date: t} }
func ErrorValue(e *ProtoError) Value { return Value{Kind: VError, Err: e} }
func StubValue(t RpcTarget) Value    { return Value{Kind: VStub, Stub: t} }
func PromiseValue(p *ImportEntry) Value {
	return Value{Kind: VPromise, Promise: p}
}

// IsError reports whether the value is an error value (as opposed to
// an error returned from a Go function call).
func (v Value) IsError() bool { return v.Kind == VError }

var (
	// ErrUnknownID is returned when an operation targets an ID that
	// has no table entry.
	ErrUnknownID = errors.New("capnweb: unknown id")
	// ErrDuplicateID is returned by Insert when the ID is already in
	// use; this indicates an allocator bug, never a peer's fault.
	ErrDuplicateID = errors.New("capnweb: duplicate id")
)

// entryStatus is shared by ImportEntry and ExportEntry.
type entryStatus int

const (
	entryPending entryStatus = iota
	entryResolved
	entryRejected
	entryStub
)

// ImportEntry is a single import-table slot: a value the local side
// is waiting on, holds resolved, or has a live capability stub for.
// Spec.md §3 "Import entry".
type ImportEntry struct {
	mu       sync.Mutex
	status   entryStatus
	value    Value
	err      error
	refCount int64
	done     chan struct{}
}

func newPendingEntry() *ImportEntry {
	return &ImportEntry{status: entryPending, refCount: 1, done: make(chan struct{})}
}

func newResolvedEntry(v Value) *ImportEntry {
	e := &ImportEntry{status: entryResolved, value: v, refCount: 1, done: make(chan struct{})}
	close(e.done)
	return e
}

func newRejectedEntry(err error) *ImportEntry {
	e := &ImportEntry{status: entryRejected, err: err, refCount: 1, done: make(chan struct{})}
	close(e.done)
	return e
}

func newStubEntry(stub RpcTarget) *ImportEntry {
	e := &ImportEntry{status: entryStub, value: StubValue(stub), refCount: 1, done: make(chan struct{})}
	close(e.done)
	return e
}

// Resolve fulfills a pending entry exactly once; later calls are
// no-ops, matching the "exactly one of resolve/reject" invariant at
// the entry level (the session enforces it across the wire).
func (e *ImportEntry) Resolve(v Value) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != entryPending {
		return
	}
	e.status = entryResolved
	e.value = v
	close(e.done)
}

// Reject fulfills a pending entry with an error.
func (e *ImportEntry) Reject(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != entryPending {
		return
	}
	e.status = entryRejected
	e.err = err
	close(e.done)
}

// IsPending reports whether the entry has not yet settled.
func (e *ImportEntry) IsPending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status == entryPending
}

// Peek returns the current value/error without blocking; ok is false
// if still pending.
func (e *ImportEntry) Peek() (Value, error, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status == entryPending {
		return Value{}, nil, false
	}
	return e.value, e.err, true
}

// Wait blocks until the entry settles, the context is canceled, or
// the deadline elapses (whichever comes first).
func (e *ImportEntry) Wait(ctx context.Context) (Value, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.value, e.err
	case <-ctx.Done():
		return Value{}, ctx.Err()
	}
}

// ExportEntry is a single export-table slot: a value or capability we
// have exposed to the peer. Spec.md §3 "Export entry".
type ExportEntry = ImportEntry

func newExportEntry(v Value) *ExportEntry       { return newResolvedEntry(v) }
func newPendingExport() *ExportEntry            { return newPendingEntry() }
func newStubExportEntry(stub RpcTarget) *ExportEntry { return newStubEntry(stub) }

// RefTable is the shared refcounted-map machinery behind the import
// and export tables (spec.md §4.2).
type RefTable struct {
	mu        sync.RWMutex
	entries   map[int64]*ImportEntry
	onDispose func(id int64)
}

func newRefTable(onDispose func(id int64)) *RefTable {
	return &RefTable{entries: make(map[int64]*ImportEntry), onDispose: onDispose}
}

// Insert adds a fresh entry at id with refcount 1. It fails if id is
// already in use.
func (t *RefTable) Insert(id int64, entry *ImportEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return ErrDuplicateID
	}
	t.entries[id] = entry
	return nil
}

// Get returns the entry at id, if any.
func (t *RefTable) Get(id int64) (*ImportEntry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	return e, ok
}

// AddRef increments the refcount for id and returns the new count.
func (t *RefTable) AddRef(id int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok {
		return 0, ErrUnknownID
	}
	e.mu.Lock()
	e.refCount++
	n := e.refCount
	e.mu.Unlock()
	return n, nil
}

// ReleaseRef decrements the refcount for id by one. If it reaches
// zero, the entry is removed and onDispose(id) is invoked (outside
// the table lock).
func (t *RefTable) ReleaseRef(id int64) (int64, error) {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok {
		t.mu.Unlock()
		return 0, ErrUnknownID
	}
	e.mu.Lock()
	if e.refCount <= 0 {
		e.mu.Unlock()
		t.mu.Unlock()
		return 0, errors.New("capnweb: refcount underflow")
	}
	e.refCount--
	n := e.refCount
	e.mu.Unlock()
	if n == 0 {
		delete(t.entries, id)
	}
	t.mu.Unlock()
	if n == 0 && t.onDispose != nil {
		t.onDispose(id)
	}
	return n, nil
}

// BatchRelease releases one reference per listed ID (spec.md §4.2,
// the basic release([id...]) form: each occurrence decrements by 1).
func (t *RefTable) BatchRelease(ids []int64) error {
	for _, id := range ids {
		if _, err := t.ReleaseRef(id); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of live entries.
func (t *RefTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Ids returns a snapshot of the currently live keys.
func (t *RefTable) Ids() []int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]int64, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	return ids
}

// ImportTable is the import-side RefTable: non-negative keys, entries
// for values/capabilities the peer has pushed or exported to us.
type ImportTable struct{ *RefTable }

// NewImportTable constructs an empty import table. onDispose is
// invoked when an entry's refcount reaches zero; the session uses it
// to queue an outbound release to the peer.
func NewImportTable(onDispose func(id int64)) *ImportTable {
	return &ImportTable{RefTable: newRefTable(onDispose)}
}

// ExportTableT is the export-side RefTable: negative keys, entries for
// values/capabilities we have exposed to the peer.
type ExportTableT struct{ *RefTable }

// NewExportTable constructs an empty export table. onDispose fires
// when a locally-held export is fully released (e.g. to tear down a
// nested-capability-graph node); no wire message is needed, since the
// peer's own release is what triggered this.
func NewExportTable(onDispose func(id int64)) *ExportTableT {
	return &ExportTableT{RefTable: newRefTable(onDispose)}
}
