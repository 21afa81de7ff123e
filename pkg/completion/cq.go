// Package completion implements the queues a provider reports into:
// completion queues, counters and event queues. Each keeps the set of
// contexts bound to it, keyed by their stable handle, and refuses to
// close while any binding remains.
package completion

import (
    "context"
    "fmt"
    "sync"

    "github.com/google/uuid"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

// Entry is one successful completion.
type Entry struct {
    Context any
    Flags   fabric.Flags
    Len     int
    Buf     []byte
    Data    uint64
    Tag     uint64
    Src     fabric.Addr
}

// ErrEntry is one failed operation.
type ErrEntry struct {
    Entry
    Code fabric.ErrCode
    // OLen is the number of bytes that did not fit (truncation).
    OLen int
    Err  error
}

// bindings is a set of back-references by stable handle.
type bindings struct {
    mu  sync.Mutex
    set map[uuid.UUID]struct{}
}

func (b *bindings) attach(id uuid.UUID) {
    b.mu.Lock(); defer b.mu.Unlock()
    if b.set == nil { b.set = make(map[uuid.UUID]struct{}) }
    b.set[id] = struct{}{}
}

func (b *bindings) detach(id uuid.UUID) {
    b.mu.Lock(); delete(b.set, id); b.mu.Unlock()
}

func (b *bindings) count() int {
    b.mu.Lock(); defer b.mu.Unlock()
    return len(b.set)
}

func (b *bindings) has(id uuid.UUID) bool {
    b.mu.Lock(); defer b.mu.Unlock()
    _, ok := b.set[id]
    return ok
}

// Queue is a completion queue.
type Queue struct {
    domain uuid.UUID
    size   int
    bound  bindings

    mu      sync.Mutex
    entries []Entry
    errs    []ErrEntry
    signal  chan struct{}
    closed  bool
    // overruns counts entries dropped because the queue was full.
    overruns uint64
}

// NewQueue creates a completion queue owned by the given domain. A size
// of zero means unbounded.
func NewQueue(domain uuid.UUID, size int) *Queue {
    return &Queue{domain: domain, size: size, signal: make(chan struct{})}
}

func (q *Queue) Domain() uuid.UUID { return q.domain }

// Attach records a bound context.
func (q *Queue) Attach(id uuid.UUID) { q.bound.attach(id) }

// Detach forgets a bound context.
func (q *Queue) Detach(id uuid.UUID) { q.bound.detach(id) }

// Bound reports whether id is attached.
func (q *Queue) Bound(id uuid.UUID) bool { return q.bound.has(id) }

// BoundCount is the number of attached contexts.
func (q *Queue) BoundCount() int { return q.bound.count() }

// Report queues a completion.
func (q *Queue) Report(e Entry) {
    q.mu.Lock()
    if q.closed { q.mu.Unlock(); return }
    if q.size > 0 && len(q.entries) >= q.size {
        q.overruns++
        q.mu.Unlock()
        return
    }
    q.entries = append(q.entries, e)
    q.wakeLocked()
    q.mu.Unlock()
}

// ReportError queues an error completion.
func (q *Queue) ReportError(e ErrEntry) {
    q.mu.Lock()
    if q.closed { q.mu.Unlock(); return }
    q.errs = append(q.errs, e)
    q.wakeLocked()
    q.mu.Unlock()
}

func (q *Queue) wakeLocked() {
    close(q.signal)
    q.signal = make(chan struct{})
}

// Read returns up to max completions. It returns ErrAvail while error
// entries are pending and ErrWouldBlock when the queue is empty.
func (q *Queue) Read(max int) ([]Entry, error) {
    q.mu.Lock(); defer q.mu.Unlock()
    return q.readLocked(max)
}

func (q *Queue) readLocked(max int) ([]Entry, error) {
    if len(q.errs) > 0 { return nil, fabric.ErrAvail }
    if len(q.entries) == 0 { return nil, fabric.ErrWouldBlock }
    if max <= 0 || max > len(q.entries) { max = len(q.entries) }
    out := make([]Entry, max)
    copy(out, q.entries[:max])
    q.entries = append(q.entries[:0], q.entries[max:]...)
    return out, nil
}

// ReadErr pops one error entry.
func (q *Queue) ReadErr() (ErrEntry, error) {
    q.mu.Lock(); defer q.mu.Unlock()
    if len(q.errs) == 0 { return ErrEntry{}, fabric.ErrWouldBlock }
    e := q.errs[0]
    q.errs = q.errs[1:]
    return e, nil
}

// Sread blocks until completions or error entries are available or ctx
// is done.
func (q *Queue) Sread(ctx context.Context, max int) ([]Entry, error) {
    for {
        q.mu.Lock()
        out, err := q.readLocked(max)
        sig := q.signal
        q.mu.Unlock()
        if err != fabric.ErrWouldBlock { return out, err }
        select {
        case <-ctx.Done():
            return nil, fmt.Errorf("cq sread: %w", fabric.ErrTimeout)
        case <-sig:
        }
    }
}

// Len reports queued successes and errors.
func (q *Queue) Len() (entries, errs int) {
    q.mu.Lock(); defer q.mu.Unlock()
    return len(q.entries), len(q.errs)
}

// Overruns reports completions dropped because the queue was full.
func (q *Queue) Overruns() uint64 {
    q.mu.Lock(); defer q.mu.Unlock()
    return q.overruns
}

// Close fails with ErrBusy while any context is bound.
func (q *Queue) Close() error {
    if n := q.bound.count(); n > 0 {
        return fmt.Errorf("cq close: %d bound contexts: %w", n, fabric.ErrBusy)
    }
    q.mu.Lock()
    if !q.closed { q.closed = true; q.wakeLocked() }
    q.mu.Unlock()
    return nil
}
