package completion

import (
    "context"
    "fmt"
    "sync"

    "github.com/google/uuid"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

// Counter counts completed and failed operations.
type Counter struct {
    domain uuid.UUID
    bound  bindings

    mu     sync.Mutex
    value  uint64
    errs   uint64
    signal chan struct{}
}

func NewCounter(domain uuid.UUID) *Counter {
    return &Counter{domain: domain, signal: make(chan struct{})}
}

func (c *Counter) Domain() uuid.UUID      { return c.domain }
func (c *Counter) Attach(id uuid.UUID)    { c.bound.attach(id) }
func (c *Counter) Detach(id uuid.UUID)    { c.bound.detach(id) }
func (c *Counter) Bound(id uuid.UUID) bool { return c.bound.has(id) }

// Inc adds one success.
func (c *Counter) Inc() { c.Add(1) }

func (c *Counter) Add(n uint64) {
    c.mu.Lock()
    c.value += n
    c.wakeLocked()
    c.mu.Unlock()
}

// IncErr adds one failure.
func (c *Counter) IncErr() {
    c.mu.Lock()
    c.errs++
    c.wakeLocked()
    c.mu.Unlock()
}

func (c *Counter) wakeLocked() {
    close(c.signal)
    c.signal = make(chan struct{})
}

func (c *Counter) Value() uint64 {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.value
}

func (c *Counter) ErrValue() uint64 {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.errs
}

// Set overwrites the success count.
func (c *Counter) Set(v uint64) {
    c.mu.Lock(); c.value = v; c.wakeLocked(); c.mu.Unlock()
}

// Wait blocks until the success count reaches threshold. It returns
// ErrAvail if the error count changes while waiting.
func (c *Counter) Wait(ctx context.Context, threshold uint64) error {
    c.mu.Lock()
    startErrs := c.errs
    c.mu.Unlock()
    for {
        c.mu.Lock()
        v, e, sig := c.value, c.errs, c.signal
        c.mu.Unlock()
        if v >= threshold { return nil }
        if e != startErrs { return fabric.ErrAvail }
        select {
        case <-ctx.Done():
            return fmt.Errorf("counter wait: %w", fabric.ErrTimeout)
        case <-sig:
        }
    }
}

// Close fails with ErrBusy while any context is bound.
func (c *Counter) Close() error {
    if n := c.bound.count(); n > 0 {
        return fmt.Errorf("counter close: %d bound contexts: %w", n, fabric.ErrBusy)
    }
    return nil
}
