// Package av maps logical peer indices to transport addresses.
package av

import (
    "fmt"
    "sync"

    "github.com/google/uuid"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

// Attr configures an address vector.
type Attr struct {
    // RxCtxBits reserves high address bits for a scalable peer's
    // receive-context index.
    RxCtxBits int
    // Count is a sizing hint.
    Count int
}

// AddressVector is a table of peer addresses.
type AddressVector struct {
    domain uuid.UUID
    attr   Attr

    mu      sync.RWMutex
    addrs   []string // index -> address, "" when removed
    reverse map[string]fabric.Addr
    ref     int
}

// New creates an address vector owned by domain.
func New(domain uuid.UUID, attr Attr) (*AddressVector, error) {
    if attr.RxCtxBits < 0 || attr.RxCtxBits > 16 {
        return nil, fmt.Errorf("av rx ctx bits %d: %w", attr.RxCtxBits, fabric.ErrInvalidArgument)
    }
    return &AddressVector{
        domain:  domain,
        attr:    attr,
        addrs:   make([]string, 0, attr.Count),
        reverse: make(map[string]fabric.Addr),
    }, nil
}

func (a *AddressVector) Domain() uuid.UUID { return a.domain }
func (a *AddressVector) RxCtxBits() int    { return a.attr.RxCtxBits }

// Mask strips the receive-context bits from an address.
func (a *AddressVector) Mask(fa fabric.Addr) fabric.Addr {
    base, _ := fabric.SplitRxAddr(fa, a.attr.RxCtxBits)
    return base
}

// RxIndex returns the receive-context index encoded in fa.
func (a *AddressVector) RxIndex(fa fabric.Addr) int {
    _, idx := fabric.SplitRxAddr(fa, a.attr.RxCtxBits)
    return idx
}

// Insert adds addresses and returns their indices. Inserting an address
// already present returns its existing index.
func (a *AddressVector) Insert(addrs ...string) ([]fabric.Addr, error) {
    a.mu.Lock(); defer a.mu.Unlock()
    out := make([]fabric.Addr, 0, len(addrs))
    for _, s := range addrs {
        if s == "" { return out, fmt.Errorf("av insert: empty address: %w", fabric.ErrInvalidArgument) }
        if idx, ok := a.reverse[s]; ok {
            out = append(out, idx)
            continue
        }
        idx := fabric.Addr(len(a.addrs))
        a.addrs = append(a.addrs, s)
        a.reverse[s] = idx
        out = append(out, idx)
    }
    return out, nil
}

// Remove clears the given indices.
func (a *AddressVector) Remove(idxs ...fabric.Addr) error {
    a.mu.Lock(); defer a.mu.Unlock()
    for _, fa := range idxs {
        i := a.Mask(fa)
        if uint64(i) >= uint64(len(a.addrs)) || a.addrs[i] == "" {
            return fmt.Errorf("av remove %d: %w", i, fabric.ErrNotFound)
        }
        delete(a.reverse, a.addrs[i])
        a.addrs[i] = ""
    }
    return nil
}

// Lookup resolves an index (rx bits ignored) to its address.
func (a *AddressVector) Lookup(fa fabric.Addr) (string, error) {
    i := a.Mask(fa)
    a.mu.RLock(); defer a.mu.RUnlock()
    if uint64(i) >= uint64(len(a.addrs)) || a.addrs[i] == "" {
        return "", fmt.Errorf("av lookup %d: %w", i, fabric.ErrNotFound)
    }
    return a.addrs[i], nil
}

// ReverseLookup finds the index of a known address.
func (a *AddressVector) ReverseLookup(addr string) (fabric.Addr, bool) {
    a.mu.RLock(); defer a.mu.RUnlock()
    idx, ok := a.reverse[addr]
    return idx, ok
}

// Len is the number of index slots in use, removed ones included.
func (a *AddressVector) Len() int {
    a.mu.RLock(); defer a.mu.RUnlock()
    return len(a.addrs)
}

// Ref records one more endpoint bound to the vector.
func (a *AddressVector) Ref() { a.mu.Lock(); a.ref++; a.mu.Unlock() }

// Unref releases an endpoint binding.
func (a *AddressVector) Unref() {
    a.mu.Lock()
    if a.ref > 0 { a.ref-- }
    a.mu.Unlock()
}

// Refs returns the number of bound endpoints.
func (a *AddressVector) Refs() int {
    a.mu.RLock(); defer a.mu.RUnlock()
    return a.ref
}

// Close fails with ErrBusy while endpoints are bound.
func (a *AddressVector) Close() error {
    if n := a.Refs(); n > 0 {
        return fmt.Errorf("av close: %d bound endpoints: %w", n, fabric.ErrBusy)
    }
    return nil
}
