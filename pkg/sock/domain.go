package sock

import (
    "fmt"
    "sync"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/av"
    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/config"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/observability"
)

var errDomainMismatch = fmt.Errorf("resource belongs to another domain: %w", fabric.ErrInvalidArgument)

// Domain groups the resources that may be used together. It owns its
// endpoints, shared contexts and the progress engine.
type Domain struct {
    id   uuid.UUID
    fab  *Fabric
    attr fabric.DomainAttr
    cfg  config.ProviderConfig
    log  *zap.Logger
    eng  *engine

    mu     sync.Mutex
    ref    int
    nctx   int
    maxCtx int
    closed bool
}

func newDomain(f *Fabric, attr fabric.DomainAttr) *Domain {
    d := &Domain{
        id:   uuid.New(),
        fab:  f,
        attr: attr,
        cfg:  f.cfg.Provider,
        log:  f.logging.Subsystem(observability.SubsysDomain),
    }
    d.maxCtx = attr.MaxContexts
    if d.maxCtx <= 0 { d.maxCtx = d.cfg.MaxContexts }
    d.eng = newEngine(d.cfg, attr.Progress, f.logging.Subsystem(observability.SubsysEPData))
    d.eng.start()
    return d
}

// ID is the stable handle of the domain.
func (d *Domain) ID() uuid.UUID { return d.id }

// Attr returns the domain attributes.
func (d *Domain) Attr() fabric.DomainAttr { return d.attr }

// Refs returns the number of open endpoints and contexts.
func (d *Domain) Refs() int {
    d.mu.Lock(); defer d.mu.Unlock()
    return d.ref
}

// Contexts returns the number of allocated tx and rx contexts.
func (d *Domain) Contexts() int {
    d.mu.Lock(); defer d.mu.Unlock()
    return d.nctx
}

func (d *Domain) hold() error {
    d.mu.Lock(); defer d.mu.Unlock()
    if d.closed { return fmt.Errorf("domain closed: %w", fabric.ErrBadState) }
    d.ref++
    return nil
}

func (d *Domain) release() {
    d.mu.Lock()
    if d.ref > 0 { d.ref-- }
    d.mu.Unlock()
}

// reserveContext accounts for one more context, failing with ErrNoMemory
// at the domain limit.
func (d *Domain) reserveContext() error {
    d.mu.Lock(); defer d.mu.Unlock()
    if d.closed { return fmt.Errorf("domain closed: %w", fabric.ErrBadState) }
    if d.maxCtx > 0 && d.nctx >= d.maxCtx {
        return fmt.Errorf("domain context limit %d: %w", d.maxCtx, fabric.ErrNoMemory)
    }
    d.nctx++
    return nil
}

func (d *Domain) releaseContext() {
    d.mu.Lock()
    if d.nctx > 0 { d.nctx-- }
    d.mu.Unlock()
}

// CompletionQueue creates a completion queue. A size of zero means
// unbounded.
func (d *Domain) CompletionQueue(size int) (*completion.Queue, error) {
    if size < 0 { return nil, fmt.Errorf("cq size %d: %w", size, fabric.ErrInvalidArgument) }
    return completion.NewQueue(d.id, size), nil
}

// Counter creates a completion counter.
func (d *Domain) Counter() *completion.Counter { return completion.NewCounter(d.id) }

// EventQueue creates an event queue.
func (d *Domain) EventQueue() *completion.EventQueue { return completion.NewEventQueue() }

// AddressVector creates an address vector.
func (d *Domain) AddressVector(attr av.Attr) (*av.AddressVector, error) {
    a, err := av.New(d.id, attr)
    if err != nil { return nil, err }
    d.fab.logging.Subsystem(observability.SubsysAV).Debug("address vector opened", zap.Int("rx_ctx_bits", attr.RxCtxBits))
    return a, nil
}

// MemoryRegion is a registered buffer. Message operations copy through
// sockets, so registration only records the buffer.
type MemoryRegion struct {
    dom    uuid.UUID
    buf    []byte
    access fabric.Flags
    key    uint64
}

func (m *MemoryRegion) Key() uint64   { return m.key }
func (m *MemoryRegion) Bytes() []byte { return m.buf }
func (m *MemoryRegion) Close() error  { return nil }

// RegisterMemory registers buf for the given access.
func (d *Domain) RegisterMemory(buf []byte, access fabric.Flags, key uint64) *MemoryRegion {
    d.fab.logging.Subsystem(observability.SubsysMR).Debug("memory registered", zap.Int("len", len(buf)), zap.Uint64("key", key))
    return &MemoryRegion{dom: d.id, buf: buf, access: access, key: key}
}

// SharedTxContext creates a transmit context endpoints can attach to.
// A nil attr uses provider defaults.
func (d *Domain) SharedTxContext(attr *fabric.TxAttr) (*TxContext, error) {
    a := d.defaultTxAttr()
    if attr != nil { a = *attr }
    if err := fabric.VerifyTx(&a); err != nil { return nil, err }
    if err := d.hold(); err != nil { return nil, err }
    if err := d.reserveContext(); err != nil { d.release(); return nil, err }
    t := newTxContext(d, 0, a, nil)
    d.log.Debug("shared tx context opened", zap.Stringer("ctx", t.id))
    return t, nil
}

// SharedRxContext creates a receive context endpoints can attach to.
func (d *Domain) SharedRxContext(attr *fabric.RxAttr) (*RxContext, error) {
    a := d.defaultRxAttr()
    if attr != nil { a = *attr }
    if err := fabric.VerifyRx(&a); err != nil { return nil, err }
    if err := d.hold(); err != nil { return nil, err }
    if err := d.reserveContext(); err != nil { d.release(); return nil, err }
    r := newRxContext(d, 0, a, nil)
    d.log.Debug("shared rx context opened", zap.Stringer("ctx", r.id))
    return r, nil
}

func (d *Domain) defaultTxAttr() fabric.TxAttr {
    a := fabric.DefaultInfo(fabric.EndpointRDM).Tx
    a.Size, a.InjectSize = d.cfg.TxSize, d.cfg.InjectSize
    return a
}

func (d *Domain) defaultRxAttr() fabric.RxAttr {
    a := fabric.DefaultInfo(fabric.EndpointRDM).Rx
    a.Size = d.cfg.RxSize
    return a
}

// DefaultInfo returns endpoint attributes seeded from the provider
// configuration.
func (d *Domain) DefaultInfo(t fabric.EndpointType) *fabric.Info {
    info := fabric.DefaultInfo(t)
    info.Tx = d.defaultTxAttr()
    info.Rx = d.defaultRxAttr()
    if d.cfg.MaxMsgSize > 0 { info.EP.MaxMsgSize = d.cfg.MaxMsgSize }
    return info
}

// Progress runs one pass of the progress engine. Domains in manual
// progress mode advance only through this call.
func (d *Domain) Progress() { d.eng.runOnce() }

// Close stops the progress engine. It fails with ErrBusy while endpoints
// or contexts remain open.
func (d *Domain) Close() error {
    d.mu.Lock()
    if d.closed { d.mu.Unlock(); return nil }
    if d.ref > 0 {
        n := d.ref
        d.mu.Unlock()
        return fmt.Errorf("close domain: %d open references: %w", n, fabric.ErrBusy)
    }
    d.closed = true
    d.mu.Unlock()

    err := d.eng.close()
    d.fab.releaseDomain()
    d.log.Debug("domain closed", zap.Stringer("domain", d.id))
    return err
}
