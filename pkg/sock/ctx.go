package sock

import (
    "fmt"
    "reflect"
    "sync"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/av"
    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/fabric"
)

// compBindings are the completion targets of one context.
type compBindings struct {
    sendCQ        *completion.Queue
    recvCQ        *completion.Queue
    sendSelective bool
    recvSelective bool

    send     *completion.Counter
    recv     *completion.Counter
    read     *completion.Counter
    write    *completion.Counter
    remRead  *completion.Counter
    remWrite *completion.Counter
}

func (b *compBindings) counters() []*completion.Counter {
    return []*completion.Counter{b.send, b.recv, b.read, b.write, b.remRead, b.remWrite}
}

func (b *compBindings) usesCounter(c *completion.Counter) bool {
    for _, x := range b.counters() {
        if x == c { return true }
    }
    return false
}

// detachAll releases every back-reference held by id.
func (b *compBindings) detachAll(id uuid.UUID) {
    if b.sendCQ != nil { b.sendCQ.Detach(id) }
    if b.recvCQ != nil { b.recvCQ.Detach(id) }
    for _, c := range b.counters() {
        if c != nil { c.Detach(id) }
    }
}

// progressor is what the progress engine schedules.
type progressor interface {
    base() *ctxBase
    progress(e *engine)
}

// ctxBase is the state shared by transmit and receive contexts.
type ctxBase struct {
    id     uuid.UUID
    dom    *Domain
    index  int
    shared bool
    // owner is the endpoint owning the context; nil when shared.
    owner *epCore
    log   *zap.Logger

    mu       sync.Mutex
    comp     compBindings
    av       *av.AddressVector
    members  []*epCore
    enabled  bool
    disabled bool
    closed   bool
    opFlags  fabric.Flags
    stats    Stats

    // registered is guarded by the engine list lock.
    registered bool
    // pins counts engine passes holding the context.
    pins sync.WaitGroup
    // progMu keeps one worker per context.
    progMu sync.Mutex
}

func (c *ctxBase) init(d *Domain, index int, owner *epCore, log *zap.Logger) {
    c.id, c.dom, c.index = uuid.New(), d, index
    c.shared, c.owner, c.log = owner == nil, owner, log
    if owner != nil { c.members = []*epCore{owner} }
}

func (c *ctxBase) base() *ctxBase { return c }

// ID is the stable handle of the context.
func (c *ctxBase) ID() uuid.UUID { return c.id }

// Index is the position of the context within its endpoint.
func (c *ctxBase) Index() int { return c.index }

// Shared reports whether the context is domain-owned.
func (c *ctxBase) Shared() bool { return c.shared }

// Stats returns a snapshot of the context statistics.
func (c *ctxBase) Stats() StatsSnapshot { return c.stats.Snapshot() }

func (c *ctxBase) active() bool {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.enabled && !c.disabled && !c.closed
}

func (c *ctxBase) bindings() compBindings {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.comp
}

func (c *ctxBase) memberList() []*epCore {
    c.mu.Lock(); defer c.mu.Unlock()
    out := make([]*epCore, len(c.members))
    copy(out, c.members)
    return out
}

func (c *ctxBase) addMember(ep *epCore) {
    c.mu.Lock(); defer c.mu.Unlock()
    for _, m := range c.members {
        if m == ep { return }
    }
    c.members = append(c.members, ep)
}

func (c *ctxBase) removeMember(ep *epCore) {
    c.mu.Lock(); defer c.mu.Unlock()
    for i, m := range c.members {
        if m == ep {
            c.members = append(c.members[:i], c.members[i+1:]...)
            return
        }
    }
}

func (c *ctxBase) memberCount() int {
    c.mu.Lock(); defer c.mu.Unlock()
    return len(c.members)
}

func (c *ctxBase) setAV(a *av.AddressVector) {
    c.mu.Lock(); c.av = a; c.mu.Unlock()
}

// bindCQ binds cq for the direction this context serves.
func (c *ctxBase) bindCQ(cq *completion.Queue, flags fabric.Flags, transmit bool) error {
    if flags&^fabric.CQBindFlags != 0 {
        return fmt.Errorf("bind cq flags %s: %w", flags, fabric.ErrInvalidArgument)
    }
    if cq.Domain() != c.dom.id {
        return fmt.Errorf("bind cq: %w", errDomainMismatch)
    }
    c.mu.Lock(); defer c.mu.Unlock()
    selective := flags&fabric.SelectiveCompletion != 0
    if transmit && flags&fabric.Send != 0 {
        if old := c.comp.sendCQ; old != nil && old != cq { old.Detach(c.id) }
        c.comp.sendCQ, c.comp.sendSelective = cq, selective
        cq.Attach(c.id)
    }
    if !transmit && flags&fabric.Recv != 0 {
        if old := c.comp.recvCQ; old != nil && old != cq { old.Detach(c.id) }
        c.comp.recvCQ, c.comp.recvSelective = cq, selective
        cq.Attach(c.id)
    }
    return nil
}

// bindCounter binds cntr to the roles this context serves.
func (c *ctxBase) bindCounter(cntr *completion.Counter, flags fabric.Flags, transmit bool) error {
    if flags&^fabric.CounterBindFlags != 0 {
        return fmt.Errorf("bind counter flags %s: %w", flags, fabric.ErrInvalidArgument)
    }
    if cntr.Domain() != c.dom.id {
        return fmt.Errorf("bind counter: %w", errDomainMismatch)
    }
    c.mu.Lock(); defer c.mu.Unlock()
    set := func(slot **completion.Counter) {
        old := *slot
        *slot = cntr
        if old != nil && old != cntr && !c.comp.usesCounter(old) { old.Detach(c.id) }
        cntr.Attach(c.id)
    }
    if transmit {
        if flags&fabric.Send != 0 { set(&c.comp.send) }
        if flags&fabric.Read != 0 { set(&c.comp.read) }
        if flags&fabric.Write != 0 { set(&c.comp.write) }
    } else {
        if flags&fabric.Recv != 0 { set(&c.comp.recv) }
        if flags&fabric.RemoteRead != 0 { set(&c.comp.remRead) }
        if flags&fabric.RemoteWrite != 0 { set(&c.comp.remWrite) }
    }
    return nil
}

// enable marks the context enabled and registers it with the progress
// engine. Repeated calls are no-ops.
func (c *ctxBase) enable(p progressor) error {
    c.mu.Lock()
    if c.closed { c.mu.Unlock(); return fmt.Errorf("enable context: %w", fabric.ErrBadState) }
    c.enabled, c.disabled = true, false
    c.mu.Unlock()
    c.dom.eng.add(p)
    return nil
}

func (c *ctxBase) disable() {
    c.mu.Lock()
    c.enabled, c.disabled = false, true
    c.mu.Unlock()
}

// free unregisters the context, drops its bindings and returns its slot
// to the domain. It reports false when the context was already freed.
func (c *ctxBase) free(p progressor) bool {
    c.dom.eng.remove(p)
    c.mu.Lock()
    if c.closed { c.mu.Unlock(); return false }
    c.closed, c.enabled = true, false
    comp := c.comp
    c.comp = compBindings{}
    c.mu.Unlock()
    comp.detachAll(c.id)
    c.dom.releaseContext()
    return true
}

func (c *ctxBase) getOpsFlags(arg any) error {
    fp, ok := arg.(*fabric.Flags)
    if !ok || fp == nil { return fmt.Errorf("getopsflag arg %T: %w", arg, fabric.ErrInvalidArgument) }
    c.mu.Lock(); *fp = c.opFlags; c.mu.Unlock()
    return nil
}

// sameToken compares two operation contexts without panicking on
// uncomparable dynamic types.
func sameToken(a, b any) bool {
    if a == nil || b == nil { return a == nil && b == nil }
    ta := reflect.TypeOf(a)
    if ta != reflect.TypeOf(b) || !ta.Comparable() { return false }
    return a == b
}
