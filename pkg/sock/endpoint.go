package sock

import (
    "context"
    "fmt"
    "sync"

    "github.com/google/uuid"
    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/av"
    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/observability"
    "github.com/bturrubiates/libfabric/pkg/transport"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// rxBudget bounds the inbound frames routed per pass.
const rxBudget = 64

type bindReq struct {
    res   any
    flags fabric.Flags
}

// epCore is the state an endpoint shares with its aliases.
type epCore struct {
    id    uuid.UUID
    dom   *Domain
    info  *fabric.Info
    kind  fabric.EndpointKind
    log   *zap.Logger
    codec *wire.Codec

    mu       sync.Mutex
    ref      int
    numTx    int
    numRx    int
    tx       *TxContext
    rx       *RxContext
    txArr    []*TxContext
    rxArr    []*RxContext
    txShared bool
    rxShared bool
    av       *av.AddressVector
    eq       *completion.EventQueue
    // binds are replayed onto contexts created later
    binds        []bindReq
    enabled      bool
    disabled     bool
    closed       bool
    minMultiRecv int

    svc  transport.Listener
    addr string
    cmap *connMap
    acc  *acceptor

    inbox   chan *inbound
    drainMu sync.Mutex
}

// Endpoint is a handle on an endpoint. Aliases share the endpoint state
// and carry their own default operation flags.
type Endpoint struct {
    core  *epCore
    alias bool

    mu      sync.Mutex
    txFlags fabric.Flags
    rxFlags fabric.Flags
    closed  bool
}

// AliasRequest is the argument of fabric.CmdAlias.
type AliasRequest struct {
    Flags    fabric.Flags
    Endpoint *Endpoint
}

// Endpoint allocates a standard endpoint. A nil info uses provider defaults
// for an RDM endpoint.
func (d *Domain) Endpoint(info *fabric.Info) (*Endpoint, error) {
    return d.allocate(info, fabric.KindStandard)
}

// ScalableEndpoint allocates an endpoint whose contexts are created on
// demand by index.
func (d *Domain) ScalableEndpoint(info *fabric.Info) (*Endpoint, error) {
    return d.allocate(info, fabric.KindScalable)
}

func (d *Domain) allocate(info *fabric.Info, kind fabric.EndpointKind) (_ *Endpoint, err error) {
    if info == nil { info = d.DefaultInfo(fabric.EndpointRDM) } else { info = info.Clone() }
    if err := info.Verify(kind); err != nil { return nil, err }
    if err := d.hold(); err != nil { return nil, err }

    var undo []func()
    defer func() {
        if err == nil { return }
        for i := len(undo) - 1; i >= 0; i-- { undo[i]() }
    }()
    undo = append(undo, d.release)

    ep := &epCore{
        id:           uuid.New(),
        dom:          d,
        info:         info,
        kind:         kind,
        log:          d.fab.logging.Subsystem(observability.SubsysEPCtrl),
        codec:        d.fab.codec,
        minMultiRecv: d.cfg.MinMultiRecv,
    }
    if ep.minMultiRecv <= 0 { ep.minMultiRecv = fabric.DefaultMinMultiRecv }

    switch kind {
    case fabric.KindStandard:
        ep.txArr, ep.rxArr = make([]*TxContext, 1), make([]*RxContext, 1)
        if info.EP.TxCtxCount == fabric.SharedContext {
            ep.txShared = true
        } else {
            if err = d.reserveContext(); err != nil { return nil, err }
            ep.tx = newTxContext(d, 0, info.Tx, ep)
            ep.txArr[0] = ep.tx
            undo = append(undo, func() { ep.tx.free(ep.tx) })
        }
        if info.EP.RxCtxCount == fabric.SharedContext {
            ep.rxShared = true
        } else {
            if err = d.reserveContext(); err != nil { return nil, err }
            ep.rx = newRxContext(d, 0, info.Rx, ep)
            ep.rxArr[0] = ep.rx
            undo = append(undo, func() { ep.rx.free(ep.rx) })
        }
    case fabric.KindScalable:
        ep.txArr = make([]*TxContext, info.EP.TxCtxCount)
        ep.rxArr = make([]*RxContext, info.EP.RxCtxCount)
    }

    src := info.SrcAddr
    if src == "" { src = d.cfg.SourceAddr }
    ln, err := d.fab.tr.Listen(context.Background(), src)
    if err != nil { return nil, fmt.Errorf("bind service %s: %w", src, err) }
    undo = append(undo, func() { _ = ln.Close() })
    ep.svc, ep.addr = ln, ln.Addr().String()
    if err = d.fab.addService(ep.addr, ep); err != nil { return nil, err }
    undo = append(undo, func() { d.fab.removeService(ep.addr) })

    ep.cmap = newConnMap(ep, d.fab.tr, d.fab.codec, d.cfg.ConnectTimeout())
    ep.inbox = make(chan *inbound, max(info.Rx.Size, 1))

    ep.log.Debug("endpoint allocated",
        zap.Stringer("ep", ep.id),
        zap.Stringer("type", info.EP.Type),
        zap.Stringer("kind", kind),
        zap.String("addr", ep.addr))
    return &Endpoint{core: ep, txFlags: info.Tx.OpFlags, rxFlags: info.Rx.OpFlags}, nil
}

// ID is the stable handle of the endpoint; aliases share it.
func (h *Endpoint) ID() uuid.UUID { return h.core.id }

// Addr is the bound rendezvous address peers use to reach the endpoint.
func (h *Endpoint) Addr() string { return h.core.Addr() }

// Info returns a copy of the endpoint attributes.
func (h *Endpoint) Info() *fabric.Info { return h.core.info.Clone() }

// Kind reports whether the endpoint is standard or scalable.
func (h *Endpoint) Kind() fabric.EndpointKind { return h.core.kind }

// IsAlias reports whether h was created by Alias.
func (h *Endpoint) IsAlias() bool { return h.alias }

func (ep *epCore) Addr() string { return ep.addr }

// contextsLocked returns the non-nil contexts reachable from the endpoint.
func (ep *epCore) contextsLocked() ([]*TxContext, []*RxContext) {
    txs := make([]*TxContext, 0, len(ep.txArr))
    for _, t := range ep.txArr {
        if t != nil { txs = append(txs, t) }
    }
    rxs := make([]*RxContext, 0, len(ep.rxArr))
    for _, r := range ep.rxArr {
        if r != nil { rxs = append(rxs, r) }
    }
    return txs, rxs
}

// Bind attaches a completion queue, counter, address vector, event queue,
// shared context or memory region.
func (h *Endpoint) Bind(res any, flags fabric.Flags) error {
    if err := h.open(); err != nil { return err }
    return h.core.bind(res, flags)
}

func (ep *epCore) bind(res any, flags fabric.Flags) error {
    switch r := res.(type) {
    case *completion.Queue:
        if flags&^fabric.CQBindFlags != 0 { return fmt.Errorf("bind cq flags %s: %w", flags, fabric.ErrInvalidArgument) }
        if r.Domain() != ep.dom.id { return fmt.Errorf("bind cq: %w", errDomainMismatch) }
        txs, rxs := ep.recordBind(r, flags)
        for _, t := range txs {
            if err := t.bindCQ(r, flags, true); err != nil { return err }
        }
        for _, x := range rxs {
            if err := x.bindCQ(r, flags, false); err != nil { return err }
        }
        ep.dom.fab.logging.Subsystem(observability.SubsysCQ).Debug("cq bound", zap.Stringer("ep", ep.id), zap.Stringer("flags", flags))
        return nil

    case *completion.Counter:
        if flags&^fabric.CounterBindFlags != 0 { return fmt.Errorf("bind counter flags %s: %w", flags, fabric.ErrInvalidArgument) }
        if r.Domain() != ep.dom.id { return fmt.Errorf("bind counter: %w", errDomainMismatch) }
        txs, rxs := ep.recordBind(r, flags)
        for _, t := range txs {
            if err := t.bindCounter(r, flags, true); err != nil { return err }
        }
        for _, x := range rxs {
            if err := x.bindCounter(r, flags, false); err != nil { return err }
        }
        return nil

    case *av.AddressVector:
        if flags != 0 { return fmt.Errorf("bind av flags %s: %w", flags, fabric.ErrInvalidArgument) }
        if r.Domain() != ep.dom.id { return fmt.Errorf("bind av: %w", errDomainMismatch) }
        ep.mu.Lock()
        if ep.av == r { ep.mu.Unlock(); return nil }
        old := ep.av
        ep.av = r
        txs, rxs := ep.contextsLocked()
        ep.mu.Unlock()
        r.Ref()
        if old != nil { old.Unref() }
        for _, t := range txs { t.setAV(r) }
        for _, x := range rxs { x.setAV(r) }
        return nil

    case *completion.EventQueue:
        if flags != 0 { return fmt.Errorf("bind eq flags %s: %w", flags, fabric.ErrInvalidArgument) }
        ep.mu.Lock()
        old := ep.eq
        ep.eq = r
        ep.mu.Unlock()
        if old != nil && old != r { old.Detach(ep.id) }
        r.Attach(ep.id)
        return nil

    case *TxContext:
        if !r.shared { return fmt.Errorf("bind tx context: not shared: %w", fabric.ErrInvalidArgument) }
        if r.dom != ep.dom { return fmt.Errorf("bind tx context: %w", errDomainMismatch) }
        ep.mu.Lock()
        if !ep.txShared || (ep.tx != nil && ep.tx != r) {
            ep.mu.Unlock()
            return fmt.Errorf("endpoint does not take a shared tx context: %w", fabric.ErrInvalidArgument)
        }
        ep.tx, ep.txArr[0] = r, r
        a, binds := ep.av, append([]bindReq(nil), ep.binds...)
        ep.mu.Unlock()
        r.addMember(ep)
        if a != nil { r.setAV(a) }
        for _, b := range binds { _ = r.Bind(b.res, b.flags) }
        return nil

    case *RxContext:
        if !r.shared { return fmt.Errorf("bind rx context: not shared: %w", fabric.ErrInvalidArgument) }
        if r.dom != ep.dom { return fmt.Errorf("bind rx context: %w", errDomainMismatch) }
        ep.mu.Lock()
        if !ep.rxShared || (ep.rx != nil && ep.rx != r) {
            ep.mu.Unlock()
            return fmt.Errorf("endpoint does not take a shared rx context: %w", fabric.ErrInvalidArgument)
        }
        ep.rx, ep.rxArr[0] = r, r
        a, binds := ep.av, append([]bindReq(nil), ep.binds...)
        ep.mu.Unlock()
        r.addMember(ep)
        if a != nil { r.setAV(a) }
        for _, b := range binds { _ = r.Bind(b.res, b.flags) }
        return nil

    case *MemoryRegion:
        if r.dom != ep.dom.id { return fmt.Errorf("bind mr: %w", errDomainMismatch) }
        return nil
    }
    return fmt.Errorf("bind %T: %w", res, fabric.ErrInvalidArgument)
}

func (ep *epCore) recordBind(res any, flags fabric.Flags) ([]*TxContext, []*RxContext) {
    ep.mu.Lock(); defer ep.mu.Unlock()
    ep.binds = append(ep.binds, bindReq{res: res, flags: flags})
    return ep.contextsLocked()
}

// Control runs an endpoint command. CmdAlias takes an *AliasRequest and
// fills its Endpoint; the ops-flag commands take a *fabric.Flags whose
// Transmit or Recv bit selects the direction.
func (h *Endpoint) Control(cmd fabric.Command, arg any) error {
    switch cmd {
    case fabric.CmdEnable:
        return h.Enable()
    case fabric.CmdAlias:
        req, ok := arg.(*AliasRequest)
        if !ok || req == nil { return fmt.Errorf("alias arg %T: %w", arg, fabric.ErrInvalidArgument) }
        a, err := h.Alias(req.Flags)
        if err != nil { return err }
        req.Endpoint = a
        return nil
    case fabric.CmdGetOpsFlags:
        fp, ok := arg.(*fabric.Flags)
        if !ok || fp == nil { return fmt.Errorf("getopsflag arg %T: %w", arg, fabric.ErrInvalidArgument) }
        f, err := h.OpFlags(*fp)
        if err != nil { return err }
        *fp = f
        return nil
    case fabric.CmdSetOpsFlags:
        fp, ok := arg.(*fabric.Flags)
        if !ok || fp == nil { return fmt.Errorf("setopsflag arg %T: %w", arg, fabric.ErrInvalidArgument) }
        return h.SetOpFlags(*fp)
    }
    return fmt.Errorf("endpoint control %s: %w", cmd, fabric.ErrInvalidArgument)
}

func direction(flags fabric.Flags) (transmit bool, err error) {
    switch {
    case flags.Has(fabric.Transmit | fabric.Recv):
        return false, fmt.Errorf("ops flags select both directions: %w", fabric.ErrInvalidArgument)
    case flags&fabric.Transmit != 0:
        return true, nil
    case flags&fabric.Recv != 0:
        return false, nil
    }
    return false, fmt.Errorf("ops flags select no direction: %w", fabric.ErrInvalidArgument)
}

// OpFlags returns the default flags of the direction selected by sel.
func (h *Endpoint) OpFlags(sel fabric.Flags) (fabric.Flags, error) {
    tx, err := direction(sel)
    if err != nil { return 0, err }
    h.mu.Lock(); defer h.mu.Unlock()
    if tx { return h.txFlags, nil }
    return h.rxFlags, nil
}

// SetOpFlags replaces the default flags of the direction selected by
// flags. Transmit flags always get fabric.TransmitComplete.
func (h *Endpoint) SetOpFlags(flags fabric.Flags) error {
    tx, err := direction(flags)
    if err != nil { return err }
    h.mu.Lock(); defer h.mu.Unlock()
    if tx {
        h.txFlags = flags&^fabric.Transmit | fabric.TransmitComplete
        return nil
    }
    h.rxFlags = flags &^ fabric.Recv
    return nil
}

// Alias returns a new handle on the same endpoint. Non-zero flags set the
// alias's default flags as SetOpFlags does. The endpoint cannot close
// until every alias is closed.
func (h *Endpoint) Alias(flags fabric.Flags) (*Endpoint, error) {
    if err := h.open(); err != nil { return nil, err }
    h.mu.Lock()
    a := &Endpoint{core: h.core, alias: true, txFlags: h.txFlags, rxFlags: h.rxFlags}
    h.mu.Unlock()
    if flags != 0 {
        if err := a.SetOpFlags(flags); err != nil { return nil, err }
    }
    ep := h.core
    ep.mu.Lock()
    if ep.closed { ep.mu.Unlock(); return nil, fmt.Errorf("alias: %w", fabric.ErrBadState) }
    ep.ref++
    ep.mu.Unlock()
    return a, nil
}

// Enable enables every owned and array context, registers them with the
// progress engine and, for RDM endpoints, starts accepting connections.
func (h *Endpoint) Enable() error {
    if err := h.open(); err != nil { return err }
    return h.core.enable()
}

func (ep *epCore) enable() error {
    ep.mu.Lock()
    if ep.closed { ep.mu.Unlock(); return fmt.Errorf("enable: %w", fabric.ErrBadState) }
    ep.enabled, ep.disabled = true, false
    txs, rxs := ep.contextsLocked()
    ep.mu.Unlock()
    for _, t := range txs {
        if err := t.Enable(); err != nil { return err }
    }
    for _, r := range rxs {
        if err := r.Enable(); err != nil { return err }
    }
    if ep.info.EP.Type == fabric.EndpointRDM { ep.listen() }
    ep.log.Debug("endpoint enabled", zap.Stringer("ep", ep.id), zap.Int("tx", len(txs)), zap.Int("rx", len(rxs)))
    return nil
}

// listen starts the acceptor once.
func (ep *epCore) listen() {
    ep.mu.Lock(); defer ep.mu.Unlock()
    if ep.acc != nil || ep.closed { return }
    ep.acc = startAcceptor(ep.svc, ep.cmap, ep.log)
}

// Disable stops the endpoint's own contexts; they stay registered but are
// skipped by the progress engine, and inbound connections are refused.
func (h *Endpoint) Disable() error {
    if err := h.open(); err != nil { return err }
    ep := h.core
    ep.mu.Lock()
    ep.enabled, ep.disabled = false, true
    txs, rxs := ep.contextsLocked()
    ep.mu.Unlock()
    for _, t := range txs {
        if !t.shared { t.disable() }
    }
    for _, r := range rxs {
        if !r.shared { r.disable() }
    }
    return nil
}

// admit decides an inbound connection request; an empty reason accepts.
func (ep *epCore) admit(req wire.ConnReq) string {
    ep.mu.Lock(); defer ep.mu.Unlock()
    switch {
    case ep.closed:
        return "endpoint closing"
    case ep.disabled:
        return "endpoint disabled"
    case !ep.enabled:
        return "endpoint not enabled"
    case req.Version != wire.Version:
        return fmt.Sprintf("unsupported version %d", req.Version)
    case fabric.EndpointType(req.EPType) != ep.info.EP.Type:
        return "endpoint type mismatch"
    }
    return ""
}

func (ep *epCore) postEvent(kind completion.EventKind, peer string, err error) {
    ep.mu.Lock(); eq := ep.eq; ep.mu.Unlock()
    if eq == nil { return }
    eq.Write(completion.Event{Kind: kind, Source: ep.id, Peer: peer, Err: err})
    ep.dom.fab.logging.Subsystem(observability.SubsysEQ).Debug("event", zap.Stringer("kind", kind), zap.String("peer", peer))
}

// Close releases the handle. An alias only drops its reference. The
// endpoint itself fails with ErrBusy while aliases or scalable contexts
// are open, and closing twice fails with ErrBadState.
func (h *Endpoint) Close() error {
    h.mu.Lock()
    if h.closed { h.mu.Unlock(); return fmt.Errorf("endpoint close: %w", fabric.ErrBadState) }
    if h.alias {
        h.closed = true
        h.mu.Unlock()
        h.core.unref()
        return nil
    }
    h.mu.Unlock()
    if err := h.core.close(); err != nil { return err }
    h.mu.Lock(); h.closed = true; h.mu.Unlock()
    return nil
}

func (h *Endpoint) open() error {
    h.mu.Lock(); defer h.mu.Unlock()
    if h.closed { return fmt.Errorf("endpoint closed: %w", fabric.ErrBadState) }
    return nil
}

func (ep *epCore) unref() {
    ep.mu.Lock()
    if ep.ref > 0 { ep.ref-- }
    ep.mu.Unlock()
}

func (ep *epCore) close() error {
    ep.mu.Lock()
    if ep.closed { ep.mu.Unlock(); return fmt.Errorf("endpoint close: %w", fabric.ErrBadState) }
    if ep.ref > 0 || ep.numTx > 0 || ep.numRx > 0 {
        ref, ntx, nrx := ep.ref, ep.numTx, ep.numRx
        ep.mu.Unlock()
        return fmt.Errorf("endpoint close: %d aliases, %d tx and %d rx contexts open: %w", ref, ntx, nrx, fabric.ErrBusy)
    }
    ep.closed, ep.enabled = true, false
    acc := ep.acc
    ep.acc = nil
    a, eq := ep.av, ep.eq
    ep.av, ep.eq = nil, nil
    txs, rxs := ep.contextsLocked()
    ep.mu.Unlock()

    // goroutines first: they reference everything below
    if acc != nil { acc.stop() }
    ep.cmap.close()

    if a != nil { a.Unref() }
    if eq != nil { eq.Detach(ep.id) }

    var shared []progressor
    for _, t := range txs {
        if t.shared { shared = append(shared, t) } else { t.free(t) }
    }
    for _, r := range rxs {
        if r.shared { shared = append(shared, r) } else { r.free(r) }
    }
    ep.dom.eng.detach(ep, shared)

    ep.dom.fab.removeService(ep.addr)
    _ = ep.svc.Close()
    ep.dom.release()
    ep.log.Debug("endpoint closed", zap.Stringer("ep", ep.id))
    return nil
}

// Cancel cancels the unmatched receive posted with token.
func (h *Endpoint) Cancel(token any) error {
    if err := h.open(); err != nil { return err }
    ep := h.core
    ep.mu.Lock()
    _, rxs := ep.contextsLocked()
    ep.mu.Unlock()
    for _, r := range rxs {
        if err := r.Cancel(token); err == nil { return nil }
    }
    return fmt.Errorf("endpoint cancel: %w", fabric.ErrNotFound)
}

// TxSizeLeft reports free transmit slots of the default context.
func (h *Endpoint) TxSizeLeft() (int, error) {
    t := h.core.defaultTx()
    if t == nil { return 0, fmt.Errorf("no default tx context: %w", fabric.ErrBadState) }
    return t.SizeLeft(), nil
}

// RxSizeLeft reports how many more receives the default context takes.
func (h *Endpoint) RxSizeLeft() (int, error) {
    r := h.core.defaultRx()
    if r == nil { return 0, fmt.Errorf("no default rx context: %w", fabric.ErrBadState) }
    return r.SizeLeft(), nil
}

func (ep *epCore) defaultTx() *TxContext {
    ep.mu.Lock(); defer ep.mu.Unlock()
    return ep.tx
}

func (ep *epCore) defaultRx() *RxContext {
    ep.mu.Lock(); defer ep.mu.Unlock()
    return ep.rx
}

// GetOpt reads an endpoint option.
func (h *Endpoint) GetOpt(level fabric.OptLevel, name fabric.OptName) (int, error) {
    if level != fabric.OptLevelEndpoint { return 0, fmt.Errorf("getopt level %d: %w", level, fabric.ErrInvalidArgument) }
    switch name {
    case fabric.OptMinMultiRecv:
        ep := h.core
        ep.mu.Lock(); defer ep.mu.Unlock()
        return ep.minMultiRecv, nil
    case fabric.OptCMDataSize:
        return fabric.MaxCMDataSize, nil
    }
    return 0, fmt.Errorf("getopt name %d: %w", name, fabric.ErrInvalidArgument)
}

// SetOpt writes an endpoint option. OptMinMultiRecv applies to every
// receive context of the endpoint.
func (h *Endpoint) SetOpt(level fabric.OptLevel, name fabric.OptName, v int) error {
    if level != fabric.OptLevelEndpoint { return fmt.Errorf("setopt level %d: %w", level, fabric.ErrInvalidArgument) }
    if name != fabric.OptMinMultiRecv || v < 0 {
        return fmt.Errorf("setopt name %d=%d: %w", name, v, fabric.ErrInvalidArgument)
    }
    ep := h.core
    ep.mu.Lock()
    ep.minMultiRecv = v
    _, rxs := ep.contextsLocked()
    ep.mu.Unlock()
    for _, r := range rxs { r.setMinMultiRecv(v) }
    return nil
}

// TxContext creates the transmit context at index of a scalable endpoint.
// A nil attr inherits the endpoint's transmit attributes.
func (h *Endpoint) TxContext(index int, attr *fabric.TxAttr) (*TxContext, error) {
    if err := h.open(); err != nil { return nil, err }
    ep := h.core
    if ep.kind != fabric.KindScalable { return nil, fmt.Errorf("tx context on standard endpoint: %w", fabric.ErrInvalidArgument) }
    if index < 0 || index >= len(ep.txArr) {
        return nil, fmt.Errorf("tx context index %d of %d: %w", index, len(ep.txArr), fabric.ErrInvalidArgument)
    }
    a := ep.info.Tx
    if attr != nil {
        a = *attr
        if err := fabric.VerifyTx(&a); err != nil { return nil, err }
    }

    ep.mu.Lock()
    if ep.closed { ep.mu.Unlock(); return nil, fmt.Errorf("tx context: %w", fabric.ErrBadState) }
    if ep.txArr[index] != nil { ep.mu.Unlock(); return nil, fmt.Errorf("tx context %d in use: %w", index, fabric.ErrBusy) }
    if err := ep.dom.reserveContext(); err != nil { ep.mu.Unlock(); return nil, err }
    if err := ep.dom.hold(); err != nil { ep.dom.releaseContext(); ep.mu.Unlock(); return nil, err }
    t := newTxContext(ep.dom, index, a, ep)
    t.av = ep.av
    ep.txArr[index] = t
    ep.numTx++
    binds := append([]bindReq(nil), ep.binds...)
    ep.mu.Unlock()

    for _, b := range binds { _ = t.Bind(b.res, b.flags) }
    return t, nil
}

// RxContext creates the receive context at index of a scalable endpoint.
func (h *Endpoint) RxContext(index int, attr *fabric.RxAttr) (*RxContext, error) {
    if err := h.open(); err != nil { return nil, err }
    ep := h.core
    if ep.kind != fabric.KindScalable { return nil, fmt.Errorf("rx context on standard endpoint: %w", fabric.ErrInvalidArgument) }
    if index < 0 || index >= len(ep.rxArr) {
        return nil, fmt.Errorf("rx context index %d of %d: %w", index, len(ep.rxArr), fabric.ErrInvalidArgument)
    }
    a := ep.info.Rx
    if attr != nil {
        a = *attr
        if err := fabric.VerifyRx(&a); err != nil { return nil, err }
    }

    ep.mu.Lock()
    if ep.closed { ep.mu.Unlock(); return nil, fmt.Errorf("rx context: %w", fabric.ErrBadState) }
    if ep.rxArr[index] != nil { ep.mu.Unlock(); return nil, fmt.Errorf("rx context %d in use: %w", index, fabric.ErrBusy) }
    if err := ep.dom.reserveContext(); err != nil { ep.mu.Unlock(); return nil, err }
    if err := ep.dom.hold(); err != nil { ep.dom.releaseContext(); ep.mu.Unlock(); return nil, err }
    r := newRxContext(ep.dom, index, a, ep)
    r.av = ep.av
    r.minMultiRecv = ep.minMultiRecv
    ep.rxArr[index] = r
    ep.numRx++
    binds := append([]bindReq(nil), ep.binds...)
    ep.mu.Unlock()

    for _, b := range binds { _ = r.Bind(b.res, b.flags) }
    return r, nil
}

func (ep *epCore) closeTxContext(t *TxContext) error {
    ep.mu.Lock()
    if ep.kind != fabric.KindScalable {
        ep.mu.Unlock()
        return fmt.Errorf("default tx context closes with its endpoint: %w", fabric.ErrInvalidArgument)
    }
    if ep.txArr[t.index] != t { ep.mu.Unlock(); return fmt.Errorf("tx context close: %w", fabric.ErrBadState) }
    ep.txArr[t.index] = nil
    ep.numTx--
    ep.mu.Unlock()
    t.free(t)
    ep.dom.release()
    return nil
}

func (ep *epCore) closeRxContext(r *RxContext) error {
    ep.mu.Lock()
    if ep.kind != fabric.KindScalable {
        ep.mu.Unlock()
        return fmt.Errorf("default rx context closes with its endpoint: %w", fabric.ErrInvalidArgument)
    }
    if ep.rxArr[r.index] != r { ep.mu.Unlock(); return fmt.Errorf("rx context close: %w", fabric.ErrBadState) }
    ep.rxArr[r.index] = nil
    ep.numRx--
    ep.mu.Unlock()
    r.free(r)
    ep.dom.release()
    return nil
}

// Stats merges the statistics of every context of the endpoint.
func (h *Endpoint) Stats() StatsSnapshot {
    ep := h.core
    ep.mu.Lock()
    txs, rxs := ep.contextsLocked()
    ep.mu.Unlock()
    var s StatsSnapshot
    for _, t := range txs { s.Add(t.Stats()) }
    for _, r := range rxs { s.Add(r.Stats()) }
    return s
}

// Connections returns the established connections of the endpoint.
func (h *Endpoint) Connections() []*Connection { return h.core.cmap.established() }

// resolve maps an address vector index to a peer rendezvous address.
// Connection-oriented endpoints have no address vector.
func (ep *epCore) resolve(idx fabric.Addr) (string, error) {
    if ep.info.EP.Type == fabric.EndpointMsg { return "", nil }
    ep.mu.Lock(); a := ep.av; ep.mu.Unlock()
    if a == nil { return "", fmt.Errorf("no address vector bound: %w", fabric.ErrInvalidArgument) }
    return a.Lookup(idx)
}

func (ep *epCore) reverseLookup(addr string) (fabric.Addr, bool) {
    ep.mu.Lock(); a := ep.av; ep.mu.Unlock()
    if a == nil { return 0, false }
    return a.ReverseLookup(addr)
}

// connFor returns the connection toward dest, or ErrWouldBlock with the
// connecting Connection while its handshake runs.
func (ep *epCore) connFor(dest fabric.Addr) (*Connection, error) {
    idx := fabric.Addr(0)
    if ep.info.EP.Type == fabric.EndpointRDM {
        ep.mu.Lock(); a := ep.av; ep.mu.Unlock()
        idx = dest
        if a != nil { idx = a.Mask(dest) }
    }
    c, _, err := ep.cmap.acquire(idx)
    return c, err
}

func (ep *epCore) rxIndexOf(dest fabric.Addr) int {
    if ep.info.EP.Type != fabric.EndpointRDM { return 0 }
    ep.mu.Lock(); a := ep.av; ep.mu.Unlock()
    if a == nil { return 0 }
    return a.RxIndex(dest)
}

func (ep *epCore) rxFor(idx int) *RxContext {
    ep.mu.Lock(); defer ep.mu.Unlock()
    if idx < 0 || idx >= len(ep.rxArr) { return nil }
    return ep.rxArr[idx]
}

// drainInbox routes inbound frames to the receive context they address.
func (ep *epCore) drainInbox() {
    if !ep.drainMu.TryLock() { return }
    defer ep.drainMu.Unlock()
    for i := 0; i < rxBudget; i++ {
        var in *inbound
        select {
        case in = <-ep.inbox:
        default:
            return
        }
        rx := ep.rxFor(int(in.data.RxIndex))
        if rx == nil {
            ep.log.Warn("dropping message for missing rx context", zap.Uint32("rx_index", in.data.RxIndex), zap.Error(errNoRxContext))
            continue
        }
        rx.drainUnexpected()
        if !rx.deliver(in) { rx.queueUnexpected(in) }
    }
}
