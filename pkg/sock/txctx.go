package sock

import (
    "fmt"
    "sync"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/ringbuf"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// txBudget bounds the operations drained from one context per pass.
const txBudget = 64

// TxContext queues transmit operations for the progress engine. It is
// owned by an endpoint or, when shared, by the domain.
type TxContext struct {
    ctxBase
    attr fabric.TxAttr

    // wmu guards the ring and pending ops
    wmu     sync.Mutex
    ring    *ringbuf.Ring
    pending map[uint64]*txOp
    seq     uint64
}

func newTxContext(d *Domain, index int, attr fabric.TxAttr, owner *epCore) *TxContext {
    t := &TxContext{
        attr:    attr,
        ring:    ringbuf.New(attr.Size * fabric.TxEntrySize),
        pending: make(map[uint64]*txOp),
    }
    t.init(d, index, owner, d.log)
    t.opFlags = attr.OpFlags
    return t
}

// Attr returns the context attributes.
func (t *TxContext) Attr() fabric.TxAttr { return t.attr }

// Bind attaches a completion queue or counter.
func (t *TxContext) Bind(res any, flags fabric.Flags) error {
    switch r := res.(type) {
    case *completion.Queue:
        return t.bindCQ(r, flags, true)
    case *completion.Counter:
        return t.bindCounter(r, flags, true)
    }
    return fmt.Errorf("bind %T to tx context: %w", res, fabric.ErrInvalidArgument)
}

// Control handles Enable, GetOpsFlags and SetOpsFlags.
func (t *TxContext) Control(cmd fabric.Command, arg any) error {
    switch cmd {
    case fabric.CmdEnable:
        return t.Enable()
    case fabric.CmdGetOpsFlags:
        return t.getOpsFlags(arg)
    case fabric.CmdSetOpsFlags:
        fp, ok := arg.(*fabric.Flags)
        if !ok || fp == nil { return fmt.Errorf("setopsflag arg %T: %w", arg, fabric.ErrInvalidArgument) }
        f := *fp&^fabric.Transmit | fabric.TransmitComplete
        t.mu.Lock(); t.opFlags = f; t.mu.Unlock()
        return nil
    }
    return fmt.Errorf("tx context control %s: %w", cmd, fabric.ErrInvalidArgument)
}

// Enable enables the context and registers it for progress.
func (t *TxContext) Enable() error { return t.enable(t) }

// GetOpt has no transmit-side options.
func (t *TxContext) GetOpt(level fabric.OptLevel, name fabric.OptName) (int, error) {
    return 0, fmt.Errorf("tx context getopt %d/%d: %w", level, name, fabric.ErrInvalidArgument)
}

// SetOpt has no transmit-side options.
func (t *TxContext) SetOpt(level fabric.OptLevel, name fabric.OptName, _ int) error {
    return fmt.Errorf("tx context setopt %d/%d: %w", level, name, fabric.ErrInvalidArgument)
}

// Cancel is not supported for transmits.
func (t *TxContext) Cancel(any) error {
    return fmt.Errorf("tx cancel: %w", fabric.ErrNotFound)
}

// SizeLeft returns how many more operations fit in the queue.
func (t *TxContext) SizeLeft() int {
    t.wmu.Lock(); defer t.wmu.Unlock()
    return t.ring.Avail() / fabric.TxEntrySize
}

// Close releases a shared or scalable context. A shared context fails
// with ErrBusy while endpoints are attached; an endpoint's default
// context is released by the endpoint only.
func (t *TxContext) Close() error {
    if t.shared {
        if n := t.memberCount(); n > 0 {
            return fmt.Errorf("close shared tx context: %d endpoints attached: %w", n, fabric.ErrBusy)
        }
        if !t.free(t) { return fmt.Errorf("close shared context: %w", fabric.ErrBadState) }
        t.dom.release()
        return nil
    }
    return t.owner.closeTxContext(t)
}

// Send queues a message from the owning endpoint of a scalable context.
func (t *TxContext) Send(buf []byte, dest fabric.Addr, context any) error {
    t.mu.Lock(); f := t.opFlags; t.mu.Unlock()
    return t.SendMsg(&fabric.Msg{Buf: buf, Addr: dest, Context: context}, f)
}

// TSend queues a tagged message.
func (t *TxContext) TSend(buf []byte, dest fabric.Addr, tag uint64, context any) error {
    t.mu.Lock(); f := t.opFlags; t.mu.Unlock()
    return t.TSendMsg(&fabric.Msg{Buf: buf, Addr: dest, Tag: tag, Context: context}, f)
}

// SendMsg queues m with explicit flags.
func (t *TxContext) SendMsg(m *fabric.Msg, flags fabric.Flags) error {
    if t.owner == nil { return fmt.Errorf("send on shared context: %w", fabric.ErrInvalidArgument) }
    return t.post(t.owner, wire.OpSend, m, flags)
}

// TSendMsg queues a tagged m with explicit flags.
func (t *TxContext) TSendMsg(m *fabric.Msg, flags fabric.Flags) error {
    if t.owner == nil { return fmt.Errorf("send on shared context: %w", fabric.ErrInvalidArgument) }
    return t.post(t.owner, wire.OpTSend, m, flags)
}

// post validates and queues one operation for ep.
func (t *TxContext) post(ep *epCore, op wire.Op, m *fabric.Msg, flags fabric.Flags) error {
    if !t.active() { return fmt.Errorf("post send: %w", fabric.ErrBadState) }
    if len(m.Buf) > ep.info.EP.MaxMsgSize {
        return fmt.Errorf("send %d bytes over max %d: %w", len(m.Buf), ep.info.EP.MaxMsgSize, fabric.ErrInvalidArgument)
    }
    payload := m.Buf
    if flags&fabric.Inject != 0 {
        if len(m.Buf) > t.attr.InjectSize {
            return fmt.Errorf("inject %d bytes over %d: %w", len(m.Buf), t.attr.InjectSize, fabric.ErrInvalidArgument)
        }
        payload = append([]byte(nil), m.Buf...)
    }
    o := &txOp{
        slot:    slot{Op: op, Len: uint32(len(payload)), Flags: flags, Dest: m.Addr, Tag: m.Tag, CQData: m.Data},
        ep:      ep,
        tx:      t,
        payload: payload,
        context: m.Context,
    }

    var buf [fabric.TxEntrySize]byte
    t.wmu.Lock()
    if t.ring.Avail() < fabric.TxEntrySize {
        t.wmu.Unlock()
        return fmt.Errorf("tx queue full: %w", fabric.ErrWouldBlock)
    }
    t.seq++
    o.Seq = t.seq
    o.slot.marshal(buf[:])
    if err := t.ring.Write(buf[:]); err != nil {
        t.wmu.Unlock()
        return fmt.Errorf("tx queue: %w", fabric.ErrWouldBlock)
    }
    t.pending[o.Seq] = o
    t.wmu.Unlock()

    t.stats.IncSends()
    t.dom.eng.kick()
    return nil
}

// pop removes the oldest queued operation.
func (t *TxContext) pop() (*txOp, error) {
    t.wmu.Lock(); defer t.wmu.Unlock()
    if t.ring.Used() < fabric.TxEntrySize { return nil, nil }
    var buf [fabric.TxEntrySize]byte
    t.ring.Read(buf[:])
    var s slot
    if err := s.unmarshal(buf[:]); err != nil { return nil, err }
    o := t.pending[s.Seq]
    if o == nil { return nil, fmt.Errorf("tx slot %d has no operation: %w", s.Seq, fabric.ErrInternal) }
    delete(t.pending, s.Seq)
    o.slot = s
    return o, nil
}

// complete reports a finished transmit.
func (t *TxContext) complete(o *txOp) {
    comp := t.bindings()
    t.stats.IncSendsOK()
    if comp.send != nil { comp.send.Inc() }
    if o.Flags&fabric.Inject != 0 { return }
    if comp.sendCQ == nil { return }
    if comp.sendSelective && o.Flags&fabric.Completion == 0 { return }
    comp.sendCQ.Report(completion.Entry{Context: o.context, Flags: o.cqFlags(), Len: len(o.payload)})
}

// fail reports a transmit error.
func (t *TxContext) fail(o *txOp, err error) {
    code := fabric.CodeOf(err)
    t.stats.IncError(code)
    comp := t.bindings()
    if comp.send != nil { comp.send.IncErr() }
    if comp.sendCQ != nil {
        comp.sendCQ.ReportError(completion.ErrEntry{
            Entry: completion.Entry{Context: o.context, Flags: o.cqFlags(), Len: len(o.payload), Tag: o.Tag},
            Code:  code,
            Err:   err,
        })
    }
    t.log.Debug("transmit failed", zapOp(o), zap.Error(err))
}

// progress drains the queue onto connections.
func (t *TxContext) progress(e *engine) {
    if !t.active() { return }
    for _, ep := range t.memberList() {
        e.flushPostponed(ep)
    }
    for i := 0; i < txBudget; i++ {
        o, err := t.pop()
        if err != nil {
            t.log.Error("transmit queue corrupt", zap.Error(err))
            return
        }
        if o == nil { return }
        e.transmit(o)
    }
}
