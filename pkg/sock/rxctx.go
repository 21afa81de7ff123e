package sock

import (
    "errors"
    "fmt"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// rxEntry is one posted receive.
type rxEntry struct {
    buf     []byte
    used    int
    tagged  bool
    tag     uint64
    ignore  uint64
    src     fabric.Addr
    flags   fabric.Flags
    context any
    // busy marks an entry claimed by an in-flight match.
    busy bool
}

func (e *rxEntry) multi() bool { return e.flags&fabric.MultiRecv != 0 }

// inbound is a data frame read from a connection.
type inbound struct {
    conn *Connection
    src  fabric.Addr
    data *wire.Data
    // err is a decode fault (checksum) to complete the match with.
    err error
}

func (in *inbound) tagged() bool { return in.data.Op == wire.OpTSend }

// RxContext holds posted receives and unexpected messages. It is owned by
// an endpoint or, when shared, by the domain.
type RxContext struct {
    ctxBase
    attr fabric.RxAttr

    // guarded by ctxBase.mu
    posted       []*rxEntry
    unexpected   []*inbound
    numLeft      int
    minMultiRecv int
}

func newRxContext(d *Domain, index int, attr fabric.RxAttr, owner *epCore) *RxContext {
    r := &RxContext{attr: attr, numLeft: attr.Size, minMultiRecv: d.cfg.MinMultiRecv}
    if r.minMultiRecv <= 0 { r.minMultiRecv = fabric.DefaultMinMultiRecv }
    r.init(d, index, owner, d.log)
    r.opFlags = attr.OpFlags
    return r
}

// Attr returns the context attributes.
func (r *RxContext) Attr() fabric.RxAttr { return r.attr }

// Bind attaches a completion queue or counter.
func (r *RxContext) Bind(res any, flags fabric.Flags) error {
    switch c := res.(type) {
    case *completion.Queue:
        return r.bindCQ(c, flags, false)
    case *completion.Counter:
        return r.bindCounter(c, flags, false)
    }
    return fmt.Errorf("bind %T to rx context: %w", res, fabric.ErrInvalidArgument)
}

// Control handles Enable, GetOpsFlags and SetOpsFlags.
func (r *RxContext) Control(cmd fabric.Command, arg any) error {
    switch cmd {
    case fabric.CmdEnable:
        return r.Enable()
    case fabric.CmdGetOpsFlags:
        return r.getOpsFlags(arg)
    case fabric.CmdSetOpsFlags:
        fp, ok := arg.(*fabric.Flags)
        if !ok || fp == nil { return fmt.Errorf("setopsflag arg %T: %w", arg, fabric.ErrInvalidArgument) }
        r.mu.Lock(); r.opFlags = *fp &^ fabric.Transmit; r.mu.Unlock()
        return nil
    }
    return fmt.Errorf("rx context control %s: %w", cmd, fabric.ErrInvalidArgument)
}

// Enable enables the context and registers it for progress.
func (r *RxContext) Enable() error { return r.enable(r) }

// GetOpt reads OptMinMultiRecv.
func (r *RxContext) GetOpt(level fabric.OptLevel, name fabric.OptName) (int, error) {
    if level != fabric.OptLevelEndpoint || name != fabric.OptMinMultiRecv {
        return 0, fmt.Errorf("rx context getopt %d/%d: %w", level, name, fabric.ErrInvalidArgument)
    }
    r.mu.Lock(); defer r.mu.Unlock()
    return r.minMultiRecv, nil
}

// SetOpt writes OptMinMultiRecv.
func (r *RxContext) SetOpt(level fabric.OptLevel, name fabric.OptName, v int) error {
    if level != fabric.OptLevelEndpoint || name != fabric.OptMinMultiRecv || v < 0 {
        return fmt.Errorf("rx context setopt %d/%d=%d: %w", level, name, v, fabric.ErrInvalidArgument)
    }
    r.setMinMultiRecv(v)
    return nil
}

func (r *RxContext) setMinMultiRecv(v int) {
    r.mu.Lock(); r.minMultiRecv = v; r.mu.Unlock()
}

// SizeLeft returns how many more receives can be posted.
func (r *RxContext) SizeLeft() int {
    r.mu.Lock(); defer r.mu.Unlock()
    return r.numLeft
}

// Close releases a shared or scalable context.
func (r *RxContext) Close() error {
    if r.shared {
        if n := r.memberCount(); n > 0 {
            return fmt.Errorf("close shared rx context: %d endpoints attached: %w", n, fabric.ErrBusy)
        }
        if !r.free(r) { return fmt.Errorf("close shared context: %w", fabric.ErrBadState) }
        r.dom.release()
        return nil
    }
    return r.owner.closeRxContext(r)
}

// Cancel removes the unmatched receive posted with token. Entries already
// claimed by a match are skipped.
func (r *RxContext) Cancel(token any) error {
    r.mu.Lock(); defer r.mu.Unlock()
    for i, e := range r.posted {
        if e.busy || !sameToken(e.context, token) { continue }
        flags := fabric.Message | fabric.Recv
        if e.tagged { flags |= fabric.Tagged }
        if r.comp.recvCQ != nil {
            r.comp.recvCQ.ReportError(completion.ErrEntry{
                Entry: completion.Entry{Context: e.context, Flags: flags, Tag: e.tag},
                Code:  fabric.CodeCanceled,
                Err:   fabric.ErrCanceled,
            })
        }
        if r.comp.recv != nil { r.comp.recv.IncErr() }
        r.posted = append(r.posted[:i], r.posted[i+1:]...)
        r.numLeft++
        r.stats.IncCanceled()
        return nil
    }
    return fmt.Errorf("rx cancel: %w", fabric.ErrNotFound)
}

// Recv posts buf for an untagged message from src, or from anyone with
// fabric.AddrUnspec.
func (r *RxContext) Recv(buf []byte, src fabric.Addr, context any) error {
    r.mu.Lock(); f := r.opFlags; r.mu.Unlock()
    return r.RecvMsg(&fabric.Msg{Buf: buf, Addr: src, Context: context}, f)
}

// TRecv posts buf for a tagged message.
func (r *RxContext) TRecv(buf []byte, src fabric.Addr, tag, ignore uint64, context any) error {
    r.mu.Lock(); f := r.opFlags; r.mu.Unlock()
    return r.TRecvMsg(&fabric.Msg{Buf: buf, Addr: src, Tag: tag, Ignore: ignore, Context: context}, f)
}

// RecvMsg posts an untagged receive. With fabric.MultiRecv the buffer
// takes consecutive messages until less than the minimum stays free.
func (r *RxContext) RecvMsg(m *fabric.Msg, flags fabric.Flags) error {
    return r.post(&rxEntry{buf: m.Buf, src: m.Addr, flags: flags, context: m.Context})
}

// TRecvMsg posts a tagged receive.
func (r *RxContext) TRecvMsg(m *fabric.Msg, flags fabric.Flags) error {
    if flags&fabric.MultiRecv != 0 {
        return fmt.Errorf("tagged multi-recv: %w", fabric.ErrInvalidArgument)
    }
    return r.post(&rxEntry{buf: m.Buf, tagged: true, tag: m.Tag, ignore: m.Ignore, src: m.Addr, flags: flags, context: m.Context})
}

func (r *RxContext) post(e *rxEntry) error {
    r.mu.Lock()
    if !r.enabled || r.disabled || r.closed {
        r.mu.Unlock()
        return fmt.Errorf("post recv: %w", fabric.ErrBadState)
    }
    if e.multi() && len(e.buf) < r.minMultiRecv {
        r.mu.Unlock()
        return fmt.Errorf("multi-recv buffer %d below minimum %d: %w", len(e.buf), r.minMultiRecv, fabric.ErrInvalidArgument)
    }
    if r.numLeft == 0 {
        r.mu.Unlock()
        return fmt.Errorf("rx queue full: %w", fabric.ErrWouldBlock)
    }
    r.numLeft--
    r.posted = append(r.posted, e)
    pending := len(r.unexpected) > 0
    r.mu.Unlock()

    r.stats.IncRecvs()
    if pending { r.dom.eng.kick() }
    return nil
}

// matchLocked finds the first posted entry accepting in and claims it.
func (r *RxContext) matchLocked(in *inbound) *rxEntry {
    for _, e := range r.posted {
        if e.busy || e.tagged != in.tagged() { continue }
        if e.tagged && (in.data.Tag^e.tag)&^e.ignore != 0 { continue }
        if e.src != fabric.AddrUnspec && !r.sameSource(e.src, in.src) { continue }
        e.busy = true
        return e
    }
    return nil
}

func (r *RxContext) sameSource(want, got fabric.Addr) bool {
    if r.av != nil { return r.av.Mask(want) == r.av.Mask(got) }
    return want == got
}

// deliver matches in against the posted receives. It returns false when
// nothing matched, leaving in to the caller.
func (r *RxContext) deliver(in *inbound) bool {
    r.mu.Lock()
    e := r.matchLocked(in)
    r.mu.Unlock()
    if e == nil { return false }
    r.finish(e, in)
    return true
}

// finish copies the payload into a claimed entry and completes it.
func (r *RxContext) finish(e *rxEntry, in *inbound) {
    payload := in.data.Payload
    dst := e.buf[e.used:]
    n := copy(dst, payload)

    flags := fabric.Message | fabric.Recv
    if e.tagged { flags |= fabric.Tagged }
    if in.data.Flags&fabric.RemoteCQData != 0 { flags |= fabric.RemoteCQData }

    r.mu.Lock()
    released := true
    if e.multi() {
        e.used += n
        left := len(e.buf) - e.used
        released = left == 0 || left < r.minMultiRecv
    }
    if released {
        r.removeLocked(e)
        r.numLeft++
    } else {
        e.busy = false
    }
    comp := r.comp
    r.mu.Unlock()
    if e.multi() && released { flags |= fabric.MultiRecv }

    ent := completion.Entry{
        Context: e.context,
        Flags:   flags,
        Len:     n,
        Buf:     dst[:n],
        Data:    in.data.CQData,
        Tag:     in.data.Tag,
        Src:     in.src,
    }
    var err error
    switch {
    case in.err != nil:
        err = in.err
    case n < len(payload):
        err = fmt.Errorf("recv %d bytes into %d: %w", len(payload), len(dst), fabric.ErrTruncation)
    }
    if err != nil {
        code := fabric.CodeOf(err)
        r.stats.IncError(code)
        if comp.recv != nil { comp.recv.IncErr() }
        if comp.recvCQ != nil {
            ee := completion.ErrEntry{Entry: ent, Code: code, Err: err}
            if code == fabric.CodeTruncation { ee.OLen = len(payload) - n }
            comp.recvCQ.ReportError(ee)
        }
        r.log.Debug("receive failed", zap.Error(err))
        return
    }
    r.stats.IncRecvsOK()
    if comp.recv != nil { comp.recv.Inc() }
    if comp.recvCQ == nil { return }
    if comp.recvSelective && e.flags&fabric.Completion == 0 { return }
    comp.recvCQ.Report(ent)
}

func (r *RxContext) removeLocked(e *rxEntry) {
    for i, x := range r.posted {
        if x == e {
            r.posted = append(r.posted[:i], r.posted[i+1:]...)
            return
        }
    }
}

// queueUnexpected buffers a message no receive wanted yet. At most
// attr.Size messages are buffered; later ones are dropped as overruns.
func (r *RxContext) queueUnexpected(in *inbound) {
    r.mu.Lock()
    if r.attr.Size > 0 && len(r.unexpected) >= r.attr.Size {
        r.mu.Unlock()
        r.stats.IncDropped()
        r.log.Warn("rx overrun, dropping unexpected message", zap.Int("len", len(in.data.Payload)), zap.Uint64("tag", in.data.Tag))
        return
    }
    r.unexpected = append(r.unexpected, in)
    r.mu.Unlock()
    r.stats.IncUnexpected()
}

// drainUnexpected matches buffered messages against receives posted since.
func (r *RxContext) drainUnexpected() {
    r.mu.Lock()
    if len(r.unexpected) == 0 { r.mu.Unlock(); return }
    type hit struct {
        e  *rxEntry
        in *inbound
    }
    var hits []hit
    keep := r.unexpected[:0]
    for _, in := range r.unexpected {
        if e := r.matchLocked(in); e != nil {
            hits = append(hits, hit{e, in})
            continue
        }
        keep = append(keep, in)
    }
    for i := len(keep); i < len(r.unexpected); i++ { r.unexpected[i] = nil }
    r.unexpected = keep
    r.mu.Unlock()

    for _, h := range hits {
        r.finish(h.e, h.in)
    }
}

// progress completes buffered messages and drains member endpoints' inbound
// frames.
func (r *RxContext) progress(e *engine) {
    if !r.active() { return }
    r.drainUnexpected()
    for _, ep := range r.memberList() {
        ep.drainInbox()
    }
}

var errNoRxContext = errors.New("sock: no receive context at index")
