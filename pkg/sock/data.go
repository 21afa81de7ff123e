package sock

import (
    "context"
    "fmt"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

func (h *Endpoint) txTarget() (*TxContext, fabric.Flags, error) {
    if err := h.open(); err != nil { return nil, 0, err }
    t := h.core.defaultTx()
    if t == nil { return nil, 0, fmt.Errorf("no default tx context: %w", fabric.ErrBadState) }
    h.mu.Lock(); f := h.txFlags; h.mu.Unlock()
    return t, f, nil
}

func (h *Endpoint) rxTarget() (*RxContext, fabric.Flags, error) {
    if err := h.open(); err != nil { return nil, 0, err }
    r := h.core.defaultRx()
    if r == nil { return nil, 0, fmt.Errorf("no default rx context: %w", fabric.ErrBadState) }
    h.mu.Lock(); f := h.rxFlags; h.mu.Unlock()
    return r, f, nil
}

// Send queues buf for dest using the handle's transmit flags.
func (h *Endpoint) Send(buf []byte, dest fabric.Addr, context any) error {
    t, f, err := h.txTarget()
    if err != nil { return err }
    return t.post(h.core, wire.OpSend, &fabric.Msg{Buf: buf, Addr: dest, Context: context}, f)
}

// SendData queues buf with remote completion data.
func (h *Endpoint) SendData(buf []byte, data uint64, dest fabric.Addr, context any) error {
    t, f, err := h.txTarget()
    if err != nil { return err }
    return t.post(h.core, wire.OpSend, &fabric.Msg{Buf: buf, Addr: dest, Data: data, Context: context}, f|fabric.RemoteCQData)
}

// Inject queues a copy of buf and reports no completion.
func (h *Endpoint) Inject(buf []byte, dest fabric.Addr) error {
    t, f, err := h.txTarget()
    if err != nil { return err }
    return t.post(h.core, wire.OpSend, &fabric.Msg{Buf: buf, Addr: dest}, f|fabric.Inject)
}

// SendMsg queues m with explicit flags.
func (h *Endpoint) SendMsg(m *fabric.Msg, flags fabric.Flags) error {
    t, _, err := h.txTarget()
    if err != nil { return err }
    return t.post(h.core, wire.OpSend, m, flags)
}

// TSend queues a tagged message.
func (h *Endpoint) TSend(buf []byte, dest fabric.Addr, tag uint64, context any) error {
    t, f, err := h.txTarget()
    if err != nil { return err }
    return t.post(h.core, wire.OpTSend, &fabric.Msg{Buf: buf, Addr: dest, Tag: tag, Context: context}, f)
}

// TInject queues a copy of a tagged message and reports no completion.
func (h *Endpoint) TInject(buf []byte, dest fabric.Addr, tag uint64) error {
    t, f, err := h.txTarget()
    if err != nil { return err }
    return t.post(h.core, wire.OpTSend, &fabric.Msg{Buf: buf, Addr: dest, Tag: tag}, f|fabric.Inject)
}

// TSendMsg queues a tagged m with explicit flags.
func (h *Endpoint) TSendMsg(m *fabric.Msg, flags fabric.Flags) error {
    t, _, err := h.txTarget()
    if err != nil { return err }
    return t.post(h.core, wire.OpTSend, m, flags)
}

// Recv posts buf on the default receive context.
func (h *Endpoint) Recv(buf []byte, src fabric.Addr, context any) error {
    r, f, err := h.rxTarget()
    if err != nil { return err }
    return r.RecvMsg(&fabric.Msg{Buf: buf, Addr: src, Context: context}, f)
}

// RecvMsg posts m with explicit flags.
func (h *Endpoint) RecvMsg(m *fabric.Msg, flags fabric.Flags) error {
    r, _, err := h.rxTarget()
    if err != nil { return err }
    return r.RecvMsg(m, flags)
}

// TRecv posts a tagged receive; bits set in ignore are not compared.
func (h *Endpoint) TRecv(buf []byte, src fabric.Addr, tag, ignore uint64, context any) error {
    r, f, err := h.rxTarget()
    if err != nil { return err }
    return r.TRecvMsg(&fabric.Msg{Buf: buf, Addr: src, Tag: tag, Ignore: ignore, Context: context}, f)
}

// TRecvMsg posts a tagged m with explicit flags.
func (h *Endpoint) TRecvMsg(m *fabric.Msg, flags fabric.Flags) error {
    r, _, err := h.rxTarget()
    if err != nil { return err }
    return r.TRecvMsg(m, flags)
}

// Listen makes a connection-oriented endpoint accept one peer. RDM
// endpoints listen from Enable on.
func (h *Endpoint) Listen() error {
    if err := h.open(); err != nil { return err }
    h.core.listen()
    return nil
}

// Connect connects a connection-oriented endpoint to addr, or to the
// destination address of its info when addr is empty. The outcome is also
// reported on the bound event queue.
func (h *Endpoint) Connect(ctx context.Context, addr string) error {
    if err := h.open(); err != nil { return err }
    ep := h.core
    if ep.info.EP.Type != fabric.EndpointMsg {
        return fmt.Errorf("connect on %s endpoint: %w", ep.info.EP.Type, fabric.ErrInvalidArgument)
    }
    if addr == "" { addr = ep.info.DestAddr }
    if addr == "" { return fmt.Errorf("connect: no destination: %w", fabric.ErrInvalidArgument) }
    if _, err := ep.cmap.connect(ctx, addr); err != nil {
        ep.postEvent(completion.EventConnRefused, addr, err)
        return err
    }
    ep.postEvent(completion.EventConnected, addr, nil)
    ep.dom.eng.kick()
    return nil
}

// Shutdown disconnects a connection-oriented endpoint from its peer. The
// peer sees a shutdown event.
func (h *Endpoint) Shutdown() error {
    if err := h.open(); err != nil { return err }
    ep := h.core
    if ep.info.EP.Type != fabric.EndpointMsg {
        return fmt.Errorf("shutdown on %s endpoint: %w", ep.info.EP.Type, fabric.ErrInvalidArgument)
    }
    c := ep.cmap.disconnect(0)
    if c == nil { return fmt.Errorf("shutdown: %w", fabric.ErrNotFound) }
    ep.log.Debug("endpoint shut down", zap.Stringer("ep", ep.id), zap.String("peer", c.PeerAddr()))
    return nil
}
