package sock

import (
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/bturrubiates/libfabric/pkg/av"
    "github.com/bturrubiates/libfabric/pkg/config"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/observability"
    "github.com/bturrubiates/libfabric/pkg/transport"
    "github.com/bturrubiates/libfabric/pkg/transport/mem"
)

func newTestFabric(t *testing.T, tr transport.Transport) *Fabric {
    t.Helper()
    cfg := config.Default()
    f, err := NewFabric(cfg, WithTransport(tr), WithLogging(observability.Nop()))
    require.NoError(t, err)
    t.Cleanup(func() { _ = f.Close() })
    return f
}

func newTestDomain(t *testing.T, f *Fabric, attr *fabric.DomainAttr) *Domain {
    t.Helper()
    d, err := f.Domain(attr)
    require.NoError(t, err)
    t.Cleanup(func() { _ = d.Close() })
    return d
}

func scalableInfo(d *Domain, ntx, nrx int) *fabric.Info {
    info := d.DefaultInfo(fabric.EndpointRDM)
    info.EP.TxCtxCount, info.EP.RxCtxCount = ntx, nrx
    return info
}

func TestEndpointAllocateAndClose(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)

    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    assert.Equal(t, fabric.KindStandard, ep.Kind())
    assert.NotEmpty(t, ep.Addr())
    assert.Equal(t, 1, d.Refs())
    assert.Equal(t, 2, d.Contexts())
    assert.Contains(t, f.Services(), ep.Addr())

    require.ErrorIs(t, d.Close(), fabric.ErrBusy)
    require.NoError(t, ep.Close())
    assert.Equal(t, 0, d.Refs())
    assert.Equal(t, 0, d.Contexts())
    assert.NotContains(t, f.Services(), ep.Addr())
    require.ErrorIs(t, ep.Close(), fabric.ErrBadState)
}

func TestEndpointAllocateUnwindsOnNoMemory(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, &fabric.DomainAttr{Progress: fabric.ProgressManual, MaxContexts: 1})

    _, err := d.Endpoint(nil)
    require.ErrorIs(t, err, fabric.ErrNoMemory)
    assert.Equal(t, 0, d.Refs())
    assert.Equal(t, 0, d.Contexts())
    assert.Empty(t, f.Services())
    require.NoError(t, d.Close())
}

func TestEndpointRejectsBadInfo(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)

    info := d.DefaultInfo(fabric.EndpointRDM)
    info.EP.TxCtxCount = 2
    _, err := d.Endpoint(info)
    require.ErrorIs(t, err, fabric.ErrInvalidArgument)
    assert.Equal(t, 0, d.Refs())
}

func TestAliasKeepsEndpointBusy(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)

    req := &AliasRequest{Flags: fabric.Transmit | fabric.DeliveryComplete}
    require.NoError(t, ep.Control(fabric.CmdAlias, req))
    alias := req.Endpoint
    require.NotNil(t, alias)
    assert.True(t, alias.IsAlias())
    assert.Equal(t, ep.ID(), alias.ID())

    got, err := alias.OpFlags(fabric.Transmit)
    require.NoError(t, err)
    assert.Equal(t, fabric.DeliveryComplete|fabric.TransmitComplete, got)
    orig, err := ep.OpFlags(fabric.Transmit)
    require.NoError(t, err)
    assert.Equal(t, fabric.TransmitComplete, orig)

    require.ErrorIs(t, ep.Close(), fabric.ErrBusy)
    require.NoError(t, alias.Close())
    require.ErrorIs(t, alias.Close(), fabric.ErrBadState)
    require.NoError(t, ep.Close())
}

func TestOpsFlags(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()

    set := fabric.Transmit | fabric.Completion
    require.NoError(t, ep.Control(fabric.CmdSetOpsFlags, &set))
    get := fabric.Transmit
    require.NoError(t, ep.Control(fabric.CmdGetOpsFlags, &get))
    assert.Equal(t, fabric.Completion|fabric.TransmitComplete, get)

    set = fabric.Recv | fabric.MultiRecv
    require.NoError(t, ep.Control(fabric.CmdSetOpsFlags, &set))
    get = fabric.Recv
    require.NoError(t, ep.Control(fabric.CmdGetOpsFlags, &get))
    assert.Equal(t, fabric.MultiRecv, get)

    both := fabric.Transmit | fabric.Recv
    require.ErrorIs(t, ep.Control(fabric.CmdSetOpsFlags, &both), fabric.ErrInvalidArgument)
    require.ErrorIs(t, ep.Control(fabric.CmdGetOpsFlags, "nope"), fabric.ErrInvalidArgument)
    require.ErrorIs(t, ep.Control(fabric.Command(42), nil), fabric.ErrInvalidArgument)
}

func TestSetOpsFlagsForcesTransmitComplete(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()

    set := fabric.Transmit | fabric.DeliveryComplete
    require.NoError(t, ep.Control(fabric.CmdSetOpsFlags, &set))
    get := fabric.Transmit
    require.NoError(t, ep.Control(fabric.CmdGetOpsFlags, &get))
    assert.Equal(t, fabric.DeliveryComplete|fabric.TransmitComplete, get)

    stx, err := d.SharedTxContext(nil)
    require.NoError(t, err)
    defer stx.Close()
    set = fabric.InjectComplete
    require.NoError(t, stx.Control(fabric.CmdSetOpsFlags, &set))
    get = 0
    require.NoError(t, stx.Control(fabric.CmdGetOpsFlags, &get))
    assert.True(t, get.Has(fabric.InjectComplete|fabric.TransmitComplete), get.String())
}

func TestGetSetOpt(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()

    v, err := ep.GetOpt(fabric.OptLevelEndpoint, fabric.OptMinMultiRecv)
    require.NoError(t, err)
    assert.Equal(t, 64, v)

    require.NoError(t, ep.SetOpt(fabric.OptLevelEndpoint, fabric.OptMinMultiRecv, 128))
    v, err = ep.GetOpt(fabric.OptLevelEndpoint, fabric.OptMinMultiRecv)
    require.NoError(t, err)
    assert.Equal(t, 128, v)
    rv, err := ep.core.rx.GetOpt(fabric.OptLevelEndpoint, fabric.OptMinMultiRecv)
    require.NoError(t, err)
    assert.Equal(t, 128, rv)

    v, err = ep.GetOpt(fabric.OptLevelEndpoint, fabric.OptCMDataSize)
    require.NoError(t, err)
    assert.Equal(t, fabric.MaxCMDataSize, v)

    require.ErrorIs(t, ep.SetOpt(fabric.OptLevelEndpoint, fabric.OptCMDataSize, 1), fabric.ErrInvalidArgument)
    _, err = ep.GetOpt(fabric.OptLevel(7), fabric.OptMinMultiRecv)
    require.ErrorIs(t, err, fabric.ErrInvalidArgument)
}

func TestEnableTwiceRegistersOnce(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, &fabric.DomainAttr{Progress: fabric.ProgressManual})
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()

    require.NoError(t, ep.Enable())
    require.NoError(t, ep.Control(fabric.CmdEnable, nil))
    assert.Equal(t, 2, d.eng.registered())

    require.NoError(t, ep.Disable())
    err = ep.Recv(make([]byte, 8), fabric.AddrUnspec, nil)
    require.ErrorIs(t, err, fabric.ErrBadState)
}

func TestPostBeforeEnableIsBadState(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, &fabric.DomainAttr{Progress: fabric.ProgressManual})
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()

    require.ErrorIs(t, ep.Send([]byte("x"), 0, nil), fabric.ErrBadState)
    require.ErrorIs(t, ep.Recv(make([]byte, 1), 0, nil), fabric.ErrBadState)
}

func TestScalableContexts(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, &fabric.DomainAttr{Progress: fabric.ProgressManual})
    sep, err := d.ScalableEndpoint(scalableInfo(d, 4, 2))
    require.NoError(t, err)

    var txs []*TxContext
    for i := 0; i < 3; i++ {
        tx, err := sep.TxContext(i, nil)
        require.NoError(t, err)
        txs = append(txs, tx)
    }
    _, err = sep.TxContext(1, nil)
    require.ErrorIs(t, err, fabric.ErrBusy)
    _, err = sep.TxContext(4, nil)
    require.ErrorIs(t, err, fabric.ErrInvalidArgument)
    _, err = sep.RxContext(-1, nil)
    require.ErrorIs(t, err, fabric.ErrInvalidArgument)

    cq, err := d.CompletionQueue(16)
    require.NoError(t, err)
    require.NoError(t, sep.Bind(cq, fabric.Send))
    for _, tx := range txs {
        assert.Same(t, cq, tx.bindings().sendCQ)
        assert.True(t, cq.Bound(tx.ID()))
    }
    assert.Equal(t, 3, cq.BoundCount())

    // contexts created after the bind inherit it
    tx3, err := sep.TxContext(3, nil)
    require.NoError(t, err)
    assert.Same(t, cq, tx3.bindings().sendCQ)
    txs = append(txs, tx3)

    require.ErrorIs(t, sep.Close(), fabric.ErrBusy)
    for _, tx := range txs { require.NoError(t, tx.Close()) }
    require.ErrorIs(t, txs[0].Close(), fabric.ErrBadState)
    require.NoError(t, cq.Close())
    require.NoError(t, sep.Close())
    assert.Equal(t, 0, d.Refs())
}

func TestScalableContextOnStandardEndpoint(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()

    _, err = ep.TxContext(0, nil)
    require.ErrorIs(t, err, fabric.ErrInvalidArgument)
    require.ErrorIs(t, ep.core.tx.Close(), fabric.ErrInvalidArgument)
}

func TestSharedTxContext(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, &fabric.DomainAttr{Progress: fabric.ProgressManual})

    stx, err := d.SharedTxContext(nil)
    require.NoError(t, err)
    assert.True(t, stx.Shared())
    assert.Equal(t, 256, stx.SizeLeft())

    info := d.DefaultInfo(fabric.EndpointRDM)
    info.EP.TxCtxCount = fabric.SharedContext
    ep, err := d.Endpoint(info)
    require.NoError(t, err)
    _, err = ep.TxSizeLeft()
    require.ErrorIs(t, err, fabric.ErrBadState)

    require.NoError(t, ep.Bind(stx, 0))
    n, err := ep.TxSizeLeft()
    require.NoError(t, err)
    assert.Equal(t, 256, n)
    assert.Equal(t, 1, stx.memberCount())

    // a second endpoint may share it too
    ep2, err := d.Endpoint(info)
    require.NoError(t, err)
    require.NoError(t, ep2.Bind(stx, 0))
    assert.Equal(t, 2, stx.memberCount())

    // operations posted through either member land in the one queue
    require.NoError(t, ep.Enable())
    require.NoError(t, ep2.Enable())
    require.NoError(t, ep.Send([]byte("a"), 0, nil))
    n, err = ep2.TxSizeLeft()
    require.NoError(t, err)
    assert.Equal(t, 255, n)
    require.NoError(t, ep2.Send([]byte("b"), 0, nil))
    n, err = ep.TxSizeLeft()
    require.NoError(t, err)
    assert.Equal(t, 254, n)
    assert.Equal(t, 254, stx.SizeLeft())

    require.ErrorIs(t, stx.Close(), fabric.ErrBusy)
    require.NoError(t, ep.Close())
    require.NoError(t, ep2.Close())
    assert.Equal(t, 0, stx.memberCount())
    require.NoError(t, stx.Close())
    require.ErrorIs(t, stx.Close(), fabric.ErrBadState)
    assert.Equal(t, 0, d.Refs())
}

func TestSharedContextRejectedByOwningEndpoint(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    srx, err := d.SharedRxContext(nil)
    require.NoError(t, err)
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)

    require.ErrorIs(t, ep.Bind(srx, 0), fabric.ErrInvalidArgument)
    require.NoError(t, ep.Close())
    require.NoError(t, srx.Close())
}

func TestBindChecksDomainAndFlags(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d1 := newTestDomain(t, f, nil)
    d2 := newTestDomain(t, f, nil)
    ep, err := d1.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()

    foreign, err := d2.CompletionQueue(4)
    require.NoError(t, err)
    require.ErrorIs(t, ep.Bind(foreign, fabric.Send), fabric.ErrInvalidArgument)

    cq, err := d1.CompletionQueue(4)
    require.NoError(t, err)
    require.ErrorIs(t, ep.Bind(cq, fabric.Tagged), fabric.ErrInvalidArgument)
    require.ErrorIs(t, ep.Bind("cq", 0), fabric.ErrInvalidArgument)

    cntr := d1.Counter()
    require.NoError(t, ep.Bind(cntr, fabric.Send|fabric.Recv))
    assert.Same(t, cntr, ep.core.tx.bindings().send)
    assert.Same(t, cntr, ep.core.rx.bindings().recv)
}

func TestBindAddressVectorRefsOnce(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    a, err := d.AddressVector(av.Attr{})
    require.NoError(t, err)
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)

    require.NoError(t, ep.Bind(a, 0))
    require.NoError(t, ep.Bind(a, 0))
    assert.Equal(t, 1, a.Refs())
    require.ErrorIs(t, a.Close(), fabric.ErrBusy)
    require.NoError(t, ep.Close())
    assert.Equal(t, 0, a.Refs())
    require.NoError(t, a.Close())
}

func TestCancelPostedReceive(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, &fabric.DomainAttr{Progress: fabric.ProgressManual})
    ep, err := d.Endpoint(nil)
    require.NoError(t, err)
    defer ep.Close()
    cq, err := d.CompletionQueue(8)
    require.NoError(t, err)
    cntr := d.Counter()
    require.NoError(t, ep.Bind(cq, fabric.Recv))
    require.NoError(t, ep.Bind(cntr, fabric.Recv))
    require.NoError(t, ep.Enable())

    before, err := ep.RxSizeLeft()
    require.NoError(t, err)
    require.NoError(t, ep.Recv(make([]byte, 16), fabric.AddrUnspec, "token"))
    n, _ := ep.RxSizeLeft()
    assert.Equal(t, before-1, n)

    // a miss leaves the queue, the counter and the capacity alone
    require.ErrorIs(t, ep.Cancel("other"), fabric.ErrNotFound)
    require.ErrorIs(t, ep.Cancel([]int{1}), fabric.ErrNotFound)
    assert.Equal(t, uint64(0), cntr.ErrValue())
    n, _ = ep.RxSizeLeft()
    assert.Equal(t, before-1, n)
    entries, errs := cq.Len()
    assert.Zero(t, entries)
    assert.Zero(t, errs)

    require.NoError(t, ep.Cancel("token"))
    n, _ = ep.RxSizeLeft()
    assert.Equal(t, before, n)
    assert.Equal(t, uint64(1), cntr.ErrValue())
    assert.Equal(t, uint64(0), cntr.Value())
    require.ErrorIs(t, ep.Cancel("token"), fabric.ErrNotFound)
    assert.Equal(t, uint64(1), cntr.ErrValue())

    _, err = cq.Read(1)
    require.ErrorIs(t, err, fabric.ErrAvail)
    ee, err := cq.ReadErr()
    require.NoError(t, err)
    assert.Equal(t, fabric.CodeCanceled, ee.Code)
    assert.Equal(t, "token", ee.Context)
    assert.Equal(t, uint64(1), ep.Stats().Canceled)

    stx, err := d.SharedTxContext(nil)
    require.NoError(t, err)
    require.ErrorIs(t, stx.Cancel("token"), fabric.ErrNotFound)
    require.NoError(t, stx.Close())
}

func TestEventQueueBind(t *testing.T) {
    f := newTestFabric(t, mem.New())
    d := newTestDomain(t, f, nil)
    eq := d.EventQueue()
    ep, err := d.Endpoint(d.DefaultInfo(fabric.EndpointMsg))
    require.NoError(t, err)
    require.NoError(t, ep.Bind(eq, 0))
    assert.True(t, eq.Bound(ep.ID()))
    require.ErrorIs(t, ep.Bind(eq, fabric.Send), fabric.ErrInvalidArgument)
    require.NoError(t, ep.Close())
    assert.False(t, eq.Bound(ep.ID()))
}

func TestFabricCloseBusyWithDomain(t *testing.T) {
    f, err := NewFabric(nil, WithTransport(mem.New()), WithLogging(observability.Nop()))
    require.NoError(t, err)
    d, err := f.Domain(nil)
    require.NoError(t, err)
    require.ErrorIs(t, f.Close(), fabric.ErrBusy)
    require.NoError(t, d.Close())
    require.NoError(t, f.Close())
    require.ErrorIs(t, f.Close(), fabric.ErrBadState)
    _, err = f.Domain(nil)
    require.ErrorIs(t, err, fabric.ErrBadState)
}

func TestParseProgress(t *testing.T) {
    m, err := ParseProgress("Manual")
    require.NoError(t, err)
    assert.Equal(t, fabric.ProgressManual, m)
    m, err = ParseProgress("")
    require.NoError(t, err)
    assert.Equal(t, fabric.ProgressAuto, m)
    _, err = ParseProgress("sometimes")
    require.ErrorIs(t, err, fabric.ErrInvalidArgument)
}
