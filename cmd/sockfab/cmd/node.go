package cmd

import (
    "context"
    "errors"
    "fmt"
    "io"
    "time"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/av"
    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/sock"
)

// node is one enabled RDM endpoint with a completion queue for both
// directions and an address vector.
type node struct {
    fab *sock.Fabric
    dom *sock.Domain
    ep  *sock.Endpoint
    cq  *completion.Queue
    av  *av.AddressVector
}

func openNode(srcAddr string) (n *node, err error) {
    n = &node{}
    defer func() {
        if err != nil { n.close() }
    }()
    if n.fab, err = sock.NewFabric(cfg, sock.WithLogging(logging)); err != nil { return nil, err }
    if n.dom, err = n.fab.Domain(nil); err != nil { return nil, err }

    info := n.dom.DefaultInfo(fabric.EndpointRDM)
    info.SrcAddr = srcAddr
    if n.ep, err = n.dom.Endpoint(info); err != nil { return nil, err }
    if n.cq, err = n.dom.CompletionQueue(0); err != nil { return nil, err }
    if n.av, err = n.dom.AddressVector(av.Attr{}); err != nil { return nil, err }
    if err = n.ep.Bind(n.cq, fabric.Send|fabric.Recv); err != nil { return nil, err }
    if err = n.ep.Bind(n.av, 0); err != nil { return nil, err }
    if err = n.ep.Enable(); err != nil { return nil, err }
    return n, nil
}

// peer returns the address vector index for addr, inserting it once.
func (n *node) peer(addr string) (fabric.Addr, error) {
    if fa, ok := n.av.ReverseLookup(addr); ok { return fa, nil }
    fas, err := n.av.Insert(addr)
    if err != nil { return fabric.AddrNotAvail, err }
    return fas[0], nil
}

// send retries while the transmit queue is full.
func (n *node) send(ctx context.Context, buf []byte, dest fabric.Addr, opCtx any) error {
    poll := time.Duration(cfg.Provider.PollIntervalMS) * time.Millisecond
    if poll <= 0 { poll = time.Millisecond }
    for {
        err := n.ep.Send(buf, dest, opCtx)
        if err == nil || !fabric.IsRetryable(err) { return err }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-time.After(poll):
        }
    }
}

// read waits for completions. Error entries are returned one at a time.
func (n *node) read(ctx context.Context) ([]completion.Entry, *completion.ErrEntry, error) {
    ents, err := n.cq.Sread(ctx, 16)
    if err == nil { return ents, nil, nil }
    if ctx.Err() != nil { return nil, nil, ctx.Err() }
    if !errors.Is(err, fabric.ErrAvail) { return nil, nil, err }
    ee, err := n.cq.ReadErr()
    if err != nil { return nil, nil, err }
    return nil, &ee, nil
}

func (n *node) close() {
    if n.ep != nil {
        if err := n.ep.Close(); err != nil { zap.L().Warn("close endpoint", zap.Error(err)) }
    }
    if n.av != nil { _ = n.av.Close() }
    if n.cq != nil { _ = n.cq.Close() }
    if n.dom != nil {
        if err := n.dom.Close(); err != nil { zap.L().Warn("close domain", zap.Error(err)) }
    }
    if n.fab != nil {
        if err := n.fab.Close(); err != nil { zap.L().Warn("close fabric", zap.Error(err)) }
    }
}

func printStats(w io.Writer, s sock.StatsSnapshot) {
    errs := okFmt(s.Errors())
    if s.Errors() > 0 { errs = errFmt(s.Errors()) }
    fmt.Fprintf(w, "%s sends %d/%d  recvs %d/%d  unexpected %d  canceled %d  dropped %d  errors %s\n",
        infoFmt("stats"), s.SendsOK, s.Sends, s.RecvsOK, s.Recvs, s.Unexpected, s.Canceled, s.Dropped, errs)
    if s.Errors() > 0 {
        fmt.Fprintf(w, "      %s\n", dimFmt(fmt.Sprintf("crc %d  trunc %d  timeout %d  internal %d  unknown %d",
            s.CrcErrors, s.TruncErrors, s.TimeoutErrors, s.InternalErrors, s.UnknownErrors)))
    }
}
