package sock

import (
    "context"
    "sync"
    "time"

    "go.uber.org/zap"
    "golang.org/x/sync/errgroup"

    "github.com/bturrubiates/libfabric/pkg/config"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// engine drives enabled contexts: it turns queued transmits into frames
// and inbound frames into completions.
type engine struct {
    log      *zap.Logger
    mode     fabric.ProgressMode
    workers  int
    interval time.Duration

    // listMu guards list and every context's registered flag
    listMu sync.Mutex
    list   []progressor

    kickCh chan struct{}

    ctx    context.Context
    cancel context.CancelFunc
    g      *errgroup.Group
    once   sync.Once
}

func newEngine(cfg config.ProviderConfig, mode fabric.ProgressMode, log *zap.Logger) *engine {
    e := &engine{
        log:      log,
        mode:     mode,
        workers:  max(cfg.ProgressWorkers, 1),
        interval: cfg.PollInterval(),
        kickCh:   make(chan struct{}, 1),
    }
    if e.interval <= 0 { e.interval = 5 * time.Millisecond }
    e.ctx, e.cancel = context.WithCancel(context.Background())
    return e
}

// start launches the workers; manual progress runs none.
func (e *engine) start() {
    if e.mode == fabric.ProgressManual { return }
    e.g, e.ctx = errgroup.WithContext(e.ctx)
    for i := 0; i < e.workers; i++ {
        e.g.Go(e.worker)
    }
    e.log.Debug("progress engine started", zap.Int("workers", e.workers), zap.Duration("interval", e.interval))
}

func (e *engine) worker() error {
    t := time.NewTicker(e.interval)
    defer t.Stop()
    for {
        select {
        case <-e.ctx.Done():
            return nil
        case <-t.C:
        case <-e.kickCh:
        }
        e.runOnce()
    }
}

// kick wakes one worker without blocking.
func (e *engine) kick() {
    select {
    case e.kickCh <- struct{}{}:
    default:
    }
}

// add registers p on the run-list. Registering twice is a no-op.
func (e *engine) add(p progressor) {
    e.listMu.Lock(); defer e.listMu.Unlock()
    b := p.base()
    if b.registered { return }
    b.registered = true
    e.list = append(e.list, p)
}

// remove unregisters p and waits until no worker is still iterating it.
func (e *engine) remove(p progressor) {
    b := p.base()
    e.listMu.Lock()
    if b.registered {
        b.registered = false
        for i, x := range e.list {
            if x == p {
                e.list = append(e.list[:i], e.list[i+1:]...)
                break
            }
        }
    }
    e.listMu.Unlock()
    b.pins.Wait()
}

// detach takes ep out of the shared contexts it joined and waits out any
// pass that may still be progressing them on its behalf.
func (e *engine) detach(ep *epCore, shared []progressor) {
    e.listMu.Lock()
    for _, p := range shared { p.base().removeMember(ep) }
    e.listMu.Unlock()
    for _, p := range shared {
        b := p.base()
        b.progMu.Lock()
        b.progMu.Unlock()
    }
}

func (e *engine) registered() int {
    e.listMu.Lock(); defer e.listMu.Unlock()
    return len(e.list)
}

// runOnce makes one pass over the run-list. A context being progressed by
// another worker is skipped.
func (e *engine) runOnce() {
    e.listMu.Lock()
    snap := make([]progressor, len(e.list))
    copy(snap, e.list)
    for _, p := range snap { p.base().pins.Add(1) }
    e.listMu.Unlock()

    for _, p := range snap {
        b := p.base()
        if b.progMu.TryLock() {
            p.progress(e)
            b.progMu.Unlock()
        }
        b.pins.Done()
    }
}

// close stops the workers and waits for them.
func (e *engine) close() error {
    var err error
    e.once.Do(func() {
        e.cancel()
        if e.g != nil { err = e.g.Wait() }
    })
    return err
}

// transmit sends o on the connection for its destination, parking it
// while the handshake runs.
func (e *engine) transmit(o *txOp) {
    ep := o.ep
    c, err := ep.connFor(o.Dest)
    if c == nil || (err != nil && !fabric.IsRetryable(err)) {
        o.tx.fail(o, err)
        return
    }
    parked, perr := c.postpone(o)
    if perr != nil { o.tx.fail(o, perr); return }
    if parked { return }
    e.send(c, o)
}

func (e *engine) send(c *Connection, o *txOp) {
    d := &wire.Data{
        Op:      o.Op,
        Flags:   o.Flags & fabric.RemoteCQData,
        Tag:     o.Tag,
        RxIndex: uint32(o.ep.rxIndexOf(o.Dest)),
        CQData:  o.CQData,
        Payload: o.payload,
    }
    if err := c.send(wire.EncodeData(d)); err != nil {
        o.tx.fail(o, err)
        return
    }
    o.tx.complete(o)
}

// flushPostponed sends or fails operations parked on connections whose
// handshake has finished.
func (e *engine) flushPostponed(ep *epCore) {
    for _, c := range ep.cmap.takeFlush() {
        for {
            ops := c.takePostponed()
            if len(ops) == 0 { break }
            for _, o := range ops {
                if err := c.usable(); err != nil {
                    o.tx.fail(o, err)
                    continue
                }
                e.send(c, o)
            }
        }
    }
}
