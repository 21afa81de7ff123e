package sock

import (
    "context"
    "errors"
    "net"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/transport"
)

// acceptor is the background goroutine taking inbound sessions on an
// endpoint's service and handing them to the connection map.
type acceptor struct {
    ln   transport.Listener
    m    *connMap
    log  *zap.Logger
    wake chan struct{}

    ctx    context.Context
    cancel context.CancelFunc
    done   chan struct{}
    once   sync.Once
}

func startAcceptor(ln transport.Listener, m *connMap, log *zap.Logger) *acceptor {
    a := &acceptor{ln: ln, m: m, log: log, wake: make(chan struct{}, 1), done: make(chan struct{})}
    a.ctx, a.cancel = context.WithCancel(context.Background())
    go a.run()
    log.Debug("listener started", zap.Stringer("addr", ln.Addr()))
    return a
}

func (a *acceptor) run() {
    defer close(a.done)
    backoff := 10 * time.Millisecond
    for {
        select {
        case <-a.wake:
            return
        default:
        }
        sess, err := a.ln.Accept(a.ctx)
        if err != nil {
            if a.ctx.Err() != nil || errors.Is(err, net.ErrClosed) { return }
            a.log.Warn("accept failed", zap.Error(err))
            select {
            case <-a.wake:
                return
            case <-a.ctx.Done():
                return
            case <-time.After(backoff):
            }
            backoff = min(backoff*2, time.Second)
            continue
        }
        backoff = 10 * time.Millisecond
        a.m.accept(sess)
    }
}

// stop wakes the goroutine without blocking, then joins it. A wakeup
// that cannot be delivered is logged; the cancel still ends the loop.
func (a *acceptor) stop() {
    a.once.Do(func() {
        select {
        case a.wake <- struct{}{}:
        default:
            a.log.Debug("listener wakeup dropped")
        }
        a.cancel()
        <-a.done
    })
}
