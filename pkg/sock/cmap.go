package sock

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/completion"
    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/transport"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// disconnectGrace bounds the best-effort Disconnect sent on close.
const disconnectGrace = 100 * time.Millisecond

type cmState int

const (
    cmEmpty cmState = iota
    cmInProgress
    cmEstablished
)

// cmEntry is the index slot for one peer. done is closed when an
// in-progress handshake finishes; err then holds its failure.
type cmEntry struct {
    state cmState
    conn  *Connection
    done  chan struct{}
    err   error
}

var closedDone = func() chan struct{} { c := make(chan struct{}); close(c); return c }()

// connMap resolves peers to connections for one endpoint.
type connMap struct {
    ep      *epCore
    tr      transport.Transport
    codec   *wire.Codec
    log     *zap.Logger
    timeout time.Duration

    mu     sync.Mutex
    index  map[fabric.Addr]*cmEntry
    slots  []*Connection
    flush  []*Connection
    closed bool

    ctx    context.Context
    cancel context.CancelFunc
    wg     sync.WaitGroup
}

func newConnMap(ep *epCore, tr transport.Transport, codec *wire.Codec, timeout time.Duration) *connMap {
    m := &connMap{
        ep:      ep,
        tr:      tr,
        codec:   codec,
        log:     ep.log,
        timeout: timeout,
        index:   make(map[fabric.Addr]*cmEntry),
    }
    if m.timeout <= 0 { m.timeout = 30 * time.Second }
    m.ctx, m.cancel = context.WithCancel(context.Background())
    return m
}

// lookup finds an established connection by index, falling back to a scan
// of the slots by peer address.
func (m *connMap) lookup(idx fabric.Addr, addr string) *Connection {
    m.mu.Lock(); defer m.mu.Unlock()
    return m.lookupLocked(idx, addr)
}

func (m *connMap) lookupLocked(idx fabric.Addr, addr string) *Connection {
    if e, ok := m.index[idx]; ok && e.state == cmEstablished { return e.conn }
    if addr == "" { return nil }
    for _, c := range m.slots {
        if c.State() != StateEstablished || c.PeerAddr() != addr { continue }
        // accepted connections reach the index late; record the hit
        if _, ok := m.index[idx]; !ok {
            m.index[idx] = &cmEntry{state: cmEstablished, conn: c, done: closedDone}
            c.setIndex(idx)
        }
        return c
    }
    return nil
}

// acquire returns the connection for idx without blocking. For an unseen
// peer it installs an in-progress entry and starts the handshake; callers
// see ErrWouldBlock with the connecting Connection until it finishes.
func (m *connMap) acquire(idx fabric.Addr) (*Connection, *cmEntry, error) {
    addr, err := m.ep.resolve(idx)
    if err != nil { return nil, nil, err }

    m.mu.Lock(); defer m.mu.Unlock()
    if m.closed { return nil, nil, fmt.Errorf("connection map closed: %w", fabric.ErrBadState) }
    if c := m.lookupLocked(idx, addr); c != nil { return c, nil, nil }
    if e := m.index[idx]; e != nil && e.state == cmInProgress {
        return e.conn, e, fmt.Errorf("connecting to %s: %w", addr, fabric.ErrWouldBlock)
    }
    if m.ep.info.EP.Type == fabric.EndpointMsg {
        return nil, nil, fmt.Errorf("endpoint not connected: %w", fabric.ErrBadState)
    }
    e := m.startLocked(idx, addr)
    return e.conn, e, fmt.Errorf("connecting to %s: %w", addr, fabric.ErrWouldBlock)
}

func (m *connMap) startLocked(idx fabric.Addr, addr string) *cmEntry {
    c := newConnection(m.ep, addr, idx, false)
    _ = c.transition(StateConnecting)
    e := &cmEntry{state: cmInProgress, conn: c, done: make(chan struct{})}
    m.index[idx] = e
    m.wg.Add(1)
    go m.handshake(e, idx, addr)
    return e
}

// get waits until the connection for idx is established or fails.
func (m *connMap) get(ctx context.Context, idx fabric.Addr) (*Connection, error) {
    for {
        c, e, err := m.acquire(idx)
        if err == nil { return c, nil }
        if !fabric.IsRetryable(err) { return nil, err }
        select {
        case <-e.done:
            if e.err != nil { return nil, e.err }
            return e.conn, nil
        case <-ctx.Done():
            return nil, fmt.Errorf("waiting for connection: %w", fabric.ErrTimeout)
        }
    }
}

// connect dials addr as the single peer of a connection-oriented endpoint.
func (m *connMap) connect(ctx context.Context, addr string) (*Connection, error) {
    m.mu.Lock()
    if m.closed { m.mu.Unlock(); return nil, fmt.Errorf("connection map closed: %w", fabric.ErrBadState) }
    if _, ok := m.index[0]; ok {
        m.mu.Unlock()
        return nil, fmt.Errorf("endpoint already connected: %w", fabric.ErrBadState)
    }
    e := m.startLocked(0, addr)
    m.mu.Unlock()
    select {
    case <-e.done:
        if e.err != nil { return nil, e.err }
        return e.conn, nil
    case <-ctx.Done():
        return nil, fmt.Errorf("connect %s: %w", addr, fabric.ErrTimeout)
    }
}

// handshake dials the peer and finishes the entry.
func (m *connMap) handshake(e *cmEntry, idx fabric.Addr, addr string) {
    defer m.wg.Done()
    ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
    defer cancel()
    sess, err := m.dial(ctx, addr)

    c := e.conn
    m.mu.Lock()
    if err == nil && m.closed { err = fmt.Errorf("connection map closed: %w", fabric.ErrCanceled) }
    if err != nil {
        if m.index[idx] == e { delete(m.index, idx) }
        e.err, e.state = err, cmEmpty
        to := StateClosed
        if errors.Is(err, errRejected) { to = StateRejected }
        c.fail(to, err)
        m.flush = append(m.flush, c)
        m.mu.Unlock()
        if sess != nil { _ = sess.Close() }
        close(e.done)
        m.log.Debug("handshake failed", zap.String("peer", addr), zap.Error(err))
        m.ep.dom.eng.kick()
        return
    }
    _ = c.establish(sess)
    e.state = cmEstablished
    m.slots = append(m.slots, c)
    m.flush = append(m.flush, c)
    m.wg.Add(1)
    go func() { defer m.wg.Done(); c.readLoop(m.ctx, m) }()
    m.mu.Unlock()
    close(e.done)
    m.log.Debug("connection established", zap.String("peer", addr), zap.Uint64("index", uint64(idx)))
    m.ep.dom.eng.kick()
}

// dial opens a session and runs the active side of the handshake.
func (m *connMap) dial(ctx context.Context, addr string) (transport.Session, error) {
    sess, err := m.tr.Dial(ctx, addr)
    if err != nil { return nil, fmt.Errorf("dial %s: %w", addr, err) }
    req, err := m.codec.Encode(&wire.ConnReq{Version: wire.Version, EPType: uint8(m.ep.info.EP.Type)})
    if err != nil { _ = sess.Close(); return nil, err }
    if err := sess.SendBytes(req); err != nil { _ = sess.Close(); return nil, fmt.Errorf("send connreq: %w", err) }
    b, err := recvFrame(ctx, sess)
    if err != nil { _ = sess.Close(); return nil, fmt.Errorf("await connack from %s: %w", addr, err) }
    kind, body, err := wire.Split(b)
    if err != nil { _ = sess.Close(); return nil, err }
    switch kind {
    case wire.KindConnAck:
        var ack wire.ConnAck
        if err := m.codec.Decode(body, &ack); err != nil { _ = sess.Close(); return nil, err }
        if ack.Version != wire.Version {
            _ = sess.Close()
            return nil, fmt.Errorf("peer protocol version %d: %w", ack.Version, fabric.ErrInternal)
        }
        return sess, nil
    case wire.KindReject:
        var rej wire.Reject
        _ = m.codec.Decode(body, &rej)
        _ = sess.Close()
        return nil, fmt.Errorf("%w: %s", errRejected, rej.Reason)
    }
    _ = sess.Close()
    return nil, fmt.Errorf("handshake reply %s: %w", kind, fabric.ErrInternal)
}

// recvFrame reads one frame, giving up when ctx ends.
func recvFrame(ctx context.Context, sess transport.Session) ([]byte, error) {
    type result struct {
        b   []byte
        err error
    }
    ch := make(chan result, 1)
    go func() {
        b, err := sess.RecvBytes()
        ch <- result{b, err}
    }()
    select {
    case r := <-ch:
        return r.b, r.err
    case <-ctx.Done():
        _ = sess.Close()
        <-ch
        return nil, ctx.Err()
    }
}

// accept runs the passive handshake for an inbound session.
func (m *connMap) accept(sess transport.Session) {
    m.mu.Lock()
    if m.closed { m.mu.Unlock(); _ = sess.Close(); return }
    m.wg.Add(1)
    m.mu.Unlock()
    go m.serve(sess)
}

func (m *connMap) serve(sess transport.Session) {
    defer m.wg.Done()
    ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
    defer cancel()
    b, err := recvFrame(ctx, sess)
    if err != nil {
        m.log.Debug("inbound handshake", zap.Error(err))
        _ = sess.Close()
        return
    }
    kind, body, err := wire.Split(b)
    var req wire.ConnReq
    if err == nil && kind == wire.KindConnReq { err = m.codec.Decode(body, &req) } else if err == nil {
        err = fmt.Errorf("expected connreq, got %s", kind)
    }
    if err != nil {
        m.log.Warn("inbound handshake", zap.Error(err))
        _ = sess.Close()
        return
    }

    msg := m.ep.info.EP.Type == fabric.EndpointMsg
    c := newConnection(m.ep, "", fabric.AddrNotAvail, true)
    _ = c.transition(StateConnecting)

    m.mu.Lock()
    reason := m.ep.admit(req)
    if reason == "" && m.closed { reason = "endpoint closing" }
    if reason == "" && msg {
        if _, ok := m.index[0]; ok {
            reason = "endpoint already connected"
        } else {
            m.index[0] = &cmEntry{state: cmInProgress, conn: c, done: make(chan struct{})}
        }
    }
    m.mu.Unlock()

    if reason != "" {
        c.fail(StateRejected, fmt.Errorf("%w: %s", errRejected, reason))
        if rej, err := m.codec.Encode(&wire.Reject{Reason: reason}); err == nil { _ = sess.SendBytes(rej) }
        _ = sess.Close()
        m.log.Debug("rejected inbound connection", zap.String("reason", reason), zap.Stringer("remote", sess.RemoteAddr()))
        return
    }

    ack, err := m.codec.Encode(&wire.ConnAck{Version: wire.Version})
    if err == nil { err = sess.SendBytes(ack) }

    m.mu.Lock()
    if err == nil && m.closed { err = fmt.Errorf("connection map closed: %w", fabric.ErrCanceled) }
    if err != nil {
        if msg {
            m.dropIndexLocked(c)
            m.flush = append(m.flush, c)
        }
        m.mu.Unlock()
        c.fail(StateClosed, err)
        _ = sess.Close()
        return
    }
    _ = c.establish(sess)
    m.slots = append(m.slots, c)
    if msg {
        c.setIndex(0)
        m.flush = append(m.flush, c)
        if e := m.index[0]; e != nil && e.conn == c {
            e.state = cmEstablished
            close(e.done)
        }
    }
    m.wg.Add(1)
    go func() { defer m.wg.Done(); c.readLoop(m.ctx, m) }()
    m.mu.Unlock()

    m.log.Debug("accepted connection", zap.Stringer("remote", sess.RemoteAddr()))
    if msg { m.ep.postEvent(completion.EventConnected, sess.RemoteAddr().String(), nil) }
}

// announce records the rendezvous address a peer published on c and, when
// the address vector knows it, indexes the connection.
func (m *connMap) announce(c *Connection, addr string) {
    c.setPeer(addr)
    idx, ok := m.ep.reverseLookup(addr)
    if !ok { return }
    m.mu.Lock(); defer m.mu.Unlock()
    if _, exists := m.index[idx]; exists { return }
    m.index[idx] = &cmEntry{state: cmEstablished, conn: c, done: closedDone}
    c.setIndex(idx)
}

// lost drops a connection whose session ended.
func (m *connMap) lost(c *Connection, cause error) {
    m.mu.Lock()
    closed := m.closed
    if !closed {
        for i, x := range m.slots {
            if x == c {
                m.slots = append(m.slots[:i], m.slots[i+1:]...)
                break
            }
        }
        m.dropIndexLocked(c)
        m.flush = append(m.flush, c)
    }
    m.mu.Unlock()
    if closed { return }

    if !errors.Is(cause, errPeerDisconnected) { cause = fmt.Errorf("%w: %v", errPeerDisconnected, cause) }
    c.fail(StateRemoteDisconnect, cause)
    c.close(false)
    m.log.Debug("connection lost", zap.String("peer", c.PeerAddr()), zap.Error(cause))
    if m.ep.info.EP.Type == fabric.EndpointMsg {
        m.ep.postEvent(completion.EventShutdown, c.PeerAddr(), cause)
    }
    m.ep.dom.eng.kick()
}

func (m *connMap) dropIndexLocked(c *Connection) {
    for k, e := range m.index {
        if e.conn == c { delete(m.index, k) }
    }
}

// disconnect says goodbye on the connection at idx and closes it locally.
func (m *connMap) disconnect(idx fabric.Addr) *Connection {
    m.mu.Lock()
    e := m.index[idx]
    if e == nil || e.state != cmEstablished { m.mu.Unlock(); return nil }
    c := e.conn
    for i, x := range m.slots {
        if x == c {
            m.slots = append(m.slots[:i], m.slots[i+1:]...)
            break
        }
    }
    m.dropIndexLocked(c)
    m.flush = append(m.flush, c)
    m.mu.Unlock()

    if bye, err := m.codec.Encode(&wire.Disconnect{}); err == nil { _ = c.sendControl(bye) }
    c.close(true)
    m.ep.dom.eng.kick()
    return c
}

// takeFlush returns connections whose parked sends need attention.
func (m *connMap) takeFlush() []*Connection {
    m.mu.Lock(); defer m.mu.Unlock()
    f := m.flush
    m.flush = nil
    return f
}

// established returns the established connections.
func (m *connMap) established() []*Connection {
    m.mu.Lock(); defer m.mu.Unlock()
    out := make([]*Connection, 0, len(m.slots))
    for _, c := range m.slots {
        if c.State() == StateEstablished { out = append(out, c) }
    }
    return out
}

// close stops handshakes, says goodbye to every peer and closes all
// sessions. It waits for the connection goroutines.
func (m *connMap) close() {
    m.mu.Lock()
    if m.closed { m.mu.Unlock(); return }
    m.closed = true
    conns := append([]*Connection(nil), m.slots...)
    m.slots, m.flush = nil, nil
    m.index = make(map[fabric.Addr]*cmEntry)
    m.mu.Unlock()

    m.cancel()
    bye, err := m.codec.Encode(&wire.Disconnect{})
    for _, c := range conns {
        if err == nil && c.usable() == nil {
            sent := make(chan struct{})
            go func(c *Connection) { _ = c.sendControl(bye); close(sent) }(c)
            select {
            case <-sent:
            case <-time.After(disconnectGrace):
            }
        }
        c.close(true)
    }
    m.wg.Wait()
}
