package sock

import (
    "context"
    "errors"
    "fmt"
    "sync"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/transport"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// ConnState is the handshake state of a Connection.
type ConnState int

const (
    StateAllocated ConnState = iota
    StateConnecting
    StateEstablished
    StateLocalDisconnect
    StateRemoteDisconnect
    StateClosed
    // StateRejected is reachable from StateConnecting only and is terminal.
    StateRejected
)

func (s ConnState) String() string {
    switch s {
    case StateAllocated:
        return "allocated"
    case StateConnecting:
        return "connecting"
    case StateEstablished:
        return "established"
    case StateLocalDisconnect:
        return "local_disconnect"
    case StateRemoteDisconnect:
        return "remote_disconnect"
    case StateClosed:
        return "closed"
    case StateRejected:
        return "rejected"
    default:
        return "unknown"
    }
}

// rank orders the states; both disconnect states share a rank.
func (s ConnState) rank() int {
    switch s {
    case StateAllocated:
        return 0
    case StateConnecting:
        return 1
    case StateEstablished:
        return 2
    case StateLocalDisconnect, StateRemoteDisconnect:
        return 3
    case StateClosed:
        return 4
    }
    return -1
}

func validTransition(from, to ConnState) bool {
    if from == StateRejected || from == StateClosed { return false }
    if to == StateRejected { return from == StateConnecting }
    return to.rank() > from.rank()
}

var (
    errRejected         = errors.New("sock: connection rejected by peer")
    errPeerDisconnected = fmt.Errorf("sock: peer disconnected: %w", fabric.ErrInternal)
)

// Connection is one session with a peer endpoint.
type Connection struct {
    ep      *epCore
    log     *zap.Logger
    passive bool

    mu       sync.Mutex
    state    ConnState
    err      error
    sess     transport.Session
    peerAddr string
    avIndex  fabric.Addr
    // postponed holds sends issued while the handshake runs
    postponed []*txOp
    flushing  bool

    // sendMu orders the address announcement before user data
    sendMu           sync.Mutex
    addressPublished bool

    done chan struct{}
}

func newConnection(ep *epCore, peerAddr string, avIndex fabric.Addr, passive bool) *Connection {
    return &Connection{
        ep:       ep,
        log:      ep.log,
        passive:  passive,
        peerAddr: peerAddr,
        avIndex:  avIndex,
        done:     make(chan struct{}),
    }
}

// State returns the current state.
func (c *Connection) State() ConnState {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.state
}

// PeerAddr is the peer's rendezvous address, empty until announced for
// accepted connections.
func (c *Connection) PeerAddr() string {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.peerAddr
}

// Index is the address vector index of the peer, or fabric.AddrNotAvail.
func (c *Connection) Index() fabric.Addr {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.avIndex
}

// Err returns the failure that ended the connection.
func (c *Connection) Err() error {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.err
}

// transition moves to state to, rejecting moves against the order.
func (c *Connection) transition(to ConnState) error {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.transitionLocked(to)
}

func (c *Connection) transitionLocked(to ConnState) error {
    if !validTransition(c.state, to) {
        return fmt.Errorf("connection %s -> %s: %w", c.state, to, fabric.ErrInternal)
    }
    c.log.Debug("connection state", zap.Stringer("from", c.state), zap.Stringer("to", to), zap.String("peer", c.peerAddr))
    c.state = to
    return nil
}

// fail records cause and moves to a terminal or disconnected state.
func (c *Connection) fail(to ConnState, cause error) {
    c.mu.Lock(); defer c.mu.Unlock()
    if c.err == nil { c.err = cause }
    _ = c.transitionLocked(to)
}

func (c *Connection) establish(sess transport.Session) error {
    c.mu.Lock(); defer c.mu.Unlock()
    if err := c.transitionLocked(StateEstablished); err != nil { return err }
    c.sess = sess
    // an accepted peer dialed our rendezvous address and knows it
    if c.passive { c.addressPublished = true }
    return nil
}

// usable reports whether data may be sent.
func (c *Connection) usable() error {
    c.mu.Lock(); defer c.mu.Unlock()
    return c.usableLocked()
}

func (c *Connection) usableLocked() error {
    if c.state == StateEstablished { return nil }
    if c.err != nil { return c.err }
    return fmt.Errorf("connection %s: %w", c.state, fabric.ErrInternal)
}

// postpone parks o while the handshake runs or earlier parked sends are
// being flushed. It returns false when o may be sent right away.
func (c *Connection) postpone(o *txOp) (bool, error) {
    c.mu.Lock(); defer c.mu.Unlock()
    switch c.state {
    case StateAllocated, StateConnecting:
    case StateEstablished:
        if len(c.postponed) == 0 && !c.flushing { return false, nil }
    default:
        return false, c.usableLocked()
    }
    c.postponed = append(c.postponed, o)
    return true, nil
}

// takePostponed hands parked sends to the flusher. An empty result ends
// the flush.
func (c *Connection) takePostponed() []*txOp {
    c.mu.Lock(); defer c.mu.Unlock()
    if c.state == StateAllocated || c.state == StateConnecting { return nil }
    ops := c.postponed
    c.postponed = nil
    c.flushing = len(ops) > 0
    return ops
}

// send writes a data frame, announcing our address first when the peer
// cannot know it yet.
func (c *Connection) send(frame []byte) error {
    c.sendMu.Lock(); defer c.sendMu.Unlock()
    if err := c.usable(); err != nil { return err }
    if !c.addressPublished {
        ann, err := c.ep.codec.Encode(&wire.AddrAnnounce{Addr: c.ep.Addr()})
        if err != nil { return err }
        if err := c.sess.SendBytes(ann); err != nil { return c.broken(err) }
        c.addressPublished = true
    }
    if err := c.sess.SendBytes(frame); err != nil { return c.broken(err) }
    return nil
}

func (c *Connection) sendControl(frame []byte) error {
    c.sendMu.Lock(); defer c.sendMu.Unlock()
    if err := c.usable(); err != nil { return err }
    return c.sess.SendBytes(frame)
}

func (c *Connection) setPeer(addr string) {
    c.mu.Lock(); c.peerAddr = addr; c.mu.Unlock()
}

func (c *Connection) setIndex(idx fabric.Addr) {
    c.mu.Lock(); c.avIndex = idx; c.mu.Unlock()
}

func (c *Connection) broken(err error) error {
    c.fail(StateRemoteDisconnect, err)
    return fmt.Errorf("send to %s: %w", c.PeerAddr(), err)
}

// readLoop delivers inbound frames until the session ends.
func (c *Connection) readLoop(ctx context.Context, m *connMap) {
    defer close(c.done)
    for {
        b, err := c.sess.RecvBytes()
        if err != nil {
            m.lost(c, err)
            return
        }
        kind, body, err := wire.Split(b)
        if err != nil {
            c.log.Warn("dropping short frame", zap.Error(err))
            continue
        }
        switch kind {
        case wire.KindData:
            d, derr := wire.DecodeData(body)
            if d == nil {
                c.log.Warn("dropping malformed data frame", zap.Error(derr))
                continue
            }
            in := &inbound{conn: c, src: c.Index(), data: d, err: derr}
            select {
            case c.ep.inbox <- in:
                c.ep.dom.eng.kick()
            case <-ctx.Done():
                return
            }
        case wire.KindAddrAnnounce:
            var a wire.AddrAnnounce
            if err := c.ep.codec.Decode(body, &a); err != nil {
                c.log.Warn("bad address announcement", zap.Error(err))
                continue
            }
            m.announce(c, a.Addr)
        case wire.KindDisconnect:
            m.lost(c, errPeerDisconnected)
            return
        default:
            c.log.Warn("unexpected frame", zap.Stringer("kind", kind))
        }
    }
}

// close ends the session. local selects the disconnect side recorded.
func (c *Connection) close(local bool) {
    c.mu.Lock()
    to := StateRemoteDisconnect
    if local { to = StateLocalDisconnect }
    if c.state == StateEstablished { _ = c.transitionLocked(to) }
    if c.state != StateRejected && c.state != StateClosed { _ = c.transitionLocked(StateClosed) }
    sess := c.sess
    c.mu.Unlock()
    if sess != nil { _ = sess.Close() }
}
