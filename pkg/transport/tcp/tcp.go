package tcp

import (
    "context"
    "fmt"
    "net"
    "time"

    "github.com/bturrubiates/libfabric/pkg/transport"
)

// Transport implements a stream-based TCP transport with length-prefixed frames (u32 LE).
type Transport struct{}

func New() *Transport { return &Transport{} }

func (t *Transport) Kind() transport.Kind { return transport.KindTCP }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := net.Listen("tcp", address)
    if err != nil { return nil, err }
    tl := &listener{l: l, newCh: make(chan *session, 16), closeCh: make(chan struct{})}
    go tl.acceptLoop()
    go func() {
        select {
        case <-ctx.Done():
            _ = tl.Close()
        case <-tl.closeCh:
        }
    }()
    return tl, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
    d := &net.Dialer{}
    c, err := d.DialContext(ctx, "tcp", address)
    if err != nil { return nil, err }
    if tc, ok := c.(*net.TCPConn); ok { _ = tc.SetNoDelay(true) }
    return newSession(c), nil
}

type listener struct {
    l       net.Listener
    newCh   chan *session
    closeCh chan struct{}
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, fmt.Errorf("tcp listener: %w", net.ErrClosed)
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    select { case <-l.closeCh: return nil; default: close(l.closeCh) }
    return l.l.Close()
}

func (l *listener) acceptLoop() {
    for {
        c, err := l.l.Accept()
        if err != nil { return }
        if tc, ok := c.(*net.TCPConn); ok { _ = tc.SetNoDelay(true) }
        s := newSession(c)
        select { case l.newCh <- s: default: _ = s.Close() }
    }
}

type session struct {
    *transport.FramedConn
    c             net.Conn
    establishedAt time.Time
}

func newSession(c net.Conn) *session {
    return &session{FramedConn: transport.NewFramedConn(c), c: c, establishedAt: time.Now()}
}

func (s *session) TransportKind() transport.Kind { return transport.KindTCP }
func (s *session) LocalAddr() net.Addr { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *session) Quality() transport.Quality {
    return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.LastSeen()}
}
