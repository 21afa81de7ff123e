package mem

import (
    "context"
    "errors"
    "fmt"
    "net"
    "strings"
    "sync"
    "time"

    "github.com/bturrubiates/libfabric/pkg/transport"
)

// ErrNoListener is returned when dialing a name nobody listens on.
var ErrNoListener = errors.New("mem: no such listener")

// Transport is an in-process transport using net.Pipe. Useful for tests and
// as a stand-in for shared memory style transport.
type Transport struct {
    mu        sync.Mutex
    listeners map[string]*listener
    next      int
}

func New() *Transport { return &Transport{listeners: make(map[string]*listener)} }

var shared = New()

// Shared returns the process-wide instance so independent fabrics in one
// process can reach each other.
func Shared() *Transport { return shared }

func (t *Transport) Kind() transport.Kind { return transport.KindMem }

// Listen binds name. An empty name or a name ending in ":0" picks a
// unique one, like an ephemeral port.
func (t *Transport) Listen(ctx context.Context, name string) (transport.Listener, error) {
    t.mu.Lock(); defer t.mu.Unlock()
    if name == "" || strings.HasSuffix(name, ":0") {
        base := strings.TrimSuffix(name, ":0")
        if base == "" { base = "mem" }
        for {
            t.next++
            cand := fmt.Sprintf("%s:%d", base, t.next)
            if _, ok := t.listeners[cand]; !ok { name = cand; break }
        }
    }
    if _, ok := t.listeners[name]; ok {
        return nil, fmt.Errorf("mem: listener %q already exists", name)
    }
    l := &listener{t: t, name: name, newCh: make(chan *session, 16), closeCh: make(chan struct{})}
    t.listeners[name] = l
    go func() {
        select {
        case <-ctx.Done():
            _ = l.Close()
        case <-l.closeCh:
        }
    }()
    return l, nil
}

func (t *Transport) Dial(ctx context.Context, name string) (transport.Session, error) {
    t.mu.Lock(); l := t.listeners[name]; t.mu.Unlock()
    if l == nil { return nil, fmt.Errorf("dial %s: %w", name, ErrNoListener) }
    c1, c2 := net.Pipe()
    // server side session goes to listener
    srv := newSession(c1, memAddr(name), memAddr("pipe:"+name))
    cli := newSession(c2, memAddr("pipe:"+name), memAddr(name))
    select {
    case l.newCh <- srv:
    case <-l.closeCh:
        _ = srv.Close(); _ = cli.Close()
        return nil, fmt.Errorf("dial %s: %w", name, ErrNoListener)
    case <-ctx.Done():
        _ = srv.Close(); _ = cli.Close()
        return nil, ctx.Err()
    }
    return cli, nil
}

type listener struct {
    t       *Transport
    name    string
    newCh   chan *session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return memAddr(l.name) }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, fmt.Errorf("mem listener: %w", net.ErrClosed)
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    l.once.Do(func() {
        close(l.closeCh)
        l.t.mu.Lock()
        if l.t.listeners[l.name] == l { delete(l.t.listeners, l.name) }
        l.t.mu.Unlock()
    })
    return nil
}

type memAddr string
func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }

type session struct {
    *transport.FramedConn
    local, remote net.Addr
    establishedAt time.Time
}

func newSession(c net.Conn, local, remote net.Addr) *session {
    return &session{FramedConn: transport.NewFramedConn(c), local: local, remote: remote, establishedAt: time.Now()}
}

func (s *session) TransportKind() transport.Kind { return transport.KindMem }
func (s *session) LocalAddr() net.Addr { return s.local }
func (s *session) RemoteAddr() net.Addr { return s.remote }
func (s *session) Quality() transport.Quality {
    return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.LastSeen()}
}
