package quic

import (
    "context"
    "crypto/rand"
    "crypto/rsa"
    "crypto/tls"
    "crypto/x509"
    "fmt"
    "math/big"
    "net"
    "sync"
    "time"

    quicgo "github.com/quic-go/quic-go"

    "github.com/bturrubiates/libfabric/pkg/transport"
)

const alpn = "sockfab"

// streamAcceptTimeout bounds how long an accepted connection may take to
// open its data stream.
const streamAcceptTimeout = 10 * time.Second

// Transport implements QUIC-based sessions with length-prefixed frames on
// one bidirectional stream per connection (opened by the dialer).
type Transport struct {
    tlsConf  *tls.Config
    quicConf *quicgo.Config
}

func New() (*Transport, error) {
    // Generate an ephemeral self-signed certificate for server side.
    cert, err := selfSignedCert()
    if err != nil { return nil, err }
    tlsConf := &tls.Config{
        Certificates: []tls.Certificate{cert},
        NextProtos:   []string{alpn},
        MinVersion:   tls.VersionTLS13,
    }
    qconf := &quicgo.Config{KeepAlivePeriod: 15 * time.Second, MaxIdleTimeout: time.Minute}
    return &Transport{tlsConf: tlsConf, quicConf: qconf}, nil
}

func (t *Transport) Kind() transport.Kind { return transport.KindQUIC }

func (t *Transport) Listen(ctx context.Context, address string) (transport.Listener, error) {
    l, err := quicgo.ListenAddr(address, t.tlsConf, t.quicConf)
    if err != nil { return nil, err }
    lctx, cancel := context.WithCancel(ctx)
    ql := &listener{l: l, cancel: cancel, newCh: make(chan *session, 16), closeCh: make(chan struct{})}
    go ql.acceptLoop(lctx)
    go func() { <-lctx.Done(); _ = ql.Close() }()
    return ql, nil
}

func (t *Transport) Dial(ctx context.Context, address string) (transport.Session, error) {
    // Peers authenticate at the provider handshake, not via TLS.
    tlsClient := &tls.Config{
        InsecureSkipVerify: true,
        NextProtos:         []string{alpn},
        MinVersion:         tls.VersionTLS13,
    }
    c, err := quicgo.DialAddr(ctx, address, tlsClient, t.quicConf)
    if err != nil { return nil, err }
    st, err := c.OpenStreamSync(ctx)
    if err != nil {
        _ = c.CloseWithError(0, "open stream failed")
        return nil, err
    }
    return newSession(c, st), nil
}

// ---- Listener ----

type listener struct {
    l       *quicgo.Listener
    cancel  context.CancelFunc
    newCh   chan *session
    closeCh chan struct{}
    once    sync.Once
}

func (l *listener) Addr() net.Addr { return l.l.Addr() }

func (l *listener) Accept(ctx context.Context) (transport.Session, error) {
    select {
    case <-ctx.Done():
        return nil, ctx.Err()
    case <-l.closeCh:
        return nil, fmt.Errorf("quic listener: %w", net.ErrClosed)
    case s := <-l.newCh:
        return s, nil
    }
}

func (l *listener) Close() error {
    var err error
    l.once.Do(func() {
        close(l.closeCh)
        l.cancel()
        err = l.l.Close()
    })
    return err
}

func (l *listener) acceptLoop(ctx context.Context) {
    for {
        c, err := l.l.Accept(ctx)
        if err != nil { return }
        go func(c quicgo.Connection) {
            sctx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
            defer cancel()
            st, err := c.AcceptStream(sctx)
            if err != nil { _ = c.CloseWithError(0, "no stream"); return }
            s := newSession(c, st)
            select { case l.newCh <- s: default: _ = s.Close() }
        }(c)
    }
}

// ---- Session ----

type session struct {
    *transport.FramedConn
    c             quicgo.Connection
    establishedAt time.Time
}

// streamCloser closes the stream and then the connection.
type streamCloser struct {
    quicgo.Stream
    c quicgo.Connection
}

func (s streamCloser) Close() error {
    _ = s.Stream.Close()
    return s.c.CloseWithError(0, "")
}

func newSession(c quicgo.Connection, st quicgo.Stream) *session {
    return &session{FramedConn: transport.NewFramedConn(streamCloser{Stream: st, c: c}), c: c, establishedAt: time.Now()}
}

func (s *session) TransportKind() transport.Kind { return transport.KindQUIC }
func (s *session) LocalAddr() net.Addr { return s.c.LocalAddr() }
func (s *session) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *session) Quality() transport.Quality {
    return transport.Quality{EstablishedAt: s.establishedAt, LastSeen: s.LastSeen()}
}

// ---- Helpers ----

// selfSignedCert generates a short-lived self-signed TLS certificate for local QUIC use.
func selfSignedCert() (tls.Certificate, error) {
    priv, err := rsa.GenerateKey(rand.Reader, 2048)
    if err != nil { return tls.Certificate{}, err }
    tmpl := x509.Certificate{
        SerialNumber: big.NewInt(time.Now().UnixNano()),
        NotBefore:    time.Now().Add(-time.Minute),
        NotAfter:     time.Now().Add(24 * time.Hour),
        KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
        ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        BasicConstraintsValid: true,
        DNSNames:     []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
    if err != nil { return tls.Certificate{}, err }
    cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
    return cert, nil
}
