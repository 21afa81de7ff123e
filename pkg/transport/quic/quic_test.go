package quic

import (
    "context"
    "testing"
    "time"

    "github.com/bturrubiates/libfabric/pkg/transport"
)

func TestQUICRoundTrip(t *testing.T) {
    tr, err := New()
    if err != nil { t.Fatalf("new: %v", err) }
    if tr.Kind() != transport.KindQUIC { t.Fatalf("kind = %s", tr.Kind()) }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    l, err := tr.Listen(ctx, "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()

    cli, err := tr.Dial(ctx, l.Addr().String())
    if err != nil { t.Fatalf("dial: %v", err) }
    defer cli.Close()
    // the peer sees the stream only once data flows on it
    if err := cli.SendBytes([]byte("hello")); err != nil { t.Fatalf("send: %v", err) }

    srv, err := l.Accept(ctx)
    if err != nil { t.Fatalf("accept: %v", err) }
    defer srv.Close()
    if srv.TransportKind() != transport.KindQUIC { t.Fatalf("session kind = %s", srv.TransportKind()) }

    b, err := srv.RecvBytes()
    if err != nil || string(b) != "hello" { t.Fatalf("recv = %q, %v", b, err) }
    if err := srv.SendBytes([]byte("world")); err != nil { t.Fatalf("send reply: %v", err) }
    b, err = cli.RecvBytes()
    if err != nil || string(b) != "world" { t.Fatalf("recv reply = %q, %v", b, err) }
    if srv.Quality().LastSeen.IsZero() { t.Fatalf("last seen not updated") }
}

func TestQUICListenerCloseUnblocksAccept(t *testing.T) {
    tr, err := New()
    if err != nil { t.Fatalf("new: %v", err) }
    l, err := tr.Listen(context.Background(), "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    errCh := make(chan error, 1)
    go func() { _, err := l.Accept(context.Background()); errCh <- err }()
    _ = l.Close()
    select {
    case err := <-errCh:
        if err == nil { t.Fatalf("accept returned nil error after close") }
    case <-time.After(2 * time.Second):
        t.Fatalf("accept did not unblock")
    }
}
