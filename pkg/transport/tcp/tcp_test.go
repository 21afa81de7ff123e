package tcp

import (
    "context"
    "testing"
    "time"
)

func TestTCPRoundTrip(t *testing.T) {
    tr := New()
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    l, err := tr.Listen(ctx, "127.0.0.1:0")
    if err != nil { t.Fatalf("listen: %v", err) }
    defer l.Close()

    cli, err := tr.Dial(ctx, l.Addr().String())
    if err != nil { t.Fatalf("dial: %v", err) }
    defer cli.Close()
    actx, acancel := context.WithTimeout(ctx, 2*time.Second)
    defer acancel()
    srv, err := l.Accept(actx)
    if err != nil { t.Fatalf("accept: %v", err) }
    defer srv.Close()

    if err := cli.SendBytes([]byte("hello")); err != nil { t.Fatalf("send: %v", err) }
    b, err := srv.RecvBytes()
    if err != nil || string(b) != "hello" { t.Fatalf("recv = %q, %v", b, err) }
    if err := srv.SendBytes(nil); err != nil { t.Fatalf("send empty: %v", err) }
    b, err = cli.RecvBytes()
    if err != nil || len(b) != 0 { t.Fatalf("recv empty = %q, %v", b, err) }
    if srv.Quality().LastSeen.IsZero() { t.Fatalf("last seen not updated") }
}

func TestTCPListenerCloseUnblocksAccept(t *testing.T) {
    l, err := New().Listen(context.Background(), "127.0.0.1:0")
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
