package ringbuf

import (
    "bytes"
    "testing"
)

func TestRingWrapAround(t *testing.T) {
    r := New(8)
    if err := r.Write([]byte("abcdef")); err != nil { t.Fatalf("write: %v", err) }
    out := make([]byte, 4)
    if n := r.Read(out); n != 4 || string(out) != "abcd" { t.Fatalf("read = %q", out[:n]) }
    if err := r.Write([]byte("ghijkl")); err != nil { t.Fatalf("wrapped write: %v", err) }
    if r.Avail() != 0 { t.Fatalf("avail = %d", r.Avail()) }
    all := make([]byte, 8)
    if n := r.Read(all); n != 8 || !bytes.Equal(all, []byte("efghijkl")) { t.Fatalf("read = %q", all[:n]) }
}

func TestRingRefusesWhenFull(t *testing.T) {
    r := New(4)
    if err := r.Write([]byte("abc")); err != nil { t.Fatalf("write: %v", err) }
    if err := r.Write([]byte("de")); err != ErrFull { t.Fatalf("expected ErrFull, got %v", err) }
    if r.Used() != 3 { t.Fatalf("partial write leaked: used=%d", r.Used()) }
    p := make([]byte, 2)
    r.Peek(p)
    if string(p) != "ab" || r.Used() != 3 { t.Fatalf("peek consumed data") }
    r.Reset()
    if r.Avail() != 4 { t.Fatalf("reset avail = %d", r.Avail()) }
}
