package transports

import (
    "testing"

    "github.com/bturrubiates/libfabric/pkg/transport"
)

func TestNewByKind(t *testing.T) {
    for name, want := range map[string]transport.Kind{"tcp": transport.KindTCP, "mem": transport.KindMem, "": transport.KindTCP} {
        tr, err := New(name)
        if err != nil { t.Fatalf("new %q: %v", name, err) }
        if tr.Kind() != want { t.Fatalf("kind(%q) = %s", name, tr.Kind()) }
    }
    if _, err := New("carrier-pigeon"); err == nil { t.Fatalf("expected error for unknown kind") }
}
