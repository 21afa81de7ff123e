// Package transports builds a transport.Transport from its configured kind.
package transports

import (
    "fmt"

    "github.com/bturrubiates/libfabric/pkg/transport"
    "github.com/bturrubiates/libfabric/pkg/transport/mem"
    "github.com/bturrubiates/libfabric/pkg/transport/quic"
    "github.com/bturrubiates/libfabric/pkg/transport/tcp"
)

// New returns the transport named by kind ("tcp", "quic" or "mem").
// The mem transport is the process-wide shared instance.
func New(kind string) (transport.Transport, error) {
    k, err := transport.ParseKind(kind)
    if err != nil { return nil, err }
    switch k {
    case transport.KindTCP:
        return tcp.New(), nil
    case transport.KindQUIC:
        return quic.New()
    case transport.KindMem:
        return mem.Shared(), nil
    }
    return nil, fmt.Errorf("transport %s not available", k)
}
