package transport

import (
    "context"
    "fmt"
    "net"
    "strings"
    "time"
)

// Kind identifies the socket transport carrying a connection.
type Kind int

const (
    KindUnknown Kind = iota
    KindTCP
    KindQUIC
    KindMem
)

func (k Kind) String() string {
    switch k {
    case KindTCP:
        return "tcp"
    case KindQUIC:
        return "quic"
    case KindMem:
        return "mem"
    default:
        return "unknown"
    }
}

// ParseKind maps a configuration name to a Kind.
func ParseKind(s string) (Kind, error) {
    switch strings.ToLower(strings.TrimSpace(s)) {
    case "tcp", "":
        return KindTCP, nil
    case "quic":
        return KindQUIC, nil
    case "mem", "inproc":
        return KindMem, nil
    }
    return KindUnknown, fmt.Errorf("unknown transport kind %q", s)
}

// MaxFrameSize bounds a single frame on every transport.
const MaxFrameSize = 1 << 24

// Quality is a snapshot of link activity.
type Quality struct {
    EstablishedAt time.Time
    LastSeen      time.Time
}

// Stream is a bidirectional framed byte stream.
// Exactly one reader and one writer goroutine are expected; SendBytes
// serializes concurrent writers.
type Stream interface {
    // SendBytes sends one frame.
    SendBytes([]byte) error
    // RecvBytes receives the next frame.
    RecvBytes() ([]byte, error)
    Close() error
}

// Session is one connection to a peer.
type Session interface {
    Stream
    TransportKind() Kind
    LocalAddr() net.Addr
    RemoteAddr() net.Addr
    Quality() Quality
}

// Listener accepts inbound sessions.
type Listener interface {
    // Accept blocks until an inbound session is available or ctx is done.
    Accept(ctx context.Context) (Session, error)
    // Addr returns the local listening address.
    Addr() net.Addr
    // Close stops the listener and unblocks Accept.
    Close() error
}

// Transport provides dialing/listening for a specific link kind.
type Transport interface {
    Kind() Kind
    // Listen starts accepting inbound sessions on address. The listener
    // is closed when ctx is done.
    Listen(ctx context.Context, address string) (Listener, error)
    // Dial connects to address. ctx bounds connection setup only.
    Dial(ctx context.Context, address string) (Session, error)
}
