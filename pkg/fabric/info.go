package fabric

import "fmt"

// EndpointType selects the communication semantics of an endpoint.
type EndpointType int

const (
    EndpointRDM EndpointType = iota
    EndpointMsg
)

func (t EndpointType) String() string {
    switch t {
    case EndpointRDM:
        return "rdm"
    case EndpointMsg:
        return "msg"
    default:
        return "unknown"
    }
}

// ParseEndpointType maps "rdm" and "msg" to their EndpointType.
func ParseEndpointType(s string) (EndpointType, error) {
    switch s {
    case "rdm", "":
        return EndpointRDM, nil
    case "msg":
        return EndpointMsg, nil
    }
    return 0, fmt.Errorf("endpoint type %q: %w", s, ErrInvalidArgument)
}

// EndpointKind distinguishes standard endpoints from scalable ones.
type EndpointKind int

const (
    KindStandard EndpointKind = iota
    KindScalable
)

func (k EndpointKind) String() string {
    if k == KindScalable { return "scalable" }
    return "standard"
}

// ProgressMode selects who drives the progress engine.
type ProgressMode int

const (
    // ProgressAuto runs background progress workers.
    ProgressAuto ProgressMode = iota
    // ProgressManual progresses only when the application asks.
    ProgressManual
)

// SharedContext as a context count means the endpoint references
// domain-owned shared contexts instead of owning defaults.
const SharedContext = -1

// Provider limits and sizes.
const (
    // TxEntrySize is the ring space consumed by one queued transmit.
    TxEntrySize = 64
    // MaxCMDataSize is the connection-manager private data limit.
    MaxCMDataSize = 256
    DefaultTxSize       = 256
    DefaultRxSize       = 256
    DefaultIovLimit     = 8
    DefaultInjectSize   = 64
    DefaultMaxMsgSize   = 1 << 20
    DefaultMinMultiRecv = 64
    MaxTxSize           = 1 << 14
    MaxRxSize           = 1 << 14
    MaxIovLimit         = 8
    MaxInjectSize       = 4096
    MaxContextCount     = 256
)

// MsgOrder bits.
const (
    OrderNone uint64 = 0
    OrderSAS  uint64 = 1 << 0
    OrderRAR  uint64 = 1 << 1
)

// TxAttr describes a transmit context.
type TxAttr struct {
    Size       int
    IovLimit   int
    InjectSize int
    MsgOrder   uint64
    OpFlags    Flags
}

// RxAttr describes a receive context.
type RxAttr struct {
    Size     int
    IovLimit int
    MsgOrder uint64
    OpFlags  Flags
}

// EndpointAttr holds endpoint-wide attributes.
type EndpointAttr struct {
    Type       EndpointType
    MaxMsgSize int
    // TxCtxCount and RxCtxCount give the number of indexable contexts of a
    // scalable endpoint, or SharedContext for a standard endpoint using
    // domain-owned contexts.
    TxCtxCount int
    RxCtxCount int
}

// DomainAttr holds domain-wide attributes.
type DomainAttr struct {
    Progress ProgressMode
    // MaxContexts bounds the contexts allocated within the domain; 0 means
    // the provider default.
    MaxContexts int
}

// Info bundles the attributes used to allocate an endpoint.
type Info struct {
    // SrcAddr is the local rendezvous address to bind; empty selects the
    // provider default.
    SrcAddr string
    // DestAddr is the peer a connection-oriented endpoint connects to.
    DestAddr string
    EP       EndpointAttr
    Tx       TxAttr
    Rx       RxAttr
}

// DefaultInfo returns attributes populated with provider defaults.
func DefaultInfo(t EndpointType) *Info {
    return &Info{
        EP: EndpointAttr{Type: t, MaxMsgSize: DefaultMaxMsgSize, TxCtxCount: 1, RxCtxCount: 1},
        Tx: TxAttr{Size: DefaultTxSize, IovLimit: DefaultIovLimit, InjectSize: DefaultInjectSize, MsgOrder: OrderSAS, OpFlags: TransmitComplete},
        Rx: RxAttr{Size: DefaultRxSize, IovLimit: DefaultIovLimit, MsgOrder: OrderSAS},
    }
}

// Clone returns a deep copy.
func (i *Info) Clone() *Info {
    if i == nil { return nil }
    c := *i
    return &c
}

// VerifyTx checks a transmit attribute set against provider limits and
// fills zero fields with defaults.
func VerifyTx(a *TxAttr) error {
    if a.Size == 0 { a.Size = DefaultTxSize }
    if a.IovLimit == 0 { a.IovLimit = DefaultIovLimit }
    if a.InjectSize == 0 { a.InjectSize = DefaultInjectSize }
    if a.Size < 0 || a.Size > MaxTxSize { return fmt.Errorf("tx size %d: %w", a.Size, ErrInvalidArgument) }
    if a.IovLimit < 0 || a.IovLimit > MaxIovLimit { return fmt.Errorf("tx iov limit %d: %w", a.IovLimit, ErrInvalidArgument) }
    if a.InjectSize < 0 || a.InjectSize > MaxInjectSize { return fmt.Errorf("inject size %d: %w", a.InjectSize, ErrInvalidArgument) }
    if a.MsgOrder&^(OrderSAS|OrderRAR) != 0 { return fmt.Errorf("tx msg order %#x: %w", a.MsgOrder, ErrInvalidArgument) }
    return nil
}

// VerifyRx is VerifyTx for receive attributes.
func VerifyRx(a *RxAttr) error {
    if a.Size == 0 { a.Size = DefaultRxSize }
    if a.IovLimit == 0 { a.IovLimit = DefaultIovLimit }
    if a.Size < 0 || a.Size > MaxRxSize { return fmt.Errorf("rx size %d: %w", a.Size, ErrInvalidArgument) }
    if a.IovLimit < 0 || a.IovLimit > MaxIovLimit { return fmt.Errorf("rx iov limit %d: %w", a.IovLimit, ErrInvalidArgument) }
    if a.MsgOrder&^(OrderSAS|OrderRAR) != 0 { return fmt.Errorf("rx msg order %#x: %w", a.MsgOrder, ErrInvalidArgument) }
    return nil
}

// Verify validates an endpoint request for the given kind.
func (i *Info) Verify(kind EndpointKind) error {
    if i.EP.Type != EndpointRDM && i.EP.Type != EndpointMsg {
        return fmt.Errorf("endpoint type %d: %w", i.EP.Type, ErrInvalidArgument)
    }
    if i.EP.MaxMsgSize == 0 { i.EP.MaxMsgSize = DefaultMaxMsgSize }
    if i.EP.MaxMsgSize < 0 || i.EP.MaxMsgSize > 1<<24 {
        return fmt.Errorf("max msg size %d: %w", i.EP.MaxMsgSize, ErrInvalidArgument)
    }
    switch kind {
    case KindScalable:
        if i.EP.TxCtxCount <= 0 || i.EP.TxCtxCount > MaxContextCount ||
            i.EP.RxCtxCount <= 0 || i.EP.RxCtxCount > MaxContextCount {
            return fmt.Errorf("scalable context counts %d/%d: %w", i.EP.TxCtxCount, i.EP.RxCtxCount, ErrInvalidArgument)
        }
    case KindStandard:
        if i.EP.TxCtxCount == 0 { i.EP.TxCtxCount = 1 }
        if i.EP.RxCtxCount == 0 { i.EP.RxCtxCount = 1 }
        if (i.EP.TxCtxCount != 1 && i.EP.TxCtxCount != SharedContext) ||
            (i.EP.RxCtxCount != 1 && i.EP.RxCtxCount != SharedContext) {
            return fmt.Errorf("standard context counts %d/%d: %w", i.EP.TxCtxCount, i.EP.RxCtxCount, ErrInvalidArgument)
        }
    default:
        return fmt.Errorf("endpoint kind %d: %w", kind, ErrInvalidArgument)
    }
    if err := VerifyTx(&i.Tx); err != nil { return err }
    return VerifyRx(&i.Rx)
}
