package fabric

import "math"

// Command is a control request for an endpoint or context.
type Command int

const (
    CmdEnable Command = iota
    CmdAlias
    CmdGetOpsFlags
    CmdSetOpsFlags
)

func (c Command) String() string {
    switch c {
    case CmdEnable:
        return "enable"
    case CmdAlias:
        return "alias"
    case CmdGetOpsFlags:
        return "getopsflag"
    case CmdSetOpsFlags:
        return "setopsflag"
    default:
        return "unknown"
    }
}

// OptLevel scopes an option name.
type OptLevel int

const OptLevelEndpoint OptLevel = 0

// OptName names an endpoint option.
type OptName int

const (
    // OptMinMultiRecv is the free space below which a multi-receive
    // buffer is released. Value type: int.
    OptMinMultiRecv OptName = iota
    // OptCMDataSize is the connection-manager data limit (get only).
    // Value type: int.
    OptCMDataSize
)

// Addr is a logical peer address: an index into an address vector,
// optionally carrying a receive-context index in its high bits.
type Addr uint64

const (
    AddrNotAvail Addr = math.MaxUint64
    AddrUnspec   Addr = AddrNotAvail
)

// RxAddr combines an address vector index with the receive-context index
// of a scalable peer, using rxCtxBits high bits of the address.
func RxAddr(a Addr, rxIndex int, rxCtxBits int) Addr {
    if rxCtxBits <= 0 { return a }
    return Addr(uint64(rxIndex)<<(64-rxCtxBits)) | a
}

// SplitRxAddr is the inverse of RxAddr.
func SplitRxAddr(a Addr, rxCtxBits int) (Addr, int) {
    if rxCtxBits <= 0 || a == AddrNotAvail { return a, 0 }
    shift := 64 - rxCtxBits
    return a & (Addr(1)<<shift - 1), int(uint64(a) >> shift)
}

// Msg describes one message operation.
type Msg struct {
    Buf     []byte
    Addr    Addr
    Context any
    Data    uint64
    // Tag and Ignore apply to tagged operations only.
    Tag    uint64
    Ignore uint64
}
