package sock

import (
    "sync/atomic"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

// StatsSnapshot is a point-in-time copy of context statistics.
type StatsSnapshot struct {
    Sends          uint64 `json:"sends" yaml:"sends"`
    SendsOK        uint64 `json:"sends_ok" yaml:"sends_ok"`
    Recvs          uint64 `json:"recvs" yaml:"recvs"`
    RecvsOK        uint64 `json:"recvs_ok" yaml:"recvs_ok"`
    Unexpected     uint64 `json:"unexpected" yaml:"unexpected"`
    Canceled       uint64 `json:"canceled" yaml:"canceled"`
    CrcErrors      uint64 `json:"crc_errors" yaml:"crc_errors"`
    TruncErrors    uint64 `json:"trunc_errors" yaml:"trunc_errors"`
    TimeoutErrors  uint64 `json:"timeout_errors" yaml:"timeout_errors"`
    InternalErrors uint64 `json:"internal_errors" yaml:"internal_errors"`
    UnknownErrors  uint64 `json:"unknown_errors" yaml:"unknown_errors"`
    Dropped        uint64 `json:"dropped" yaml:"dropped"`
}

// Add merges o into s.
func (s *StatsSnapshot) Add(o StatsSnapshot) {
    s.Sends += o.Sends
    s.SendsOK += o.SendsOK
    s.Recvs += o.Recvs
    s.RecvsOK += o.RecvsOK
    s.Unexpected += o.Unexpected
    s.Canceled += o.Canceled
    s.CrcErrors += o.CrcErrors
    s.TruncErrors += o.TruncErrors
    s.TimeoutErrors += o.TimeoutErrors
    s.InternalErrors += o.InternalErrors
    s.UnknownErrors += o.UnknownErrors
    s.Dropped += o.Dropped
}

// Errors is the sum of all error kinds.
func (s StatsSnapshot) Errors() uint64 {
    return s.CrcErrors + s.TruncErrors + s.TimeoutErrors + s.InternalErrors + s.UnknownErrors
}

// Stats counts operations per kind for one context.
type Stats struct {
    sends          atomic.Uint64
    sendsOK        atomic.Uint64
    recvs          atomic.Uint64
    recvsOK        atomic.Uint64
    unexpected     atomic.Uint64
    canceled       atomic.Uint64
    crcErrors      atomic.Uint64
    truncErrors    atomic.Uint64
    timeoutErrors  atomic.Uint64
    internalErrors atomic.Uint64
    unknownErrors  atomic.Uint64
    dropped        atomic.Uint64
}

func (s *Stats) IncSends()      { s.sends.Add(1) }
func (s *Stats) IncSendsOK()    { s.sendsOK.Add(1) }
func (s *Stats) IncRecvs()      { s.recvs.Add(1) }
func (s *Stats) IncRecvsOK()    { s.recvsOK.Add(1) }
func (s *Stats) IncUnexpected() { s.unexpected.Add(1) }
func (s *Stats) IncCanceled()   { s.canceled.Add(1) }
func (s *Stats) IncDropped()    { s.dropped.Add(1) }

// IncError counts one failure by taxonomy code.
func (s *Stats) IncError(code fabric.ErrCode) {
    switch code {
    case fabric.CodeCrc:
        s.crcErrors.Add(1)
    case fabric.CodeTruncation:
        s.truncErrors.Add(1)
    case fabric.CodeTimeout:
        s.timeoutErrors.Add(1)
    case fabric.CodeCanceled:
        s.canceled.Add(1)
    case fabric.CodeInternal:
        s.internalErrors.Add(1)
    default:
        s.unknownErrors.Add(1)
    }
}

func (s *Stats) Snapshot() StatsSnapshot {
    return StatsSnapshot{
        Sends:          s.sends.Load(),
        SendsOK:        s.sendsOK.Load(),
        Recvs:          s.recvs.Load(),
        RecvsOK:        s.recvsOK.Load(),
        Unexpected:     s.unexpected.Load(),
        Canceled:       s.canceled.Load(),
        CrcErrors:      s.crcErrors.Load(),
        TruncErrors:    s.truncErrors.Load(),
        TimeoutErrors:  s.timeoutErrors.Load(),
        InternalErrors: s.internalErrors.Load(),
        UnknownErrors:  s.unknownErrors.Load(),
        Dropped:        s.dropped.Load(),
    }
}
