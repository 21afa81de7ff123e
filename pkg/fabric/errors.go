package fabric

import (
    "context"
    "errors"
    "io"
    "net"
    "os"
)

// ErrCode is the provider error taxonomy. Each value is itself an error so
// call sites can wrap it with %w and callers can test it with errors.Is.
type ErrCode int

const (
    CodeOK ErrCode = iota
    CodeInvalidArgument
    CodeNoMemory
    CodeBusy
    CodeNotFound
    CodeWouldBlock
    CodeCanceled
    CodeCrc
    CodeTruncation
    CodeTimeout
    CodeInternal
    CodeUnknown
    CodeAvail
    CodeBadState
)

var (
    ErrInvalidArgument error = CodeInvalidArgument
    ErrNoMemory        error = CodeNoMemory
    ErrBusy            error = CodeBusy
    ErrNotFound        error = CodeNotFound
    ErrWouldBlock      error = CodeWouldBlock
    ErrCanceled        error = CodeCanceled
    ErrCrc             error = CodeCrc
    ErrTruncation      error = CodeTruncation
    ErrTimeout         error = CodeTimeout
    ErrInternal        error = CodeInternal
    ErrUnknown         error = CodeUnknown
    // ErrAvail is returned by queue reads while error entries are pending.
    ErrAvail error = CodeAvail
    // ErrBadState is returned when posting to a context that is not enabled.
    ErrBadState error = CodeBadState
)

func (c ErrCode) Error() string {
    switch c {
    case CodeOK:
        return "success"
    case CodeInvalidArgument:
        return "invalid argument"
    case CodeNoMemory:
        return "cannot allocate memory"
    case CodeBusy:
        return "resource busy"
    case CodeNotFound:
        return "no such entry"
    case CodeWouldBlock:
        return "resource temporarily unavailable"
    case CodeCanceled:
        return "operation canceled"
    case CodeCrc:
        return "crc error"
    case CodeTruncation:
        return "message truncated"
    case CodeTimeout:
        return "timed out"
    case CodeInternal:
        return "internal error"
    case CodeAvail:
        return "error entries available"
    case CodeBadState:
        return "operation in bad state"
    default:
        return "unknown error"
    }
}

// String returns the short taxonomy name used in logs and stats.
func (c ErrCode) String() string {
    switch c {
    case CodeOK:
        return "ok"
    case CodeInvalidArgument:
        return "inval"
    case CodeNoMemory:
        return "nomem"
    case CodeBusy:
        return "busy"
    case CodeNotFound:
        return "noent"
    case CodeWouldBlock:
        return "again"
    case CodeCanceled:
        return "canceled"
    case CodeCrc:
        return "crc"
    case CodeTruncation:
        return "trunc"
    case CodeTimeout:
        return "timeout"
    case CodeInternal:
        return "internal"
    case CodeAvail:
        return "avail"
    case CodeBadState:
        return "badstate"
    default:
        return "unknown"
    }
}

// CodeOf classifies an arbitrary error into the taxonomy. Socket and
// context errors are mapped the same way completions report them.
func CodeOf(err error) ErrCode {
    if err == nil { return CodeOK }
    var c ErrCode
    if errors.As(err, &c) { return c }
    switch {
    case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
        return CodeTimeout
    case errors.Is(err, context.Canceled):
        return CodeCanceled
    case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
        return CodeInternal
    }
    var ne net.Error
    if errors.As(err, &ne) && ne.Timeout() { return CodeTimeout }
    return CodeUnknown
}

// IsRetryable reports whether the caller may retry the same call later.
func IsRetryable(err error) bool {
    return errors.Is(err, ErrWouldBlock)
}
