package transport

import (
    "bufio"
    "encoding/binary"
    "errors"
    "io"
    "sync"
    "time"
)

// ErrFrameSize is returned for frames above MaxFrameSize.
var ErrFrameSize = errors.New("invalid frame size")

// FramedConn implements Stream over any byte stream with u32 LE length
// prefixes. Transports embed it in their sessions.
type FramedConn struct {
    mu       sync.Mutex
    br       *bufio.Reader
    bw       *bufio.Writer
    closer   io.Closer
    lastSeen time.Time
    seenMu   sync.Mutex
}

// NewFramedConn wraps rw.
func NewFramedConn(rw io.ReadWriteCloser) *FramedConn {
    return &FramedConn{br: bufio.NewReader(rw), bw: bufio.NewWriter(rw), closer: rw}
}

// SendBytes writes one length-prefixed frame.
func (f *FramedConn) SendBytes(b []byte) error {
    if len(b) > MaxFrameSize { return ErrFrameSize }
    f.mu.Lock(); defer f.mu.Unlock()
    var lenbuf [4]byte
    binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
    if _, err := f.bw.Write(lenbuf[:]); err != nil { return err }
    if _, err := f.bw.Write(b); err != nil { return err }
    if err := f.bw.Flush(); err != nil { return err }
    f.touch(); return nil
}

// RecvBytes reads one length-prefixed frame.
func (f *FramedConn) RecvBytes() ([]byte, error) {
    var lenbuf [4]byte
    if _, err := io.ReadFull(f.br, lenbuf[:]); err != nil { return nil, err }
    n := int(binary.LittleEndian.Uint32(lenbuf[:]))
    if n < 0 || n > MaxFrameSize { return nil, ErrFrameSize }
    buf := make([]byte, n)
    if _, err := io.ReadFull(f.br, buf); err != nil { return nil, err }
    f.touch(); return buf, nil
}

func (f *FramedConn) Close() error { return f.closer.Close() }

// LastSeen is the time of the last frame in either direction.
func (f *FramedConn) LastSeen() time.Time {
    f.seenMu.Lock(); defer f.seenMu.Unlock()
    return f.lastSeen
}

func (f *FramedConn) touch() {
    f.seenMu.Lock(); f.lastSeen = time.Now(); f.seenMu.Unlock()
}
