package sock

import (
    "encoding/binary"
    "errors"

    "go.uber.org/zap"

    "github.com/bturrubiates/libfabric/pkg/fabric"
    "github.com/bturrubiates/libfabric/pkg/wire"
)

// Transmit slot layout (fabric.TxEntrySize bytes) queued in a TxContext ring.
// All integer fields are little-endian.
//
//  0  ..1   Magic   'S''F' (0x5346)
//  2        Op      u8
//  3        Reserved u8
//  4  ..7   Len     u32
//  8  ..15  Flags   u64
//  16 ..23  Dest    u64
//  24 ..31  Tag     u64
//  32 ..39  CQData  u64
//  40 ..47  Seq     u64
//  48 ..63  Reserved
const slotMagic = uint16(0x5346)

var errBadSlot = errors.New("sock: corrupt transmit slot")

// slot is the fixed part of one queued transmit.
type slot struct {
    Op     wire.Op
    Len    uint32
    Flags  fabric.Flags
    Dest   fabric.Addr
    Tag    uint64
    CQData uint64
    Seq    uint64
}

func (s *slot) marshal(buf []byte) {
    _ = buf[fabric.TxEntrySize-1]
    for i := range buf[:fabric.TxEntrySize] { buf[i] = 0 }
    binary.LittleEndian.PutUint16(buf[0:2], slotMagic)
    buf[2] = byte(s.Op)
    binary.LittleEndian.PutUint32(buf[4:8], s.Len)
    binary.LittleEndian.PutUint64(buf[8:16], uint64(s.Flags))
    binary.LittleEndian.PutUint64(buf[16:24], uint64(s.Dest))
    binary.LittleEndian.PutUint64(buf[24:32], s.Tag)
    binary.LittleEndian.PutUint64(buf[32:40], s.CQData)
    binary.LittleEndian.PutUint64(buf[40:48], s.Seq)
}

func (s *slot) unmarshal(buf []byte) error {
    if len(buf) < fabric.TxEntrySize { return errBadSlot }
    if binary.LittleEndian.Uint16(buf[0:2]) != slotMagic { return errBadSlot }
    s.Op = wire.Op(buf[2])
    s.Len = binary.LittleEndian.Uint32(buf[4:8])
    s.Flags = fabric.Flags(binary.LittleEndian.Uint64(buf[8:16]))
    s.Dest = fabric.Addr(binary.LittleEndian.Uint64(buf[16:24]))
    s.Tag = binary.LittleEndian.Uint64(buf[24:32])
    s.CQData = binary.LittleEndian.Uint64(buf[32:40])
    s.Seq = binary.LittleEndian.Uint64(buf[40:48])
    return nil
}

// txOp is a transmit operation popped from a ring, joined with the parts
// that do not fit a slot.
type txOp struct {
    slot
    ep      *epCore
    tx      *TxContext
    payload []byte
    context any
}

func (op *txOp) cqFlags() fabric.Flags {
    f := fabric.Message | fabric.Send
    if op.Op == wire.OpTSend { f |= fabric.Tagged }
    return f
}

func zapOp(op *txOp) zap.Field {
    return zap.Dict("op",
        zap.Uint64("seq", op.Seq),
        zap.Uint64("dest", uint64(op.Dest)),
        zap.Int("len", len(op.payload)),
        zap.Stringer("flags", op.Flags),
    )
}
