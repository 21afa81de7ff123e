package wire

import (
    "errors"
    "fmt"
    "hash/crc32"

    "google.golang.org/protobuf/encoding/protowire"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

// Op is the data operation carried by a frame.
type Op uint8

const (
    OpSend Op = iota + 1
    OpTSend
)

// Data is a message frame.
type Data struct {
    Op      Op
    Flags   fabric.Flags
    Tag     uint64
    RxIndex uint32
    CQData  uint64
    Payload []byte
}

// field numbers
const (
    fieldOp      protowire.Number = 1
    fieldFlags   protowire.Number = 2
    fieldTag     protowire.Number = 3
    fieldRxIndex protowire.Number = 4
    fieldCQData  protowire.Number = 5
    fieldPayload protowire.Number = 6
    fieldCRC     protowire.Number = 7
)

// EncodeData returns a data frame.
func EncodeData(d *Data) []byte {
    b := make([]byte, 1, 32+len(d.Payload))
    b[0] = byte(KindData)
    b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
    b = protowire.AppendVarint(b, uint64(d.Op))
    if d.Flags != 0 {
        b = protowire.AppendTag(b, fieldFlags, protowire.VarintType)
        b = protowire.AppendVarint(b, uint64(d.Flags))
    }
    if d.Op == OpTSend {
        b = protowire.AppendTag(b, fieldTag, protowire.Fixed64Type)
        b = protowire.AppendFixed64(b, d.Tag)
    }
    if d.RxIndex != 0 {
        b = protowire.AppendTag(b, fieldRxIndex, protowire.VarintType)
        b = protowire.AppendVarint(b, uint64(d.RxIndex))
    }
    if d.Flags&fabric.RemoteCQData != 0 {
        b = protowire.AppendTag(b, fieldCQData, protowire.Fixed64Type)
        b = protowire.AppendFixed64(b, d.CQData)
    }
    b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
    b = protowire.AppendBytes(b, d.Payload)
    b = protowire.AppendTag(b, fieldCRC, protowire.Fixed32Type)
    b = protowire.AppendFixed32(b, crc32.ChecksumIEEE(d.Payload))
    return b
}

// DecodeData parses a data frame body. A payload whose checksum does not
// match is still returned, together with an error wrapping fabric.ErrCrc,
// so the receiver can complete the matching operation with that code.
func DecodeData(body []byte) (*Data, error) {
    d := &Data{}
    var (
        crc    uint32
        hasCRC bool
    )
    for len(body) > 0 {
        num, typ, n := protowire.ConsumeTag(body)
        if n < 0 { return nil, fmt.Errorf("wire: data tag: %w", protowire.ParseError(n)) }
        body = body[n:]
        switch {
        case num == fieldOp && typ == protowire.VarintType:
            v, m := protowire.ConsumeVarint(body)
            if m < 0 { return nil, protowire.ParseError(m) }
            d.Op, body = Op(v), body[m:]
        case num == fieldFlags && typ == protowire.VarintType:
            v, m := protowire.ConsumeVarint(body)
            if m < 0 { return nil, protowire.ParseError(m) }
            d.Flags, body = fabric.Flags(v), body[m:]
        case num == fieldTag && typ == protowire.Fixed64Type:
            v, m := protowire.ConsumeFixed64(body)
            if m < 0 { return nil, protowire.ParseError(m) }
            d.Tag, body = v, body[m:]
        case num == fieldRxIndex && typ == protowire.VarintType:
            v, m := protowire.ConsumeVarint(body)
            if m < 0 { return nil, protowire.ParseError(m) }
            d.RxIndex, body = uint32(v), body[m:]
        case num == fieldCQData && typ == protowire.Fixed64Type:
            v, m := protowire.ConsumeFixed64(body)
            if m < 0 { return nil, protowire.ParseError(m) }
            d.CQData, body = v, body[m:]
        case num == fieldPayload && typ == protowire.BytesType:
            v, m := protowire.ConsumeBytes(body)
            if m < 0 { return nil, protowire.ParseError(m) }
            d.Payload, body = v, body[m:]
        case num == fieldCRC && typ == protowire.Fixed32Type:
            v, m := protowire.ConsumeFixed32(body)
            if m < 0 { return nil, protowire.ParseError(m) }
            crc, hasCRC, body = v, true, body[m:]
        default:
            m := protowire.ConsumeFieldValue(num, typ, body)
            if m < 0 { return nil, protowire.ParseError(m) }
            body = body[m:]
        }
    }
    if d.Op != OpSend && d.Op != OpTSend { return nil, errors.New("wire: data frame without op") }
    if !hasCRC || crc != crc32.ChecksumIEEE(d.Payload) {
        return d, fmt.Errorf("wire: payload checksum: %w", fabric.ErrCrc)
    }
    return d, nil
}
