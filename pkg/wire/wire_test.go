package wire

import (
    "bytes"
    "errors"
    "testing"

    "github.com/bturrubiates/libfabric/pkg/fabric"
)

func TestDataFrame(t *testing.T) {
    in := &Data{Op: OpTSend, Flags: fabric.RemoteCQData, Tag: 0xabcd, RxIndex: 2, CQData: 99, Payload: []byte("hello")}
    frame := EncodeData(in)
    k, body, err := Split(frame)
    if err != nil || k != KindData { t.Fatalf("split: %v %v", k, err) }
    out, err := DecodeData(body)
    if err != nil { t.Fatalf("decode: %v", err) }
    if out.Op != in.Op || out.Tag != in.Tag || out.RxIndex != 2 || out.CQData != 99 || !bytes.Equal(out.Payload, in.Payload) {
        t.Fatalf("mismatch: %#v", out)
    }
}

func TestDataFrameCRCMismatch(t *testing.T) {
    frame := EncodeData(&Data{Op: OpSend, Payload: []byte("payload")})
    // flip a payload byte; the crc trailer is the last 5 bytes
    i := bytes.Index(frame, []byte("payload"))
    if i < 0 { t.Fatalf("payload not found") }
    frame[i] ^= 0xff
    _, body, _ := Split(frame)
    d, err := DecodeData(body)
    if !errors.Is(err, fabric.ErrCrc) { t.Fatalf("expected crc error, got %v", err) }
    if d == nil || d.Op != OpSend { t.Fatalf("frame header lost on crc error") }
}

func TestControlFrames(t *testing.T) {
    c, err := NewCodec()
    if err != nil { t.Fatalf("codec: %v", err) }
    frame, err := c.Encode(&AddrAnnounce{Addr: "127.0.0.1:4000"})
    if err != nil { t.Fatalf("encode: %v", err) }
    k, body, err := Split(frame)
    if err != nil || k != KindAddrAnnounce { t.Fatalf("split: %v %v", k, err) }
    var a AddrAnnounce
    if err := c.Decode(body, &a); err != nil { t.Fatalf("decode: %v", err) }
    if a.Addr != "127.0.0.1:4000" { t.Fatalf("addr = %q", a.Addr) }

    if _, err := c.Encode(42); err == nil { t.Fatalf("expected error for non-control value") }
}

func TestSplitRejectsGarbage(t *testing.T) {
    if _, _, err := Split(nil); err != ErrShortFrame { t.Fatalf("expected short frame, got %v", err) }
    if _, _, err := Split([]byte{0xee}); err == nil { t.Fatalf("expected unknown kind error") }
}
