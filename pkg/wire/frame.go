// Package wire encodes the frames exchanged over a connection.
//
// Every frame starts with one kind byte. Data frames carry a
// protobuf-wire body with a CRC over the payload; control frames carry a
// deterministic CBOR body.
package wire

import (
    "errors"
    "fmt"
)

// Kind identifies a frame.
type Kind uint8

const (
    KindData Kind = iota + 1
    KindConnReq
    KindConnAck
    KindReject
    KindAddrAnnounce
    KindDisconnect
)

func (k Kind) String() string {
    switch k {
    case KindData:
        return "data"
    case KindConnReq:
        return "conn_req"
    case KindConnAck:
        return "conn_ack"
    case KindReject:
        return "reject"
    case KindAddrAnnounce:
        return "addr_announce"
    case KindDisconnect:
        return "disconnect"
    default:
        return fmt.Sprintf("kind(%d)", uint8(k))
    }
}

// ErrShortFrame is returned for an empty frame.
var ErrShortFrame = errors.New("wire: short frame")

// Split returns the kind and body of a frame.
func Split(frame []byte) (Kind, []byte, error) {
    if len(frame) < 1 { return 0, nil, ErrShortFrame }
    k := Kind(frame[0])
    if k < KindData || k > KindDisconnect { return 0, nil, fmt.Errorf("wire: unknown frame kind %d", frame[0]) }
    return k, frame[1:], nil
}

func prepend(k Kind, body []byte) []byte {
    out := make([]byte, 0, len(body)+1)
    out = append(out, byte(k))
    return append(out, body...)
}
