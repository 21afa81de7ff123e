package wire

import (
    "fmt"

    cbor "github.com/fxamacker/cbor/v2"
)

// Version is the handshake protocol version.
const Version = 1

// ConnReq opens a connection.
type ConnReq struct {
    Version uint8  `cbor:"1,keyasint"`
    EPType  uint8  `cbor:"2,keyasint"`
    // Data is optional connection-manager private data.
    Data []byte `cbor:"3,keyasint,omitempty"`
}

// ConnAck accepts a ConnReq.
type ConnAck struct {
    Version uint8 `cbor:"1,keyasint"`
}

// Reject refuses a ConnReq.
type Reject struct {
    Reason string `cbor:"1,keyasint"`
}

// AddrAnnounce publishes the sender's rendezvous address.
type AddrAnnounce struct {
    Addr string `cbor:"1,keyasint"`
}

// Disconnect announces an orderly shutdown.
type Disconnect struct{}

// Codec marshals control messages with a deterministic CBOR profile.
type Codec struct {
    enc cbor.EncMode
    dec cbor.DecMode
}

// NewCodec builds the control codec.
func NewCodec() (*Codec, error) {
    em, err := cbor.CanonicalEncOptions().EncMode()
    if err != nil { return nil, err }
    dm, err := cbor.DecOptions{}.DecMode()
    if err != nil { return nil, err }
    return &Codec{enc: em, dec: dm}, nil
}

// Encode returns a control frame for v.
func (c *Codec) Encode(v any) ([]byte, error) {
    k, err := kindOf(v)
    if err != nil { return nil, err }
    body, err := c.enc.Marshal(v)
    if err != nil { return nil, fmt.Errorf("wire: encode %s: %w", k, err) }
    return prepend(k, body), nil
}

// Decode parses a control frame body into v.
func (c *Codec) Decode(body []byte, v any) error {
    if err := c.dec.Unmarshal(body, v); err != nil {
        return fmt.Errorf("wire: decode %T: %w", v, err)
    }
    return nil
}

func kindOf(v any) (Kind, error) {
    switch v.(type) {
    case *ConnReq, ConnReq:
        return KindConnReq, nil
    case *ConnAck, ConnAck:
        return KindConnAck, nil
    case *Reject, Reject:
        return KindReject, nil
    case *AddrAnnounce, AddrAnnounce:
        return KindAddrAnnounce, nil
    case *Disconnect, Disconnect:
        return KindDisconnect, nil
    }
    return 0, fmt.Errorf("wire: %T is not a control message", v)
}
