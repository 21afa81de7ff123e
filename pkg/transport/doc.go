// Package transport defines the socket transports a provider endpoint
// rides on and the framing they share.
//
// Key concepts:
// - Transport: dials/listens for Sessions of a specific Kind (TCP/QUIC/mem)
// - Session: one connection to a peer carrying length-prefixed frames
// - Listener: accepts inbound Sessions for a bound service address
//
// Implementations live in the tcp, quic and mem subpackages.
package transport
