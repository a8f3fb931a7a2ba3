// Package ws implements the subset of the WebSocket protocol (RFC 6455)
// that zia needs to carry UDP datagrams over a byte stream: unfragmented
// binary data frames, the close handshake, client-side masking and the
// extended payload length encodings. It operates directly on an abstract
// duplex stream and deliberately does not negotiate extensions or
// subprotocols, and does not implement ping/pong.
package ws

import (
	"encoding/binary"
	"errors"
)

// Opcode identifies the type of a WebSocket frame per RFC 6455 section 5.2.
type Opcode uint8

const (
	// OpcodeBinary is the only data frame type zia sends or accepts.
	OpcodeBinary Opcode = 0x2
	// OpcodeClose initiates or acknowledges the closing handshake.
	OpcodeClose Opcode = 0x8
)

// IsControl reports whether the opcode designates a control frame.
func (o Opcode) IsControl() bool {
	return o >= 0x8
}

// String returns the RFC name of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeBinary:
		return "BINARY"
	case OpcodeClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Protocol violation errors. Any of these is fatal to the connection that
// produced it: the closed flag latches and no further frames are decoded.
var (
	// ErrReadAfterClose is returned by Recv once a Close event or a decode
	// error has been observed on the connection.
	ErrReadAfterClose = errors.New("ws: read after close")
	// ErrReservedBits is returned when a frame has a nonzero RSV field.
	ErrReservedBits = errors.New("ws: reserved bits must be zero")
	// ErrMaskedFrame is returned when a client-role reader receives a
	// masked frame. Servers never mask.
	ErrMaskedFrame = errors.New("ws: expected unmasked frame")
	// ErrFragmentedControl is returned for a control frame without FIN.
	ErrFragmentedControl = errors.New("ws: control frame must not be fragmented")
	// ErrControlTooLong is returned for a control frame whose payload
	// exceeds 125 bytes.
	ErrControlTooLong = errors.New("ws: control frame payload exceeds 125 bytes")
	// ErrUnknownOpcode is returned for control opcodes other than close.
	ErrUnknownOpcode = errors.New("ws: unknown opcode")
	// ErrInvalidDataFrame is returned for any data frame that is not a
	// final binary frame. Fragmented messages are unsupported.
	ErrInvalidDataFrame = errors.New("ws: invalid data frame")
	// ErrPayloadTooLarge is returned when the decoded payload length
	// exceeds the connection's configured maximum.
	ErrPayloadTooLarge = errors.New("ws: payload too large")
	// ErrInvalidCloseCode is returned for close status codes outside the
	// ranges permitted by RFC 6455 section 7.4.
	ErrInvalidCloseCode = errors.New("ws: invalid close code")
	// ErrInvalidUTF8 is returned when a close reason is not valid UTF-8.
	ErrInvalidUTF8 = errors.New("ws: invalid utf-8 in close reason")
)

// Close status codes zia sends (RFC 6455 section 7.4.1).
const (
	CloseNormal    uint16 = 1000
	CloseGoingAway uint16 = 1001
)

// Role determines which side of the connection an endpoint plays. It is
// fixed for the lifetime of a connection and governs masking obligations.
type Role uint8

const (
	// RoleServer never masks outbound frames. A server-role reader accepts
	// inbound frames whether or not they are masked; this relaxes the RFC
	// rule that servers must reject unmasked client frames so that clients
	// on trusted links can skip the masking pass.
	RoleServer Role = iota
	// RoleClient masks outbound frames when masking is enabled and rejects
	// masked inbound frames.
	RoleClient
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "unknown"
	}
}

// Frame is one outbound protocol unit. The payload is borrowed: Send reads
// it but never retains it past the call.
type Frame struct {
	Fin     bool
	Opcode  Opcode
	Payload []byte
}

// BinaryFrame builds a final binary data frame around p.
func BinaryFrame(p []byte) Frame {
	return Frame{Fin: true, Opcode: OpcodeBinary, Payload: p}
}

// CloseFrame builds a close frame carrying a status code and reason text.
func CloseFrame(code uint16, reason string) Frame {
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, code)
	copy(payload[2:], reason)
	return Frame{Fin: true, Opcode: OpcodeClose, Payload: payload}
}

// Event is the decoded, application-visible result of reading one frame.
type Event interface {
	event()
}

// Data is the payload of a binary data frame.
type Data []byte

// Close reports the peer's closing handshake.
type Close struct {
	Code   uint16
	Reason string
}

func (Data) event()  {}
func (Close) event() {}

// validCloseCode reports whether a close status code is in one of the
// ranges RFC 6455 section 7.4 permits on the wire.
func validCloseCode(code uint16) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1011:
		return true
	case code == 1015:
		return true
	case code >= 3000 && code <= 4999:
		return true
	default:
		return false
	}
}
