package ws

import (
	"encoding/binary"
	"io"
	"math/rand"
	"sync/atomic"
	"unicode/utf8"
)

// Conn speaks the framing protocol over one duplex byte stream. It owns the
// stream exclusively: no other reader or writer may touch it while the Conn
// is alive. One goroutine may call Recv while another calls Send, SendClose,
// Close or IsClosed; Recv must not be called concurrently with itself, nor
// the write methods with each other.
type Conn struct {
	rw            io.ReadWriter
	role          Role
	masking       bool
	maxPayloadLen int

	// closed latches true on a decoded Close event, any decode error or a
	// failed write. It never resets. Atomic because the read half and the
	// write half run on different goroutines.
	closed atomic.Bool

	// scratch stages the masked copy of an outbound payload so Send never
	// mutates the caller's bytes. Grown on demand, reused across sends.
	scratch []byte
}

// NewServerConn wraps stream with a server-role connection. Decoded
// payloads are limited to maxPayloadLen bytes.
func NewServerConn(stream io.ReadWriter, maxPayloadLen int) *Conn {
	return &Conn{rw: stream, role: RoleServer, maxPayloadLen: maxPayloadLen}
}

// NewClientConn wraps stream with a client-role connection. When masking is
// true every outbound frame is masked with a fresh random key.
func NewClientConn(stream io.ReadWriter, maxPayloadLen int, masking bool) *Conn {
	return &Conn{rw: stream, role: RoleClient, masking: masking, maxPayloadLen: maxPayloadLen}
}

// Role returns the connection's fixed role.
func (c *Conn) Role() Role { return c.role }

// IsClosed reports whether the connection has observed a close event, a
// protocol violation or an I/O failure.
func (c *Conn) IsClosed() bool { return c.closed.Load() }

// Close latches the connection closed and closes the underlying stream
// when it supports closing. A blocked Recv on the stream is unblocked.
func (c *Conn) Close() error {
	c.closed.Store(true)
	if closer, ok := c.rw.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Send writes one frame to the stream: header, optional masking key,
// payload. Server-role connections never mask. Any I/O error is fatal to
// the connection and is returned without retry.
func (c *Conn) Send(frame Frame) error {
	if c.closed.Load() {
		return ErrReadAfterClose
	}

	var header [14]byte
	n := 0

	header[0] = byte(frame.Opcode) & 0x0f
	if frame.Fin {
		header[0] |= 0x80
	}

	masked := c.role == RoleClient && c.masking
	payloadLen := len(frame.Payload)
	switch {
	case payloadLen <= 125:
		header[1] = byte(payloadLen)
		n = 2
	case payloadLen <= 0xffff:
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:4], uint16(payloadLen))
		n = 4
	default:
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:10], uint64(payloadLen))
		n = 10
	}

	payload := frame.Payload
	if masked {
		header[1] |= 0x80
		key := rand.Uint32()
		binary.BigEndian.PutUint32(header[n:n+4], key)
		mask := header[n : n+4]
		n += 4

		if cap(c.scratch) < payloadLen {
			c.scratch = make([]byte, payloadLen)
		}
		c.scratch = c.scratch[:payloadLen]
		for i, b := range frame.Payload {
			c.scratch[i] = b ^ mask[i&3]
		}
		payload = c.scratch
	}

	if _, err := c.rw.Write(header[:n]); err != nil {
		c.closed.Store(true)
		return err
	}
	if len(payload) > 0 {
		if _, err := c.rw.Write(payload); err != nil {
			c.closed.Store(true)
			return err
		}
	}
	return nil
}

// SendClose writes a close frame with the given status code and reason and
// latches the connection closed.
func (c *Conn) SendClose(code uint16, reason string) error {
	if err := c.Send(CloseFrame(code, reason)); err != nil {
		return err
	}
	c.closed.Store(true)
	return nil
}

// Recv decodes exactly one frame from the stream and returns it as an
// Event. Fragmented messages are not reassembled. After a Close event or
// any error, every later call fails with ErrReadAfterClose without touching
// the stream.
func (c *Conn) Recv() (Event, error) {
	if c.closed.Load() {
		return nil, ErrReadAfterClose
	}
	ev, err := c.recvEvent()
	if err != nil {
		c.closed.Store(true)
		return nil, err
	}
	if _, isClose := ev.(Close); isClose {
		c.closed.Store(true)
	}
	return ev, nil
}

func (c *Conn) recvEvent() (Event, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.rw, header[:]); err != nil {
		return nil, err
	}

	fin := header[0]&0x80 != 0
	rsv := header[0] & 0x70
	opcode := Opcode(header[0] & 0x0f)
	masked := header[1]&0x80 != 0
	length := uint64(header[1] & 0x7f)

	// RSV bits signal a negotiated extension; we negotiate none.
	if rsv != 0 {
		return nil, ErrReservedBits
	}

	// A server-role reader tolerates both masked and unmasked frames (see
	// RoleServer). A client-role reader must reject masked frames: servers
	// are forbidden to mask.
	if c.role == RoleClient && masked {
		return nil, ErrMaskedFrame
	}

	if opcode.IsControl() {
		if !fin {
			return nil, ErrFragmentedControl
		}
		if length > 125 {
			return nil, ErrControlTooLong
		}
		if opcode != OpcodeClose {
			return nil, ErrUnknownOpcode
		}
		payload, err := c.readPayload(masked, int(length))
		if err != nil {
			return nil, err
		}
		return decodeClose(payload)
	}

	if opcode != OpcodeBinary || !fin {
		return nil, ErrInvalidDataFrame
	}

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(c.rw, ext[:]); err != nil {
			return nil, err
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	// Bound the length before allocating anything for the payload.
	if length > uint64(c.maxPayloadLen) {
		return nil, ErrPayloadTooLarge
	}

	payload, err := c.readPayload(masked, int(length))
	if err != nil {
		return nil, err
	}
	return Data(payload), nil
}

// readPayload reads length payload bytes, preceded by a 4-byte masking key
// when the frame is masked, and unmasks in place.
func (c *Conn) readPayload(masked bool, length int) ([]byte, error) {
	payload := make([]byte, length)
	if masked {
		var mask [4]byte
		if _, err := io.ReadFull(c.rw, mask[:]); err != nil {
			return nil, err
		}
		if _, err := io.ReadFull(c.rw, payload); err != nil {
			return nil, err
		}
		for i := range payload {
			payload[i] ^= mask[i&3]
		}
		return payload, nil
	}
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// decodeClose parses a close frame payload per RFC 6455 section 7.4: an
// optional 2-byte big-endian status code followed by a UTF-8 reason. A
// payload shorter than 2 bytes means normal closure with no reason.
func decodeClose(payload []byte) (Event, error) {
	if len(payload) < 2 {
		return Close{Code: 1000}, nil
	}
	code := binary.BigEndian.Uint16(payload[:2])
	if !validCloseCode(code) {
		return nil, ErrInvalidCloseCode
	}
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return nil, ErrInvalidUTF8
	}
	return Close{Code: code, Reason: string(reason)}, nil
}
