// Package websocket implements the server side of the RFC 6455 wire
// protocol: handshake, frame codec, message reassembly, and sessions
// that route messages into host handlers.
//
// No extensions are negotiated and no compression is applied. Client
// frames must be masked, control frames are handled internally, and
// text payloads are validated as UTF-8.
package websocket

import (
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"
)

// OpCode identifies a WebSocket frame type.
type OpCode byte

// Opcodes from RFC 6455 section 5.2.
const (
	OpContinuation OpCode = 0x0
	OpText         OpCode = 0x1
	OpBinary       OpCode = 0x2
	OpClose        OpCode = 0x8
	OpPing         OpCode = 0x9
	OpPong         OpCode = 0xA
)

// Close status codes from RFC 6455 section 7.4.1.
const (
	CloseNormal          = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseUnsupportedData = 1003
	CloseNoStatus        = 1005
	CloseInvalidPayload  = 1007
	ClosePolicyViolation = 1008
	CloseMessageTooBig   = 1009
	CloseInternalError   = 1011
)

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	maxControlPayload  = 125
	maxFrameHeaderSize = 10
)

// Message is one complete data message after continuation reassembly.
type Message struct {
	OpCode  OpCode
	Payload []byte
}

// IsText reports whether the message carries a text payload.
func (m Message) IsText() bool { return m.OpCode == OpText }

// Text returns the payload as a string.
func (m Message) Text() string { return string(m.Payload) }

func (op OpCode) isControl() bool { return op&0x8 != 0 }

// frameHeader is the decoded fixed-length part of one frame.
type frameHeader struct {
	fin    bool
	opCode OpCode
	masked bool
	length int64
	key    [4]byte
}

// readFrameHeader decodes the next frame header from r. Violations of
// the framing rules come back as protocolError.
func readFrameHeader(r io.Reader, scratch []byte) (frameHeader, error) {
	var h frameHeader
	if _, err := io.ReadFull(r, scratch[:2]); err != nil {
		return h, err
	}
	b0, b1 := scratch[0], scratch[1]

	h.fin = b0&finBit != 0
	h.opCode = OpCode(b0 & 0x0F)
	h.masked = b1&maskBit != 0
	length := int64(b1 & 0x7F)

	if b0&rsvBits != 0 {
		return h, protocolError("reserved bits set without negotiated extension")
	}
	switch h.opCode {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
	default:
		return h, protocolError(fmt.Sprintf("unknown opcode %#x", byte(h.opCode)))
	}
	if h.opCode.isControl() {
		if !h.fin {
			return h, protocolError("fragmented control frame")
		}
		if length > maxControlPayload {
			return h, protocolError("control frame payload exceeds 125 bytes")
		}
	}

	switch length {
	case 126:
		if _, err := io.ReadFull(r, scratch[:2]); err != nil {
			return h, err
		}
		length = int64(binary.BigEndian.Uint16(scratch[:2]))
	case 127:
		if _, err := io.ReadFull(r, scratch[:8]); err != nil {
			return h, err
		}
		v := binary.BigEndian.Uint64(scratch[:8])
		if v&(1<<63) != 0 {
			return h, protocolError("frame length out of range")
		}
		length = int64(v)
	}
	h.length = length

	if h.masked {
		if _, err := io.ReadFull(r, h.key[:]); err != nil {
			return h, err
		}
	}
	return h, nil
}

// maskBytes applies the client masking key in place and returns the key
// position after b.
func maskBytes(key [4]byte, pos int, b []byte) int {
	for i := range b {
		b[i] ^= key[(pos+i)&3]
	}
	return (pos + len(b)) & 3
}

// appendFrame renders one server-to-client frame. Server frames are
// never masked.
func appendFrame(dst []byte, fin bool, opCode OpCode, payload []byte) []byte {
	b0 := byte(opCode)
	if fin {
		b0 |= finBit
	}
	dst = append(dst, b0)
	switch n := uint64(len(payload)); {
	case n <= maxControlPayload:
		dst = append(dst, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, 126, byte(n>>8), byte(n))
	default:
		dst = append(dst, 127,
			byte(n>>56), byte(n>>48), byte(n>>40), byte(n>>32),
			byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	return append(dst, payload...)
}

// appendCloseFrame renders a close frame. CloseNoStatus produces an
// empty payload, the code itself never appears on the wire.
func appendCloseFrame(dst []byte, code int, reason string) []byte {
	if code == CloseNoStatus {
		return appendFrame(dst, true, OpClose, nil)
	}
	if len(reason) > maxControlPayload-2 {
		reason = reason[:maxControlPayload-2]
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload, uint16(code))
	copy(payload[2:], reason)
	return appendFrame(dst, true, OpClose, payload)
}

// parseClosePayload decodes the status code and reason of a received
// close frame. An empty payload maps to CloseNoStatus.
func parseClosePayload(p []byte) (int, string, error) {
	if len(p) == 0 {
		return CloseNoStatus, "", nil
	}
	if len(p) == 1 {
		return 0, "", protocolError("close payload of one byte")
	}
	code := int(binary.BigEndian.Uint16(p[:2]))
	if !validCloseCode(code) {
		return 0, "", protocolError("invalid close code")
	}
	if !utf8.Valid(p[2:]) {
		return 0, "", errInvalidUTF8
	}
	return code, string(p[2:]), nil
}

func validCloseCode(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1011:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}
