package websocket

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/pyfast/engine/core/pools"
)

// DefaultMaxMessageSize caps reassembled message payloads at 1 MiB
// unless configured otherwise.
const DefaultMaxMessageSize = 1 << 20

// ErrMessageTooBig reports a message whose reassembled payload exceeds
// the configured maximum. The connection answers it with close 1009.
var ErrMessageTooBig = errors.New("websocket: message exceeds size limit")

var errInvalidUTF8 = errors.New("websocket: invalid utf-8 in text payload")

// protocolError marks a framing violation. The connection answers it
// with close 1002 before reporting it.
type protocolError string

func (e protocolError) Error() string {
	return "websocket: protocol violation: " + string(e)
}

// CloseError reports the close status received from the peer. The close
// handshake has already been answered when it surfaces.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket: close %d %s", e.Code, e.Text)
}

// Options bounds a connection's framing behavior.
type Options struct {
	// MaxMessageSize caps the reassembled payload of one message.
	// Default: DefaultMaxMessageSize.
	MaxMessageSize int64

	// ReadTimeout is the per-frame read deadline. Any inbound frame,
	// pings included, resets it. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write. Zero disables it.
	WriteTimeout time.Duration
}

// Conn frames and deframes one upgraded connection. Reads must stay on
// a single goroutine; writes are safe from any goroutine.
type Conn struct {
	conn net.Conn
	br   *bufio.Reader

	opts    Options
	writeMu sync.Mutex

	fragOpCode OpCode
	fragment   []byte

	closeSent atomic.Bool
}

// NewConn wraps an upgraded connection. leftover carries bytes the HTTP
// parser read past the upgrade request; they are consumed first.
func NewConn(conn net.Conn, leftover []byte, opts Options) *Conn {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	var r io.Reader = conn
	if len(leftover) > 0 {
		r = io.MultiReader(bytes.NewReader(leftover), conn)
	}
	return &Conn{
		conn: conn,
		br:   bufio.NewReaderSize(r, 4096),
		opts: opts,
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// ReadMessage returns the next complete data message. Control frames
// are consumed internally: pings are answered with pongs, a peer close
// is echoed and surfaces as *CloseError. Any other error means the
// connection is no longer usable.
func (c *Conn) ReadMessage() (Message, error) {
	var scratch [8]byte
	for {
		if c.opts.ReadTimeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		h, err := readFrameHeader(c.br, scratch[:])
		if err != nil {
			return Message{}, c.fail(err)
		}
		if !h.masked {
			return Message{}, c.fail(protocolError("unmasked client frame"))
		}

		if !h.opCode.isControl() {
			projected := h.length
			if h.opCode == OpContinuation {
				projected += int64(len(c.fragment))
			}
			if projected > c.opts.MaxMessageSize {
				return Message{}, c.fail(ErrMessageTooBig)
			}
		}

		payload, err := c.readPayload(h)
		if err != nil {
			return Message{}, c.fail(err)
		}

		switch {
		case h.opCode.isControl():
			if err := c.handleControl(h.opCode, payload); err != nil {
				return Message{}, err
			}

		case h.opCode == OpContinuation:
			if c.fragOpCode == 0 {
				return Message{}, c.fail(protocolError("continuation without a message in progress"))
			}
			c.fragment = append(c.fragment, payload...)
			if !h.fin {
				continue
			}
			msg := Message{OpCode: c.fragOpCode, Payload: c.fragment}
			c.fragOpCode, c.fragment = 0, nil
			if msg.OpCode == OpText && !utf8.Valid(msg.Payload) {
				return Message{}, c.fail(errInvalidUTF8)
			}
			return msg, nil

		default: // OpText, OpBinary
			if c.fragOpCode != 0 {
				return Message{}, c.fail(protocolError("data frame interleaved with fragmented message"))
			}
			if h.fin {
				if h.opCode == OpText && !utf8.Valid(payload) {
					return Message{}, c.fail(errInvalidUTF8)
				}
				return Message{OpCode: h.opCode, Payload: payload}, nil
			}
			c.fragOpCode = h.opCode
			c.fragment = append([]byte(nil), payload...)
		}
	}
}

func (c *Conn) readPayload(h frameHeader) ([]byte, error) {
	if h.length == 0 {
		return nil, nil
	}
	p := make([]byte, h.length)
	if _, err := io.ReadFull(c.br, p); err != nil {
		return nil, err
	}
	maskBytes(h.key, 0, p)
	return p, nil
}

func (c *Conn) handleControl(opCode OpCode, payload []byte) error {
	switch opCode {
	case OpPing:
		return c.WriteControl(OpPong, payload)
	case OpPong:
		// Unsolicited pongs are allowed and ignored.
		return nil
	case OpClose:
		code, reason, err := parseClosePayload(payload)
		if err != nil {
			return c.fail(err)
		}
		_ = c.SendClose(code, "")
		return &CloseError{Code: code, Text: reason}
	}
	return nil
}

// fail answers a violation with the matching close code and reports the
// original error. I/O errors skip the close frame, the transport is
// already gone.
func (c *Conn) fail(err error) error {
	var pe protocolError
	switch {
	case errors.Is(err, ErrMessageTooBig):
		_ = c.SendClose(CloseMessageTooBig, "message too large")
	case errors.Is(err, errInvalidUTF8):
		_ = c.SendClose(CloseInvalidPayload, "invalid utf-8")
	case errors.As(err, &pe):
		_ = c.SendClose(CloseProtocolError, string(pe))
	}
	return err
}

// WriteMessage sends one unfragmented data message.
func (c *Conn) WriteMessage(opCode OpCode, payload []byte) error {
	buf := pools.GetBytes(len(payload) + maxFrameHeaderSize)[:0]
	buf = appendFrame(buf, true, opCode, payload)
	err := c.write(buf)
	pools.PutBytes(buf)
	return err
}

// WriteText sends a text message.
func (c *Conn) WriteText(text string) error {
	return c.WriteMessage(OpText, []byte(text))
}

// WriteBinary sends a binary message.
func (c *Conn) WriteBinary(data []byte) error {
	return c.WriteMessage(OpBinary, data)
}

// WriteControl sends a single control frame.
func (c *Conn) WriteControl(opCode OpCode, payload []byte) error {
	if len(payload) > maxControlPayload {
		return protocolError("control frame payload exceeds 125 bytes")
	}
	buf := pools.GetBytes(len(payload) + maxFrameHeaderSize)[:0]
	buf = appendFrame(buf, true, opCode, payload)
	err := c.write(buf)
	pools.PutBytes(buf)
	return err
}

// Ping sends an empty ping frame.
func (c *Conn) Ping() error {
	return c.WriteControl(OpPing, nil)
}

// SendClose writes a close frame carrying code and reason. Only the
// first call writes; later calls are no-ops.
func (c *Conn) SendClose(code int, reason string) error {
	if c.closeSent.Swap(true) {
		return nil
	}
	buf := pools.GetBytes(maxControlPayload + maxFrameHeaderSize)[:0]
	buf = appendCloseFrame(buf, code, reason)
	err := c.write(buf)
	pools.PutBytes(buf)
	return err
}

// Close shuts the underlying socket without a close handshake.
func (c *Conn) Close() error { return c.conn.Close() }

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	_, err := c.conn.Write(frame)
	return err
}
