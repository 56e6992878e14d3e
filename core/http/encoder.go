package http

import (
	"io"
	"strconv"

	"github.com/pyfast/engine/core/pools"
)

// AppendResponse appends the full wire form of resp to dst and returns
// the extended slice. Body bytes only; callers with a BodyStream use
// EncodeResponse. Content-Length, Transfer-Encoding, and Connection are
// owned by the encoder and overridden if present in resp.Headers.
func AppendResponse(dst []byte, resp *Response, keepAlive, head bool) []byte {
	dst = appendStatusLine(dst, resp.Status)
	dst = appendHeaders(dst, resp.Headers)

	// Switching Protocols keeps the connection and owns its framing.
	if resp.Status == 101 {
		return append(dst, "Connection: Upgrade\r\n\r\n"...)
	}
	dst = appendConnectionHeader(dst, keepAlive && !resp.Close)

	if !bodyAllowed(resp.Status) {
		return append(dst, '\r', '\n')
	}

	dst = append(dst, "Content-Length: "...)
	dst = appendInt(dst, len(resp.Body))
	dst = append(dst, "\r\n\r\n"...)
	if !head {
		dst = append(dst, resp.Body...)
	}
	return dst
}

// EncodeResponse renders resp to wire bytes in a pooled buffer. When
// BodyStream is set the body is emitted as chunked transfer coding; the
// stream is drained to EOF and closed when it implements io.Closer.
// The returned buffer belongs to the caller; hand it back with
// pools.PutBytes once written.
func EncodeResponse(resp *Response, keepAlive, head bool) []byte {
	if resp.BodyStream == nil {
		buf := pools.GetBytes(len(resp.Body) + 512)[:0]
		return AppendResponse(buf, resp, keepAlive, head)
	}

	buf := pools.GetBytes(1024)[:0]
	buf = appendStatusLine(buf, resp.Status)
	buf = appendHeaders(buf, resp.Headers)
	buf = appendConnectionHeader(buf, keepAlive && !resp.Close)
	buf = append(buf, "Transfer-Encoding: chunked\r\n\r\n"...)

	chunk := pools.GetBytes(8 << 10)
	defer pools.PutBytes(chunk)
	for {
		n, err := resp.BodyStream.Read(chunk)
		if n > 0 && !head {
			buf = appendChunk(buf, chunk[:n])
		}
		if err != nil {
			break
		}
	}
	if c, ok := resp.BodyStream.(io.Closer); ok {
		c.Close()
	}
	if !head {
		buf = append(buf, "0\r\n\r\n"...)
	}
	return buf
}

func appendStatusLine(dst []byte, status int) []byte {
	dst = append(dst, "HTTP/1.1 "...)
	dst = appendInt(dst, status)
	dst = append(dst, ' ')
	dst = append(dst, StatusText(status)...)
	return append(dst, '\r', '\n')
}

func appendHeaders(dst []byte, h Headers) []byte {
	for key, values := range h {
		switch key {
		case "Content-Length", "Transfer-Encoding", "Connection":
			continue
		}
		for _, v := range values {
			dst = append(dst, key...)
			dst = append(dst, ':', ' ')
			dst = append(dst, v...)
			dst = append(dst, '\r', '\n')
		}
	}
	return dst
}

func appendConnectionHeader(dst []byte, keepAlive bool) []byte {
	if keepAlive {
		return append(dst, "Connection: keep-alive\r\n"...)
	}
	return append(dst, "Connection: close\r\n"...)
}

func appendChunk(dst, data []byte) []byte {
	dst = strconv.AppendInt(dst, int64(len(data)), 16)
	dst = append(dst, '\r', '\n')
	dst = append(dst, data...)
	return append(dst, '\r', '\n')
}

// bodyAllowed reports whether the status code permits a response body.
func bodyAllowed(status int) bool {
	if status >= 100 && status < 200 {
		return false
	}
	return status != 204 && status != 304
}

// appendInt appends the decimal form of i without allocating.
func appendInt(b []byte, i int) []byte {
	return strconv.AppendInt(b, int64(i), 10)
}
