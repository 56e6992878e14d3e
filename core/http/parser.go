package http

import (
	"bytes"
	"fmt"
	"strconv"
)

// Limits bounds how much of a single request the parser will accept.
type Limits struct {
	// MaxRequestLine caps the "METHOD /path HTTP/1.1" line in bytes.
	MaxRequestLine int
	// MaxHeaderBytes caps the header section (all field lines) in bytes.
	MaxHeaderBytes int
	// MaxHeaderCount caps the number of header fields.
	MaxHeaderCount int
	// MaxBodyBytes caps the decoded body length.
	MaxBodyBytes int64
}

// DefaultLimits returns the limits used when a field is zero.
func DefaultLimits() Limits {
	return Limits{
		MaxRequestLine: 8 << 10,
		MaxHeaderBytes: 64 << 10,
		MaxHeaderCount: 100,
		MaxBodyBytes:   10 << 20,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxRequestLine <= 0 {
		l.MaxRequestLine = d.MaxRequestLine
	}
	if l.MaxHeaderBytes <= 0 {
		l.MaxHeaderBytes = d.MaxHeaderBytes
	}
	if l.MaxHeaderCount <= 0 {
		l.MaxHeaderCount = d.MaxHeaderCount
	}
	if l.MaxBodyBytes <= 0 {
		l.MaxBodyBytes = d.MaxBodyBytes
	}
	return l
}

type parsePhase uint8

const (
	phaseRequestLine parsePhase = iota
	phaseHeaders
	phaseBody
	phaseChunkSize
	phaseChunkData
	phaseChunkCRLF
	phaseTrailer
)

// Parser decodes HTTP/1.1 requests incrementally. Feed it whatever bytes
// have arrived; it consumes what it can and reports exactly one of:
// request complete, need more data, or protocol error. A Parser serves
// one connection and is not safe for concurrent use.
type Parser struct {
	limits Limits
	phase  parsePhase
	req    *Request

	// line accumulates a partial field line split across reads.
	line []byte

	headerBytes int
	headerCount int

	bodyRemaining  int64
	chunkRemaining int64
}

// NewParser returns a parser enforcing the given limits.
func NewParser(limits Limits) *Parser {
	return &Parser{limits: limits.withDefaults()}
}

// Reset discards any partial request so the parser can be reused after a
// recoverable protocol error.
func (p *Parser) Reset() {
	if p.req != nil {
		ReleaseRequest(p.req)
		p.req = nil
	}
	p.phase = phaseRequestLine
	p.line = p.line[:0]
	p.headerBytes = 0
	p.headerCount = 0
	p.bodyRemaining = 0
	p.chunkRemaining = 0
}

// Execute consumes bytes from data and advances the parse. It returns the
// number of bytes consumed, a completed Request when one finished, and a
// *ProtocolError on violation. (n, nil, nil) with n < len(data) never
// happens: the parser either consumes everything offered or stops at a
// request boundary or error. After a completed request the parser is
// ready for the next one on the same connection.
func (p *Parser) Execute(data []byte) (int, *Request, error) {
	consumed := 0
	for {
		switch p.phase {
		case phaseRequestLine:
			line, n, ok, err := p.takeLine(data[consumed:], p.limits.MaxRequestLine)
			consumed += n
			if err != nil {
				return consumed, nil, err
			}
			if !ok {
				return consumed, nil, nil
			}
			if len(line) == 0 {
				// Tolerate blank lines before the request line.
				continue
			}
			if p.req == nil {
				p.req = AcquireRequest()
			}
			if perr := parseRequestLine(p.req, line); perr != nil {
				return consumed, nil, perr
			}
			p.phase = phaseHeaders

		case phaseHeaders:
			line, n, ok, err := p.takeLine(data[consumed:], p.limits.MaxHeaderBytes-p.headerBytes)
			consumed += n
			if err != nil {
				return consumed, nil, err
			}
			if !ok {
				return consumed, nil, nil
			}
			if len(line) == 0 {
				perr := p.finishHeaders()
				if perr != nil {
					return consumed, nil, perr
				}
				if p.phase == phaseRequestLine {
					// No body; request is complete.
					return consumed, p.take(), nil
				}
				continue
			}
			p.headerBytes += len(line) + 2
			p.headerCount++
			if p.headerCount > p.limits.MaxHeaderCount {
				return consumed, nil, protocolErr(431, "too many header fields")
			}
			if perr := parseHeaderLine(p.req, line); perr != nil {
				return consumed, nil, perr
			}

		case phaseBody:
			take := int64(len(data) - consumed)
			if take > p.bodyRemaining {
				take = p.bodyRemaining
			}
			if take == 0 && p.bodyRemaining > 0 {
				return consumed, nil, nil
			}
			p.req.Body = append(p.req.Body, data[consumed:consumed+int(take)]...)
			consumed += int(take)
			p.bodyRemaining -= take
			if p.bodyRemaining == 0 {
				return consumed, p.take(), nil
			}

		case phaseChunkSize:
			line, n, ok, err := p.takeLine(data[consumed:], 128)
			consumed += n
			if err != nil {
				return consumed, nil, err
			}
			if !ok {
				return consumed, nil, nil
			}
			size, perr := parseChunkSize(line)
			if perr != nil {
				return consumed, nil, perr
			}
			if size == 0 {
				p.phase = phaseTrailer
				continue
			}
			if int64(len(p.req.Body))+size > p.limits.MaxBodyBytes {
				return consumed, nil, protocolErr(413, "chunked body exceeds limit")
			}
			p.chunkRemaining = size
			p.phase = phaseChunkData

		case phaseChunkData:
			take := int64(len(data) - consumed)
			if take > p.chunkRemaining {
				take = p.chunkRemaining
			}
			if take == 0 {
				return consumed, nil, nil
			}
			p.req.Body = append(p.req.Body, data[consumed:consumed+int(take)]...)
			consumed += int(take)
			p.chunkRemaining -= take
			if p.chunkRemaining == 0 {
				p.phase = phaseChunkCRLF
			}

		case phaseChunkCRLF:
			line, n, ok, err := p.takeLine(data[consumed:], 2)
			consumed += n
			if err != nil {
				return consumed, nil, err
			}
			if !ok {
				return consumed, nil, nil
			}
			if len(line) != 0 {
				return consumed, nil, protocolErr(400, "malformed chunk terminator")
			}
			p.phase = phaseChunkSize

		case phaseTrailer:
			line, n, ok, err := p.takeLine(data[consumed:], p.limits.MaxHeaderBytes)
			consumed += n
			if err != nil {
				return consumed, nil, err
			}
			if !ok {
				return consumed, nil, nil
			}
			if len(line) == 0 {
				return consumed, p.take(), nil
			}
			// Trailer fields are consumed and dropped, but still count
			// toward the header limit.
			p.headerCount++
			if p.headerCount > p.limits.MaxHeaderCount {
				return consumed, nil, protocolErr(431, "too many trailer fields")
			}
		}
	}
}

// take hands the completed request to the caller and resets for the next.
func (p *Parser) take() *Request {
	req := p.req
	p.req = nil
	p.phase = phaseRequestLine
	p.headerBytes = 0
	p.headerCount = 0
	p.bodyRemaining = 0
	p.chunkRemaining = 0
	return req
}

// takeLine extracts one LF-terminated line, joining fragments split
// across Execute calls. ok is false when more data is needed. The
// returned line excludes the terminator and any trailing CR and is only
// valid until the next takeLine call.
func (p *Parser) takeLine(data []byte, limit int) (line []byte, n int, ok bool, err error) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		if len(p.line)+len(data) > limit {
			return nil, 0, false, p.lineOverflow()
		}
		p.line = append(p.line, data...)
		return nil, len(data), false, nil
	}
	raw := data[:idx]
	if len(p.line) > 0 {
		if len(p.line)+len(raw) > limit {
			return nil, 0, false, p.lineOverflow()
		}
		p.line = append(p.line, raw...)
		line = p.line
	} else {
		if len(raw) > limit {
			return nil, 0, false, p.lineOverflow()
		}
		line = raw
	}
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	n = idx + 1
	p.line = p.line[:0]
	return line, n, true, nil
}

func (p *Parser) lineOverflow() error {
	switch p.phase {
	case phaseRequestLine:
		return protocolErr(431, "request line too long")
	case phaseChunkSize, phaseChunkCRLF:
		return protocolErr(400, "malformed chunked encoding")
	default:
		return protocolErr(431, "header section too large")
	}
}

// finishHeaders validates the header section and decides how the body
// will be read. Leaves the phase at phaseRequestLine when there is no
// body to read.
func (p *Parser) finishHeaders() *ProtocolError {
	req := p.req

	te := req.Headers.Values("Transfer-Encoding")
	cl := req.Headers.Values("Content-Length")
	if len(te) > 0 {
		if len(cl) > 0 {
			return protocolErr(400, "both Content-Length and Transfer-Encoding")
		}
		if len(te) > 1 || !hasToken(te[0], "chunked") {
			return protocolErr(400, "unsupported transfer encoding")
		}
		p.phase = phaseChunkSize
		return nil
	}
	if len(cl) > 1 {
		for _, v := range cl[1:] {
			if v != cl[0] {
				return protocolErr(400, "conflicting Content-Length values")
			}
		}
	}
	if len(cl) > 0 {
		n, err := strconv.ParseInt(cl[0], 10, 64)
		if err != nil || n < 0 {
			return protocolErr(400, "malformed Content-Length")
		}
		if n > p.limits.MaxBodyBytes {
			// The declared length tells us exactly how much to discard
			// to keep framing intact.
			return &ProtocolError{
				Status: 413,
				Reason: fmt.Sprintf("body of %d bytes exceeds limit", n),
				Drain:  n,
			}
		}
		if n > 0 {
			p.bodyRemaining = n
			p.phase = phaseBody
			return nil
		}
	}
	p.phase = phaseRequestLine
	return nil
}

// parseRequestLine fills Method, Path, RawQuery, and Proto from the
// request line. Strings are copied: the source buffer is reused.
func parseRequestLine(req *Request, line []byte) *ProtocolError {
	sp1 := bytes.IndexByte(line, ' ')
	if sp1 <= 0 {
		return protocolErr(400, "malformed request line")
	}
	sp2 := bytes.IndexByte(line[sp1+1:], ' ')
	if sp2 < 0 {
		return protocolErr(400, "malformed request line")
	}
	sp2 += sp1 + 1

	method := line[:sp1]
	target := line[sp1+1 : sp2]
	proto := line[sp2+1:]

	if len(target) == 0 {
		return protocolErr(400, "empty request target")
	}
	if !bytes.Equal(proto, []byte("HTTP/1.1")) && !bytes.Equal(proto, []byte("HTTP/1.0")) {
		return protocolErr(400, "unsupported protocol version")
	}

	req.Method = string(method)
	req.Proto = string(proto)
	if q := bytes.IndexByte(target, '?'); q >= 0 {
		req.Path = string(target[:q])
		req.RawQuery = string(target[q+1:])
	} else {
		req.Path = string(target)
	}
	return nil
}

// parseHeaderLine adds one "Key: value" field line to the request.
func parseHeaderLine(req *Request, line []byte) *ProtocolError {
	if line[0] == ' ' || line[0] == '\t' {
		return protocolErr(400, "header line folding not supported")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return protocolErr(400, "malformed header field")
	}
	key := string(bytes.TrimSpace(line[:colon]))
	value := string(bytes.TrimSpace(line[colon+1:]))
	if key == "" {
		return protocolErr(400, "malformed header field")
	}
	req.Headers.Add(key, value)
	return nil
}

// parseChunkSize decodes a hex chunk-size line, ignoring extensions.
func parseChunkSize(line []byte) (int64, *ProtocolError) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return 0, protocolErr(400, "malformed chunk size")
	}
	size, err := strconv.ParseInt(string(line), 16, 64)
	if err != nil || size < 0 {
		return 0, protocolErr(400, "malformed chunk size")
	}
	return size, nil
}
