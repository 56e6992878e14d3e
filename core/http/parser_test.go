package http

import (
	"errors"
	"strings"
	"testing"
)

// parseSteps drives p over data in chunks of at most step bytes and
// returns the first completed request plus the total bytes consumed.
func parseSteps(t *testing.T, p *Parser, data string, step int) (*Request, int) {
	t.Helper()
	off := 0
	for off < len(data) {
		end := off + step
		if end > len(data) {
			end = len(data)
		}
		n, req, err := p.Execute([]byte(data[off:end]))
		if err != nil {
			t.Fatalf("Execute at offset %d: %v", off, err)
		}
		off += n
		if req != nil {
			return req, off
		}
		if n == 0 && end == len(data) {
			break
		}
	}
	t.Fatalf("request never completed after %d bytes", off)
	return nil, 0
}

func TestParseSimpleGET(t *testing.T) {
	p := NewParser(Limits{})
	raw := "GET /path?a=1&b=2 HTTP/1.1\r\nHost: example.test\r\nAccept: */*\r\n\r\n"

	n, req, err := p.Execute([]byte(raw))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if req == nil {
		t.Fatal("request not completed")
	}
	defer ReleaseRequest(req)

	if n != len(raw) {
		t.Errorf("consumed %d bytes, want %d", n, len(raw))
	}
	if req.Method != "GET" || req.Path != "/path" || req.RawQuery != "a=1&b=2" || req.Proto != "HTTP/1.1" {
		t.Errorf("request line = %s %s?%s %s", req.Method, req.Path, req.RawQuery, req.Proto)
	}
	if got := req.Header("host"); got != "example.test" {
		t.Errorf("Host = %q (case-insensitive lookup)", got)
	}
	if len(req.Body) != 0 {
		t.Errorf("body = %q, want empty", req.Body)
	}
}

func TestParseIdenticalAcrossSplits(t *testing.T) {
	raw := "POST /submit?k=v HTTP/1.1\r\n" +
		"Host: example.test\r\n" +
		"Content-Type: text/plain\r\n" +
		"Content-Length: 11\r\n" +
		"\r\n" +
		"hello world"

	for _, step := range []int{1, 2, 3, 7, 64, len(raw)} {
		p := NewParser(Limits{})
		req, consumed := parseSteps(t, p, raw, step)
		if consumed != len(raw) {
			t.Errorf("step %d: consumed %d, want %d", step, consumed, len(raw))
		}
		if req.Method != "POST" || req.Path != "/submit" || req.RawQuery != "k=v" {
			t.Errorf("step %d: request line = %s %s?%s", step, req.Method, req.Path, req.RawQuery)
		}
		if got := req.Header("Content-Type"); got != "text/plain" {
			t.Errorf("step %d: Content-Type = %q", step, got)
		}
		if string(req.Body) != "hello world" {
			t.Errorf("step %d: body = %q", step, req.Body)
		}
		ReleaseRequest(req)
	}
}

func TestParsePipelinedRequestsStopAtBoundary(t *testing.T) {
	p := NewParser(Limits{})
	first := "GET /one HTTP/1.1\r\nHost: t\r\n\r\n"
	second := "GET /two HTTP/1.1\r\nHost: t\r\n\r\n"
	raw := []byte(first + second)

	n, req, err := p.Execute(raw)
	if err != nil || req == nil {
		t.Fatalf("first Execute = (%d, %v, %v)", n, req, err)
	}
	if req.Path != "/one" {
		t.Errorf("first path = %q", req.Path)
	}
	if n != len(first) {
		t.Fatalf("consumed %d, want %d (stop at the request boundary)", n, len(first))
	}
	ReleaseRequest(req)

	n2, req2, err := p.Execute(raw[n:])
	if err != nil || req2 == nil {
		t.Fatalf("second Execute = (%d, %v, %v)", n2, req2, err)
	}
	if req2.Path != "/two" || n2 != len(second) {
		t.Errorf("second = %q after %d bytes, want /two after %d", req2.Path, n2, len(second))
	}
	ReleaseRequest(req2)
}

func TestParseChunkedBody(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		body string
	}{
		{
			name: "two chunks",
			raw: "POST /up HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n",
			body: "hello world",
		},
		{
			name: "chunk extension ignored",
			raw: "POST /up HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"5;ext=1\r\nhello\r\n0\r\n\r\n",
			body: "hello",
		},
		{
			name: "trailers dropped",
			raw: "POST /up HTTP/1.1\r\nHost: t\r\nTransfer-Encoding: chunked\r\n\r\n" +
				"3\r\nabc\r\n0\r\nX-Checksum: 900150983cd2\r\n\r\n",
			body: "abc",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, step := range []int{1, len(tt.raw)} {
				p := NewParser(Limits{})
				req, consumed := parseSteps(t, p, tt.raw, step)
				if consumed != len(tt.raw) {
					t.Errorf("step %d: consumed %d, want %d", step, consumed, len(tt.raw))
				}
				if string(req.Body) != tt.body {
					t.Errorf("step %d: body = %q, want %q", step, req.Body, tt.body)
				}
				if req.Header("X-Checksum") != "" {
					t.Error("trailer leaked into headers")
				}
				ReleaseRequest(req)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantStatus int
	}{
		{"not http", "GARBAGE\r\n", 400},
		{"unsupported version", "GET /x HTTP/2.0\r\n\r\n", 400},
		{"empty target", "GET  HTTP/1.1\r\n\r\n", 400},
		{"length and chunked together", "POST /x HTTP/1.1\r\nContent-Length: 3\r\nTransfer-Encoding: chunked\r\n\r\n", 400},
		{"unsupported transfer coding", "POST /x HTTP/1.1\r\nTransfer-Encoding: gzip\r\n\r\n", 400},
		{"malformed content length", "POST /x HTTP/1.1\r\nContent-Length: abc\r\n\r\n", 400},
		{"conflicting content lengths", "POST /x HTTP/1.1\r\nContent-Length: 3\r\nContent-Length: 4\r\n\r\n", 400},
		{"negative content length", "POST /x HTTP/1.1\r\nContent-Length: -1\r\n\r\n", 400},
		{"header folding", "GET /x HTTP/1.1\r\nA: b\r\n c\r\n\r\n", 400},
		{"header without colon", "GET /x HTTP/1.1\r\nNoColon\r\n\r\n", 400},
		{"malformed chunk size", "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n", 400},
		{"bad chunk terminator", "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nabXX\r\n", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(Limits{})
			_, req, err := p.Execute([]byte(tt.raw))
			if req != nil {
				t.Fatalf("got a request, want a protocol error")
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProtocolError", err)
			}
			if pe.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", pe.Status, tt.wantStatus, pe.Reason)
			}
			if pe.Recoverable() {
				t.Errorf("error %q is recoverable, framing is corrupt", pe.Reason)
			}
		})
	}
}

func TestParseRepeatedContentLengthAgreeing(t *testing.T) {
	p := NewParser(Limits{})
	raw := "POST /x HTTP/1.1\r\nContent-Length: 2\r\nContent-Length: 2\r\n\r\nok"
	n, req, err := p.Execute([]byte(raw))
	if err != nil || req == nil {
		t.Fatalf("Execute = (%d, %v, %v)", n, req, err)
	}
	defer ReleaseRequest(req)
	if string(req.Body) != "ok" {
		t.Errorf("body = %q", req.Body)
	}
}

func TestParseLimits(t *testing.T) {
	longPath := "GET /" + strings.Repeat("a", 100) + " HTTP/1.1\r\n\r\n"

	tests := []struct {
		name       string
		limits     Limits
		raw        string
		wantStatus int
	}{
		{
			name:       "request line too long",
			limits:     Limits{MaxRequestLine: 32},
			raw:        longPath,
			wantStatus: 431,
		},
		{
			name:       "too many headers",
			limits:     Limits{MaxHeaderCount: 2},
			raw:        "GET /x HTTP/1.1\r\nA: 1\r\nB: 2\r\nC: 3\r\n\r\n",
			wantStatus: 431,
		},
		{
			name:       "header section too large",
			limits:     Limits{MaxHeaderBytes: 32},
			raw:        "GET /x HTTP/1.1\r\nX-Big: " + strings.Repeat("v", 64) + "\r\n\r\n",
			wantStatus: 431,
		},
		{
			name:       "chunked body over limit",
			limits:     Limits{MaxBodyBytes: 4},
			raw:        "POST /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n10\r\n",
			wantStatus: 413,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser(tt.limits)
			_, req, err := p.Execute([]byte(tt.raw))
			if req != nil {
				t.Fatal("got a request, want a limit error")
			}
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProtocolError", err)
			}
			if pe.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d (%s)", pe.Status, tt.wantStatus, pe.Reason)
			}
		})
	}
}

func TestParseDeclaredBodyOverLimitIsDrainable(t *testing.T) {
	p := NewParser(Limits{MaxBodyBytes: 8})
	raw := "POST /x HTTP/1.1\r\nContent-Length: 100\r\n\r\n"

	_, req, err := p.Execute([]byte(raw))
	if req != nil {
		t.Fatal("got a request, want 413")
	}
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if pe.Status != 413 {
		t.Errorf("status = %d, want 413", pe.Status)
	}
	if !pe.Recoverable() || pe.Drain != 100 {
		t.Errorf("Drain = %d, recoverable = %v; the declared length makes this drainable", pe.Drain, pe.Recoverable())
	}
}

func TestParserResetRecovers(t *testing.T) {
	p := NewParser(Limits{})

	if _, req, err := p.Execute([]byte("GET /partial HTTP/1.1\r\nHost: t\r")); req != nil || err != nil {
		t.Fatalf("partial feed = (%v, %v)", req, err)
	}
	p.Reset()

	raw := "GET /fresh HTTP/1.1\r\nHost: t\r\n\r\n"
	n, req, err := p.Execute([]byte(raw))
	if err != nil || req == nil || n != len(raw) {
		t.Fatalf("after Reset: (%d, %v, %v)", n, req, err)
	}
	defer ReleaseRequest(req)
	if req.Path != "/fresh" {
		t.Errorf("path = %q, want /fresh", req.Path)
	}
}

func TestParseToleratesLeadingBlankLines(t *testing.T) {
	p := NewParser(Limits{})
	raw := "\r\n\r\nGET /x HTTP/1.1\r\nHost: t\r\n\r\n"
	n, req, err := p.Execute([]byte(raw))
	if err != nil || req == nil {
		t.Fatalf("Execute = (%d, %v, %v)", n, req, err)
	}
	defer ReleaseRequest(req)
	if req.Path != "/x" {
		t.Errorf("path = %q", req.Path)
	}
}

func TestParseMultiValueHeadersKeepOrder(t *testing.T) {
	p := NewParser(Limits{})
	raw := "GET /x HTTP/1.1\r\nx-tag: one\r\nX-TAG: two\r\nX-Tag: three\r\n\r\n"
	_, req, err := p.Execute([]byte(raw))
	if err != nil || req == nil {
		t.Fatalf("Execute = (%v, %v)", req, err)
	}
	defer ReleaseRequest(req)

	values := req.Headers.Values("X-Tag")
	if len(values) != 3 || values[0] != "one" || values[1] != "two" || values[2] != "three" {
		t.Errorf("Values(X-Tag) = %v, want [one two three]", values)
	}
	if got := req.Header("x-TAG"); got != "one" {
		t.Errorf("first value = %q, want %q", got, "one")
	}
}
