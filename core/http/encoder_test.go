package http

import (
	"bufio"
	"bytes"
	"io"
	nethttp "net/http"
	"strings"
	"testing"
)

// decode parses encoded wire bytes with the standard library as an
// independent check on framing.
func decode(t *testing.T, wire []byte, method string) *nethttp.Response {
	t.Helper()
	resp, err := nethttp.ReadResponse(bufio.NewReader(bytes.NewReader(wire)), &nethttp.Request{Method: method})
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAppendResponseExactWireForm(t *testing.T) {
	resp := TextResponse(200, "hello")
	defer ReleaseResponse(resp)

	got := string(AppendResponse(nil, resp, true, false))
	want := "HTTP/1.1 200 OK\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Connection: keep-alive\r\n" +
		"Content-Length: 5\r\n" +
		"\r\n" +
		"hello"
	if got != want {
		t.Errorf("wire form:\n%q\nwant:\n%q", got, want)
	}
}

func TestContentLengthMatchesBody(t *testing.T) {
	bodies := []string{"", "x", strings.Repeat("payload ", 512)}
	for _, body := range bodies {
		resp := TextResponse(200, body)
		wire := AppendResponse(nil, resp, true, false)
		ReleaseResponse(resp)

		parsed := decode(t, wire, "GET")
		if parsed.ContentLength != int64(len(body)) {
			t.Errorf("Content-Length = %d, want %d", parsed.ContentLength, len(body))
		}
		got, _ := io.ReadAll(parsed.Body)
		if string(got) != body {
			t.Errorf("body round-trip failed for %d bytes", len(body))
		}
	}
}

func TestHeadKeepsLengthOmitsBody(t *testing.T) {
	resp := TextResponse(200, "hello")
	defer ReleaseResponse(resp)

	wire := AppendResponse(nil, resp, true, true)
	if !bytes.HasSuffix(wire, []byte("\r\n\r\n")) {
		t.Error("HEAD response carries body bytes")
	}
	parsed := decode(t, wire, "HEAD")
	if parsed.ContentLength != 5 {
		t.Errorf("Content-Length = %d, want 5", parsed.ContentLength)
	}
}

func TestBodylessStatuses(t *testing.T) {
	for _, status := range []int{204, 304} {
		resp := AcquireResponse()
		resp.Status = status
		resp.SetBodyString("should never appear")
		wire := string(AppendResponse(nil, resp, true, false))
		ReleaseResponse(resp)

		if strings.Contains(wire, "Content-Length") {
			t.Errorf("status %d: Content-Length present", status)
		}
		if !strings.HasSuffix(wire, "\r\n\r\n") || strings.Contains(wire, "appear") {
			t.Errorf("status %d: body leaked: %q", status, wire)
		}
	}
}

func TestConnectionHeader(t *testing.T) {
	tests := []struct {
		name      string
		keepAlive bool
		close     bool
		want      string
	}{
		{"keep-alive", true, false, "keep-alive"},
		{"request wants close", false, false, "close"},
		{"handler forces close", true, true, "close"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := TextResponse(200, "x")
			resp.Close = tt.close
			wire := AppendResponse(nil, resp, tt.keepAlive, false)
			ReleaseResponse(resp)

			parsed := decode(t, wire, "GET")
			if got := parsed.Header.Get("Connection"); got != tt.want {
				t.Errorf("Connection = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncoderOwnsFramingHeaders(t *testing.T) {
	resp := TextResponse(200, "hi")
	resp.Headers.Set("Content-Length", "999")
	resp.Headers.Set("Connection", "upgrade")
	resp.Headers.Set("Transfer-Encoding", "gzip")
	wire := AppendResponse(nil, resp, true, false)
	ReleaseResponse(resp)

	parsed := decode(t, wire, "GET")
	if parsed.ContentLength != 2 {
		t.Errorf("Content-Length = %d, want 2", parsed.ContentLength)
	}
	if got := parsed.Header.Get("Connection"); got != "keep-alive" {
		t.Errorf("Connection = %q, want keep-alive", got)
	}
	if len(parsed.TransferEncoding) != 0 {
		t.Errorf("Transfer-Encoding = %v, want none", parsed.TransferEncoding)
	}
}

func TestSwitchingProtocolsFraming(t *testing.T) {
	resp := AcquireResponse()
	resp.Status = 101
	resp.Headers.Set("Upgrade", "websocket")
	wire := string(AppendResponse(nil, resp, true, false))
	ReleaseResponse(resp)

	if !strings.HasPrefix(wire, "HTTP/1.1 101 Switching Protocols\r\n") {
		t.Errorf("status line: %q", wire)
	}
	if !strings.HasSuffix(wire, "Connection: Upgrade\r\n\r\n") {
		t.Errorf("missing upgrade terminator: %q", wire)
	}
	if strings.Contains(wire, "Content-Length") {
		t.Error("101 must not carry Content-Length")
	}
	if strings.Count(wire, "Connection:") != 1 {
		t.Errorf("duplicate Connection header: %q", wire)
	}
}

type trackedReader struct {
	*strings.Reader
	closed bool
}

func (r *trackedReader) Close() error {
	r.closed = true
	return nil
}

func TestBodyStreamEncodesChunked(t *testing.T) {
	payload := strings.Repeat("stream me ", 1500)
	stream := &trackedReader{Reader: strings.NewReader(payload)}

	resp := AcquireResponse()
	resp.Status = 200
	resp.Headers.Set("Content-Type", "application/octet-stream")
	resp.BodyStream = stream
	wire := EncodeResponse(resp, true, false)
	resp.BodyStream = nil
	ReleaseResponse(resp)

	parsed := decode(t, wire, "GET")
	if len(parsed.TransferEncoding) != 1 || parsed.TransferEncoding[0] != "chunked" {
		t.Fatalf("Transfer-Encoding = %v, want [chunked]", parsed.TransferEncoding)
	}
	got, err := io.ReadAll(parsed.Body)
	if err != nil {
		t.Fatalf("decode chunked body: %v", err)
	}
	if string(got) != payload {
		t.Errorf("chunked round-trip: %d bytes, want %d", len(got), len(payload))
	}
	if !stream.closed {
		t.Error("BodyStream was not closed after draining")
	}
}

func TestEncodeResponseMatchesAppend(t *testing.T) {
	resp := JSONResponse(201, map[string]string{"id": "42"})
	defer ReleaseResponse(resp)

	fromAppend := AppendResponse(nil, resp, true, false)
	fromEncode := EncodeResponse(resp, true, false)
	if !bytes.Equal(fromAppend, fromEncode) {
		t.Errorf("EncodeResponse diverges from AppendResponse:\n%q\n%q", fromEncode, fromAppend)
	}
}
