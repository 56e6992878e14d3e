package http

import (
	"encoding/json"
	"io"
	"sync"
)

// Response is the native response representation handed to the encoder.
// Either Body or BodyStream carries the payload; when BodyStream is set
// the encoder emits chunked transfer framing.
type Response struct {
	Status  int
	Headers Headers
	Body    []byte

	// BodyStream, when non-nil, is drained and written as chunked
	// transfer coding. Body is ignored while it is set.
	BodyStream io.Reader

	// Close forces "Connection: close" regardless of what the request
	// negotiated.
	Close bool
}

var responsePool = sync.Pool{
	New: func() any {
		return &Response{
			Status:  200,
			Headers: make(Headers, 4),
		}
	},
}

// AcquireResponse returns a reset Response from the pool.
func AcquireResponse() *Response {
	return responsePool.Get().(*Response)
}

// ReleaseResponse returns resp to the pool.
func ReleaseResponse(resp *Response) {
	resp.Reset()
	responsePool.Put(resp)
}

// Reset clears the response for reuse, keeping allocated capacity.
func (r *Response) Reset() {
	r.Status = 200
	r.Headers.Reset()
	r.Body = r.Body[:0]
	r.BodyStream = nil
	r.Close = false
}

// SetBodyString replaces the body with s.
func (r *Response) SetBodyString(s string) {
	r.Body = append(r.Body[:0], s...)
}

// SetBody replaces the body with b.
func (r *Response) SetBody(b []byte) {
	r.Body = append(r.Body[:0], b...)
}

// TextResponse builds a text/plain response.
func TextResponse(status int, body string) *Response {
	resp := AcquireResponse()
	resp.Status = status
	resp.Headers.Set("Content-Type", "text/plain; charset=utf-8")
	resp.SetBodyString(body)
	return resp
}

// BytesResponse builds a response with an explicit content type.
func BytesResponse(status int, contentType string, body []byte) *Response {
	resp := AcquireResponse()
	resp.Status = status
	resp.Headers.Set("Content-Type", contentType)
	resp.SetBody(body)
	return resp
}

// JSONResponse builds an application/json response from v. A marshal
// failure degrades to a 500 with a generic body rather than surfacing
// handler data problems to the wire layer.
func JSONResponse(status int, v any) *Response {
	data, err := json.Marshal(v)
	if err != nil {
		return ErrorResponse(500, "response encoding failed")
	}
	resp := AcquireResponse()
	resp.Status = status
	resp.Headers.Set("Content-Type", "application/json")
	resp.Body = append(resp.Body[:0], data...)
	return resp
}

// ErrorResponse builds the standard JSON error body used for all
// synthesized client and server errors.
func ErrorResponse(status int, message string) *Response {
	data, _ := json.Marshal(map[string]string{"error": message})
	resp := AcquireResponse()
	resp.Status = status
	resp.Headers.Set("Content-Type", "application/json")
	resp.Body = append(resp.Body[:0], data...)
	return resp
}

// NoContentResponse builds an empty 204 response.
func NoContentResponse() *Response {
	resp := AcquireResponse()
	resp.Status = 204
	return resp
}

// StatusText returns the reason phrase for the status codes this engine
// emits; unknown codes get a generic phrase.
func StatusText(code int) string {
	switch code {
	case 101:
		return "Switching Protocols"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 413:
		return "Content Too Large"
	case 426:
		return "Upgrade Required"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Status"
	}
}
