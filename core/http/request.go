package http

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// Request is one fully parsed HTTP request. It references the originating
// connection only by id; handlers never touch connection state through it.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Proto    string

	Headers Headers
	Body    []byte

	RemoteAddr string
	ConnID     uint64

	// Route parameters. Most routes carry few params, so a fixed array
	// avoids a map allocation on the hot path; the map is overflow only.
	paramKeys   [4]string
	paramValues [4]string
	paramCount  int
	paramExtra  map[string]string

	// Query parameters, decoded lazily on first access.
	queryParsed bool
	query       map[string]string
}

var requestPool = sync.Pool{
	New: func() any {
		return &Request{
			Headers: make(Headers, 8),
			Body:    make([]byte, 0, 1024),
		}
	},
}

// AcquireRequest returns a reset Request from the pool.
func AcquireRequest() *Request {
	return requestPool.Get().(*Request)
}

// ReleaseRequest returns req to the pool. The caller must not retain req
// or any slice derived from it after release.
func ReleaseRequest(req *Request) {
	req.Reset()
	requestPool.Put(req)
}

// Reset clears the request for reuse, keeping allocated capacity.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.RawQuery = ""
	r.Proto = ""
	r.Headers.Reset()
	r.Body = r.Body[:0]
	r.RemoteAddr = ""
	r.ConnID = 0
	for i := 0; i < r.paramCount && i < len(r.paramKeys); i++ {
		r.paramKeys[i] = ""
		r.paramValues[i] = ""
	}
	r.paramCount = 0
	r.paramExtra = nil
	r.queryParsed = false
	r.query = nil
}

// SetParam records a route parameter captured during routing.
func (r *Request) SetParam(key, value string) {
	if r.paramCount < len(r.paramKeys) {
		r.paramKeys[r.paramCount] = key
		r.paramValues[r.paramCount] = value
		r.paramCount++
		return
	}
	if r.paramExtra == nil {
		r.paramExtra = make(map[string]string, 2)
	}
	r.paramExtra[key] = value
}

// Param returns the route parameter captured under key, or "".
func (r *Request) Param(key string) string {
	for i := 0; i < r.paramCount && i < len(r.paramKeys); i++ {
		if r.paramKeys[i] == key {
			return r.paramValues[i]
		}
	}
	if r.paramExtra != nil {
		return r.paramExtra[key]
	}
	return ""
}

// Params returns all route parameters as a map. Allocates; intended for
// handler convenience, not for the dispatch path.
func (r *Request) Params() map[string]string {
	out := make(map[string]string, r.paramCount+len(r.paramExtra))
	for i := 0; i < r.paramCount && i < len(r.paramKeys); i++ {
		out[r.paramKeys[i]] = r.paramValues[i]
	}
	for k, v := range r.paramExtra {
		out[k] = v
	}
	return out
}

// Query returns the decoded query parameter for key. When a key appears
// more than once, the first occurrence wins.
func (r *Request) Query(key string) string {
	if !r.queryParsed {
		r.parseQuery()
	}
	return r.query[key]
}

// QueryValues returns all decoded query parameters, first occurrence wins.
func (r *Request) QueryValues() map[string]string {
	if !r.queryParsed {
		r.parseQuery()
	}
	return r.query
}

func (r *Request) parseQuery() {
	r.queryParsed = true
	if r.RawQuery == "" {
		return
	}
	r.query = make(map[string]string, 4)
	rest := r.RawQuery
	for len(rest) > 0 {
		var pair string
		if i := strings.IndexByte(rest, '&'); i >= 0 {
			pair, rest = rest[:i], rest[i+1:]
		} else {
			pair, rest = rest, ""
		}
		if pair == "" {
			continue
		}
		key, value := pair, ""
		if i := strings.IndexByte(pair, '='); i >= 0 {
			key, value = pair[:i], pair[i+1:]
		}
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if v, err := url.QueryUnescape(value); err == nil {
			value = v
		}
		if _, exists := r.query[key]; !exists {
			r.query[key] = value
		}
	}
}

// Header returns the first value of the named header.
func (r *Request) Header(key string) string {
	return r.Headers.Get(key)
}

// ContentLength returns the declared Content-Length, or -1 when absent
// or unparseable.
func (r *Request) ContentLength() int64 {
	v := r.Headers.Get("Content-Length")
	if v == "" {
		return -1
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// KeepAlive reports whether the connection should stay open after this
// request. HTTP/1.1 defaults to keep-alive unless "Connection: close";
// HTTP/1.0 requires an explicit "Connection: keep-alive".
func (r *Request) KeepAlive() bool {
	conn := r.Headers.Get("Connection")
	if r.Proto == "HTTP/1.1" {
		return !hasToken(conn, "close")
	}
	return hasToken(conn, "keep-alive")
}

// IsUpgrade reports whether this request asks for a WebSocket upgrade.
func (r *Request) IsUpgrade() bool {
	return hasToken(r.Headers.Get("Connection"), "upgrade") &&
		hasToken(r.Headers.Get("Upgrade"), "websocket")
}
