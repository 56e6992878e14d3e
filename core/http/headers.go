package http

import (
	"net/textproto"
	"strings"
)

// Headers holds request or response header fields. Keys are stored in
// canonical form (Content-Type, not content-type), so lookups are
// case-insensitive. Multiple values for one key keep their arrival order.
type Headers map[string][]string

// Add appends value under the canonical form of key.
func (h Headers) Add(key, value string) {
	ck := textproto.CanonicalMIMEHeaderKey(key)
	h[ck] = append(h[ck], value)
}

// Set replaces all values of key with value.
func (h Headers) Set(key, value string) {
	h[textproto.CanonicalMIMEHeaderKey(key)] = []string{value}
}

// Get returns the first value for key, or "" when absent.
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	v := h[textproto.CanonicalMIMEHeaderKey(key)]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Values returns all values for key in arrival order. The returned slice
// is shared with the map; callers must not modify it.
func (h Headers) Values(key string) []string {
	if h == nil {
		return nil
	}
	return h[textproto.CanonicalMIMEHeaderKey(key)]
}

// Has reports whether key is present.
func (h Headers) Has(key string) bool {
	if h == nil {
		return false
	}
	_, ok := h[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}

// Del removes all values for key.
func (h Headers) Del(key string) {
	delete(h, textproto.CanonicalMIMEHeaderKey(key))
}

// Reset clears the map in place so it can be reused.
func (h Headers) Reset() {
	clear(h)
}

// Clone returns a deep copy of h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// hasToken reports whether the comma-separated header value contains
// token, compared case-insensitively. Connection and Upgrade headers
// carry token lists.
func hasToken(value, token string) bool {
	for len(value) > 0 {
		var part string
		if i := strings.IndexByte(value, ','); i >= 0 {
			part, value = value[:i], value[i+1:]
		} else {
			part, value = value, ""
		}
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}
