package http

import (
	"fmt"
	"testing"
)

func TestQueryFirstOccurrenceWins(t *testing.T) {
	req := &Request{RawQuery: "name=a%20b&name=c&flag&empty="}

	if got := req.Query("name"); got != "a b" {
		t.Errorf("Query(name) = %q, want %q", got, "a b")
	}
	if got := req.Query("flag"); got != "" {
		t.Errorf("Query(flag) = %q, want empty", got)
	}
	if !hasKey(req.QueryValues(), "flag") || !hasKey(req.QueryValues(), "empty") {
		t.Errorf("QueryValues() = %v, want flag and empty present", req.QueryValues())
	}
	if got := req.Query("missing"); got != "" {
		t.Errorf("Query(missing) = %q, want empty", got)
	}
}

func hasKey(m map[string]string, k string) bool {
	_, ok := m[k]
	return ok
}

func TestKeepAlive(t *testing.T) {
	tests := []struct {
		proto      string
		connection string
		want       bool
	}{
		{"HTTP/1.1", "", true},
		{"HTTP/1.1", "close", false},
		{"HTTP/1.1", "Close", false},
		{"HTTP/1.1", "keep-alive, Upgrade", true},
		{"HTTP/1.0", "", false},
		{"HTTP/1.0", "keep-alive", true},
		{"HTTP/1.0", "Keep-Alive", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s %q", tt.proto, tt.connection), func(t *testing.T) {
			req := &Request{Proto: tt.proto, Headers: make(Headers)}
			if tt.connection != "" {
				req.Headers.Set("Connection", tt.connection)
			}
			if got := req.KeepAlive(); got != tt.want {
				t.Errorf("KeepAlive() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsUpgrade(t *testing.T) {
	tests := []struct {
		name       string
		connection string
		upgrade    string
		want       bool
	}{
		{"plain websocket", "Upgrade", "websocket", true},
		{"token list", "keep-alive, Upgrade", "WebSocket", true},
		{"no connection token", "keep-alive", "websocket", false},
		{"different protocol", "Upgrade", "h2c", false},
		{"nothing", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Headers: make(Headers)}
			if tt.connection != "" {
				req.Headers.Set("Connection", tt.connection)
			}
			if tt.upgrade != "" {
				req.Headers.Set("Upgrade", tt.upgrade)
			}
			if got := req.IsUpgrade(); got != tt.want {
				t.Errorf("IsUpgrade() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContentLength(t *testing.T) {
	tests := []struct {
		value string
		want  int64
	}{
		{"", -1},
		{"12", 12},
		{"0", 0},
		{"abc", -1},
		{"-5", -1},
	}
	for _, tt := range tests {
		req := &Request{Headers: make(Headers)}
		if tt.value != "" {
			req.Headers.Set("Content-Length", tt.value)
		}
		if got := req.ContentLength(); got != tt.want {
			t.Errorf("ContentLength(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestParamsOverflowToMap(t *testing.T) {
	req := AcquireRequest()
	defer ReleaseRequest(req)

	for i := 0; i < 6; i++ {
		req.SetParam(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("k%d", i)
		if got := req.Param(key); got != fmt.Sprintf("v%d", i) {
			t.Errorf("Param(%s) = %q", key, got)
		}
	}
	if got := len(req.Params()); got != 6 {
		t.Errorf("Params() has %d entries, want 6", got)
	}
}

func TestRequestResetClearsState(t *testing.T) {
	req := AcquireRequest()
	req.Method = "POST"
	req.Path = "/x"
	req.RawQuery = "a=1"
	req.Headers.Set("Host", "t")
	req.Body = append(req.Body, "body"...)
	req.SetParam("id", "7")
	_ = req.Query("a")

	req.Reset()

	if req.Method != "" || req.Path != "" || req.RawQuery != "" {
		t.Errorf("request line survived Reset: %s %s?%s", req.Method, req.Path, req.RawQuery)
	}
	if req.Headers.Has("Host") || len(req.Body) != 0 {
		t.Error("headers or body survived Reset")
	}
	if req.Param("id") != "" || req.Query("a") != "" {
		t.Error("params or query survived Reset")
	}
	ReleaseRequest(req)
}
