package websocket

import (
	"crypto/sha1"
	"encoding/base64"
	"errors"

	"github.com/pyfast/engine/core/http"
)

const magicGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ErrNotWebSocket reports a request that is not a valid upgrade
// handshake.
var ErrNotWebSocket = errors.New("websocket: not an upgrade request")

// Upgrade validates the handshake in req. On success it returns the
// 101 Switching Protocols response and a nil error. On failure it
// returns the error response to send (400 or 426) along with
// ErrNotWebSocket; the connection stays in HTTP mode.
func Upgrade(req *http.Request) (*http.Response, error) {
	if req.Method != "GET" {
		return http.ErrorResponse(400, "websocket handshake requires GET"), ErrNotWebSocket
	}
	if !req.IsUpgrade() {
		return http.ErrorResponse(400, "missing websocket upgrade headers"), ErrNotWebSocket
	}
	if v := req.Header("Sec-Websocket-Version"); v != "13" {
		resp := http.ErrorResponse(426, "unsupported websocket version")
		resp.Headers.Set("Sec-Websocket-Version", "13")
		return resp, ErrNotWebSocket
	}
	key := req.Header("Sec-Websocket-Key")
	if key == "" {
		return http.ErrorResponse(400, "missing Sec-WebSocket-Key"), ErrNotWebSocket
	}

	resp := http.AcquireResponse()
	resp.Status = 101
	resp.Headers.Set("Upgrade", "websocket")
	resp.Headers.Set("Connection", "Upgrade")
	resp.Headers.Set("Sec-Websocket-Accept", computeAcceptKey(key))
	return resp, nil
}

func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + magicGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
