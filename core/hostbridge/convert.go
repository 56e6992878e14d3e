package hostbridge

import (
	"google.golang.org/protobuf/proto"

	"github.com/pyfast/engine/core/http"
)

// toResponse converts a callable's result value into a response.
//
// Conversion rules, tried in order:
//   - *http.Response passes through untouched
//   - nil becomes 204 No Content
//   - string becomes 200 text/plain
//   - []byte becomes 200 application/octet-stream
//   - proto.Message is encoded by the protobuf codec
//   - anything else is encoded by the JSON codec
func (b *Bridge) toResponse(result any) *http.Response {
	switch v := result.(type) {
	case *http.Response:
		if v == nil {
			return http.NoContentResponse()
		}
		return v
	case nil:
		return http.NoContentResponse()
	case string:
		return http.TextResponse(200, v)
	case []byte:
		return http.BytesResponse(200, "application/octet-stream", v)
	case proto.Message:
		return b.encode(b.protoCodec, v)
	default:
		return b.encode(b.jsonCodec, v)
	}
}

func (b *Bridge) encode(c Codec, v any) *http.Response {
	body, err := c.Encode(v)
	if err != nil {
		b.log.Error("result encoding failed",
			"codec", c.Name(), "error", err)
		return http.ErrorResponse(500, "response encoding failed")
	}
	return http.BytesResponse(200, c.ContentType(), body)
}
