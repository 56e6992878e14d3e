package hostbridge

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// Codec serializes handler results into response bodies.
type Codec interface {
	// Name identifies the codec in logs.
	Name() string

	// ContentType is the media type written alongside encoded bodies.
	ContentType() string

	// Encode serializes v.
	Encode(v any) ([]byte, error)
}

// JSONCodec encodes results with encoding/json. It is the fallback for
// result types without a more specific encoding.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ProtoCodec encodes proto.Message results in the protobuf wire format.
type ProtoCodec struct{}

func (ProtoCodec) Name() string        { return "protobuf" }
func (ProtoCodec) ContentType() string { return "application/x-protobuf" }

func (ProtoCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("protobuf codec: %T is not a proto.Message", v)
	}
	return proto.Marshal(msg)
}
