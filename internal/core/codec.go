package core

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
	_ "google.golang.org/grpc/encoding/proto" // registered first so init below replaces it
	"google.golang.org/protobuf/proto"
)

// JSONMessage marks request and response structs of the hand-written
// services. They travel as JSON; protobuf messages keep the proto format.
type JSONMessage interface {
	JSONMessage()
}

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// wireCodec takes the "proto" codec name so plain gRPC clients need no
// extra call options.
type wireCodec struct{}

func (wireCodec) Name() string { return "proto" }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case JSONMessage:
		return json.Marshal(m)
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("wire codec: unsupported message type %T", v)
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case JSONMessage:
		return json.Unmarshal(data, m)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("wire codec: unsupported message type %T", v)
}
