// Package cluster implements the Follower Forwarder and the primary-side
// Cluster RPC it talks to, plus a small administrative service for manual
// credential removal. The wire framing for both is deliberately left open
// here, so this package builds on google.golang.org/grpc using a
// hand-registered JSON codec and manually authored ServiceDesc values
// instead of protoc-generated stubs, since no .proto toolchain output
// ships with this module.
package cluster

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

// jsonCodec implements encoding.Codec by marshaling/unmarshaling the
// plain Go request/response structs declared in this package directly to
// JSON, standing in for a protobuf-generated wire codec.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cluster: failed to unmarshal %T: %w", v, err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
