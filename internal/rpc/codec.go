package rpc

import (
	"encoding/json"
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is registered with grpc's encoding package and forced on
// every connection this server and its dialers use, in place of the
// library default "proto" codec — there is no .proto schema to
// generate one against, only the plain Go structs in messages.go.
const codecName = "bpfman-json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec implements google.golang.org/grpc/encoding.Codec over
// encoding/json, the same pattern grpc-go documents for services that
// don't carry generated protobuf messages.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("bpfman-json marshal: %w", err)
	}
	return b, nil
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bpfman-json unmarshal: %w", err)
	}
	return nil
}

func (jsonCodec) Name() string { return codecName }
