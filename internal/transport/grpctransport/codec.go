package grpctransport

import (
	"fmt"

	"google.golang.org/grpc/encoding"
)

// codecName is the gRPC content-subtype this package registers and
// selects on every call, so neither side ever touches protobuf
// reflection: a frame is exactly the bytes dispatch.Codec already
// produced for an envelope.Envelope.
const codecName = "raw"

// rawFrame is the concrete message type SendMsg/RecvMsg operate on: an
// opaque byte slice, already gob-encoded by envelopeCodec before it
// reaches the stream.
type rawFrame []byte

// rawCodec implements google.golang.org/grpc/encoding.Codec by treating
// Marshal/Unmarshal as the identity function on []byte, letting this
// transport move bytes a dispatch.Codec already produced without a
// second protobuf encoding pass.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(rawFrame)
	if !ok {
		return nil, fmt.Errorf("grpctransport: Marshal expects rawFrame, got %T", v)
	}

	return []byte(f), nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*rawFrame)
	if !ok {
		return fmt.Errorf("grpctransport: Unmarshal expects *rawFrame, got %T", v)
	}

	*f = append(rawFrame(nil), data...)

	return nil
}

func init() {
	encoding.RegisterCodec(rawCodec{})
}
