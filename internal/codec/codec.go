// Package codec provides the wire encode/decode implementations behind
// dispatch.Codec: the core dispatcher and mailbox machinery never see a
// concrete argument or return type, only the bytes one of these codecs
// produces.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
)

// BinaryCodec encodes values with encoding/gob, a compact self-describing
// binary format for Go-to-Go calls. Values must be gob-registered by the
// caller when they are interfaces.
type BinaryCodec struct{}

// Encode implements dispatch.Codec.
func (BinaryCodec) Encode(value any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(value); err != nil {
		return nil, fmt.Errorf("gob encode: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode implements dispatch.Codec.
func (BinaryCodec) Decode(data []byte, out any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(out); err != nil {
		return fmt.Errorf("gob decode: %w", err)
	}

	return nil
}

// JSONCodec encodes values with encoding/json, useful for debugging
// payloads and cross-language interop over the gRPC transport's "raw"
// byte channel.
type JSONCodec struct{}

// Encode implements dispatch.Codec.
func (JSONCodec) Encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}

	return data, nil
}

// Decode implements dispatch.Codec.
func (JSONCodec) Decode(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}
