// Package codec is the opaque encode/decode boundary (L0) described by
// spec.md §1/§6.1: "encode(value) -> bytes" and "decode(bytes) ->
// value". Everything above this package treats the result as an
// opaque byte slice.
//
// P2PPacket bodies are brotli-compressed, matching the wire-compatible
// choice noted in spec.md §6.1 ("the repository uses Brotli"). Small
// control frames (handshake, ACK, heartbeat) are left uncompressed —
// compressing a few bytes of header only grows them.
package codec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/andybalholm/brotli"
)

// Encode marshals v to JSON and returns the raw bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode unmarshals JSON bytes into v.
func Decode(b []byte, v any) error {
	return json.Unmarshal(b, v)
}

// EncodeCompressed marshals v to JSON and brotli-compresses the result.
// Used for P2PPacket bodies, where payloads may be large.
func EncodeCompressed(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeCompressed brotli-decompresses b and unmarshals the JSON result into v.
func DecodeCompressed(b []byte, v any) error {
	r := brotli.NewReader(bytes.NewReader(b))
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
