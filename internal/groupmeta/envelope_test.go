package groupmeta

import "testing"

func TestEnvelope_RoundTripsThroughCompressedCodec(t *testing.T) {
	in := Envelope{Group: "lobby", From: "peer-a", Payload: map[string]any{"text": "hi"}}

	b, err := Encode(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Group != in.Group || out.From != in.From {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestEnvelope_DecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not brotli")); err == nil {
		t.Fatal("expected decode of non-brotli bytes to fail")
	}
}
