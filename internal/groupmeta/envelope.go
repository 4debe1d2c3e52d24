// Package groupmeta carries only the minimal message envelope shape
// that a business-logic layer (group membership, chat, invites — all
// out of scope here) would need to sit on top of
// internal/p2ptransport.Manager.OnDeliver. It implements no create,
// join, leave, or kick semantics of its own; adapted in shape from
// internal/group/message.go's Message type.
package groupmeta

import (
	"github.com/petervdpas/goop2/internal/codec"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// Envelope is the minimal wrapper a caller decodes an
// internal/p2ptransport delivery into, when the payload carries
// group-addressed application data rather than a raw byte stream.
type Envelope struct {
	Group   string `json:"group"`
	From    string `json:"from,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Encode wraps env in a wiretypes.P2PPacket and brotli-compresses it,
// producing the bytes a caller hands to an
// internal/p2ptransport.Connection's Send.
func Encode(env Envelope) ([]byte, error) {
	body, err := codec.Encode(env)
	if err != nil {
		return nil, err
	}
	return codec.EncodeCompressed(wiretypes.P2PPacket{Payload: body})
}

// Decode reverses Encode: it brotli-decompresses b, unwraps the
// P2PPacket, and decodes the enclosed Envelope.
func Decode(b []byte) (Envelope, error) {
	var pkt wiretypes.P2PPacket
	if err := codec.DecodeCompressed(b, &pkt); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := codec.Decode(pkt.Payload, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
