// Package routeid defines the opaque identifiers used across the
// reliable transport core: NodeId addresses a client, SessionId
// addresses a network-layer session handle. The two are intentionally
// distinct types — a SessionId must never be mistaken for a NodeId.
package routeid

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// NodeId is an opaque 128-bit client identifier, stable for the
// lifetime of a signin. The zero value is reserved for "unset" /
// broadcast-suppressed addressing.
type NodeId [16]byte

// SessionId is an opaque handle assigned by the network layer to an
// established bidirectional byte channel with a neighbor.
type SessionId [16]byte

// NewNodeId generates a fresh random NodeId.
func NewNodeId() NodeId {
	return NodeId(uuid.New())
}

// NewSessionId generates a fresh random SessionId.
func NewSessionId() SessionId {
	return SessionId(uuid.New())
}

func (n NodeId) String() string {
	return hex.EncodeToString(n[:])
}

func (n NodeId) IsZero() bool {
	return n == NodeId{}
}

func (s SessionId) String() string {
	return hex.EncodeToString(s[:])
}

func (s SessionId) IsZero() bool {
	return s == SessionId{}
}

// ParseNodeId decodes a hex-encoded NodeId as produced by String().
func ParseNodeId(s string) (NodeId, error) {
	var out NodeId
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, errors.New("routeid: wrong NodeId length")
	}
	copy(out[:], b)
	return out, nil
}

// NodeIdFromString derives a stable NodeId from an arbitrary string
// identifier (e.g. a transport-layer peer ID), for overlays whose
// native addressing isn't already a 128-bit value. Deterministic:
// the same input always yields the same NodeId.
func NodeIdFromString(s string) NodeId {
	sum := sha256.Sum256([]byte(s))
	var out NodeId
	copy(out[:], sum[:len(out)])
	return out
}

// ParseSessionId decodes a hex-encoded SessionId as produced by String().
func ParseSessionId(s string) (SessionId, error) {
	var out SessionId
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != len(out) {
		return out, errors.New("routeid: wrong SessionId length")
	}
	copy(out[:], b)
	return out, nil
}
