// Package wiretypes defines the load-bearing wire frames of the
// reliable transport core: the L1 RouteLayerPacket, the L3
// TransDatagram, and the small marker payloads (P2PPacket, HeartBeat,
// ShutdownMessage) carried inside them. Byte-level encoding is the
// concern of internal/codec; this package only defines the typed
// shapes and their invariants.
package wiretypes

import "github.com/petervdpas/goop2/internal/routeid"

// PacketKind discriminates the payload carried by a RouteLayerPacket.
type PacketKind uint16

const (
	KindP2PPacket PacketKind = iota + 1
	KindTransDatagram
	KindPing
	KindPong
	KindRoutingUpdate
	KindHeartBeat
	KindShutdown
)

func (k PacketKind) String() string {
	switch k {
	case KindP2PPacket:
		return "P2PPacket"
	case KindTransDatagram:
		return "TransDatagram"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindRoutingUpdate:
		return "RoutingUpdate"
	case KindHeartBeat:
		return "HeartBeat"
	case KindShutdown:
		return "ShutdownMessage"
	default:
		return "Unknown"
	}
}

// DefaultTTL is the recommended default hop budget for a freshly
// originated RouteLayerPacket (spec §4.2).
const DefaultTTL uint8 = 16

// RouteLayerPacket is the L1 wire frame forwarded between NodeIds
// across direct or multi-hop paths.
type RouteLayerPacket struct {
	From NodeID     // kept field name aligned with routeid.NodeId below
	To   NodeID
	TTL  uint8
	Seq  uint32
	Kind PacketKind
	Body []byte
}

// NodeID is a local alias so this package doesn't need to import
// routeid under two names; kept distinct from routeid.SessionId.
type NodeID = routeid.NodeId

// Flag is the TransDatagram flag bitset.
type Flag uint8

const (
	FlagSYN Flag = 1 << iota
	FlagACK
	FlagCON
	FlagFIN
)

const (
	FirstHandShakeFlag  = FlagSYN | FlagCON
	SecondHandShakeFlag = FlagSYN | FlagACK | FlagCON
	ThirdHandShakeFlag  = FlagACK | FlagCON
)

func (f Flag) Has(bit Flag) bool { return f&bit != 0 }

// BufferLength is the size of the circular sliding-window ACK buffer.
const BufferLength = 256

// TransDatagram is the L3 reliable-transport frame carried inside a
// RouteLayerPacket's Body (Kind == KindTransDatagram).
//
// Invariants: a pure ACK carries no Payload; handshake frames carry no
// user Payload; SynOrAck is always in [0, BufferLength).
type TransDatagram struct {
	Flag     Flag
	SynOrAck uint16
	Payload  []byte
}

// P2PPacket is the application-payload wrapper. internal/groupmeta
// brotli-compresses a whole P2PPacket through internal/codec and hands
// the result to an internal/p2ptransport Connection as a payload.
type P2PPacket struct {
	Payload []byte
}

// HeartBeat and ShutdownMessage are empty-body markers exchanged
// between a relay and its attached client sessions.
type HeartBeat struct{}
type ShutdownMessage struct{}
