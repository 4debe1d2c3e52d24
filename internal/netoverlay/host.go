// Package netoverlay wraps a libp2p host into a router.Neighbor-
// producing transport for the route layer. It owns the overlay
// network concerns that are out of scope to reimplement here: NAT
// traversal, relay reservations, peer discovery. What it adds on top
// is a single stream protocol carrying length-prefixed
// RouteLayerPacket frames, replacing a request/synchronous-ACK
// protocol — ACKing now belongs to internal/p2ptransport, one layer
// up.
package netoverlay

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/event"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/libp2p/go-libp2p/p2p/host/autorelay"
	"github.com/libp2p/go-libp2p/p2p/net/swarm"
	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"

	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/util"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

// RouteProtoID replaces the old /goop/mq/1.0.0 single-message protocol:
// it carries raw RouteLayerPacket frames only, with no in-band ACK —
// reliability is layered on above it by internal/p2ptransport.
const RouteProtoID = "/goop2/route/1.0.0"

const mdnsTag = "goop2-route-mdns"

const maxFrameSize = 1 << 20 // 1 MiB, generous for a compressed route-layer packet

func init() {
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("relay", "info")
	logging.SetLogLevel("autorelay", "info")
	logging.SetLogLevel("autonat", "warn")
}

// RelayInfo is what a rendezvous/relay host publishes for clients to
// bootstrap circuit-relay-v2 connectivity through.
type RelayInfo struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// Host wraps a libp2p host.Host with identity persistence, mDNS peer
// discovery, and the route-layer stream protocol.
type Host struct {
	Host host.Host

	relayPeer *peer.AddrInfo

	onInbound func(wiretypes.RouteLayerPacket)

	diagLogs *util.RingBuffer[string]

	startTime time.Time

	gossip *routingGossip
}

// loadOrCreateKey loads a persistent Ed25519 identity from disk, or
// generates and saves one on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("NETOVERLAY: corrupt identity key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, false, err
	}

	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, false, fmt.Errorf("marshal identity key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, false, fmt.Errorf("create key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, false, fmt.Errorf("save identity key: %w", err)
	}
	return priv, true, nil
}

type mdnsNotifee struct {
	h        host.Host
	onPeerUp func(peer.AddrInfo)
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.h.Connect(ctx, pi); err != nil {
		return
	}
	if n.onPeerUp != nil {
		n.onPeerUp(pi)
	}
}

// New builds a libp2p host, starts mDNS discovery, and registers the
// route-layer stream handler. onInbound receives every decoded
// RouteLayerPacket arriving on any stream, regardless of sender —
// callers wire it to router.Router.Forward. onPeerUp, if non-nil, is
// called with every mDNS-discovered and now-connected peer, letting
// the caller populate a router.Table with direct neighbors.
func New(ctx context.Context, listenPort int, keyFile string, relayInfo *RelayInfo, onInbound func(wiretypes.RouteLayerPacket), onPeerUp func(peer.AddrInfo)) (*Host, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("NETOVERLAY: generated new identity key: %s", keyFile)
	} else {
		log.Printf("NETOVERLAY: loaded identity key: %s", keyFile)
	}

	opts := []libp2p.Option{
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	}

	var relayAddrInfo *peer.AddrInfo
	if relayInfo != nil {
		if ri, err := relayInfoToAddrInfo(relayInfo); err == nil {
			relayAddrInfo = ri
			opts = append(opts,
				libp2p.EnableRelay(),
				libp2p.EnableHolePunching(),
				libp2p.EnableAutoRelayWithStaticRelays([]peer.AddrInfo{*ri},
					autorelay.WithBootDelay(0),
					autorelay.WithBackoff(30*time.Second),
				),
				libp2p.ForceReachabilityPrivate(),
			)
			log.Printf("NETOVERLAY: relay enabled (peer %s, %d addrs)", ri.ID, len(ri.Addrs))
		} else {
			log.Printf("NETOVERLAY: invalid relay info, skipping: %v", err)
		}
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return nil, err
	}

	nh := &Host{
		Host:      h,
		relayPeer: relayAddrInfo,
		onInbound: onInbound,
		diagLogs:  util.NewRingBuffer[string](200),
		startTime: time.Now(),
	}

	h.SetStreamHandler(protocol.ID(RouteProtoID), nh.handleStream)

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h, onPeerUp: onPeerUp})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	gossip, err := startRoutingGossip(ctx, nh, onPeerUp)
	if err != nil {
		// Gossip-based discovery is a supplement to mDNS, not a
		// requirement — a node still works from direct/mDNS neighbors
		// alone, so a join failure is logged rather than fatal.
		log.Printf("NETOVERLAY: routing gossip join failed, continuing without it: %v", err)
	} else {
		nh.gossip = gossip
	}

	return nh, nil
}

func (h *Host) diag(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Print(msg)
	entry := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg)
	h.diagLogs.Push(entry)
}

// DiagLogs returns a snapshot of recent diagnostic log lines, oldest
// first, for internal/relaydash.
func (h *Host) DiagLogs() []string {
	return h.diagLogs.Snapshot()
}

// ID returns this host's peer ID string; callers derive a
// routeid.NodeId from it with routeid.NodeIdFromString.
func (h *Host) ID() string { return h.Host.ID().String() }

// Close shuts the underlying libp2p host down.
func (h *Host) Close() error { return h.Host.Close() }

// writeFrame writes a length-prefixed JSON-encoded RouteLayerPacket.
func writeFrame(w io.Writer, p wiretypes.RouteLayerPacket) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("netoverlay: frame too large (%d bytes)", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// readFrame reads one length-prefixed JSON-encoded RouteLayerPacket.
func readFrame(r io.Reader) (wiretypes.RouteLayerPacket, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return wiretypes.RouteLayerPacket{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return wiretypes.RouteLayerPacket{}, fmt.Errorf("netoverlay: frame too large (%d bytes)", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return wiretypes.RouteLayerPacket{}, err
	}
	var p wiretypes.RouteLayerPacket
	if err := json.Unmarshal(body, &p); err != nil {
		return wiretypes.RouteLayerPacket{}, err
	}
	return p, nil
}

// handleStream is the libp2p stream handler for RouteProtoID: it reads
// frames until the stream closes or a read fails, delivering each to
// onInbound. There is no reply, by design — this is a one-way framed
// pipe, not a request/response protocol.
func (h *Host) handleStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer().String()
	r := bufio.NewReader(s)
	for {
		_ = s.SetReadDeadline(time.Now().Add(2 * time.Minute))
		p, err := readFrame(r)
		if err != nil {
			if err != io.EOF {
				log.Printf("NETOVERLAY: frame read error from %s: %v", remote, err)
			}
			return
		}
		if h.onInbound != nil {
			h.onInbound(p)
		}
	}
}

// streamNeighbor implements router.Neighbor by opening a fresh stream
// per Send to a single libp2p peer. Reliability and retransmission are not
// this layer's job; a write failure is simply reported to the caller,
// who (via internal/p2ptransport's retransmit timer) will try again.
type streamNeighbor struct {
	host *Host
	pid  peer.ID
}

func (n *streamNeighbor) Send(ctx context.Context, frame []byte) error {
	var p wiretypes.RouteLayerPacket
	if err := json.Unmarshal(frame, &p); err != nil {
		return fmt.Errorf("netoverlay: decode outbound frame: %w", err)
	}

	s, err := n.host.Host.NewStream(ctx, n.pid, protocol.ID(RouteProtoID))
	if err != nil {
		return fmt.Errorf("netoverlay: open stream to %s: %w", n.pid, err)
	}
	defer s.Close()

	_ = s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeFrame(s, p); err != nil {
		return fmt.Errorf("netoverlay: write frame to %s: %w", n.pid, err)
	}
	return nil
}

// NeighborFor returns a router.Neighbor that delivers frames to pid
// over the route-layer protocol.
func (h *Host) NeighborFor(pid peer.ID) *streamNeighbor {
	return &streamNeighbor{host: h, pid: pid}
}

// RelayPeerID returns the relay's peer ID and true, if this host was
// built with relay info. Callers use it to address the relay directly
// for route-layer traffic (e.g. heartbeats) that doesn't go through
// mDNS/gossip discovery.
func (h *Host) RelayPeerID() (peer.ID, bool) {
	if h.relayPeer == nil {
		return "", false
	}
	return h.relayPeer.ID, true
}

func relayInfoToAddrInfo(ri *RelayInfo) (*peer.AddrInfo, error) {
	pid, err := peer.Decode(ri.PeerID)
	if err != nil {
		return nil, fmt.Errorf("decode relay peer ID: %w", err)
	}
	var addrs []ma.Multiaddr
	for _, s := range ri.Addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		addrs = append(addrs, a)
	}
	return &peer.AddrInfo{ID: pid, Addrs: addrs}, nil
}

// isCircuitAddr reports whether a contains a /p2p-circuit component.
func isCircuitAddr(a ma.Multiaddr) bool {
	for _, p := range a.Protocols() {
		if p.Code == ma.P_CIRCUIT {
			return true
		}
	}
	return false
}

// WANAddrs returns the host's multiaddresses filtered to exclude
// loopback/link-local ones; circuit-relay addresses are always kept.
func (h *Host) WANAddrs() []string {
	var out []string
	for _, a := range h.Host.Addrs() {
		if isCircuitAddr(a) {
			out = append(out, a.String())
			continue
		}
		ip, err := manet.ToIP(a)
		if err != nil {
			continue
		}
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			continue
		}
		out = append(out, a.String())
	}
	return out
}

func (h *Host) hasCircuitAddr() bool {
	for _, a := range h.Host.Addrs() {
		if isCircuitAddr(a) {
			return true
		}
	}
	return false
}

// WaitForRelay polls for a circuit-relay address appearing, up to timeout.
func (h *Host) WaitForRelay(ctx context.Context, timeout time.Duration) bool {
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.hasCircuitAddr() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			return false
		case <-ticker.C:
		}
	}
}

// SubscribeAddressChanges watches libp2p address-change events and
// recovers the relay reservation when a circuit address disappears.
// This never reimplements NAT traversal; it just drives libp2p's own
// recovery knobs (dial-backoff clearing, peerstore refresh, reconnect).
func (h *Host) SubscribeAddressChanges(ctx context.Context, onChange func()) {
	sub, err := h.Host.EventBus().Subscribe(new(event.EvtLocalAddressesUpdated))
	if err != nil {
		log.Printf("NETOVERLAY: failed to subscribe to address changes: %v", err)
		return
	}

	hadCircuit := h.hasCircuitAddr()
	go func() {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.Out():
				has := h.hasCircuitAddr()
				if has != hadCircuit {
					if has {
						h.diag("relay: circuit address appeared, re-publishing")
					} else {
						h.diag("relay: circuit address lost, recovering...")
						h.recoverRelay(ctx)
					}
					hadCircuit = has
					if onChange != nil {
						onChange()
					}
				}
			}
		}
	}()
}

func (h *Host) recoverRelay(ctx context.Context) {
	if h.relayPeer == nil {
		return
	}
	select {
	case <-time.After(5 * time.Second):
	case <-ctx.Done():
		return
	}
	if h.hasCircuitAddr() {
		h.diag("relay: autorelay recovered on its own")
		return
	}

	conns := h.Host.Network().ConnsToPeer(h.relayPeer.ID)
	for _, c := range conns {
		_ = c.Close()
	}
	if sw, ok := h.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(h.relayPeer.ID)
	}
	h.Host.Peerstore().AddAddrs(h.relayPeer.ID, h.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := h.Host.Connect(connCtx, *h.relayPeer); err != nil {
		h.diag("relay: recovery connect failed: %v", err)
		return
	}

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			h.diag("relay: reservation timeout after recovery")
			return
		case <-tick.C:
			if h.hasCircuitAddr() {
				h.diag("relay: reservation restored after recovery")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// StartRelayRefresh periodically forces a fresh relay reservation —
// the TCP connection can stay up while the reservation silently dies.
func (h *Host) StartRelayRefresh(ctx context.Context, interval time.Duration) {
	if h.relayPeer == nil {
		return
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				h.ensureRelayReservation(ctx)
			}
		}
	}()
}

func (h *Host) ensureRelayReservation(ctx context.Context) {
	conns := h.Host.Network().ConnsToPeer(h.relayPeer.ID)
	for _, c := range conns {
		_ = c.Close()
	}
	if sw, ok := h.Host.Network().(*swarm.Swarm); ok {
		sw.Backoff().Clear(h.relayPeer.ID)
	}
	h.Host.Peerstore().AddAddrs(h.relayPeer.ID, h.relayPeer.Addrs, 10*time.Minute)

	connCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := h.Host.Connect(connCtx, *h.relayPeer); err != nil {
		h.diag("relay: refresh — connect failed: %v", err)
		return
	}

	deadline := time.After(8 * time.Second)
	tick := time.NewTicker(200 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline:
			h.diag("relay: refresh — reservation NOT restored after 8s")
			return
		case <-tick.C:
			if h.hasCircuitAddr() {
				h.diag("relay: refresh — reservation confirmed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
