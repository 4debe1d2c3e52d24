package netoverlay

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	relayv2 "github.com/libp2p/go-libp2p/p2p/protocol/circuitv2/relay"
)

// StartRelayHost creates a libp2p host acting as a circuit-relay-v2
// server. This is the overlay's relay *transport* — internal/relaysession
// layers the session watchdog on top of connections that arrive
// through it; the two are deliberately separate concerns.
func StartRelayHost(port int, keyFile string, externalURL string) (host.Host, *RelayInfo, error) {
	priv, err := loadOrCreateRelayKey(keyFile)
	if err != nil {
		return nil, nil, fmt.Errorf("relay key: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", port)),
		libp2p.DisableRelay(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("relay host: %w", err)
	}

	// Relay started directly rather than via EnableRelayService(),
	// which waits for AutoNAT to confirm public reachability — this is
	// a dedicated, port-forwarded relay server, so that wait buys
	// nothing. Default resource limits (Duration 2m, Data 128KB) are
	// far too small: route-layer heartbeat traffic exhausts them.
	if _, err := relayv2.New(h, relayv2.WithResources(relayv2.Resources{
		Limit: &relayv2.RelayLimit{
			Duration: 30 * time.Minute,
			Data:     1 << 24,
		},
		ReservationTTL:         time.Hour,
		MaxReservations:        128,
		MaxCircuits:            64,
		BufferSize:             4096,
		MaxReservationsPerPeer: 8,
		MaxReservationsPerIP:   16,
		MaxReservationsPerASN:  64,
	})); err != nil {
		_ = h.Close()
		return nil, nil, fmt.Errorf("relay service: %w", err)
	}

	info := &RelayInfo{PeerID: h.ID().String()}
	for _, a := range h.Addrs() {
		info.Addrs = append(info.Addrs, a.String())
	}
	if externalURL != "" {
		if pubAddr := buildPublicAddr(externalURL, port, h.ID().String()); pubAddr != "" {
			info.Addrs = append([]string{pubAddr}, info.Addrs...)
		}
	}

	log.Printf("NETOVERLAY: relay listening on port %d, peer ID %s (%d addrs)", port, info.PeerID, len(info.Addrs))
	return h, info, nil
}

func buildPublicAddr(externalURL string, port int, peerID string) string {
	u, err := url.Parse(externalURL)
	if err != nil {
		return ""
	}
	hostname := u.Hostname()
	if hostname == "" {
		return ""
	}

	ip := net.ParseIP(hostname)
	if ip == nil {
		ips, err := net.LookupIP(hostname)
		if err != nil || len(ips) == 0 {
			log.Printf("NETOVERLAY: could not resolve %s: %v", hostname, err)
			return ""
		}
		for _, candidate := range ips {
			if candidate.To4() != nil {
				ip = candidate
				break
			}
		}
		if ip == nil {
			ip = ips[0]
		}
	}

	if ip.To4() != nil {
		return fmt.Sprintf("/ip4/%s/tcp/%d/p2p/%s", ip.String(), port, peerID)
	}
	return fmt.Sprintf("/ip6/%s/tcp/%d/p2p/%s", ip.String(), port, peerID)
}

func loadOrCreateRelayKey(keyFile string) (crypto.PrivKey, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, nil
		}
		log.Printf("NETOVERLAY: corrupt relay key at %s: %v (generating new key)", keyFile, err)
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, err
	}
	raw, err := crypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal relay key: %w", err)
	}
	if dir := filepath.Dir(keyFile); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create relay key directory: %w", err)
		}
	}
	if err := os.WriteFile(keyFile, raw, 0600); err != nil {
		return nil, fmt.Errorf("save relay key: %w", err)
	}
	log.Printf("NETOVERLAY: generated new relay identity key: %s", keyFile)
	return priv, nil
}
