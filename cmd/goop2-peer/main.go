// Command goop2-peer runs a single reliable-transport-core peer: a
// libp2p host, the L1 router, the L2 dispatcher, and the L3 connection
// manager, wired together and left running until interrupted. Adapted
// from main.go's runCLIPeer — signal-driven graceful shutdown in place
// of the original's Wails desktop lifecycle.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/petervdpas/goop2/internal/config"
	"github.com/petervdpas/goop2/internal/dispatcher"
	"github.com/petervdpas/goop2/internal/netoverlay"
	"github.com/petervdpas/goop2/internal/p2ptransport"
	"github.com/petervdpas/goop2/internal/router"
	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/util"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

func main() {
	dirFlag := flag.String("dir", ".", "peer data directory (holds config.json and identity.key)")
	relayPeerFlag := flag.String("relay-peer", "", "relay peer ID to bootstrap through (optional)")
	relayAddrsFlag := flag.String("relay-addrs", "", "comma-separated relay multiaddrs (required with -relay-peer)")
	flag.Parse()

	absDir, err := filepath.Abs(*dirFlag)
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "config.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("PEER: wrote default config to %s", cfgPath)
	}

	printBanner(absDir, cfgPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("PEER: shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, absDir, cfg, *relayPeerFlag, *relayAddrsFlag); err != nil {
		log.Fatalf("peer failed: %v", err)
	}
}

// run wires the three layers together: the host's onInbound callback
// feeds the router, the router's upcall feeds the dispatcher, and
// onPeerUp populates the router's neighbor table as mDNS finds peers.
// self is derived from the host's own peer ID so every node picks a
// stable NodeId without an out-of-band identity exchange.
func run(ctx context.Context, dir string, cfg config.Config, relayPeer, relayAddrs string) error {
	table := router.NewTable()
	encode := func(p wiretypes.RouteLayerPacket) ([]byte, error) { return json.Marshal(p) }

	var rtr *router.Router
	onInbound := func(p wiretypes.RouteLayerPacket) { rtr.Forward(p) }

	var h *netoverlay.Host
	onPeerUp := func(ai peer.AddrInfo) {
		nodeID := routeid.NodeIdFromString(ai.ID.String())
		table.Set(nodeID, h.NeighborFor(ai.ID))
		log.Printf("PEER: discovered neighbor %s (node %s)", ai.ID, nodeID)
	}

	var relayInfo *netoverlay.RelayInfo
	if relayPeer != "" {
		relayInfo = &netoverlay.RelayInfo{PeerID: relayPeer, Addrs: splitCSV(relayAddrs)}
	}

	keyFile := util.ResolvePath(dir, cfg.Identity.KeyFile)
	var err error
	h, err = netoverlay.New(ctx, cfg.Router.ListenPort, keyFile, relayInfo, onInbound, onPeerUp)
	if err != nil {
		return fmt.Errorf("start netoverlay host: %w", err)
	}
	defer h.Close()

	self := routeid.NodeIdFromString(h.ID())

	var d *dispatcher.Dispatcher
	rtr = router.NewRouter(self, table, cfg.Router.RecentCap, func(p wiretypes.RouteLayerPacket) { d.HandleInbound(p) }, encode)
	d = dispatcher.New(rtr)

	mgr := p2ptransport.NewManager(ctx, d)
	mgr.OnDeliver(func(from routeid.NodeId, payload []byte) {
		log.Printf("PEER: delivered %d bytes from %s", len(payload), from)
	})

	if relayPID, ok := h.RelayPeerID(); ok {
		relayNodeID := routeid.NodeIdFromString(relayPID.String())
		table.Set(relayNodeID, h.NeighborFor(relayPID))
		go sendHeartbeats(ctx, d, relayNodeID, time.Duration(cfg.Transport.HeartbeatIntervalSec)*time.Second)
	}

	log.Printf("PEER: listening as %s (node id %s)", h.ID(), self)

	<-ctx.Done()
	return nil
}

// sendHeartbeats periodically sends a KindHeartBeat to the relay so its
// relaysession.Manager keeps this peer's control session attached.
func sendHeartbeats(ctx context.Context, d *dispatcher.Dispatcher, relay routeid.NodeId, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Send(relay, wiretypes.KindHeartBeat, wiretypes.HeartBeat{})
		}
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func printBanner(dir, cfgPath string) {
	fmt.Println("goop2-peer")
	fmt.Printf("data dir:    %s\n", dir)
	fmt.Printf("config file: %s\n", cfgPath)
	fmt.Println()
}
