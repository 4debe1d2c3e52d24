// Command goop2-relay runs a circuit-relay-v2 bootstrap host plus the
// L3′ RelaySessionManager and its dashboard: it relays libp2p traffic
// for peers behind NATs, tracks which control sessions are currently
// attached through it via the L1/L2 stack, and evicts ones that stop
// heartbeating. Adapted from main.go's runCLIRendezvous.
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
	"github.com/petervdpas/goop2/internal/relaydash"
	"github.com/petervdpas/goop2/internal/relaysession"
	"github.com/petervdpas/goop2/internal/router"
	"github.com/petervdpas/goop2/internal/routeid"
	"github.com/petervdpas/goop2/internal/util"
	"github.com/petervdpas/goop2/internal/wiretypes"
)

func main() {
	dirFlag := flag.String("dir", ".", "relay data directory (holds config.json and relay-identity.key)")
	flag.Parse()

	absDir, err := filepath.Abs(*dirFlag)
	if err != nil {
		log.Fatalf("invalid relay directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("create relay directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "config.json")
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Relay.Enabled = true
	if cfg.Relay.Port == 0 {
		cfg.Relay.Port = config.Default().Relay.Port
	}

	fmt.Println("goop2-relay")
	fmt.Printf("data dir:    %s\n", absDir)
	fmt.Printf("config file: %s\n", cfgPath)
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("RELAY: shutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, absDir, cfg); err != nil {
		log.Fatalf("relay failed: %v", err)
	}
}

// nodeSession bridges relaysession.Session to the transport core: its
// Send pushes a raw-payload RouteLayerPacket back to the attached
// peer's NodeId through the same router/dispatcher the relay uses for
// every other packet.
type nodeSession struct {
	id   routeid.SessionId
	node routeid.NodeId
	d    *dispatcher.Dispatcher
}

func (s *nodeSession) ID() routeid.SessionId { return s.id }

func (s *nodeSession) Send(kind wiretypes.PacketKind, payload []byte) error {
	rtr := s.d.Router()
	rtr.Forward(rtr.Build(s.node, kind, payload))
	return nil
}

func (s *nodeSession) Close() error { return nil }

func run(ctx context.Context, dir string, cfg config.Config) error {
	keyFile := util.ResolvePath(dir, cfg.Relay.KeyFile)
	relayHost, relayInfo, err := netoverlay.StartRelayHost(cfg.Relay.Port, keyFile, cfg.Relay.ExternalURL)
	if err != nil {
		return fmt.Errorf("start relay host: %w", err)
	}
	defer relayHost.Close()
	log.Printf("RELAY: circuit-relay-v2 host up as %s", relayInfo.PeerID)

	table := router.NewTable()
	encode := func(p wiretypes.RouteLayerPacket) ([]byte, error) { return json.Marshal(p) }

	var rtr *router.Router
	onInbound := func(p wiretypes.RouteLayerPacket) { rtr.Forward(p) }

	var routeHost *netoverlay.Host
	onPeerUp := func(ai peer.AddrInfo) {
		nodeID := routeid.NodeIdFromString(ai.ID.String())
		table.Set(nodeID, routeHost.NeighborFor(ai.ID))
		log.Printf("RELAY: discovered neighbor %s (node %s)", ai.ID, nodeID)
	}

	routeHost, err = netoverlay.New(ctx, 0, util.ResolvePath(dir, cfg.Identity.KeyFile), relayInfo, onInbound, onPeerUp)
	if err != nil {
		return fmt.Errorf("start route-layer host: %w", err)
	}
	defer routeHost.Close()

	self := routeid.NodeIdFromString(routeHost.ID())
	controlPlane := routeid.SessionId(self)

	var d *dispatcher.Dispatcher
	rtr = router.NewRouter(self, table, cfg.Router.RecentCap, func(p wiretypes.RouteLayerPacket) { d.HandleInbound(p) }, encode)
	d = dispatcher.New(rtr)

	metrics := relaydash.NewMetrics()
	dash := relaydash.New(cfg.Server.DashboardAddr, metrics)

	rtr.SetDefaultTTL(uint8(cfg.Router.DefaultTTL))
	rtr.SetRecentCap(cfg.Router.RecentCap)

	sessionTimeout := cfg.Relay.SessionTimeoutSec
	mgr := relaysession.New(secondsToDuration(sessionTimeout), controlPlane)
	mgr.OnSessionDisconnected = func(id routeid.SessionId) {
		dash.OnEvict(id, "heartbeat timeout or explicit close")
	}

	if err := config.WatchReload(ctx, filepath.Join(dir, "config.json"), func(c config.Config) {
		rtr.SetDefaultTTL(uint8(c.Router.DefaultTTL))
		rtr.SetRecentCap(c.Router.RecentCap)
		mgr.SetTimeout(secondsToDuration(c.Relay.SessionTimeoutSec))
		log.Printf("RELAY: config reloaded (default_ttl=%d recent_cap=%d session_timeout=%ds)",
			c.Router.DefaultTTL, c.Router.RecentCap, c.Relay.SessionTimeoutSec)
	}); err != nil {
		log.Printf("RELAY: config hot-reload disabled: %v", err)
	}

	d.OnReceive(ctx, wiretypes.KindHeartBeat, func(p wiretypes.RouteLayerPacket, c dispatcher.Context) {
		sid := routeid.SessionId(c.From())
		if _, ok := mgr.Get(sid); ok {
			mgr.OnHeartbeat(sid)
			return
		}
		sess := &nodeSession{id: sid, node: c.From(), d: d}
		if _, err := mgr.Attach(sid, sess); err != nil {
			mgr.Reject(sid, sess)
			dash.OnReject(sid)
			return
		}
		dash.OnAttach(sid)
	})

	go mgr.Run(ctx)

	go func() {
		if err := dash.Start(ctx); err != nil {
			log.Printf("RELAY: dashboard stopped: %v", err)
		}
	}()

	log.Printf("RELAY: route layer up as %s (node id %s), dashboard on %s", routeHost.ID(), self, cfg.Server.DashboardAddr)

	<-ctx.Done()
	return nil
}

func secondsToDuration(n int) (d time.Duration) {
	return time.Duration(n) * time.Second
}
