package netoverlay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// routingTopic is the gossipsub topic neighbors advertise their
// reachability on, letting a peer learn about nodes mDNS alone never
// surfaces (e.g. ones reachable only through a shared relay). Adapted
// from internal/p2p/node.go's presence topic, narrowed from a full
// profile broadcast to the bare PeerID+Addrs a route-layer neighbor
// needs. (wiretypes.KindRoutingUpdate is defined for carrying such an
// announcement over an already-established connection, but nothing in
// this module sends or handles it.)
const routingTopic = "/goop2/routing/1.0.0"

// routingAdvert is what gets published on routingTopic.
type routingAdvert struct {
	PeerID string   `json:"peer_id"`
	Addrs  []string `json:"addrs"`
}

// routingGossip owns the pubsub join for routingTopic: it periodically
// publishes this host's own addresses and, for every advert from a
// peer it isn't already connected to, dials it and reports the new
// connection through onPeerUp — the same callback mDNS discovery
// feeds, so the router table gets a Neighbor either way.
type routingGossip struct {
	host  *Host
	ps    *pubsub.PubSub
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// startRoutingGossip joins routingTopic on h.Host and begins the
// advertise/listen loop. It runs until ctx is done.
func startRoutingGossip(ctx context.Context, h *Host, onPeerUp func(peer.AddrInfo)) (*routingGossip, error) {
	ps, err := pubsub.NewGossipSub(ctx, h.Host)
	if err != nil {
		return nil, err
	}
	topic, err := ps.Join(routingTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	g := &routingGossip{host: h, ps: ps, topic: topic, sub: sub}
	go g.advertiseLoop(ctx)
	go g.listenLoop(ctx, onPeerUp)
	return g, nil
}

func (g *routingGossip) advertise(ctx context.Context) {
	adv := routingAdvert{PeerID: g.host.ID(), Addrs: g.host.WANAddrs()}
	b, err := json.Marshal(adv)
	if err != nil {
		return
	}
	if err := g.topic.Publish(ctx, b); err != nil {
		g.host.diag("NETOVERLAY: routing advert publish failed: %v", err)
	}
}

func (g *routingGossip) advertiseLoop(ctx context.Context) {
	g.advertise(ctx)
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.advertise(ctx)
		}
	}
}

// toAddrInfo parses raw multiaddr strings into a peer.AddrInfo,
// skipping any that fail to parse rather than failing the whole
// advert (a stray malformed address shouldn't sink an otherwise
// dialable peer).
func toAddrInfo(pid peer.ID, addrs []string) (peer.AddrInfo, error) {
	ai := peer.AddrInfo{ID: pid}
	for _, s := range addrs {
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		ai.Addrs = append(ai.Addrs, a)
	}
	return ai, nil
}

func (g *routingGossip) listenLoop(ctx context.Context, onPeerUp func(peer.AddrInfo)) {
	for {
		m, err := g.sub.Next(ctx)
		if err != nil {
			return
		}

		var adv routingAdvert
		if err := json.Unmarshal(m.Data, &adv); err != nil {
			continue
		}
		if adv.PeerID == "" || adv.PeerID == g.host.ID() {
			continue
		}

		pid, err := peer.Decode(adv.PeerID)
		if err != nil {
			continue
		}
		if g.host.Host.Network().Connectedness(pid) == network.Connected {
			continue
		}

		ai, err := toAddrInfo(pid, adv.Addrs)
		if err != nil || len(ai.Addrs) == 0 {
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = g.host.Host.Connect(dialCtx, ai)
		cancel()
		if err != nil {
			log.Printf("NETOVERLAY: routing gossip dial to %s failed: %v", pid, err)
			continue
		}
		if onPeerUp != nil {
			onPeerUp(ai)
		}
	}
}
