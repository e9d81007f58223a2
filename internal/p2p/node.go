// Package p2p hosts the libp2p node that carries signaling channels
// between assistance peers. Each call channel maps onto a gossipsub
// topic; membership and SDP/ICE traffic travel as JSON envelopes.
package p2p

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

const (
	mdnsTag = "lumen-mdns"

	// Gossipsub topics for call channels are namespaced so unrelated
	// applications on the same mesh never collide with us.
	topicPrefix = "lumen.signal.v1."

	connectTimeout = 3 * time.Second
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// loadOrCreateKey loads a persistent identity key from disk,
// or generates a new Ed25519 key and saves it on first run.
func loadOrCreateKey(keyFile string) (crypto.PrivKey, bool, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		priv, err := crypto.UnmarshalPrivateKey(data)
		if err == nil {
			return priv, false, nil
		}
		log.Printf("WARNING: corrupt identity key at %s: %v (generating new key)", keyFile, err)
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

// New creates a libp2p host with a persistent identity, starts LAN
// discovery over mDNS, and attaches a gossipsub router.
func New(ctx context.Context, listenPort int, keyFile string) (*Node, error) {
	priv, isNew, err := loadOrCreateKey(keyFile)
	if err != nil {
		return nil, err
	}
	if isNew {
		log.Printf("Generated new identity key: %s", keyFile)
	} else {
		log.Printf("Loaded identity key: %s", keyFile)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	return &Node{Host: h, ps: ps}, nil
}

// Bootstrap dials a set of full peer multiaddrs, e.g.
// /ip4/203.0.113.7/tcp/4001/p2p/12D3Koo... mDNS only finds peers on the
// local network; nodes that must reach each other across networks list
// each other here. Dial failures are logged, not fatal.
func (n *Node) Bootstrap(ctx context.Context, addrs []string) {
	for _, s := range addrs {
		maddr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("P2P: bad bootstrap address %q: %v", s, err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			log.Printf("P2P: bootstrap address %q: %v", s, err)
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = n.Host.Connect(cctx, *pi)
		cancel()
		if err != nil {
			log.Printf("P2P: bootstrap dial %s: %v", pi.ID, err)
			continue
		}
		log.Printf("P2P: connected to bootstrap peer %s", pi.ID)
	}
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

func (n *Node) Close() error {
	return n.Host.Close()
}
