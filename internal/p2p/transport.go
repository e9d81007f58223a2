package p2p

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/lumenassist/lumen/internal/signal"
)

// envelope is the wire format on a call topic. Signal payloads carry the
// SDP/ICE message; hello/bye announce channel membership, since gossipsub
// peer events only expose libp2p peer IDs and the call layer works with
// application identities.
type envelope struct {
	Kind string          `json:"kind"` // hello|bye|signal
	From string          `json:"from"`
	Msg  *signal.Message `json:"msg,omitempty"`
}

const (
	kindHello  = "hello"
	kindBye    = "bye"
	kindSignal = "signal"
)

// Join subscribes to the channel's gossipsub topic, announces selfID, and
// returns a Conn that delivers signaling messages and membership changes.
func (n *Node) Join(ctx context.Context, channel, selfID string) (signal.Conn, error) {
	topic, err := n.ps.Join(topicPrefix + channel)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		_ = topic.Close()
		return nil, err
	}
	eh, err := topic.EventHandler()
	if err != nil {
		sub.Cancel()
		_ = topic.Close()
		return nil, err
	}

	c := &topicConn{
		node:    n,
		channel: channel,
		selfID:  selfID,
		topic:   topic,
		sub:     sub,
		eh:      eh,
		msgs:    make(chan signal.Message, 64),
		members: make(chan signal.MemberEvent, 16),
		known:   make(map[string]peer.ID),
		byPeer:  make(map[peer.ID]string),
		done:    make(chan struct{}),
	}

	go c.readLoop()
	go c.eventLoop()

	if err := c.announce(ctx, kindHello); err != nil {
		_ = c.Leave()
		return nil, err
	}
	return c, nil
}

type topicConn struct {
	node    *Node
	channel string
	selfID  string
	topic   *pubsub.Topic
	sub     *pubsub.Subscription
	eh      *pubsub.TopicEventHandler

	msgs    chan signal.Message
	members chan signal.MemberEvent

	mu     sync.Mutex
	known  map[string]peer.ID // application ID → libp2p peer
	byPeer map[peer.ID]string
	left   bool

	done chan struct{}
}

func (c *topicConn) Send(ctx context.Context, m signal.Message) error {
	b, err := json.Marshal(envelope{Kind: kindSignal, From: c.selfID, Msg: &m})
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, b)
}

func (c *topicConn) Messages() <-chan signal.Message    { return c.msgs }
func (c *topicConn) Members() <-chan signal.MemberEvent { return c.members }

func (c *topicConn) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.known)+1)
	out = append(out, c.selfID)
	for id := range c.known {
		out = append(out, id)
	}
	return out
}

func (c *topicConn) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	// Best effort: tell the other side we are gone before tearing down.
	_ = c.announce(context.Background(), kindBye)

	close(c.done)
	c.eh.Cancel()
	c.sub.Cancel()
	if err := c.topic.Close(); err != nil {
		log.Printf("P2P [%s]: topic close: %v", c.channel, err)
	}
	close(c.msgs)
	close(c.members)
	return nil
}

func (c *topicConn) announce(ctx context.Context, kind string) error {
	b, err := json.Marshal(envelope{Kind: kind, From: c.selfID})
	if err != nil {
		return err
	}
	return c.topic.Publish(ctx, b)
}

func (c *topicConn) readLoop() {
	for {
		m, err := c.sub.Next(context.Background())
		if err != nil {
			return
		}
		if m.GetFrom() == c.node.Host.ID() {
			continue
		}

		var env envelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			log.Printf("P2P [%s]: malformed envelope from %s: %v", c.channel, m.GetFrom(), err)
			continue
		}
		if env.From == "" {
			continue
		}

		switch env.Kind {
		case kindHello:
			if c.remember(env.From, m.GetFrom()) {
				c.pushMember(signal.MemberEvent{Channel: c.channel, PeerID: env.From, Joined: true})
				// Re-announce so the newcomer learns about us too. Only
				// done on first sight of a peer, so the exchange settles
				// after one round trip.
				_ = c.announce(context.Background(), kindHello)
			}
		case kindBye:
			if c.forget(env.From) {
				c.pushMember(signal.MemberEvent{Channel: c.channel, PeerID: env.From, Joined: false})
			}
		case kindSignal:
			if env.Msg == nil {
				continue
			}
			// A signal from a peer we never saw a hello from still proves
			// membership.
			if c.remember(env.From, m.GetFrom()) {
				c.pushMember(signal.MemberEvent{Channel: c.channel, PeerID: env.From, Joined: true})
			}
			c.pushMessage(*env.Msg)
		}
	}
}

// eventLoop watches gossipsub peer events so an abrupt disconnect (crash,
// network loss) still surfaces as a member-left event even though no bye
// was ever published.
func (c *topicConn) eventLoop() {
	for {
		ev, err := c.eh.NextPeerEvent(context.Background())
		if err != nil {
			return
		}
		if ev.Type != pubsub.PeerLeave {
			continue
		}
		c.mu.Lock()
		appID, ok := c.byPeer[ev.Peer]
		c.mu.Unlock()
		if !ok {
			continue
		}
		if c.forget(appID) {
			c.pushMember(signal.MemberEvent{Channel: c.channel, PeerID: appID, Joined: false})
		}
	}
}

// remember records an application ID → libp2p peer mapping.
// Returns true if this is the first time the application ID was seen.
func (c *topicConn) remember(appID string, pid peer.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, seen := c.known[appID]
	c.known[appID] = pid
	c.byPeer[pid] = appID
	return !seen
}

func (c *topicConn) forget(appID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid, ok := c.known[appID]
	if !ok {
		return false
	}
	delete(c.known, appID)
	delete(c.byPeer, pid)
	return true
}

func (c *topicConn) pushMessage(m signal.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return
	}
	select {
	case c.msgs <- m:
	default:
		log.Printf("P2P [%s]: dropping message, slow consumer", c.channel)
	}
}

func (c *topicConn) pushMember(ev signal.MemberEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return
	}
	select {
	case c.members <- ev:
	default:
	}
}
