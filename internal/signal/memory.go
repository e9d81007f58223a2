package signal

import (
	"context"
	"errors"
	"sync"
)

// MemoryTransport is an in-process Transport: every participant of a channel
// sees every message and membership change without any network between them.
// Used by tests and by single-process deployments where both call legs run
// in the same node.
type MemoryTransport struct {
	mu       sync.Mutex
	channels map[string]map[string]*memConn // channel → peerID → conn
}

// NewMemoryTransport creates an empty in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{channels: make(map[string]map[string]*memConn)}
}

type memConn struct {
	t       *MemoryTransport
	channel string
	peerID  string

	msgs    chan Message
	members chan MemberEvent

	mu   sync.Mutex
	left bool
}

// Join attaches selfID to the channel and announces it to current members.
func (t *MemoryTransport) Join(_ context.Context, channel, selfID string) (Conn, error) {
	if selfID == "" {
		return nil, errors.New("empty peer id")
	}

	c := &memConn{
		t:       t,
		channel: channel,
		peerID:  selfID,
		msgs:    make(chan Message, 64),
		members: make(chan MemberEvent, 16),
	}

	t.mu.Lock()
	peers := t.channels[channel]
	if peers == nil {
		peers = make(map[string]*memConn)
		t.channels[channel] = peers
	}
	if _, dup := peers[selfID]; dup {
		t.mu.Unlock()
		return nil, errors.New("peer already joined: " + selfID)
	}
	// Tell the newcomer who is already here, then announce the newcomer.
	for _, other := range peers {
		c.pushMember(MemberEvent{Channel: channel, PeerID: other.peerID, Joined: true})
		other.pushMember(MemberEvent{Channel: channel, PeerID: selfID, Joined: true})
	}
	peers[selfID] = c
	t.mu.Unlock()

	return c, nil
}

func (c *memConn) Send(_ context.Context, m Message) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return errors.New("send on left channel")
	}
	c.mu.Unlock()

	c.t.mu.Lock()
	peers := make([]*memConn, 0, len(c.t.channels[c.channel]))
	for _, p := range c.t.channels[c.channel] {
		peers = append(peers, p)
	}
	c.t.mu.Unlock()

	// Deliver to everyone including the sender — the Channel layer filters
	// echoes, exactly as with a real pubsub topic.
	for _, p := range peers {
		p.pushMessage(m)
	}
	return nil
}

func (c *memConn) Messages() <-chan Message    { return c.msgs }
func (c *memConn) Members() <-chan MemberEvent { return c.members }

func (c *memConn) Peers() []string {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	var out []string
	for id := range c.t.channels[c.channel] {
		out = append(out, id)
	}
	return out
}

func (c *memConn) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	c.t.mu.Lock()
	peers := c.t.channels[c.channel]
	delete(peers, c.peerID)
	if len(peers) == 0 {
		delete(c.t.channels, c.channel)
	}
	remaining := make([]*memConn, 0, len(peers))
	for _, p := range peers {
		remaining = append(remaining, p)
	}
	c.t.mu.Unlock()

	for _, p := range remaining {
		p.pushMember(MemberEvent{Channel: c.channel, PeerID: c.peerID, Joined: false})
	}
	close(c.msgs)
	close(c.members)
	return nil
}

func (c *memConn) pushMessage(m Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left {
		return
	}
	select {
	case c.msgs <- m:
	default:
	}
}

func (c *memConn) pushMember(ev MemberEvent) {
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
