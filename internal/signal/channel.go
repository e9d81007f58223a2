package signal

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Transport is what the channel layer needs from the wire: join a named
// topic and get a duplex connection. internal/p2p implements this over
// libp2p pubsub; NewMemoryTransport implements it in-process.
type Transport interface {
	Join(ctx context.Context, channel, selfID string) (Conn, error)
}

// Conn is one participant's attachment to a channel topic.
// Messages and Members channels are closed when the connection is left.
type Conn interface {
	Send(ctx context.Context, m Message) error
	Messages() <-chan Message
	Members() <-chan MemberEvent
	Peers() []string
	Leave() error
}

// Channel is an authorized attachment to one call's presence channel. It
// filters out the participant's own messages — transports may echo sends
// back to the sender, which would corrupt SDP negotiation if forwarded.
type Channel struct {
	name   string
	selfID string
	conn   Conn

	msgs    chan Message
	members chan MemberEvent

	mu   sync.Mutex
	left bool
}

// Join validates the channel name, authorizes identity against the call's
// two participants, and attaches to the transport topic.
func Join(ctx context.Context, t Transport, requestID, identity, requesterID, volunteerID string) (*Channel, error) {
	name := ChannelName(requestID)
	if err := Authorize(name, identity, requesterID, volunteerID); err != nil {
		return nil, err
	}

	conn, err := t.Join(ctx, name, identity)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", name, err)
	}

	c := &Channel{
		name:    name,
		selfID:  identity,
		conn:    conn,
		msgs:    make(chan Message, 64),
		members: make(chan MemberEvent, 16),
	}
	go c.forward()
	log.Printf("SIGNAL [%s]: %s joined", name, identity)
	return c, nil
}

// Name returns the presence channel name.
func (c *Channel) Name() string { return c.name }

// Send publishes a signaling message on the channel. The sender is stamped
// so the remote side can filter and route.
func (c *Channel) Send(ctx context.Context, m Message) error {
	m.From = c.selfID
	if err := m.Validate(); err != nil {
		return err
	}
	return c.conn.Send(ctx, m)
}

// Messages yields the remote participant's signaling messages. The channel
// closes when Leave is called or the transport connection drops.
func (c *Channel) Messages() <-chan Message { return c.msgs }

// Members yields join/leave events for the remote participant.
func (c *Channel) Members() <-chan MemberEvent { return c.members }

// PeerPresent reports whether the remote participant is currently attached.
func (c *Channel) PeerPresent() bool {
	for _, p := range c.conn.Peers() {
		if p != c.selfID {
			return true
		}
	}
	return false
}

// Leave detaches from the channel. Idempotent — both sides call it on
// hangup, and teardown paths may call it again.
func (c *Channel) Leave() error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	c.mu.Unlock()

	log.Printf("SIGNAL [%s]: %s left", c.name, c.selfID)
	return c.conn.Leave()
}

// forward copies transport events to the channel's own queues, dropping the
// participant's echoed messages and membership events about themselves.
func (c *Channel) forward() {
	defer close(c.msgs)
	defer close(c.members)

	in := c.conn.Messages()
	mem := c.conn.Members()
	for in != nil || mem != nil {
		select {
		case m, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			if m.From == c.selfID {
				continue
			}
			if m.To != "" && m.To != c.selfID {
				continue
			}
			select {
			case c.msgs <- m:
			default:
				log.Printf("SIGNAL [%s]: inbound queue full, dropping %s", c.name, m.Type)
			}
		case ev, ok := <-mem:
			if !ok {
				mem = nil
				continue
			}
			if ev.PeerID == c.selfID {
				continue
			}
			select {
			case c.members <- ev:
			default:
			}
		}
	}
}
