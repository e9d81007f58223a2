// Package call manages WebRTC call sessions with Pion. A session pairs a
// help requester with a volunteer over the request's presence channel;
// signaling travels through the signal package, media flows peer-to-peer.
package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lumenassist/lumen/internal/signal"
)

// Manager owns the active sessions of one node identity.
type Manager struct {
	transport signal.Transport
	selfID    string
	policy    Policy

	mu       sync.RWMutex
	sessions map[string]*Session // keyed by request ID

	done chan struct{}
}

// New creates a Manager that joins presence channels through transport as
// selfID.
func New(transport signal.Transport, selfID string, policy Policy) *Manager {
	if policy.MaxReconnectAttempts == 0 {
		policy = DefaultPolicy()
	}
	return &Manager{
		transport: transport,
		selfID:    selfID,
		policy:    policy,
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
}

// StartOpts identifies the call to join. The manager derives the channel
// name and this node's role from them: the requester initiates the offer,
// the volunteer answers.
type StartOpts struct {
	RequestID   string
	RequesterID string
	VolunteerID string
	Callbacks   Callbacks
}

// Start joins the request's presence channel and begins the call. Only one
// session per request can be active at a time.
func (m *Manager) Start(ctx context.Context, opts StartOpts) (*Session, error) {
	if opts.RequestID == "" {
		return nil, fmt.Errorf("%w: empty request id", ErrSignaling)
	}

	m.mu.Lock()
	if _, exists := m.sessions[opts.RequestID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: session already active for request %s", ErrSignaling, opts.RequestID)
	}
	policy := m.policy
	m.mu.Unlock()

	ch, err := signal.Join(ctx, m.transport, opts.RequestID, m.selfID, opts.RequesterID, opts.VolunteerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignaling, err)
	}

	remoteID := opts.VolunteerID
	initiator := m.selfID == opts.RequesterID
	if !initiator {
		remoteID = opts.RequesterID
	}

	sess := newSession(ch, opts.RequestID, m.selfID, remoteID, initiator, policy, opts.Callbacks, m.removeSession)

	m.mu.Lock()
	m.sessions[opts.RequestID] = sess
	m.mu.Unlock()

	if err := sess.start(ctx); err != nil {
		m.removeSession(opts.RequestID)
		_ = ch.Leave()
		return nil, err
	}

	log.Printf("CALL: started %s with %s (initiator=%v)", ch.Name(), remoteID, initiator)
	return sess, nil
}

// SetPolicy replaces the connection policy for sessions started from now
// on. Active sessions keep the policy they were created with.
func (m *Manager) SetPolicy(p Policy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
	log.Printf("CALL: policy updated (attempts=%d, backoff=%v)", p.MaxReconnectAttempts, p.ReconnectBackoff)
}

// Get returns the active session for a request, if any.
func (m *Manager) Get(requestID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[requestID]
	m.mu.RUnlock()
	return s, ok
}

// All returns every active session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()
	return out
}

func (m *Manager) removeSession(requestID string) {
	m.mu.Lock()
	delete(m.sessions, requestID)
	m.mu.Unlock()
}

// Close hangs up every active session.
func (m *Manager) Close() {
	select {
	case <-m.done:
		return
	default:
		close(m.done)
	}

	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Hangup()
	}
}
