package call

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// State is the lifecycle state of a call session's peer connection.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Terminal reports whether the session can never leave this state.
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Policy holds the connection parameters every session of a Manager shares.
// Built from the config surface in main; DefaultPolicy is used wherever a
// field is left zero.
type Policy struct {
	ICEServers []webrtc.ICEServer

	// Reconnection: after a failure the session retries up to
	// MaxReconnectAttempts times, waiting ReconnectBackoff[attempt-1]
	// before each. A successful reconnect resets the attempt counter.
	MaxReconnectAttempts int
	ReconnectBackoff     []time.Duration

	// DisconnectedTimeout is how long a session stays in the disconnected
	// state (hoping ICE recovers on its own) before forcing a reconnect.
	DisconnectedTimeout time.Duration

	// ICE timeouts pushed into the Pion SettingEngine. Pion's default
	// disconnectedTimeout of 5s is too short for relay paths with brief
	// outages during re-keying or failover.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
}

// DefaultPolicy mirrors the config defaults: five attempts on a doubling
// backoff, Google STUN, ten seconds of grace on disconnect.
func DefaultPolicy() Policy {
	return Policy{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		MaxReconnectAttempts: 5,
		ReconnectBackoff: []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second,
			8 * time.Second, 16 * time.Second,
		},
		DisconnectedTimeout:    10 * time.Second,
		ICEDisconnectedTimeout: 30 * time.Second,
		ICEFailedTimeout:       120 * time.Second,
	}
}

// backoffFor returns the wait before reconnect attempt n (1-based). The
// last schedule entry repeats if the config lists fewer waits than attempts.
func (p Policy) backoffFor(attempt int) time.Duration {
	if len(p.ReconnectBackoff) == 0 {
		return time.Second
	}
	if attempt-1 < len(p.ReconnectBackoff) {
		return p.ReconnectBackoff[attempt-1]
	}
	return p.ReconnectBackoff[len(p.ReconnectBackoff)-1]
}
