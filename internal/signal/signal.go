// Package signal defines the per-call presence channel: naming, membership
// authorization, and the signaling message set exchanged over it. The wire
// transport is pluggable via Transport; internal/p2p provides the pubsub
// implementation and NewMemoryTransport an in-process one.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Signaling message types. These are the only payloads a presence channel
// carries; media itself flows peer-to-peer.
const (
	TypeOffer     = "offer"
	TypeAnswer    = "answer"
	TypeCandidate = "ice-candidate"
	TypeHangup    = "hangup"
)

var (
	// ErrBadChannel is returned for any channel name that is not the
	// expected presence-channel form.
	ErrBadChannel = errors.New("invalid presence channel name")

	// ErrUnauthorized is returned when an identity that is not one of the
	// call's two participants tries to join its channel.
	ErrUnauthorized = errors.New("not a participant of this call")
)

const channelPrefix = "presence-call-"

// ChannelName derives the presence channel for a help request. The name is
// deterministic so both participants arrive at the same channel without any
// extra coordination.
func ChannelName(requestID string) string {
	return channelPrefix + requestID
}

// RequestID extracts the help request id from a channel name, rejecting
// anything that is not of the presence-channel form.
func RequestID(channel string) (string, error) {
	if !strings.HasPrefix(channel, channelPrefix) {
		return "", fmt.Errorf("%w: %q", ErrBadChannel, channel)
	}
	id := strings.TrimPrefix(channel, channelPrefix)
	if id == "" || strings.ContainsAny(id, " /\n") {
		return "", fmt.Errorf("%w: %q", ErrBadChannel, channel)
	}
	return id, nil
}

// Authorize checks that identity may join the channel of a call between
// requesterID and volunteerID. Only those two identities pass.
func Authorize(channel, identity, requesterID, volunteerID string) error {
	if _, err := RequestID(channel); err != nil {
		return err
	}
	if identity == "" {
		return ErrUnauthorized
	}
	if identity != requesterID && identity != volunteerID {
		return ErrUnauthorized
	}
	return nil
}

// Message is one signaling exchange between the two participants of a call.
// SDP carries the session description for offer/answer; Candidate the raw
// ICE candidate JSON. Hangup has no payload.
type Message struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// Validate rejects structurally broken messages before they hit the wire.
func (m Message) Validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%s message without sdp", m.Type)
		}
	case TypeCandidate:
		if len(m.Candidate) == 0 {
			return errors.New("ice-candidate message without candidate")
		}
	case TypeHangup:
	default:
		return fmt.Errorf("unknown signaling message type %q", m.Type)
	}
	if m.From == "" {
		return errors.New("signaling message without sender")
	}
	return nil
}

// MemberEvent reports a peer joining or leaving a presence channel.
type MemberEvent struct {
	Channel string `json:"channel"`
	PeerID  string `json:"peer_id"`
	Joined  bool   `json:"joined"`
}
