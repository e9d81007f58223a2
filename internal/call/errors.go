package call

import "errors"

var (
	// ErrMediaAccess indicates the local camera or microphone could not be
	// opened or was lost mid-call.
	ErrMediaAccess = errors.New("media device unavailable")

	// ErrSignaling indicates the presence channel rejected or lost a
	// signaling exchange.
	ErrSignaling = errors.New("signaling failed")

	// ErrConnectionFailed indicates the peer connection could not be
	// established or recovered within the reconnection budget.
	ErrConnectionFailed = errors.New("peer connection failed")

	// ErrNoLocalMedia is returned by device controls when the session has
	// no local track of the requested kind.
	ErrNoLocalMedia = errors.New("no local media track")

	// ErrSessionClosed is returned for operations on a session that has
	// already ended.
	ErrSessionClosed = errors.New("session closed")
)
