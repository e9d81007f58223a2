package call

import (
	"log"
	"time"

	"github.com/pion/webrtc/v4"
)

func iceTimeout(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// localMedia holds the captured camera/microphone tracks attached to a
// session. Tracks outlive individual peer connections: a reconnect builds
// a fresh PC and re-adds the same tracks. env carries platform capture
// state (the codec selector on Linux).
type localMedia struct {
	audioTrack webrtc.TrackLocal
	videoTrack webrtc.TrackLocal
	audioClose func()
	videoClose func()

	// V4L2 device ID of the active camera; used to pick the next device
	// when switching cameras.
	videoDeviceID string

	env *mediaEnv
}

func (m *localMedia) hasAudio() bool { return m != nil && m.audioTrack != nil }
func (m *localMedia) hasVideo() bool { return m != nil && m.videoTrack != nil }

// setVideo swaps in a new camera track, closing the old one.
func (m *localMedia) setVideo(track webrtc.TrackLocal, closer func(), deviceID string) {
	if m.videoClose != nil {
		m.videoClose()
	}
	m.videoTrack = track
	m.videoClose = closer
	m.videoDeviceID = deviceID
}

func (m *localMedia) close() {
	if m == nil {
		return
	}
	if m.videoClose != nil {
		m.videoClose()
		m.videoClose = nil
	}
	if m.audioClose != nil {
		m.audioClose()
		m.audioClose = nil
	}
	m.audioTrack = nil
	m.videoTrack = nil
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(channelID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", channelID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", channelID, err)
	}
}
