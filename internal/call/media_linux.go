//go:build linux && cgo

package call

import (
	"fmt"
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// mediaEnv holds the codec selector shared between the capture path and
// every peer connection built for the session.
type mediaEnv struct {
	selector *mediadevices.CodecSelector
}

func newMediaEnv() (*mediaEnv, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &mediaEnv{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// captureMedia opens camera and microphone via pion/mediadevices (V4L2 +
// malgo). GetUserMedia fails as a unit if either track can't be opened, so
// try video+audio first, then video-only, then audio-only — a missing or
// busy microphone shouldn't prevent the camera from working and vice versa.
// Returns ErrMediaAccess (wrapped) only when every attempt fails.
func captureMedia(channelID string) (*localMedia, error) {
	env, err := newMediaEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", channelID)
	} else {
		for _, d := range devices {
			log.Printf("CALL [%s]: media device — kind=%v label=%q", channelID, d.Kind, d.Label)
		}
	}

	type attempt struct {
		video bool
		audio bool
		label string
	}
	var lastErr error
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: env.selector}
		if a.video {
			constraints.Video = videoConstraints("")
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", channelID, a.label, err)
			lastErr = err
			continue
		}

		m := &localMedia{env: env}
		for _, track := range stream.GetTracks() {
			track := track
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", channelID, err)
				}
			})
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				m.videoTrack = track
				m.videoClose = func() { _ = track.Close() }
				m.videoDeviceID = track.ID()
			case webrtc.RTPCodecTypeAudio:
				m.audioTrack = track
				m.audioClose = func() { _ = track.Close() }
			}
		}

		log.Printf("CALL [%s]: local media captured (%s)", channelID, a.label)
		return m, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMediaAccess, lastErr)
}

// videoConstraints builds the camera constraints. Exclude MJPEG — some
// cameras expose an MJPEG V4L2 node that produces malformed JPEG frames,
// which poisons the VP8 encoder and breaks SDP negotiation. Cap at 640×480
// to keep VP8 encoding latency low on small devices.
func videoConstraints(deviceID string) mediadevices.MediaOption {
	return func(c *mediadevices.MediaTrackConstraints) {
		if deviceID != "" {
			c.DeviceID = prop.String(deviceID)
		}
		c.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		c.Width = prop.IntRanged{Max: 640}
		c.Height = prop.IntRanged{Max: 480}
	}
}

// captureVideoDevice opens a specific camera. Used by SwitchCamera after
// picking the next enumerated device.
func captureVideoDevice(channelID string, env *mediaEnv, deviceID string) (webrtc.TrackLocal, func(), error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: env.selector,
		Video: videoConstraints(deviceID),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMediaAccess, err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, nil, fmt.Errorf("%w: device %s produced no video track", ErrMediaAccess, deviceID)
	}
	track := tracks[0]
	track.OnEnded(func(err error) {
		if err != nil {
			log.Printf("CALL [%s]: switched track ended: %v", channelID, err)
		}
	})
	return track, func() { _ = track.Close() }, nil
}

// videoDeviceIDs enumerates the IDs of attached cameras, in stable order.
func videoDeviceIDs() []string {
	var ids []string
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			ids = append(ids, d.DeviceID)
		}
	}
	return ids
}

// newPeerConnection builds a PC whose media engine matches the captured
// tracks' codecs. With no local media it registers default codecs and adds
// recvonly transceivers so the call can still receive the remote side.
func newPeerConnection(channelID string, cfg webrtc.Configuration, media *localMedia, policy Policy) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if media != nil && media.env != nil {
		media.env.selector.Populate(mediaEngine)
	} else {
		if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
			return nil, err
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief NAT hiccup does not immediately
	// terminate the call.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(iceTimeout(policy.ICEDisconnectedTimeout, 30*time.Second),
		iceTimeout(policy.ICEFailedTimeout, 120*time.Second), 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	// The session adds local tracks itself so it can keep the senders for
	// mute and camera switching. Without local media, recvonly
	// transceivers keep the SDP m-lines valid.
	if !media.hasVideo() && !media.hasAudio() {
		addRecvOnlyTransceivers(channelID, pc)
	}

	return pc, nil
}
