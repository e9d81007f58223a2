//go:build !linux || !cgo

package call

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// mediaEnv has no capture state off Linux — camera/mic capture via
// pion/mediadevices requires platform drivers (V4L2/malgo).
type mediaEnv struct{}

// captureMedia always fails off Linux; sessions run receive-only.
func captureMedia(channelID string) (*localMedia, error) {
	return nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAccess)
}

func captureVideoDevice(_ string, _ *mediaEnv, deviceID string) (webrtc.TrackLocal, func(), error) {
	return nil, nil, fmt.Errorf("%w: no capture drivers on this platform", ErrMediaAccess)
}

func videoDeviceIDs() []string { return nil }

// newPeerConnection builds a receive-only PC with default codecs.
func newPeerConnection(channelID string, cfg webrtc.Configuration, _ *localMedia, policy Policy) (*webrtc.PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

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

	addRecvOnlyTransceivers(channelID, pc)
	return pc, nil
}
