package call

import (
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

const pliInterval = 3 * time.Second

// TrackStats is a point-in-time snapshot of one remote track.
type TrackStats struct {
	Kind        string    `json:"kind"`
	SSRC        uint32    `json:"ssrc"`
	Packets     uint64    `json:"packets"`
	Bytes       uint64    `json:"bytes"`
	LastSeq     uint16    `json:"last_seq"`
	LastArrival time.Time `json:"last_arrival"`
}

// remoteTrack drains RTP from one inbound track, keeping receive counters
// and, for video, requesting keyframes so the decoder recovers quickly
// after packet loss or a reconnect.
type remoteTrack struct {
	kind string
	ssrc uint32

	mu      sync.Mutex
	packets uint64
	bytes   uint64
	lastSeq uint16
	last    time.Time
}

func (t *remoteTrack) snapshot() TrackStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackStats{
		Kind:        t.kind,
		SSRC:        t.ssrc,
		Packets:     t.packets,
		Bytes:       t.bytes,
		LastSeq:     t.lastSeq,
		LastArrival: t.last,
	}
}

func (t *remoteTrack) observe(p *rtp.Packet) {
	t.mu.Lock()
	t.packets++
	t.bytes += uint64(len(p.Payload))
	t.lastSeq = p.SequenceNumber
	t.last = time.Now()
	t.mu.Unlock()
}

// watchRemoteTrack is installed as the PC's OnTrack handler body. It runs
// until the track or PC goes away.
func (s *Session) watchRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	rt := &remoteTrack{
		kind: track.Kind().String(),
		ssrc: uint32(track.SSRC()),
	}
	s.mu.Lock()
	s.remoteTracks = append(s.remoteTracks, rt)
	s.mu.Unlock()

	log.Printf("CALL [%s]: remote %s track ssrc=%d", s.channel.Name(), rt.kind, rt.ssrc)

	// Drain receiver RTCP so the interceptor chain keeps working.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := receiver.Read(buf); err != nil {
				return
			}
		}
	}()

	// Periodic PLI for video: ask the sender for a keyframe so the remote
	// picture recovers after loss without waiting for a natural keyframe.
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go func() {
			ticker := time.NewTicker(pliInterval)
			defer ticker.Stop()
			for {
				select {
				case <-s.done:
					return
				case <-ticker.C:
					err := pc.WriteRTCP([]rtcp.Packet{
						&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
					})
					if err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("CALL [%s]: remote %s track read: %v", s.channel.Name(), rt.kind, err)
			}
			return
		}
		rt.observe(pkt)
	}
}

// RemoteStats returns receive counters for every remote track seen so far,
// including tracks from peer connections replaced by a reconnect.
func (s *Session) RemoteStats() []TrackStats {
	s.mu.Lock()
	tracks := make([]*remoteTrack, len(s.remoteTracks))
	copy(tracks, s.remoteTracks)
	s.mu.Unlock()

	out := make([]TrackStats, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t.snapshot())
	}
	return out
}
