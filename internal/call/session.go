package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lumenassist/lumen/internal/signal"
)

// Callbacks let the caller observe a session without polling. All handlers
// are optional and are invoked from session goroutines; they must not block
// for long.
type Callbacks struct {
	OnState            func(State)
	OnError            func(error)
	OnReconnectAttempt func(attempt int, wait time.Duration)
	OnRemoteTrack      func(kind string)
}

// Session is one active call between a requester and a volunteer. It owns
// the signaling exchange on the presence channel and the Pion peer
// connection, including reconnection after transient failures.
type Session struct {
	requestID string
	selfID    string
	remoteID  string
	initiator bool
	channel   *signal.Channel
	policy    Policy
	cb        Callbacks
	onClosed  func(requestID string)

	mu           sync.Mutex
	pc           *webrtc.PeerConnection
	audioSender  *webrtc.RTPSender
	videoSender  *webrtc.RTPSender
	media        *localMedia
	state        State
	attempts     int
	pendingICE   []webrtc.ICECandidateInit
	remoteSet    bool
	offered      bool
	audioMuted   bool
	videoOff     bool
	remoteTracks []*remoteTrack
	discTimer    *time.Timer
	started      time.Time

	states chan State
	done   chan struct{}
}

func newSession(ch *signal.Channel, requestID, selfID, remoteID string, initiator bool, policy Policy, cb Callbacks, onClosed func(string)) *Session {
	return &Session{
		requestID: requestID,
		selfID:    selfID,
		remoteID:  remoteID,
		initiator: initiator,
		channel:   ch,
		policy:    policy,
		cb:        cb,
		onClosed:  onClosed,
		state:     StateNew,
		started:   time.Now(),
		states:    make(chan State, 16),
		done:      make(chan struct{}),
	}
}

// start captures local media (falling back to receive-only when no device
// can be opened), builds the first peer connection, and begins reading the
// presence channel.
func (s *Session) start(ctx context.Context) error {
	media, err := captureMedia(s.channel.Name())
	if err != nil {
		log.Printf("CALL [%s]: %v — proceeding receive-only", s.channel.Name(), err)
		s.emitError(err)
	}
	s.mu.Lock()
	s.media = media
	s.mu.Unlock()

	pc, err := s.buildPC()
	if err != nil {
		// Never ran: mark the session terminal and release the devices so
		// Done() still resolves for anyone already holding the session.
		s.mu.Lock()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		close(s.done)
		media.close()
		return err
	}
	s.mu.Lock()
	s.pc = pc
	s.mu.Unlock()

	go s.stateLoop()
	go s.runLoop()

	// The initiator offers once the other participant shows up; if they
	// beat us onto the channel, offer right away.
	if s.initiator && s.channel.PeerPresent() {
		s.negotiate()
	}
	return nil
}

// buildPC constructs a peer connection wired to this session. Called for
// the initial connection and again for every reconnect.
func (s *Session) buildPC() (*webrtc.PeerConnection, error) {
	s.mu.Lock()
	media := s.media
	muted, videoOff := s.audioMuted, s.videoOff
	s.mu.Unlock()

	pc, err := newPeerConnection(s.channel.Name(), webrtc.Configuration{ICEServers: s.policy.ICEServers}, media, s.policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	var audioSender, videoSender *webrtc.RTPSender
	if media.hasVideo() {
		videoSender, err = pc.AddTrack(media.videoTrack)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack(video) error: %v", s.channel.Name(), err)
		} else if videoOff {
			_ = videoSender.ReplaceTrack(nil)
		}
	}
	if media.hasAudio() {
		audioSender, err = pc.AddTrack(media.audioTrack)
		if err != nil {
			log.Printf("CALL [%s]: AddTrack(audio) error: %v", s.channel.Name(), err)
		} else if muted {
			_ = audioSender.ReplaceTrack(nil)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		b, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := s.send(signal.Message{Type: signal.TypeCandidate, To: s.remoteID, Candidate: b}); err != nil {
			log.Printf("CALL [%s]: send candidate: %v", s.channel.Name(), err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if s.cb.OnRemoteTrack != nil {
			s.cb.OnRemoteTrack(track.Kind().String())
		}
		go s.watchRemoteTrack(pc, track, receiver)
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		s.handleConnState(pc, st)
	})

	s.mu.Lock()
	s.audioSender = audioSender
	s.videoSender = videoSender
	s.mu.Unlock()

	return pc, nil
}

// RequestID returns the help request this session serves.
func (s *Session) RequestID() string { return s.requestID }

// Remote returns the other participant's identity.
func (s *Session) Remote() string { return s.remoteID }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns a debug snapshot of the session.
func (s *Session) Status() map[string]any {
	s.mu.Lock()
	st := map[string]any{
		"request_id":    s.requestID,
		"remote":        s.remoteID,
		"initiator":     s.initiator,
		"state":         string(s.state),
		"attempts":      s.attempts,
		"audio_muted":   s.audioMuted,
		"video_off":     s.videoOff,
		"has_media":     s.media.hasAudio() || s.media.hasVideo(),
		"camera_device": "",
		"started":       s.started.Format(time.RFC3339),
	}
	if s.media != nil {
		st["camera_device"] = s.media.videoDeviceID
	}
	s.mu.Unlock()
	st["tracks"] = s.RemoteStats()
	return st
}

// ToggleMute flips the microphone and returns the new muted state.
// The track keeps capturing; the sender just stops emitting it, so unmute
// is instant and needs no renegotiation.
func (s *Session) ToggleMute() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false, ErrSessionClosed
	}
	if !s.media.hasAudio() || s.audioSender == nil {
		return false, fmt.Errorf("%w: audio", ErrNoLocalMedia)
	}
	s.audioMuted = !s.audioMuted
	if s.audioMuted {
		_ = s.audioSender.ReplaceTrack(nil)
	} else {
		_ = s.audioSender.ReplaceTrack(s.media.audioTrack)
	}
	log.Printf("CALL [%s]: audio muted=%v", s.channel.Name(), s.audioMuted)
	return s.audioMuted, nil
}

// ToggleVideo flips the camera and returns the new disabled state.
func (s *Session) ToggleVideo() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return false, ErrSessionClosed
	}
	if !s.media.hasVideo() || s.videoSender == nil {
		return false, fmt.Errorf("%w: video", ErrNoLocalMedia)
	}
	s.videoOff = !s.videoOff
	if s.videoOff {
		_ = s.videoSender.ReplaceTrack(nil)
	} else {
		_ = s.videoSender.ReplaceTrack(s.media.videoTrack)
	}
	log.Printf("CALL [%s]: video disabled=%v", s.channel.Name(), s.videoOff)
	return s.videoOff, nil
}

// SwitchCamera moves capture to the next enumerated camera and swaps it
// into the live connection via ReplaceTrack, so no renegotiation happens.
// Returns the new device ID. The old camera stays active if the switch
// fails.
func (s *Session) SwitchCamera() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return "", ErrSessionClosed
	}
	if !s.media.hasVideo() || s.videoSender == nil {
		return "", fmt.Errorf("%w: video", ErrNoLocalMedia)
	}

	ids := videoDeviceIDs()
	if len(ids) < 2 {
		return "", fmt.Errorf("%w: no other camera available", ErrMediaAccess)
	}
	next := ids[0]
	for i, id := range ids {
		if id == s.media.videoDeviceID {
			next = ids[(i+1)%len(ids)]
			break
		}
	}

	track, closer, err := captureVideoDevice(s.channel.Name(), s.media.env, next)
	if err != nil {
		return "", err
	}
	if !s.videoOff {
		if err := s.videoSender.ReplaceTrack(track); err != nil {
			closer()
			return "", fmt.Errorf("%w: replace track: %v", ErrMediaAccess, err)
		}
	}
	s.media.setVideo(track, closer, next)
	log.Printf("CALL [%s]: switched camera to %s", s.channel.Name(), next)
	return next, nil
}

// Hangup ends the call, notifies the remote side, and releases devices.
// Idempotent — safe to call multiple times and after a remote hangup.
func (s *Session) Hangup() {
	s.teardown(StateClosed, true)
}

// send publishes a signaling message, mapping transport errors onto the
// signaling error class.
func (s *Session) send(m signal.Message) error {
	if err := s.channel.Send(context.Background(), m); err != nil {
		return fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	return nil
}

// negotiate creates and sends an offer on the current peer connection.
// Candidates trickle separately via OnICECandidate.
func (s *Session) negotiate() {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || s.offered || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.offered = true
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		s.emitError(fmt.Errorf("%w: create offer: %v", ErrSignaling, err))
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		s.emitError(fmt.Errorf("%w: set local description: %v", ErrSignaling, err))
		return
	}
	if err := s.send(signal.Message{Type: signal.TypeOffer, To: s.remoteID, SDP: offer.SDP}); err != nil {
		s.emitError(err)
		return
	}
	log.Printf("CALL [%s]: offer sent to %s", s.channel.Name(), s.remoteID)
}

// runLoop consumes the presence channel until it closes or the session
// reaches a terminal state.
func (s *Session) runLoop() {
	msgs := s.channel.Messages()
	members := s.channel.Members()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			s.handleSignal(m)
		case ev, ok := <-members:
			if !ok {
				members = nil
				continue
			}
			if ev.Joined {
				log.Printf("CALL [%s]: %s joined", s.channel.Name(), ev.PeerID)
				if s.initiator {
					s.negotiate()
				}
			} else {
				// ICE notices the dead path on its own; the leave event
				// is informational unless a hangup already arrived.
				log.Printf("CALL [%s]: %s left channel", s.channel.Name(), ev.PeerID)
			}
		}
	}
}

func (s *Session) handleSignal(m signal.Message) {
	switch m.Type {
	case signal.TypeOffer:
		s.handleOffer(m)
	case signal.TypeAnswer:
		s.handleAnswer(m)
	case signal.TypeCandidate:
		s.handleCandidate(m)
	case signal.TypeHangup:
		log.Printf("CALL [%s]: remote hangup from %s", s.channel.Name(), m.From)
		s.teardown(StateClosed, false)
	}
}

func (s *Session) handleOffer(m signal.Message) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.initiator {
		// Roles are fixed per call: the requester offers, the volunteer
		// answers. An offer arriving at the initiator is a protocol error.
		s.mu.Unlock()
		log.Printf("CALL [%s]: unexpected offer from %s, ignoring", s.channel.Name(), m.From)
		return
	}
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}); err != nil {
		s.emitError(fmt.Errorf("%w: set remote offer: %v", ErrSignaling, err))
		return
	}
	s.flushCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		s.emitError(fmt.Errorf("%w: create answer: %v", ErrSignaling, err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		s.emitError(fmt.Errorf("%w: set local description: %v", ErrSignaling, err))
		return
	}
	if err := s.send(signal.Message{Type: signal.TypeAnswer, To: s.remoteID, SDP: answer.SDP}); err != nil {
		s.emitError(err)
		return
	}
	log.Printf("CALL [%s]: answered offer from %s", s.channel.Name(), m.From)
}

func (s *Session) handleAnswer(m signal.Message) {
	s.mu.Lock()
	pc := s.pc
	if pc == nil || !s.initiator || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
		s.emitError(fmt.Errorf("%w: set remote answer: %v", ErrSignaling, err))
		return
	}
	s.flushCandidates(pc)
}

// handleCandidate applies a trickled ICE candidate, buffering it when it
// arrives before the remote description.
func (s *Session) handleCandidate(m signal.Message) {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(m.Candidate, &init); err != nil {
		log.Printf("CALL [%s]: malformed candidate from %s: %v", s.channel.Name(), m.From, err)
		return
	}

	s.mu.Lock()
	pc := s.pc
	if pc == nil || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pendingICE = append(s.pendingICE, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if err := pc.AddICECandidate(init); err != nil {
		log.Printf("CALL [%s]: add candidate: %v", s.channel.Name(), err)
	}
}

// flushCandidates marks the remote description set and applies candidates
// that arrived early.
func (s *Session) flushCandidates(pc *webrtc.PeerConnection) {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pendingICE
	s.pendingICE = nil
	s.mu.Unlock()

	for _, init := range pending {
		if err := pc.AddICECandidate(init); err != nil {
			log.Printf("CALL [%s]: add buffered candidate: %v", s.channel.Name(), err)
		}
	}
}

// handleConnState reacts to Pion connection state changes for the given
// peer connection. Changes from a PC replaced by a reconnect are ignored.
func (s *Session) handleConnState(pc *webrtc.PeerConnection, st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.pc != pc || s.state.Terminal() {
		s.mu.Unlock()
		return
	}

	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.attempts = 0
		if s.discTimer != nil {
			s.discTimer.Stop()
			s.discTimer = nil
		}
		s.setStateLocked(StateConnected)
		s.mu.Unlock()

	case webrtc.PeerConnectionStateDisconnected:
		// Give ICE a chance to recover on its own before rebuilding.
		s.setStateLocked(StateDisconnected)
		if s.discTimer == nil {
			s.discTimer = time.AfterFunc(s.policy.DisconnectedTimeout, func() {
				s.mu.Lock()
				stale := s.pc != pc || s.state != StateDisconnected
				s.discTimer = nil
				s.mu.Unlock()
				if !stale {
					s.scheduleReconnect()
				}
			})
		}
		s.mu.Unlock()

	case webrtc.PeerConnectionStateFailed:
		s.mu.Unlock()
		s.scheduleReconnect()

	default:
		s.mu.Unlock()
	}
}

// scheduleReconnect burns one reconnection attempt: wait the backoff, then
// rebuild the peer connection. Exhausting the budget fails the session.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempt := s.attempts
	if attempt > s.policy.MaxReconnectAttempts {
		s.mu.Unlock()
		log.Printf("CALL [%s]: reconnect budget exhausted after %d attempts", s.channel.Name(), s.policy.MaxReconnectAttempts)
		s.emitError(ErrConnectionFailed)
		s.teardown(StateFailed, false)
		return
	}
	wait := s.policy.backoffFor(attempt)
	s.setStateLocked(StateConnecting)
	s.mu.Unlock()

	log.Printf("CALL [%s]: reconnect attempt %d/%d in %s", s.channel.Name(), attempt, s.policy.MaxReconnectAttempts, wait)
	if s.cb.OnReconnectAttempt != nil {
		s.cb.OnReconnectAttempt(attempt, wait)
	}

	time.AfterFunc(wait, s.rebuild)
}

// rebuild replaces the peer connection after a failure. Local media is
// kept; signaling starts over with a fresh offer from the initiator.
func (s *Session) rebuild() {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	old := s.pc
	s.pc = nil
	s.remoteSet = false
	s.pendingICE = nil
	s.offered = false
	s.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	pc, err := s.buildPC()
	if err != nil {
		log.Printf("CALL [%s]: rebuild failed: %v", s.channel.Name(), err)
		s.scheduleReconnect()
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		_ = pc.Close()
		return
	}
	s.pc = pc
	s.mu.Unlock()

	if s.initiator {
		s.negotiate()
	}
}

// teardown moves the session to a terminal state exactly once and releases
// every resource. sendHangup tells the remote side we are ending the call;
// it is false when reacting to their hangup or to connection failure.
func (s *Session) teardown(final State, sendHangup bool) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(final)
	if s.discTimer != nil {
		s.discTimer.Stop()
		s.discTimer = nil
	}
	pc := s.pc
	s.pc = nil
	media := s.media
	s.mu.Unlock()

	if sendHangup {
		if err := s.send(signal.Message{Type: signal.TypeHangup, To: s.remoteID}); err != nil {
			log.Printf("CALL [%s]: send hangup: %v", s.channel.Name(), err)
		}
	}

	close(s.done)
	if pc != nil {
		_ = pc.Close()
	}
	media.close()
	if err := s.channel.Leave(); err != nil {
		log.Printf("CALL [%s]: leave channel: %v", s.channel.Name(), err)
	}
	if s.onClosed != nil {
		s.onClosed(s.requestID)
	}
	log.Printf("CALL [%s]: session %s", s.channel.Name(), final)
}

// setStateLocked records a state change. Caller holds mu. Observers get
// the change in order via the state loop.
func (s *Session) setStateLocked(st State) {
	if s.state == st {
		return
	}
	s.state = st
	select {
	case s.states <- st:
	default:
	}
}

// stateLoop delivers state changes to the callback in order, off the
// session's lock.
func (s *Session) stateLoop() {
	for {
		select {
		case st := <-s.states:
			if s.cb.OnState != nil {
				s.cb.OnState(st)
			}
			if st.Terminal() {
				return
			}
		case <-s.done:
			// Drain anything emitted during teardown.
			select {
			case st := <-s.states:
				if s.cb.OnState != nil {
					s.cb.OnState(st)
				}
			default:
			}
			return
		}
	}
}

func (s *Session) emitError(err error) {
	if s.cb.OnError != nil {
		s.cb.OnError(err)
	}
}
