package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lumenassist/lumen/internal/signal"
)

func startTestSession(t *testing.T) (*Manager, *Session) {
	t.Helper()
	mgr := New(signal.NewMemoryTransport(), "alice", DefaultPolicy())
	t.Cleanup(mgr.Close)

	// Capture may fail on a machine without camera/mic; the session then
	// runs receive-only, which is all these tests need.
	sess, err := mgr.Start(context.Background(), StartOpts{
		RequestID:   "req-1",
		RequesterID: "alice",
		VolunteerID: "bob",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return mgr, sess
}

func TestHangupIsIdempotent(t *testing.T) {
	mgr, sess := startTestSession(t)

	sess.Hangup()
	sess.Hangup()

	if got := sess.State(); got != StateClosed {
		t.Fatalf("state after double hangup = %s, want %s", got, StateClosed)
	}
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel never closed")
	}
	if _, ok := mgr.Get("req-1"); ok {
		t.Fatal("session still registered after hangup")
	}
}

func TestDuplicateSessionRejected(t *testing.T) {
	mgr, _ := startTestSession(t)

	if _, err := mgr.Start(context.Background(), StartOpts{
		RequestID:   "req-1",
		RequesterID: "alice",
		VolunteerID: "bob",
	}); err == nil {
		t.Fatal("second session for the same request accepted")
	}
}

func TestControlsAfterHangup(t *testing.T) {
	_, sess := startTestSession(t)
	sess.Hangup()

	if _, err := sess.ToggleMute(); err == nil {
		t.Fatal("ToggleMute after hangup succeeded")
	}
	if _, err := sess.ToggleVideo(); err == nil {
		t.Fatal("ToggleVideo after hangup succeeded")
	}
	if _, err := sess.SwitchCamera(); err == nil {
		t.Fatal("SwitchCamera after hangup succeeded")
	}
}

func TestReconnectBudgetExhaustion(t *testing.T) {
	attempts := make(chan int, 8)
	errs := make(chan error, 8)

	p := DefaultPolicy()
	p.MaxReconnectAttempts = 2
	p.ReconnectBackoff = []time.Duration{time.Millisecond}

	mgr := New(signal.NewMemoryTransport(), "alice", p)
	t.Cleanup(mgr.Close)

	sess, err := mgr.Start(context.Background(), StartOpts{
		RequestID:   "req-1",
		RequesterID: "alice",
		VolunteerID: "bob",
		Callbacks: Callbacks{
			OnReconnectAttempt: func(attempt int, wait time.Duration) { attempts <- attempt },
			OnError:            func(err error) { errs <- err },
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Each lost connection burns one attempt; the third exceeds the budget
	// and must fail the session instead of retrying.
	sess.scheduleReconnect()
	sess.scheduleReconnect()
	sess.scheduleReconnect()

	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never reached a terminal state")
	}
	if got := sess.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}

	var seen []int
	for len(attempts) > 0 {
		seen = append(seen, <-attempts)
	}
	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Fatalf("reconnect attempts = %v, want [1 2]", seen)
	}

	exhausted := false
	for len(errs) > 0 {
		if errors.Is(<-errs, ErrConnectionFailed) {
			exhausted = true
		}
	}
	if !exhausted {
		t.Fatal("ErrConnectionFailed never surfaced")
	}

	// A late reconnect trigger on the failed session is a no-op.
	sess.scheduleReconnect()
	select {
	case a := <-attempts:
		t.Fatalf("attempt %d issued after failure", a)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartFailureClosesSession(t *testing.T) {
	p := DefaultPolicy()
	p.ICEServers = []webrtc.ICEServer{{URLs: []string{"not-a-url"}}}

	tr := signal.NewMemoryTransport()
	ch, err := signal.Join(context.Background(), tr, "req-1", "alice", "alice", "bob")
	if err != nil {
		t.Fatalf("join: %v", err)
	}

	sess := newSession(ch, "req-1", "alice", "bob", true, p, Callbacks{}, nil)
	if err := sess.start(context.Background()); err == nil {
		t.Fatal("start succeeded with an unparsable ICE server URL")
	}

	// The failed start must still resolve the session for anyone watching.
	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel never closed after failed start")
	}
	if got := sess.State(); got != StateFailed {
		t.Fatalf("state = %s, want %s", got, StateFailed)
	}
}

func TestManagerCloseHangsUpAll(t *testing.T) {
	mgr, sess := startTestSession(t)
	mgr.Close()

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session survived manager close")
	}
	if got := sess.State(); got != StateClosed {
		t.Fatalf("state = %s, want %s", got, StateClosed)
	}
}
