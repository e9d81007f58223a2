package call

import (
	"testing"
	"time"
)

func TestStateTerminal(t *testing.T) {
	terminal := map[State]bool{
		StateNew:          false,
		StateConnecting:   false,
		StateConnected:    false,
		StateDisconnected: false,
		StateFailed:       true,
		StateClosed:       true,
	}
	for s, want := range terminal {
		if got := s.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", s, got, want)
		}
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	if p.MaxReconnectAttempts != 5 {
		t.Fatalf("attempts = %d", p.MaxReconnectAttempts)
	}
	if len(p.ReconnectBackoff) != p.MaxReconnectAttempts {
		t.Fatalf("backoff schedule has %d entries for %d attempts", len(p.ReconnectBackoff), p.MaxReconnectAttempts)
	}
	if len(p.ICEServers) == 0 || len(p.ICEServers[0].URLs) == 0 {
		t.Fatal("no ICE servers")
	}
	if p.DisconnectedTimeout <= 0 {
		t.Fatal("no disconnected grace period")
	}
	if p.ICEFailedTimeout <= p.ICEDisconnectedTimeout {
		t.Fatalf("ICE failed timeout %s must exceed disconnected timeout %s", p.ICEFailedTimeout, p.ICEDisconnectedTimeout)
	}
}

func TestBackoffSchedule(t *testing.T) {
	p := Policy{ReconnectBackoff: []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second, // past the schedule the last entry repeats
		4 * time.Second,
	}
	for i, w := range want {
		if got := p.backoffFor(i + 1); got != w {
			t.Errorf("backoffFor(%d) = %s, want %s", i+1, got, w)
		}
	}
}

func TestBackoffEmptySchedule(t *testing.T) {
	var p Policy
	if got := p.backoffFor(1); got != time.Second {
		t.Fatalf("empty schedule backoff = %s", got)
	}
}
