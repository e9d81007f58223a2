package httpapi

import "sync"

// callEvent is one observable call happening, fanned out to the SSE
// watchers of a request's session.
type callEvent struct {
	RequestID string `json:"request_id"`
	Type      string `json:"type"` // state | reconnect | error | track
	State     string `json:"state,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	WaitMS    int64  `json:"wait_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	TrackKind string `json:"track_kind,omitempty"`
}

// callHub fans call events out to per-request subscribers. Slow consumers
// lose events rather than blocking the session callbacks.
type callHub struct {
	mu   sync.Mutex
	subs map[string]map[chan callEvent]struct{}
}

func newCallHub() *callHub {
	return &callHub{subs: make(map[string]map[chan callEvent]struct{})}
}

func (h *callHub) subscribe(requestID string) (chan callEvent, func()) {
	ch := make(chan callEvent, 16)
	h.mu.Lock()
	set := h.subs[requestID]
	if set == nil {
		set = make(map[chan callEvent]struct{})
		h.subs[requestID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[requestID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, requestID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *callHub) publish(evt callEvent) {
	h.mu.Lock()
	for ch := range h.subs[evt.RequestID] {
		select {
		case ch <- evt:
		default:
		}
	}
	h.mu.Unlock()
}
