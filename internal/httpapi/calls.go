package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lumenassist/lumen/internal/call"
	"github.com/lumenassist/lumen/internal/store"
)

func (s *Server) registerCalls() {
	mux := s.mux
	mgr := s.deps.Calls
	db := s.deps.Store

	// GET /api/call/debug — live session status for testing without a UI.
	handleGet(mux, "/api/call/debug", func(w http.ResponseWriter, r *http.Request) {
		if mgr == nil {
			http.Error(w, "calls disabled on this node", http.StatusNotFound)
			return
		}
		sessions := mgr.All()
		statuses := make([]map[string]any, 0, len(sessions))
		for _, sess := range sessions {
			statuses = append(statuses, sess.Status())
		}
		writeJSON(w, map[string]any{
			"session_count": len(statuses),
			"sessions":      statuses,
		})
	})

	// POST /api/call/start — join the request's presence channel and begin
	// the call. The request must be in progress and this node must be one
	// of its two participants.
	handlePost(mux, "/api/call/start", func(w http.ResponseWriter, r *http.Request, body struct {
		RequestID string `json:"request_id"`
	}) {
		if mgr == nil {
			http.Error(w, "calls disabled on this node", http.StatusNotFound)
			return
		}
		if body.RequestID == "" {
			http.Error(w, "missing request_id", http.StatusBadRequest)
			return
		}

		req, err := db.GetRequest(r.Context(), body.RequestID)
		if err != nil {
			writeError(w, err)
			return
		}
		if req.Status != store.StatusInProgress || req.AssignedVolunteerID == nil {
			writeError(w, fmt.Errorf("%w: request %s is %s", store.ErrConflict, req.ID, req.Status))
			return
		}

		hub := s.hub
		sess, err := mgr.Start(r.Context(), call.StartOpts{
			RequestID:   req.ID,
			RequesterID: req.RequesterID,
			VolunteerID: *req.AssignedVolunteerID,
			Callbacks: call.Callbacks{
				OnState: func(st call.State) {
					hub.publish(callEvent{RequestID: req.ID, Type: "state", State: string(st)})
				},
				OnReconnectAttempt: func(attempt int, wait time.Duration) {
					hub.publish(callEvent{RequestID: req.ID, Type: "reconnect", Attempt: attempt, WaitMS: wait.Milliseconds()})
				},
				OnError: func(err error) {
					hub.publish(callEvent{RequestID: req.ID, Type: "error", Error: err.Error()})
				},
				OnRemoteTrack: func(kind string) {
					hub.publish(callEvent{RequestID: req.ID, Type: "track", TrackKind: kind})
				},
			},
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{
			"status":     "started",
			"request_id": req.ID,
			"remote":     sess.Remote(),
		})
	})

	// POST /api/call/hangup
	handlePost(mux, "/api/call/hangup", func(w http.ResponseWriter, r *http.Request, body struct {
		RequestID string `json:"request_id"`
	}) {
		if mgr == nil {
			http.Error(w, "calls disabled on this node", http.StatusNotFound)
			return
		}
		sess, ok := mgr.Get(body.RequestID)
		if !ok {
			writeJSON(w, map[string]string{"status": "not_found"})
			return
		}
		sess.Hangup()
		writeJSON(w, map[string]string{"status": "hung_up"})
	})

	// POST /api/call/toggle-audio
	handlePost(mux, "/api/call/toggle-audio", func(w http.ResponseWriter, r *http.Request, body struct {
		RequestID string `json:"request_id"`
	}) {
		sess, ok := s.session(w, mgr, body.RequestID)
		if !ok {
			return
		}
		muted, err := sess.ToggleMute()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"muted": muted})
	})

	// POST /api/call/toggle-video
	handlePost(mux, "/api/call/toggle-video", func(w http.ResponseWriter, r *http.Request, body struct {
		RequestID string `json:"request_id"`
	}) {
		sess, ok := s.session(w, mgr, body.RequestID)
		if !ok {
			return
		}
		disabled, err := sess.ToggleVideo()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"disabled": disabled})
	})

	// POST /api/call/switch-camera
	handlePost(mux, "/api/call/switch-camera", func(w http.ResponseWriter, r *http.Request, body struct {
		RequestID string `json:"request_id"`
	}) {
		sess, ok := s.session(w, mgr, body.RequestID)
		if !ok {
			return
		}
		device, err := sess.SwitchCamera()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"device": device})
	})

	// GET /api/call/session/{request}/events — SSE: per-session state,
	// reconnect, error and track events, ending with the terminal state.
	mux.HandleFunc("/api/call/session/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		tail := strings.TrimPrefix(r.URL.Path, "/api/call/session/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "events" {
			http.Error(w, "invalid path — expected /api/call/session/{request}/events", http.StatusBadRequest)
			return
		}
		requestID := parts[0]

		if mgr == nil {
			http.Error(w, "calls disabled on this node", http.StatusNotFound)
			return
		}
		sess, ok := mgr.Get(requestID)
		if !ok {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}

		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := s.hub.subscribe(requestID)
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"state\":%q}\n\n", sess.State())
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sess.Done():
				data, _ := json.Marshal(callEvent{RequestID: requestID, Type: "state", State: string(sess.State())})
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
				return
			case evt := <-ch:
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: call\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}

// session resolves an active call session or writes a 404.
func (s *Server) session(w http.ResponseWriter, mgr *call.Manager, requestID string) (*call.Session, bool) {
	if mgr == nil {
		http.Error(w, "calls disabled on this node", http.StatusNotFound)
		return nil, false
	}
	sess, ok := mgr.Get(requestID)
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return sess, true
}
