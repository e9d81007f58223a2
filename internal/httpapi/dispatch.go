package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lumenassist/lumen/internal/store"
)

// requestVM is the wire shape of a help request.
type requestVM struct {
	ID          string    `json:"id"`
	RequesterID string    `json:"requester_id"`
	Status      string    `json:"status"`
	VolunteerID string    `json:"volunteer_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func toRequestVM(r store.HelpRequest) requestVM {
	vm := requestVM{
		ID:          r.ID,
		RequesterID: r.RequesterID,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.AssignedVolunteerID != nil {
		vm.VolunteerID = *r.AssignedVolunteerID
	}
	return vm
}

type sessionVM struct {
	ID              string     `json:"id"`
	HelpRequestID   string     `json:"help_request_id"`
	RequesterID     string     `json:"requester_id"`
	VolunteerID     string     `json:"volunteer_id"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds *int64     `json:"duration_seconds,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
}

func toSessionVM(s store.Session) sessionVM {
	return sessionVM{
		ID:              s.ID,
		HelpRequestID:   s.HelpRequestID,
		RequesterID:     s.RequesterID,
		VolunteerID:     s.VolunteerID,
		StartedAt:       s.StartedAt,
		EndedAt:         s.EndedAt,
		DurationSeconds: s.DurationSeconds,
		Rating:          s.Rating,
	}
}

func (s *Server) registerDispatch() {
	mux := s.mux
	eng := s.deps.Engine
	db := s.deps.Store

	// /api/requests — POST creates, GET lists by requester.
	mux.HandleFunc("/api/requests", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body struct {
				RequesterID string `json:"requester_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
			req, err := eng.CreateRequest(r.Context(), body.RequesterID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, toRequestVM(req))

		case http.MethodGet:
			user := r.URL.Query().Get("user")
			if user == "" {
				http.Error(w, "missing user query parameter", http.StatusBadRequest)
				return
			}
			reqs, err := db.ListRequestsByUser(r.Context(), user)
			if err != nil {
				writeError(w, err)
				return
			}
			vms := make([]requestVM, 0, len(reqs))
			for _, rr := range reqs {
				vms = append(vms, toRequestVM(rr))
			}
			writeJSON(w, vms)

		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// /api/requests/{id} and /api/requests/{id}/{action}
	mux.HandleFunc("/api/requests/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, "/api/requests/")
		parts := strings.SplitN(tail, "/", 2)
		id := parts[0]
		if id == "" {
			http.Error(w, "missing request id", http.StatusBadRequest)
			return
		}

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			req, err := db.GetRequest(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, toRequestVM(req))
			return
		}

		action := parts[1]

		if action == "session" {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			sess, err := db.SessionForRequest(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, toSessionVM(sess))
			return
		}

		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			VolunteerID string `json:"volunteer_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch action {
		case "accept":
			sess, err := eng.AcceptRequest(r.Context(), id, body.VolunteerID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, toSessionVM(sess))
		case "decline":
			if err := eng.DeclineRequest(r.Context(), id, body.VolunteerID); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "declined"})
		case "cancel":
			if err := eng.CancelRequest(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "cancelled"})
		case "complete":
			if err := eng.CompleteRequest(r.Context(), id); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, map[string]string{"status": "completed"})
		default:
			http.Error(w, "unknown action "+action, http.StatusNotFound)
		}
	})

	// /api/sessions — GET list for either side of the call.
	handleGet(mux, "/api/sessions", func(w http.ResponseWriter, r *http.Request) {
		user := r.URL.Query().Get("user")
		if user == "" {
			http.Error(w, "missing user query parameter", http.StatusBadRequest)
			return
		}
		sessions, err := db.ListSessionsByUser(r.Context(), user)
		if err != nil {
			writeError(w, err)
			return
		}
		vms := make([]sessionVM, 0, len(sessions))
		for _, sess := range sessions {
			vms = append(vms, toSessionVM(sess))
		}
		writeJSON(w, vms)
	})

	// /api/sessions/{id} and /api/sessions/{id}/rate
	mux.HandleFunc("/api/sessions/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		parts := strings.SplitN(tail, "/", 2)
		id := parts[0]
		if id == "" {
			http.Error(w, "missing session id", http.StatusBadRequest)
			return
		}

		if len(parts) == 1 {
			if r.Method != http.MethodGet {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			sess, err := db.GetSession(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, toSessionVM(sess))
			return
		}

		if parts[1] != "rate" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var body struct {
			Rating int `json:"rating"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := eng.RateSession(r.Context(), id, body.Rating); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "rated"})
	})

	// /api/volunteers — POST upserts a directory row.
	handlePost(mux, "/api/volunteers", func(w http.ResponseWriter, r *http.Request, body struct {
		ID               string   `json:"id"`
		DisplayName      string   `json:"display_name"`
		Available        bool     `json:"available"`
		Rating           *float64 `json:"rating"`
		ReliabilityScore *float64 `json:"reliability_score"`
		ResponseTimeAvg  *float64 `json:"response_time_avg"`
	}) {
		if body.ID == "" {
			http.Error(w, "missing volunteer id", http.StatusBadRequest)
			return
		}
		err := db.UpsertVolunteer(r.Context(), store.Volunteer{
			ID:               body.ID,
			DisplayName:      body.DisplayName,
			Available:        body.Available,
			Rating:           body.Rating,
			ReliabilityScore: body.ReliabilityScore,
			ResponseTimeAvg:  body.ResponseTimeAvg,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
	})

	// /api/volunteers/{id}/available — availability toggle.
	mux.HandleFunc("/api/volunteers/", func(w http.ResponseWriter, r *http.Request) {
		tail := strings.TrimPrefix(r.URL.Path, "/api/volunteers/")
		parts := strings.SplitN(tail, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] != "available" || r.Method != http.MethodPost {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var body struct {
			Available bool `json:"available"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if err := db.SetVolunteerAvailable(r.Context(), parts[0], body.Available); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]bool{"available": body.Available})
	})

	// GET /api/events — SSE stream of dispatch events. Volunteers watch it
	// for incoming assignments; requesters for reassignment progress.
	handleGet(mux, "/api/events", func(w http.ResponseWriter, r *http.Request) {
		sseHeaders(w)
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		ch, cancel := eng.Subscribe()
		defer cancel()

		fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
		flusher.Flush()

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-ch:
				if !ok {
					return
				}
				data, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: dispatch\ndata: %s\n\n", data)
				flusher.Flush()
			}
		}
	})
}
