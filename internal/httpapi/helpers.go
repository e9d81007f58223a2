package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/lumenassist/lumen/internal/call"
	"github.com/lumenassist/lumen/internal/dispatch"
	"github.com/lumenassist/lumen/internal/signal"
	"github.com/lumenassist/lumen/internal/store"
)

// handleGet registers a GET-only handler.
func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	})
}

// handlePost registers a POST-only handler with a decoded JSON body.
// An empty body decodes to T's zero value.
func handlePost[T any](mux *http.ServeMux, path string, fn func(http.ResponseWriter, *http.Request, T)) {
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req T
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
			return
		}
		fn(w, r, req)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("HTTP: encode response: %v", err)
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

// writeError maps the service error classes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, dispatch.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, signal.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, signal.ErrBadChannel):
		status = http.StatusBadRequest
	case errors.Is(err, call.ErrNoLocalMedia):
		status = http.StatusConflict
	case errors.Is(err, call.ErrSessionClosed):
		status = http.StatusConflict
	case errors.Is(err, call.ErrMediaAccess):
		status = http.StatusServiceUnavailable
	case errors.Is(err, call.ErrSignaling), errors.Is(err, call.ErrConnectionFailed):
		status = http.StatusBadGateway
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
