package httpapi

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/lumenassist/lumen/internal/signal"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 65536,
	// The API binds to loopback; browser pages served from file:// or
	// localhost must still be able to connect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerSignalWS exposes the presence channel to browser clients:
// GET /api/signal/ws?request_id=..&identity=.. upgrades to a WebSocket that
// relays signaling messages both ways. The identity is authorized against
// the request's two participants before the channel is joined, so a
// spectator cannot attach to someone else's call.
func (s *Server) registerSignalWS() {
	mux := s.mux
	db := s.deps.Store
	transport := s.deps.Transport

	handleGet(mux, "/api/signal/ws", func(w http.ResponseWriter, r *http.Request) {
		if transport == nil {
			http.Error(w, "signaling disabled on this node", http.StatusNotFound)
			return
		}

		requestID := r.URL.Query().Get("request_id")
		identity := r.URL.Query().Get("identity")
		if requestID == "" || identity == "" {
			http.Error(w, "missing request_id or identity", http.StatusBadRequest)
			return
		}

		req, err := db.GetRequest(r.Context(), requestID)
		if err != nil {
			writeError(w, err)
			return
		}
		volunteerID := ""
		if req.AssignedVolunteerID != nil {
			volunteerID = *req.AssignedVolunteerID
		}

		ch, err := signal.Join(r.Context(), transport, requestID, identity, req.RequesterID, volunteerID)
		if err != nil {
			writeError(w, err)
			return
		}

		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			_ = ch.Leave()
			log.Printf("SIGNAL [%s]: websocket upgrade: %v", ch.Name(), err)
			return
		}
		defer conn.Close()
		defer ch.Leave()

		// Inbound: websocket frames become channel messages.
		go func() {
			defer ch.Leave()
			for {
				var msg signal.Message
				if err := conn.ReadJSON(&msg); err != nil {
					return
				}
				if err := ch.Send(r.Context(), msg); err != nil {
					log.Printf("SIGNAL [%s]: relay send: %v", ch.Name(), err)
				}
			}
		}()

		// Outbound: channel messages and membership become JSON frames.
		msgs := ch.Messages()
		members := ch.Members()
		for msgs != nil || members != nil {
			select {
			case <-r.Context().Done():
				return
			case m, ok := <-msgs:
				if !ok {
					msgs = nil
					continue
				}
				if err := conn.WriteJSON(m); err != nil {
					return
				}
			case ev, ok := <-members:
				if !ok {
					members = nil
					continue
				}
				if err := conn.WriteJSON(map[string]any{
					"type":    "member",
					"peer_id": ev.PeerID,
					"joined":  ev.Joined,
				}); err != nil {
					return
				}
			}
		}
	})
}
