// Package httpapi exposes the dispatch and call operations over a local
// HTTP surface: JSON endpoints for the request lifecycle and device
// controls, SSE streams for dispatch and call events, and a WebSocket
// relay that lets browser clients signal through this node.
package httpapi

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/lumenassist/lumen/internal/call"
	"github.com/lumenassist/lumen/internal/dispatch"
	"github.com/lumenassist/lumen/internal/signal"
	"github.com/lumenassist/lumen/internal/store"
)

// Deps carries everything the routes need. Calls may be nil when the node
// runs dispatch-only; the call routes then respond 404.
type Deps struct {
	Store     *store.DB
	Engine    *dispatch.Engine
	Calls     *call.Manager
	Transport signal.Transport
	SelfID    string
}

type Server struct {
	deps Deps
	mux  *http.ServeMux
	hub  *callHub
}

func New(deps Deps) *Server {
	s := &Server{
		deps: deps,
		mux:  http.NewServeMux(),
		hub:  newCallHub(),
	}
	s.registerDispatch()
	s.registerCalls()
	s.registerSignalWS()
	return s
}

// Handler returns the route tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Serve runs the HTTP server until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("HTTP: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
