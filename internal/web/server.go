package web

import (
	"context"
	"io/fs"
	"log"
	"net/http"
	"time"

	"github.com/Webrewthebestbeer1/skybox/internal/logic/limits"
)

// Server wraps the HTTP server and handlers.
type Server struct {
	addr     string
	handlers *Handlers
}

// NewServer creates a server configured for the given address and dependencies.
func NewServer(addr string, broadcaster *StatusBroadcaster, motor Motor, events EventSource, info HWInfo) *Server {
	subFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		log.Fatalf("web: failed to sub static fs: %v", err)
	}

	return &Server{
		addr:     addr,
		handlers: NewHandlers(broadcaster, motor, events, info, subFS),
	}
}

// Mux returns an http.Handler with all routes registered.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handlers.HandleStatus)
	mux.HandleFunc("GET /api/hw-info", s.handlers.HandleHWInfo)
	mux.HandleFunc("GET /api/events", s.handlers.HandleEvents)
	mux.HandleFunc("POST /api/step", s.handlers.HandleStep)
	mux.HandleFunc("POST /api/stop", s.handlers.HandleStop)
	mux.HandleFunc("POST /api/home", s.handlers.HandleHome)
	mux.HandleFunc("POST /api/set-home", s.handlers.HandleSetHome)
	mux.HandleFunc("POST /api/set-limit-left", s.handlers.HandleSetLimit(limits.Left))
	mux.HandleFunc("POST /api/set-limit-right", s.handlers.HandleSetLimit(limits.Right))
	mux.HandleFunc("POST /api/clear-limits", s.handlers.HandleClearLimits)
	mux.HandleFunc("GET /api/speed", s.handlers.HandleSpeed)
	mux.HandleFunc("POST /api/speed", s.handlers.HandleSpeed)
	mux.HandleFunc("GET /status/stream", s.handlers.HandleStatusStream)
	mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(s.handlers.staticFS))))
	mux.HandleFunc("GET /{$}", s.handlers.ServeIndex) // exact match for root only

	return mux
}

// Run starts the server and blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.Mux()}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("web server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
