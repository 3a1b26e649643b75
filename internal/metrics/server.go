package metrics

import (
	"context"
	"net/http"
	"time"
)

// Server exposes a Collector's registry over HTTP. It runs its own
// goroutine once Start is called — the one ambient component that
// isn't driven by the application's poll cadence, per the facade's
// concurrency note.
type Server struct {
	httpSrv *http.Server
}

// NewServer returns a metrics server listening on addr once Start is
// called. collector must not be nil.
func NewServer(addr string, collector *Collector) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	return &Server{
		httpSrv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Start launches the HTTP server in the background. Errors after
// startup (other than a clean Shutdown) are not reported back to the
// caller, matching the teacher's fire-and-forget ListenAndServe idiom.
func (s *Server) Start() {
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// Nothing upstream is listening for this; the scrape target
			// simply stays unreachable.
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
