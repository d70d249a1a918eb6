// Package adminapi implements the loopback-only operator control
// surface named in SPEC_FULL.md §4: read-only status plus two
// operator actions that enqueue onto the swarm driver's local-command
// queue rather than touching driver state directly.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/swarmnode/pkg/log"
	"github.com/cuemby/swarmnode/pkg/swarm"
	"github.com/rs/zerolog"
)

// Driver is the subset of swarm.Driver's API the admin surface needs.
type Driver interface {
	Status() swarm.Status
	TriggerReplication(ctx context.Context) bool
	TriggerCleanup(ctx context.Context) bool
}

// Server is the admin API's net/http server.
type Server struct {
	addr   string
	driver Driver
	http   *http.Server
	logger zerolog.Logger
}

// New constructs an admin API server bound to addr (expected to be a
// loopback address; SPEC_FULL.md §4 "bound to a loopback-only listener
// by default").
func New(addr string, driver Driver) *Server {
	s := &Server{addr: addr, driver: driver, logger: log.WithComponent("adminapi")}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/replicate", s.handleReplicate)
	mux.HandleFunc("/cleanup", s.handleCleanup)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run starts serving and blocks until ctx is cancelled, at which point
// it shuts the HTTP server down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.driver.Status())
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.driver.TriggerReplication(r.Context()) {
		http.Error(w, "local command queue full", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.driver.TriggerCleanup(r.Context()) {
		http.Error(w, "local command queue full", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Logger.Warn().Err(err).Msg("adminapi: failed to encode response")
	}
}
