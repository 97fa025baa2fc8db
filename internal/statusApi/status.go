// Package statusapi serves the HTTP status endpoints of a japenet process.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jape-engine/japenet/internal/instances"
	netmanager "github.com/jape-engine/japenet/internal/netManager"
)

const shutdownTimeout = 5 * time.Second

// Source is the state exposed by the API. It is called from HTTP
// goroutines.
type Source interface {
	Status() netmanager.Status
	SyncedInstances() []instances.Info
}

// NewRouter returns the routes of the API. Metrics are served from
// gatherer when it is not nil.
func NewRouter(src Source, gatherer prometheus.Gatherer, logger logr.Logger) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, logger, src.Status())
	})
	r.Get("/instances", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, logger, src.SyncedInstances())
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, logger logr.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error(err, "could not write response")
	}
}

// Server serves a router until its context ends.
type Server struct {
	Logger logr.Logger

	listener   net.Listener
	httpServer *http.Server
}

// Listen binds addr for h.
func Listen(addr string, h http.Handler, logger logr.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		Logger:     logger.WithName("status"),
		listener:   ln,
		httpServer: &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks until ctx ends, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.Logger.Info("serving status", "addr", s.Addr())
		errc <- s.httpServer.Serve(s.listener)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
