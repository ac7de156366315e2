package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/arl/statsviz"
)

// DebugServer serves pprof and the statsviz runtime dashboard on a separate
// address so it never shares a port with the store endpoints.
type DebugServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewDebugServer builds the debug server for addr. The dashboard lives under
// /debug/statsviz/.
func NewDebugServer(addr string, logger *slog.Logger) (*DebugServer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "DebugServer")

	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := statsviz.Register(mux, statsviz.SendFrequency(time.Second)); err != nil {
		return nil, fmt.Errorf("failed to register statsviz: %w", err)
	}

	return &DebugServer{
		server: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Handler returns the debug mux.
func (s *DebugServer) Handler() http.Handler { return s.server.Handler }

// ListenAndServe blocks until Shutdown is called.
func (s *DebugServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	s.logger.Info("Debug server listening.", "address", lis.Addr().String(), "dashboard", "/debug/statsviz/")
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("debug server failed: %w", err)
	}
	return nil
}

// Shutdown stops the debug server.
func (s *DebugServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping debug server...")
	return s.server.Shutdown(ctx)
}
