package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/PavelYadrov/qubership-zookeeper/auth"
	"github.com/PavelYadrov/qubership-zookeeper/config"
	"github.com/PavelYadrov/qubership-zookeeper/core"
	"github.com/PavelYadrov/qubership-zookeeper/snapshot"
	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	StatusRunning = "Running"
	StatusOk      = "Ok"
	StatusError   = "Error"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for a running store.
const DefaultShutdownTimeout = 10 * time.Second

// StoreResponse is the JSON body of every store side-car reply.
type StoreResponse struct {
	Status  string `json:"Status"`
	Message string `json:"Message,omitempty"`
}

// HealthResponse is the JSON body of GET /health.
type HealthResponse struct {
	Status         string  `json:"Status"`
	Destination    string  `json:"Destination"`
	Total          string  `json:"Total,omitempty"`
	Free           string  `json:"Free,omitempty"`
	UsedPercent    float64 `json:"UsedPercent,omitempty"`
	LastStore      string  `json:"LastStore,omitempty"`
	LastStoreFiles int     `json:"LastStoreFiles,omitempty"`
	Message        string  `json:"Message,omitempty"`
}

// StoreServer runs next to an ensemble member and copies the member's data
// directory into the shared backup storage on request.
type StoreServer struct {
	source      string
	destination string
	helper      snapshot.Helper
	handler     http.Handler
	server      *http.Server
	logger      *slog.Logger

	// One store at a time; a second request waits for the first.
	storeMu   sync.Mutex
	lastStore time.Time
	lastFiles int

	usage func(path string) (*disk.UsageStat, error)
}

// NewStoreServer builds the side-car for cfg. A nil authenticator allows
// every request.
func NewStoreServer(cfg config.ServerConfig, authenticator core.IAuthenticator, logger *slog.Logger) *StoreServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if authenticator == nil {
		authenticator = auth.NewNonAuthenticator()
	}
	s := &StoreServer{
		source:      cfg.SourceDir,
		destination: cfg.DestinationDir,
		helper:      snapshot.NewHelper(),
		logger:      logger.With("component", "StoreServer"),
		usage:       disk.Usage,
	}

	r := mux.NewRouter()
	r.Handle("/", authenticator.Middleware(auth.RoleReader, http.HandlerFunc(s.handleState))).Methods(http.MethodGet)
	r.Handle("/health", authenticator.Middleware(auth.RoleReader, http.HandlerFunc(s.handleHealth))).Methods(http.MethodGet)
	r.Handle("/store", authenticator.Middleware(auth.RoleWriter, http.HandlerFunc(s.handleStore))).Methods(http.MethodPost)
	r.Use(s.recoverer)

	s.handler = jsonContentType(gziphandler.GzipHandler(r))
	s.server = &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *StoreServer) Handler() http.Handler { return s.handler }

// Serve accepts connections on lis until Shutdown is called.
func (s *StoreServer) Serve(lis net.Listener) error {
	s.logger.Info("Store server listening.", "address", lis.Addr().String(), "source", s.source, "destination", s.destination)
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("store server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address.
func (s *StoreServer) ListenAndServe() error {
	lis, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(lis)
}

// Shutdown stops accepting requests and waits for running ones.
func (s *StoreServer) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping store server...")
	return s.server.Shutdown(ctx)
}

// Store replaces the destination with a copy of the source directory,
// preserving modification times.
func (s *StoreServer) Store() (int, error) {
	s.storeMu.Lock()
	defer s.storeMu.Unlock()

	if err := s.helper.RemoveAll(s.destination); err != nil {
		return 0, fmt.Errorf("remove of '%s' folder failed: %w", s.destination, err)
	}
	if err := s.helper.MkdirAll(s.destination, 0755); err != nil {
		return 0, fmt.Errorf("creation of '%s' folder failed: %w", s.destination, err)
	}
	if err := s.helper.CopyDirectoryContents(s.source, s.destination); err != nil {
		return 0, fmt.Errorf("copy of '%s' to '%s' failed: %w", s.source, s.destination, err)
	}
	entries, err := s.helper.ReadDir(s.destination)
	if err != nil {
		return 0, fmt.Errorf("failed to list '%s': %w", s.destination, err)
	}
	s.lastStore = time.Now()
	s.lastFiles = len(entries)
	return len(entries), nil
}

func (s *StoreServer) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StoreResponse{Status: StatusRunning})
}

func (s *StoreServer) handleStore(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	files, err := s.Store()
	if err != nil {
		s.logger.Error("Store failed.", "error", err)
		writeJSON(w, http.StatusInternalServerError, StoreResponse{Status: StatusError, Message: err.Error()})
		return
	}
	s.logger.Info("Data files stored.", "files", files, "destination", s.destination, "duration", time.Since(start))
	writeJSON(w, http.StatusOK, StoreResponse{Status: StatusOk})
}

func (s *StoreServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: StatusRunning, Destination: s.destination}
	s.storeMu.Lock()
	if !s.lastStore.IsZero() {
		resp.LastStore = humanize.Time(s.lastStore)
		resp.LastStoreFiles = s.lastFiles
	}
	s.storeMu.Unlock()

	// The destination may not exist before the first store.
	usage, err := s.usage(s.usagePath())
	if err != nil {
		s.logger.Warn("Failed to read storage usage.", "path", s.destination, "error", err)
		resp.Status = StatusError
		resp.Message = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	resp.Total = humanize.Bytes(usage.Total)
	resp.Free = humanize.Bytes(usage.Free)
	resp.UsedPercent = usage.UsedPercent
	writeJSON(w, http.StatusOK, resp)
}

func (s *StoreServer) usagePath() string {
	if _, err := s.helper.Stat(s.destination); err == nil {
		return s.destination
	}
	return s.source
}

func (s *StoreServer) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Handler panicked.", "path", r.URL.Path, "panic", rec)
				writeJSON(w, http.StatusInternalServerError, StoreResponse{Status: StatusError})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
