// Package api serves the sboxd control API over a unix socket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/config"
	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/fetch"
	"github.com/xfeldman/sboxd/internal/kconfig"
	"github.com/xfeldman/sboxd/internal/logstore"
	"github.com/xfeldman/sboxd/internal/registry"
	"github.com/xfeldman/sboxd/internal/service"
	"github.com/xfeldman/sboxd/internal/supervisor"
)

// Kernel is the supervisor surface the API drives.
type Kernel interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Status() supervisor.Status
}

// Operations are the orchestration calls the API exposes.
type Operations interface {
	UpdateSubscription(ctx context.Context, url string) (*service.SubscriptionResult, error)
	InstallKernel(ctx context.Context, version string) (*service.InstallResult, error)
	SetMode(ctx context.Context, mode kconfig.Mode) error
	SetIPVersion(ctx context.Context, preferIPv6 bool) (int, error)
	SelfUpdate(ctx context.Context, url string, launch bool) (*service.UpdateResult, error)
}

// Deps wires a Server. Logs and Registry are optional.
type Deps struct {
	Config   *config.Config
	Logger   *zap.Logger
	Kernel   Kernel
	Ops      Operations
	Events   *events.Bus
	Logs     *logstore.Log
	Registry *registry.DB
}

// Server is the sboxd HTTP API server.
type Server struct {
	cfg    *config.Config
	log    *zap.Logger
	kernel Kernel
	ops    Operations
	bus    *events.Bus
	logs   *logstore.Log
	db     *registry.DB

	mux    *http.ServeMux
	server *http.Server
	ln     net.Listener
}

// NewServer creates a server.
func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:    d.Config,
		log:    d.Logger.Named("api"),
		kernel: d.Kernel,
		ops:    d.Ops,
		bus:    d.Events,
		logs:   d.Logs,
		db:     d.Registry,
		mux:    http.NewServeMux(),
	}
	s.registerRoutes()
	s.server = &http.Server{Handler: s.mux}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /v1/status", s.handleStatus)
	s.mux.HandleFunc("POST /v1/kernel/start", s.handleKernelStart)
	s.mux.HandleFunc("POST /v1/kernel/stop", s.handleKernelStop)
	s.mux.HandleFunc("POST /v1/kernel/restart", s.handleKernelRestart)
	s.mux.HandleFunc("GET /v1/kernel/logs", s.handleKernelLogs)
	s.mux.HandleFunc("GET /v1/kernel/history", s.handleKernelHistory)
	s.mux.HandleFunc("POST /v1/kernel/install", s.handleKernelInstall)
	s.mux.HandleFunc("POST /v1/subscription", s.handleSubscription)
	s.mux.HandleFunc("POST /v1/mode", s.handleMode)
	s.mux.HandleFunc("POST /v1/ip-version", s.handleIPVersion)
	s.mux.HandleFunc("POST /v1/self-update", s.handleSelfUpdate)
	s.mux.HandleFunc("GET /v1/events", s.handleEvents)
	s.mux.Handle("GET /metrics", promhttp.Handler())
}

// Handler exposes the route table, mainly for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Start begins listening on the unix socket.
func (s *Server) Start() error {
	// Remove stale socket
	os.Remove(s.cfg.SocketPath)

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.ln = ln
	os.Chmod(s.cfg.SocketPath, 0600)

	s.log.Info("API listening", zap.String("socket", s.cfg.SocketPath))
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrTransitionInProgress),
		errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrConfigMissing):
		return http.StatusPreconditionFailed
	case errors.Is(err, service.ErrNoSubscription):
		return http.StatusBadRequest
	case errors.Is(err, fetch.ErrAllSourcesFailed),
		errors.Is(err, fetch.ErrNetwork):
		return http.StatusBadGateway
	case errors.Is(err, kconfig.ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

// decodeBody decodes an optional JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// streamJSON writes one newline-delimited JSON value and flushes.
func streamJSON(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return err
}
