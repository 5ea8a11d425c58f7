// Package server implements the taskdeck HTTP server: routing, sign-in,
// middleware and the mounting of the REST and RPC surfaces.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/GoCodeAlone/taskdeck/auth"
	"github.com/GoCodeAlone/taskdeck/config"
	"github.com/GoCodeAlone/taskdeck/generate"
	"github.com/GoCodeAlone/taskdeck/server/api"
	"github.com/GoCodeAlone/taskdeck/server/rpc"
	"github.com/GoCodeAlone/taskdeck/task"
)

// sweepInterval is how often idle rate limiters are dropped.
const sweepInterval = time.Minute

// Server is the taskdeck HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	verifier *auth.Verifier
	users    *auth.UserStore
	tasks    *task.Service
	gen      *generate.Service
	limiter  *api.RateLimiter
	handlers *api.Handlers

	routesOnce sync.Once
	handler    http.Handler
	stopSweep  context.CancelFunc

	startTime time.Time
	version   string
}

// New creates a new Server with the given config and logger.
func New(cfg config.Config, ver string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		limiter:   api.NewRateLimiter(cfg.Generate.RatePerMinute, cfg.Generate.Burst),
		startTime: time.Now(),
		version:   ver,
	}
}

// SetVerifier attaches the token verifier used by every protected route.
func (s *Server) SetVerifier(v *auth.Verifier) {
	s.verifier = v
}

// SetUserStore attaches the account store used by sign-in and sign-up.
func (s *Server) SetUserStore(users *auth.UserStore) {
	s.users = users
}

// SetTaskService attaches the task access service.
func (s *Server) SetTaskService(svc *task.Service) {
	s.tasks = svc
}

// SetGenerateService attaches the generation proxy.
func (s *Server) SetGenerateService(svc *generate.Service) {
	s.gen = svc
}

// Handler returns the fully wrapped root handler, registering routes on
// first use. The verifier and services must be set before the first call.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(func() {
		s.registerRoutes()
		s.handler = recoverMiddleware(s.logger, logMiddleware(s.logger, s.mux))
	})
	return s.handler
}

// Start registers routes and begins listening.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	readHeader := s.cfg.Server.ReadHeaderTimeout.Std()
	if readHeader <= 0 {
		readHeader = 15 * time.Second
	}
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeader,
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.stopSweep = cancel
	go s.limiter.Run(ctx, sweepInterval)

	s.logger.Info("server listening", slog.String("addr", ln.Addr().String()))
	if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.stopSweep != nil {
		s.stopSweep()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	h := &api.Handlers{
		Tasks:   s.tasks,
		Gen:     s.gen,
		Limiter: s.limiter,
		Logger:    s.logger,
		Version:   s.version,
		StartTime: s.startTime,
	}
	s.handlers = h

	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/sign-in", s.handleSignIn)
	s.mux.HandleFunc("POST /api/auth/sign-up", s.handleSignUp)

	// Protected API, wrapped in auth middleware
	apiMux := http.NewServeMux()
	h.RegisterRoutes(apiMux)
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)
	s.mux.Handle("/api/", s.verifier.Middleware(apiMux))

	// RPC does its own bearer check so MCP clients get the
	// protocol's 401 shape.
	s.mux.Handle(rpc.Path, rpc.Handler(rpc.NewServer(s.tasks, s.version), s.verifier, s.logger))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
