// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

// Package server exposes the gateway: a persistent WebSocket endpoint for
// the dashboard, a health endpoint, and a small REST API over the
// capability catalog. One WebSocket connection owns one child-session
// registry and one approval gate.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/dyno-dev/dyno/internal/agent"
	"github.com/dyno-dev/dyno/internal/capability"
	"github.com/dyno-dev/dyno/internal/config"
	"github.com/dyno-dev/dyno/internal/provider"
	"github.com/dyno-dev/dyno/internal/store"
	dynoerr "github.com/dyno-dev/dyno/pkg/errors"
)

// Options carries the dependencies a Server needs.
type Options struct {
	Config       *config.Config
	Logger       *slog.Logger
	Providers    *provider.Registry
	Capabilities *capability.Registry
	Policy       *capability.Policy
	Memories     store.MemoryStore
	Metrics      store.MetricsStore
}

// Server is the gateway HTTP/WebSocket server.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	provider *provider.Registry
	caps     *capability.Registry
	policy   *capability.Policy
	memories store.MemoryStore
	metrics  store.MetricsStore

	router   chi.Router
	api      huma.API
	upgrader websocket.Upgrader

	startTime         time.Time
	activeConnections atomic.Int64
	activeTasks       atomic.Int64

	mu         sync.Mutex
	registries map[*agent.Registry]struct{}
}

// New creates a Server and registers all routes.
func New(opts Options) (*Server, error) {
	if opts.Config == nil {
		return nil, dynoerr.New(dynoerr.CodeServerStartFailure, "config is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.Config.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	humaConfig := huma.DefaultConfig("Dyno Gateway", "0.1.0")
	humaConfig.Info.Description = "LLM agent gateway with approval-gated actions"
	api := humachi.New(r, humaConfig)

	srv := &Server{
		cfg:      opts.Config,
		logger:   opts.Logger,
		provider: opts.Providers,
		caps:     opts.Capabilities,
		policy:   opts.Policy,
		memories: opts.Memories,
		metrics:  opts.Metrics,
		router:   r,
		api:      api,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.Config.Server.CORSOrigins),
		},
		startTime:  time.Now(),
		registries: make(map[*agent.Registry]struct{}),
	}

	srv.registerHealth()
	srv.registerCapabilityAPI()
	r.Get("/ws", srv.handleWS)

	return srv, nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the HTTP server and blocks until the context is cancelled,
// then performs graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return dynoerr.Wrap(err, dynoerr.CodeServerStartFailure, "listening", dynoerr.Field("addr", s.cfg.Server.Listen))
	}
	s.logger.Info("gateway listening", "addr", s.cfg.Server.Listen)

	// No WriteTimeout: WebSocket connections outlive any sane value.
	httpSrv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return dynoerr.Wrap(err, dynoerr.CodeServerShutdownFailure, "shutting down")
	}
	return <-errCh
}

func (s *Server) uptime() int {
	return int(time.Since(s.startTime).Seconds())
}

func (s *Server) addRegistry(r *agent.Registry) {
	s.mu.Lock()
	s.registries[r] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeRegistry(r *agent.Registry) {
	s.mu.Lock()
	delete(s.registries, r)
	s.mu.Unlock()
}

func (s *Server) childSessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for r := range s.registries {
		total += r.Count()
	}
	return total
}

// HealthBody reports gateway liveness plus the capability catalog with
// effective approval modes.
type HealthBody struct {
	Status              string       `json:"status" example:"ok" doc:"Health status"`
	Uptime              int          `json:"uptime" doc:"Seconds since start"`
	ActiveConnections   int64        `json:"activeConnections" doc:"Open WebSocket connections"`
	ActiveTasks         int64        `json:"activeTasks" doc:"Conversation loops in flight"`
	ActiveChildSessions int          `json:"activeChildSessions" doc:"Registered child sessions across connections"`
	Overhead            OverheadBody `json:"overhead"`
	Tools               []ToolStatus `json:"tools"`
}

// OverheadBody reports the static prompt payload sizes.
type OverheadBody struct {
	SystemChars          int `json:"systemChars" doc:"Base system prompt size"`
	SystemWithToolsChars int `json:"systemWithToolsChars" doc:"System prompt size with the capability appendix"`
	ToolDefsChars        int `json:"toolDefsChars" doc:"Serialized capability definitions size"`
}

// ToolStatus is one capability with its effective approval mode.
type ToolStatus struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Mode        string `json:"mode" enum:"auto,manual"`
	Overridden  bool   `json:"overridden"`
}

// HealthResponse wraps the health body.
type HealthResponse struct {
	Body HealthBody
}

func (s *Server) registerHealth() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"system"},
	}, func(_ context.Context, _ *struct{}) (*HealthResponse, error) {
		s.caps.Reload()

		overridden := make(map[string]bool)
		for _, name := range s.policy.OverrideNames() {
			overridden[name] = true
		}

		defs := s.caps.Definitions()
		tools := make([]ToolStatus, 0, len(defs))
		for _, d := range defs {
			tools = append(tools, ToolStatus{
				Name:        d.Name,
				Description: d.Description,
				Mode:        s.policy.Mode(s.caps, d.Name),
				Overridden:  overridden[d.Name],
			})
		}

		return &HealthResponse{Body: HealthBody{
			Status:              "ok",
			Uptime:              s.uptime(),
			ActiveConnections:   s.activeConnections.Load(),
			ActiveTasks:         s.activeTasks.Load(),
			ActiveChildSessions: s.childSessionCount(),
			Overhead:            s.overhead(),
			Tools:               tools,
		}}, nil
	})
}

func (s *Server) overhead() OverheadBody {
	base := agent.BasePrompt(s.cfg.Agent.DataDir)
	full := agent.SystemPrompt(s.cfg.Agent.DataDir)
	defs, _ := json.Marshal(s.caps.Definitions())
	return OverheadBody{
		SystemChars:          len(base),
		SystemWithToolsChars: len(full),
		ToolDefsChars:        len(defs),
	}
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	allowAll := false
	for _, o := range origins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin header.
		return allowAll || origin == "" || allowed[origin]
	}
}
