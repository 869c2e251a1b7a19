// Package server exposes the control API used in serve mode.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"envfleet/internal/provider"
	"envfleet/internal/report"
	"envfleet/internal/runtime/supervisor"
	"envfleet/internal/task/scheduler"
	"envfleet/internal/task/trigger"
	logx "envfleet/pkg/logx"
)

type Config struct {
	Addr            string
	Token           string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	Pprof           PprofConfig
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8089"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	return c
}

// RunRequest is the body of POST /runs. An empty Environments list selects
// every environment the provider reports.
type RunRequest struct {
	Environments []string `json:"environments"`
	Routines     []string `json:"routines"`
	Mode         string   `json:"mode,omitempty"`
	Concurrency  int      `json:"concurrency,omitempty"`
}

// Runs launches and controls scheduler runs.
type Runs interface {
	Launch(ctx context.Context, req RunRequest) (string, error)
	Stop(ctx context.Context) bool
	Status() scheduler.Status
}

// History reads persisted run summaries. storage.Store implements it.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]report.Summary, error)
	GetRun(ctx context.Context, id string) (report.Summary, error)
}

type Schedules interface {
	Snapshot() []trigger.Info
	RunNow(name string) (string, error)
}

// Deps wires the server to the rest of the process. History, Schedules and
// Health may be nil.
type Deps struct {
	Runs      Runs
	Provider  provider.Client
	History   History
	Schedules Schedules
	Health    func() []supervisor.Stats
}

type Server struct {
	cfg       Config
	deps      Deps
	log       logx.Logger
	router    chi.Router
	startTime time.Time
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	s := &Server{
		cfg:       cfg.withDefaults(),
		deps:      deps,
		log:       log.With(logx.String("comp", "server")),
		router:    chi.NewRouter(),
		startTime: time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.log))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(tokenAuth(s.cfg.Token))
			r.Get("/status", s.handleStatus)

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Post("/", s.handleStartRun)
				r.Post("/stop", s.handleStopRun)
				r.Get("/{id}", s.handleGetRun)
			})

			r.Get("/environments", s.handleEnvironments)

			r.Get("/schedules", s.handleSchedules)
			r.Post("/schedules/{name}/run", s.handleRunSchedule)
		})
	})

	if s.cfg.Pprof.Enabled {
		applyProfileRates(s.cfg.Pprof)
		r.Group(func(r chi.Router) {
			r.Use(tokenAuth(s.cfg.Token))
			mountPprof(r)
		})
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("control api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		s.log.Warn("control api shutdown", logx.Err(err))
		_ = srv.Close()
	}
	<-errCh
	return ctx.Err()
}
