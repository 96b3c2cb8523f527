package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/posbridge/posbridge/internal/auth"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/customers"
	"github.com/posbridge/posbridge/internal/observability"
	"github.com/posbridge/posbridge/internal/pool"
	"github.com/posbridge/posbridge/internal/storage"
	"github.com/posbridge/posbridge/internal/syncengine"
)

// Deps carries the collaborators the server is wired with. Tests inject a
// static session source and a private metrics registry.
type Deps struct {
	Logger   observability.Logger
	Manager  *pool.Manager
	Source   storage.Source
	Registry *prometheus.Registry
}

// Server is the HTTP front of the service.
type Server struct {
	cfg    *config.Config
	env    config.Env
	logger observability.Logger

	manager   *pool.Manager
	tokens    *auth.TokenManager
	sessions  *auth.SessionRegistry
	users     *auth.UserStore
	customers *customers.Repository
	sync      *syncengine.Engine
	registry  *prometheus.Registry

	router     chi.Router
	httpServer *http.Server
	startedAt  time.Time

	shutdownOnce sync.Once
}

// New wires the server and its routes.
func New(cfg *config.Config, env config.Env, deps Deps) *Server {
	s := &Server{
		cfg:       cfg,
		env:       env,
		logger:    deps.Logger,
		manager:   deps.Manager,
		tokens:    auth.NewTokenManager(cfg.Security.JWT),
		sessions:  auth.NewSessionRegistry(),
		users:     auth.NewUserStore(deps.Source, auth.NewHashAdapter(), deps.Logger),
		customers: customers.NewRepository(deps.Source, deps.Logger),
		registry:  deps.Registry,
		startedAt: time.Now(),
	}
	s.sync = syncengine.New(deps.Source, deps.Logger,
		syncengine.WithBatchSize(cfg.Database.Pool.SyncBatchSize),
		syncengine.WithFeedLimit(cfg.Database.Pool.ChangeFeedRowsLimit))

	s.router = chi.NewRouter()
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         env.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.Use(recoverMiddleware(s.logger))
	s.router.Use(requestIDMiddleware())

	s.router.Post("/login", s.handleLogin)
	s.router.Get("/status", s.handleStatus)

	s.router.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/logout", s.handleLogout)
		if s.registry != nil {
			r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
		}

		r.Route("/customers", func(r chi.Router) {
			r.Get("/", s.handleListCustomers)
			r.Post("/", s.handleCreateCustomer)
			r.Get("/{id}", s.handleGetCustomer)
			r.Put("/{id}", s.handleUpdateCustomer)
			r.Delete("/{id}", s.handleDeleteCustomer)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/{entity}", s.handleSync)
			r.Get("/{entity}/changes", s.handleChanges)
		})
	})
}

// Start serves until the context is cancelled or a termination signal
// arrives, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("starting HTTP server",
		observability.String("address", s.env.ListenAddr),
		observability.String("service", s.cfg.Application.Name),
		observability.String("version", s.cfg.Application.Version))

	serverErr := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		s.logger.Error("server failed", observability.Error(err))
		return err
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down")
	case sig := <-sigCh:
		s.logger.Info("signal received, shutting down",
			observability.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting requests and drains in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("draining HTTP server")
		err = s.httpServer.Shutdown(ctx)
		s.sessions.Close()
	})
	return err
}
