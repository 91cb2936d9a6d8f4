package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"
	"github.com/zaproxy/release-sync/internal/config"
	"github.com/zaproxy/release-sync/internal/engine"
	"github.com/zaproxy/release-sync/pkg/release"
	"golang.org/x/sync/semaphore"
)

// Runner runs the release state propagation.
type Runner interface {
	Run(ctx context.Context, opts engine.RunOptions) (*release.RunResult, error)
	Snapshot(ctx context.Context) (*release.Snapshot, error)
}

type Server struct {
	router  chi.Router
	log     *logrus.Logger
	runner  Runner
	targets []string
	config  *config.Config
	cache   *cache.Cache
	runSem  *semaphore.Weighted
	// runCtx outlives requests, runs are only cancelled on shutdown.
	runCtx context.Context
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONError(w, r, http.StatusNotFound, fmt.Errorf("no route for %s", r.URL.EscapedPath()), "not found")
}

func (s *Server) methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSONError(w, r, http.StatusMethodNotAllowed, fmt.Errorf("%s not allowed on %s", r.Method, r.URL.EscapedPath()), "method not allowed")
}

func (s *Server) indexHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"service": "zaproxy release-sync",
		"stage":   s.config.Stage,
		"version": s.config.Version,
	})
}

func New(runCtx context.Context, log *logrus.Logger, runner Runner, targets []string, cfg *config.Config) *Server {
	router := chi.NewRouter()
	server := &Server{
		router:  router,
		log:     log,
		runner:  runner,
		targets: targets,
		config:  cfg,
		cache:   cache.New(5*time.Minute, 10*time.Minute),
		runSem:  semaphore.NewWeighted(1),
		runCtx:  runCtx,
	}
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(server.accessLog)
	router.Use(server.recoverPanics)

	router.NotFound(server.notFoundHandler)
	router.MethodNotAllowed(server.methodNotAllowedHandler)

	router.Get("/", server.indexHandler)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/targets", server.listTargets)
		r.Get("/state", server.getState)
		r.With(server.runAuth).Post("/runs", server.createRun)
	})

	return server
}
