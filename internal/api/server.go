// Package api is the HTTP surface of the serve command: health, prometheus
// metrics, and read and trigger access to each data source's ledger.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/pipeline"
)

// Server serves the HTTP API for a pipeline service.
type Server struct {
	cfg     config.ServerConfig
	service atomic.Pointer[pipeline.Service]
	logger  *zap.Logger
	router  *mux.Router
	limiter *RateLimiter

	httpServer *http.Server
	wg         sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewServer builds the router for service.
func NewServer(cfg config.ServerConfig, service *pipeline.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		logger: logger.Named("api"),
		router: mux.NewRouter(),
	}
	s.service.Store(service)
	if cfg.RunRatePerMin > 0 {
		s.limiter = NewRateLimiter(cfg.RunRatePerMin)
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.logRequests)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	v1.HandleFunc("/sources/{name}/anomalies", s.handleAnomalies).Methods(http.MethodGet)

	run := http.HandlerFunc(s.handleRun)
	if s.limiter != nil {
		run = s.limiter.Middleware(run)
	}
	v1.Handle("/sources/{name}/run", run).Methods(http.MethodPost)
}

// SetService swaps the service handling subsequent requests.
func (s *Server) SetService(service *pipeline.Service) {
	s.service.Store(service)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // POST /run is synchronous
		IdleTimeout:  120 * time.Second,
	}
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("http server started", zap.String("listen", ln.Addr().String()))
	return nil
}

// Stop shuts the listener down, waiting for in-flight requests until ctx
// expires.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("server is not running")
	}
	s.running = false

	err := s.httpServer.Shutdown(ctx)
	s.wg.Wait()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.logger.Info("http server stopped")
	return err
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(started)),
		)
	})
}
