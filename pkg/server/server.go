// Package server exposes the tipping agent over HTTP: a trigger endpoint
// for runs, x402 payment resources for tipping creators and funding the
// agent's wallets, and status and health surfaces.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kudoslabs/kudos/pkg/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
	status  *statusCache
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
		status: newStatusCache(cfg.Clock, cfg.StatusCacheTTL),
	}
	s.setupRoutes()

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		// Agent runs are served synchronously and can take minutes.
		WriteTimeout:   10 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Payment"},
	}))

	s.router.Post("/agent/run", s.handleRunAgent)
	s.router.Get("/creators/{slug}/pay/{chain}", s.handleCreatorPay)
	s.router.Get("/fund/{chain}", s.handleFund)
	s.router.Get("/status", s.handleStatus)

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("server: failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
	})
	s.router.Handle("/metrics", promhttp.Handler())
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("server: http server error", "error", err)
			serveErrCh <- fmt.Errorf("failed to listen and serve: %w", err)
		}
	}()

	s.log.Info("server: http listening", "address", s.cfg.ListenAddr)

	select {
	case <-ctx.Done():
		s.log.Info("server: stopping", "reason", ctx.Err(), "address", s.cfg.ListenAddr)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
		s.log.Info("server: http server shutdown complete")
		return nil
	case err := <-serveErrCh:
		return err
	}
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Ledger.CumulativeStats(r.Context()); err != nil {
		s.log.Debug("readyz: ledger not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("ledger not ready\n")); err != nil {
			s.log.Error("server: failed to write readyz response", "error", err)
		}
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("server: failed to write readyz response", "error", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
