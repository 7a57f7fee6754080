package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/medallion/pipeline/pkg/errs"
	"github.com/malbeclabs/medallion/pipeline/pkg/metrics"
	"github.com/malbeclabs/medallion/pipeline/pkg/orchestrator"
	"github.com/malbeclabs/medallion/pipeline/pkg/state"
)

// Server exposes health, version, metrics and dataset status over HTTP.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

// DatasetDetail is the response of GET /datasets/{id}.
type DatasetDetail struct {
	orchestrator.DatasetStatus
	Runs []state.Run `json:"runs"`
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Server{
		log:    cfg.Logger,
		cfg:    cfg,
		router: chi.NewRouter(),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok\n")); err != nil {
			s.log.Error("failed to write healthz response", "error", err)
		}
	})
	s.router.Get("/readyz", s.readyzHandler)
	s.router.Get("/version", s.versionHandler)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.Get("/datasets", s.listDatasetsHandler)
	s.router.Get("/datasets/{id}", s.getDatasetHandler)

	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s, nil
}

// Handler returns the router, for serving without a listener.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

// readyzHandler reports ready once the watermark store answers.
func (s *Server) readyzHandler(w http.ResponseWriter, r *http.Request) {
	if _, err := s.cfg.Status.Status(r.Context()); err != nil {
		s.log.Debug("readyz: status store not ready", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := w.Write([]byte("store not ready\n")); err != nil {
			s.log.Error("failed to write readyz response", "error", err)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg.VersionInfo)
}

func (s *Server) listDatasetsHandler(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.cfg.Status.Status(r.Context())
	if err != nil {
		s.log.Error("server: failed to list datasets", "error", err)
		http.Error(w, "failed to list datasets", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, statuses)
}

func (s *Server) getDatasetHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.cfg.Status.DatasetStatus(r.Context(), id)
	if errors.Is(err, errs.ErrNotFound) {
		http.Error(w, fmt.Sprintf("dataset %q not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		s.log.Error("server: failed to get dataset", "dataset", id, "error", err)
		http.Error(w, "failed to get dataset", http.StatusInternalServerError)
		return
	}

	runs, err := s.cfg.Status.Runs(r.Context(), id)
	if err != nil {
		s.log.Error("server: failed to get runs", "dataset", id, "error", err)
		http.Error(w, "failed to get runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []state.Run{}
	}

	s.writeJSON(w, http.StatusOK, DatasetDetail{DatasetStatus: *status, Runs: runs})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}
