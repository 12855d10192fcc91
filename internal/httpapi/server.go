// Package httpapi exposes the capture pipeline over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/zombor/irys/internal/ocr"
	"github.com/zombor/irys/internal/pipeline"
)

// Server handles HTTP requests for the capture pipeline
type Server struct {
	service        *pipeline.Service
	mux            *http.ServeMux
	handler        http.Handler
	maxUploadBytes int64
}

// NewServer creates a new Server with default mux
func NewServer(service *pipeline.Service, maxUploadBytes int64) *Server {
	return NewServerWithMux(service, maxUploadBytes, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *pipeline.Service, maxUploadBytes int64, mux *http.ServeMux) *Server {
	if maxUploadBytes <= 0 {
		maxUploadBytes = ocr.DefaultMaxImageBytes
	}
	s := &Server{
		service:        service,
		mux:            mux,
		maxUploadBytes: maxUploadBytes,
	}
	s.registerRoutes()
	s.handler = requestID(accessLog(cors(mux)))
	return s
}

// registerRoutes registers all API routes on the server's mux
// Routes must be registered from most specific to least specific to avoid conflicts
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("POST /api/extract", s.handleExtract)
	s.mux.HandleFunc("POST /api/export", s.handleExport)

	s.mux.HandleFunc("GET /api/exports/{eventName}/{exportId}", s.handleGetExportRows)
	s.mux.HandleFunc("GET /api/exports/{eventName}", s.handleListExports)

	s.mux.HandleFunc("GET /api/registers/{eventName}", s.handleGetRegister)
	s.mux.HandleFunc("POST /api/registers", s.handleCreateRegister)

	s.mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /ready", s.handleReady)
}

// Start serves on addr until ctx is done, then drains in-flight requests
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Error shutting down server", "error", err)
		}
	}()

	slog.Info("Starting server", "address", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-done
		return err
	}
	<-done
	return nil
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
