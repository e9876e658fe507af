// ABOUTME: HTTP server exposing enriched findings, tier summaries, health and Prometheus metrics.
// ABOUTME: Wraps every route in a read-only security middleware and shuts down with its context.

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jfeddern/RiskRelay/internal/engine"
	"github.com/jfeddern/RiskRelay/internal/metrics"
	"github.com/jfeddern/RiskRelay/internal/types"
)

// FindingsProvider exposes the last enrichment result
type FindingsProvider interface {
	GetEnrichedFindings() ([]types.Finding, time.Time)
	SourceStats() map[string]engine.SourceStats
}

// Server serves the enrichment results over HTTP
type Server struct {
	port     int
	provider FindingsProvider
	logger   *logrus.Logger
}

// New creates a server for provider on port
func New(port int, provider FindingsProvider, logger *logrus.Logger) *Server {
	return &Server{
		port:     port,
		provider: provider,
		logger:   logger,
	}
}

// Handler returns the routed and secured handler
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.securityMiddleware(metrics.CreateMetricsHandler(s.provider, s.logger)))
	mux.HandleFunc("/findings", s.securityMiddleware(CreateFindingsHandler(s.provider, s.logger)))
	mux.HandleFunc("/summary", s.securityMiddleware(CreateSummaryHandler(s.provider, s.logger)))
	mux.HandleFunc("/health", s.securityMiddleware(s.healthHandler))
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.WithError(err).Warn("HTTP server shutdown did not complete cleanly")
		}
	}()

	s.logger.WithField("port", s.port).Info("Starting HTTP server")

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) securityMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Security headers
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'; script-src 'none'; object-src 'none'; frame-ancestors 'none'")

		// Only allow specific HTTP methods
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"remote_ip":  r.RemoteAddr,
			"user_agent": r.UserAgent(),
		}).Debug("HTTP request received")

		next(w, r)
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	_, lastRun := s.provider.GetEnrichedFindings()

	w.Header().Set("Content-Type", "application/json")
	if lastRun.IsZero() {
		fmt.Fprint(w, `{"status":"ok","ready":false}`)
		return
	}
	fmt.Fprintf(w, `{"status":"ok","ready":true,"last_run":%q}`, lastRun.UTC().Format(time.RFC3339))
}
