package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes builds the HTTP handler: WebSocket upgrade, health, artifact fetch
// and Prometheus metrics.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/ws", s.corsMiddleware(s.HandleWebSocket))
	mux.HandleFunc("/api/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/api/image/", s.corsMiddleware(s.HandleImage))
	mux.Handle("/metrics", promhttp.Handler())

	return mux
}

// ListenAndServe starts the HTTP listener on the configured port and blocks
// until the listener stops.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("HTTP server listening", "port", s.cfg.Port)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// corsMiddleware adds CORS headers using the configured allowed origins.
// Uses the same origin validation as WebSocket upgrades.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
