// Package web serves the JSON API, the metrics endpoint and a small
// overview page.
package web

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/user/abusewatch/internal/admin"
	"github.com/user/abusewatch/internal/metrics"
	"github.com/user/abusewatch/internal/util"
)

// Server is the web server.
type Server struct {
	svc    *admin.Service
	config *util.Config
	port   int
	srv    *http.Server
}

// NewServer creates a new web server.
func NewServer(svc *admin.Service, cfg *util.Config, port int) *Server {
	return &Server{
		svc:    svc,
		config: cfg,
		port:   port,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	h := NewHandlers(s.svc, s.config)

	mux.HandleFunc("GET /{$}", h.Dashboard)
	mux.HandleFunc("GET /api/stats", h.APIGetStats)
	mux.HandleFunc("GET /api/threats", h.APIGetThreats)
	mux.HandleFunc("POST /api/threats/{ip}/mark-safe", h.APIMarkSafe)
	mux.HandleFunc("POST /api/threats/{ip}/unmark-safe", h.APIUnmarkSafe)
	mux.HandleFunc("GET /api/hosts", h.APIGetHosts)
	mux.HandleFunc("DELETE /api/hosts/{ip}", h.APIRemoveHost)
	mux.HandleFunc("POST /api/check/{ip}", h.APICheckIP)
	mux.HandleFunc("POST /api/alias/sync", h.APISyncAlias)
	mux.HandleFunc("GET /api/export", h.APIExport)
	mux.HandleFunc("GET /api/connections", h.APIGetConnections)
	mux.HandleFunc("GET /api/status", h.APIGetStatus)
	mux.Handle("GET /metrics", metrics.Handler())

	return logRequests(mux)
}

// Start starts the web server and blocks until it is shut down.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s.srv.Shutdown(ctx)
	}()

	util.Info("Web server starting on port %d", s.port)

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}

	s.svc.Wait()
	return nil
}

// Stop stops the web server.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.srv.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		log := util.Logger()
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("HTTP request")
	})
}
