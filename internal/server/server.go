// Package server exposes the grouping state over a JSON API so a front end
// can edit keywords, locations and prompts and reshape groups.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"scenegrouper/internal/analysis"
	"scenegrouper/internal/match"
	"scenegrouper/internal/state"
)

// Analyzer runs the model for one group
type Analyzer interface {
	AnalyzeGroup(ctx context.Context, groupID string) (analysis.Report, error)
}

// Server serves one state.Store
type Server struct {
	store    *state.Store
	analyzer Analyzer
	logger   *zap.Logger

	threshold    int
	matcherOpts  []match.Option
	allowOrigins []string

	idleTimeout  time.Duration
	mu           sync.Mutex
	lastActivity time.Time
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAnalyzer enables POST /api/groups/{groupID}/analyze
func WithAnalyzer(a Analyzer) Option {
	return func(s *Server) {
		s.analyzer = a
	}
}

// WithRegroup sets the default threshold and matcher options for /api/regroup
func WithRegroup(threshold int, opts ...match.Option) Option {
	return func(s *Server) {
		s.threshold = threshold
		s.matcherOpts = opts
	}
}

// WithIdleTimeout stops Serve after d without requests; zero disables it
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// WithAllowedOrigins sets the CORS origins
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowOrigins = origins
	}
}

// New creates a Server
func New(store *state.Store, opts ...Option) *Server {
	s := &Server{
		store:        store,
		logger:       zap.NewNop(),
		threshold:    match.DefaultThreshold,
		allowOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		lastActivity: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.activity)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/clusters", s.handleClusters)
		r.Get("/preview", s.handlePreview)
		r.Post("/regroup", s.handleRegroup)

		r.Route("/keywords", func(r chi.Router) {
			r.Put("/", s.handleSetKeywords)
			r.Post("/", s.handleAddKeyword)
			r.Delete("/", s.handleRemoveKeyword)
			r.Patch("/", s.handleRenameKeyword)
		})

		r.Route("/gps", func(r chi.Router) {
			r.Put("/", s.handleSetGPS)
			r.Delete("/", s.handleClearGPS)
		})

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", s.handleGroups)
			r.Get("/{groupID}", s.handleGroup)
			r.Put("/{groupID}/prompt", s.handleSetPrompt)
			r.Delete("/{groupID}/prompt", s.handleClearPrompt)
			r.Post("/{groupID}/extract", s.handleExtract)
			r.Post("/{groupID}/merge", s.handleMerge)
			r.Post("/{groupID}/analyze", s.handleAnalyze)
		})
	})

	return r
}

// Serve listens on addr until ctx is cancelled or the idle timeout passes,
// then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.serve(ctx, ln)
}

func (s *Server) serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.idleTimeout > 0 {
		go s.idleTimeoutChecker(ctx, cancel)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()
	s.logger.Info("server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down: %w", err)
	}
	s.logger.Info("server stopped")
	return nil
}

func (s *Server) idleTimeoutChecker(ctx context.Context, stop context.CancelFunc) {
	interval := s.idleTimeout / 4
	if interval > 10*time.Second {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastActivity)
			s.mu.Unlock()
			if idle >= s.idleTimeout {
				s.logger.Info("idle timeout reached", zap.Duration("idle", idle))
				stop()
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) activity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}
