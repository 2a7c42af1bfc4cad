// Package api serves the stock screener over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"stockscreener/internal/config"
	"stockscreener/internal/coordinator"
	"stockscreener/internal/fetcher"
)

const (
	// DefaultTicker is used when /api/stock is called without tickers.
	DefaultTicker = "NVDA"
	// MaxTickers caps the number of symbols in one /api/stock request.
	MaxTickers = 50

	shutdownTimeout = 15 * time.Second
)

// Runner fetches reports for a batch of symbols.
type Runner interface {
	Run(ctx context.Context, symbols []string) ([]fetcher.Report, error)
}

// Server is the HTTP API server.
type Server struct {
	router chi.Router
	runner Runner
	stats  coordinator.StatisticsExtractor

	allowedOrigins []string
	originPattern  *regexp.Regexp
	credentials    bool
}

// NewServer creates a server with all routes and middleware. stats may be nil,
// in which case /api/statistics answers 503.
func NewServer(cfg *config.Config, runner Runner, stats coordinator.StatisticsExtractor) (*Server, error) {
	s := &Server{
		runner:         runner,
		stats:          stats,
		allowedOrigins: cfg.CORS.AllowedOrigins,
		credentials:    cfg.CORS.AllowCredentials,
	}

	if cfg.CORS.AllowedOriginPattern != "" {
		re, err := regexp.Compile(cfg.CORS.AllowedOriginPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern: %w", err)
		}
		s.originPattern = re
	}

	s.router = s.buildRouter()
	return s, nil
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	return httpSrv.Shutdown(shutdownCtx)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc:  s.allowOrigin,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: s.credentials,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stock", s.handleStock)
		r.Get("/statistics/{symbol}", s.handleStatistics)
	})

	return r
}

func (s *Server) allowOrigin(_ *http.Request, origin string) bool {
	if slices.Contains(s.allowedOrigins, origin) {
		return true
	}
	return s.originPattern != nil && s.originPattern.MatchString(origin)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "OK")
}

func (s *Server) handleStock(w http.ResponseWriter, r *http.Request) {
	raw := DefaultTicker
	if values, ok := r.URL.Query()["tickers"]; ok {
		raw = strings.Join(values, ",")
	}

	symbols := ParseTickers(raw)
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "No ticker symbols provided.")
		return
	}
	if len(symbols) > MaxTickers {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Maximum of %d ticker symbols allowed.", MaxTickers))
		return
	}

	reports, err := s.runner.Run(r.Context(), symbols)
	if err != nil {
		slog.Error("batch failed", "symbols", len(symbols), "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	slog.Debug("batch served", "symbols", symbols)
	writeJSON(w, http.StatusOK, reports)
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "statistics scraping is disabled")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	result, err := s.stats.Extract(r.Context(), symbol)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// statusFor maps an extraction error to the status reported to the client.
func statusFor(err error) int {
	var fetchErr *fetcher.FetchError
	switch {
	case fetcher.IsRedirect(err):
		// Unknown symbols are redirected to a lookup page
		return http.StatusNotFound
	case fetcher.IsHTTPStatus(err):
		return http.StatusBadGateway
	case errors.As(err, &fetchErr) && fetchErr.Type == fetcher.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// ParseTickers splits a comma separated list into trimmed, upper-cased
// symbols, dropping empty entries.
func ParseTickers(raw string) []string {
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToUpper(strings.TrimSpace(part)); part != "" {
			symbols = append(symbols, part)
		}
	}
	return symbols
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			slog.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
