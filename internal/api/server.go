// Package api exposes the trading engine and market stream over HTTP and
// WebSocket: order entry and management, positions, account state, candles,
// and a live tick feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"tradesim/internal/config"
	"tradesim/internal/domain"
	"tradesim/internal/engine"
	"tradesim/internal/market"
	"tradesim/internal/store"
	"tradesim/internal/util"
)

// Server hosts the HTTP API and the WebSocket tick feed.
type Server struct {
	cfg     *config.Config
	gen     *market.Generator
	eng     *engine.Engine
	candles store.CandleStore
	hub     *Hub
	limiter *util.RateLimiter
	log     *slog.Logger

	httpSrv *http.Server
}

// NewServer creates a Server wired to the given engine, market generator, and
// candle archive. The archive may be nil, in which case candle queries are
// served from in-memory history only.
func NewServer(
	cfg *config.Config,
	gen *market.Generator,
	eng *engine.Engine,
	candles store.CandleStore,
	log *slog.Logger,
) *Server {
	if log == nil {
		log = slog.Default()
	}
	perMinute := cfg.Trading.SubmitsPerMinute
	if perMinute <= 0 {
		perMinute = 600
	}
	return &Server{
		cfg:     cfg,
		gen:     gen,
		eng:     eng,
		candles: candles,
		hub:     NewHub(gen, log),
		limiter: util.NewRateLimiter(perMinute, perMinute/10+1),
		log:     log,
	}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", s.handleSubmitOrder)
	mux.HandleFunc("GET /api/orders", s.handleListOrders)
	mux.HandleFunc("PATCH /api/orders/{id}", s.handleUpdateOrder)
	mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)
	mux.HandleFunc("GET /api/positions", s.handleListPositions)
	mux.HandleFunc("POST /api/positions/{symbol}/close", s.handleClosePosition)
	mux.HandleFunc("GET /api/account/{id}", s.handleAccount)
	mux.HandleFunc("GET /api/instruments", s.handleInstruments)
	mux.HandleFunc("GET /api/candles/{symbol}", s.handleCandles)
	mux.HandleFunc("GET /api/ws", s.hub.handleWebSocket)
}

// Handler returns the full http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

// ListenAndServe starts the WebSocket hub and the HTTP listener, blocking
// until the context is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.hub.Start(ctx)

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the HTTP server and the WebSocket hub.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Stop()
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// writeEngineError maps the engine's error taxonomy to HTTP statuses:
// validation 400, state conflict 409, margin 422, persistence 503.
func writeEngineError(w http.ResponseWriter, err error) {
	var (
		validation  *domain.ValidationError
		conflict    *domain.StateConflictError
		margin      *domain.InsufficientMarginError
		persistence *domain.PersistenceError
	)
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &margin):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.As(err, &persistence):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
