// Package controlplane implements the IPC/RPC control surface named in
// spec §6: health, stop, get_config, set_config, stats, plus the
// get_balances/get_positions read endpoints spec §8 (EXPANSION) supplements
// from original_source's rpc/endpoints.rs and rest_api/endpoints.rs.
//
// Grounded on the teacher's internal/api dashboard server (server.go's
// mux-plus-http.Server shape, graceful Start/Stop), rewired onto go-chi
// (adopted from aristath-sentinel) instead of a bare ServeMux, since
// go-chi's middleware chain and route groups are what a real control-plane
// surface in this corpus looks like.
package controlplane

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

	"github.com/shiori-quant/ledgerman/internal/balance"
	"github.com/shiori-quant/ledgerman/internal/config"
	"github.com/shiori-quant/ledgerman/internal/order"
)

// Error codes named in spec §6.
const (
	ErrUnableToSendSignal    = "UnableToSendSignal"
	ErrStopperIsNone         = "StopperIsNone"
	ErrUnableToParseNewConfig = "UnableToParseNewConfig"
	ErrFailedToSaveNewConfig = "FailedToSaveNewConfig"
)

// Stopper is the narrow capability the control plane needs from the engine
// to fulfil "stop" and the shutdown branch of "set_config". A nil Stopper
// (engine constructed but Start not yet called) makes /stop and the
// shutdown path of /set_config respond with StopperIsNone.
type Stopper func(reason string) error

// StatsProvider is what /stats reports, supplied by internal/engine.
type StatsProvider interface {
	Stats() Stats
}

// Stats is a coarse operational snapshot (spec §6 "stats").
type Stats struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	OrdersTracked   int     `json:"orders_tracked"`
	OrdersNotFinished int   `json:"orders_not_finished"`
	ReservationsLive int    `json:"reservations_live"`
	ExchangesBlocked int     `json:"exchanges_blocked"`
}

// Server is the control-plane HTTP surface.
type Server struct {
	log    *slog.Logger
	http   *http.Server
	addr   string

	cfg     config.Config
	cfgPath string

	facade *balance.Facade
	pool   *order.Pool
	stats  StatsProvider

	stopper Stopper
}

// New builds a control-plane server. facade and pool back /api/balances,
// /api/positions; stats backs /stats; stopper may be nil until the engine
// has actually started.
func New(log *slog.Logger, addr string, cfg config.Config, cfgPath string, facade *balance.Facade, pool *order.Pool, stats StatsProvider) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		log:     log.With("component", "controlplane"),
		addr:    addr,
		cfg:     cfg,
		cfgPath: cfgPath,
		facade:  facade,
		pool:    pool,
		stats:   stats,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/stop", s.handleStop)
	r.Get("/get_config", s.handleGetConfig)
	r.Post("/set_config", s.handleSetConfig)
	r.Get("/stats", s.handleStats)
	r.Get("/api/balances", s.handleBalances)
	r.Get("/api/positions", s.handlePositions)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// SetStopper installs the engine's shutdown hook once Start has run,
// transitioning /stop and /set_config from StopperIsNone to live.
func (s *Server) SetStopper(stopper Stopper) {
	s.stopper = stopper
}

// SetConfig updates the in-memory config snapshot /get_config serves,
// called by the engine after a successful reload.
func (s *Server) SetConfig(cfg config.Config) {
	s.cfg = cfg
}

// Start runs the HTTP server until Stop is called. Matches the teacher's
// Server.Start: blocks on ListenAndServe, treats ErrServerClosed as clean.
func (s *Server) Start() error {
	s.log.Info("control plane starting", "addr", s.addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("controlplane: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the HTTP server down.
func (s *Server) Stop() error {
	s.log.Info("control plane stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error_code": code, "message": message})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if s.stopper == nil {
		writeError(w, http.StatusServiceUnavailable, ErrStopperIsNone, "engine has no active stopper")
		return
	}
	var req stopRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "rpc stop requested"
	}
	if err := s.stopper(req.Reason); err != nil {
		s.log.Error("failed to signal shutdown", "error", err)
		writeError(w, http.StatusInternalServerError, ErrUnableToSendSignal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	redacted := s.cfg
	for i := range redacted.Exchanges {
		redacted.Exchanges[i].Secret = "***"
		redacted.Exchanges[i].Passphrase = "***"
	}
	writeJSON(w, http.StatusOK, redacted)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	var next config.Config
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		writeError(w, http.StatusBadRequest, ErrUnableToParseNewConfig, err.Error())
		return
	}
	if err := next.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, ErrUnableToParseNewConfig, err.Error())
		return
	}
	if err := config.Save(s.cfgPath, next); err != nil {
		writeError(w, http.StatusInternalServerError, ErrFailedToSaveNewConfig, err.Error())
		return
	}
	s.cfg = next

	if s.stopper == nil {
		// Engine not started yet: the next launch picks up the saved file.
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved, will apply on next launch"})
		return
	}
	if err := s.stopper("configuration changed via set_config"); err != nil {
		writeError(w, http.StatusInternalServerError, ErrUnableToSendSignal, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "saved, shutting down for reload"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		writeJSON(w, http.StatusOK, Stats{})
		return
	}
	writeJSON(w, http.StatusOK, s.stats.Stats())
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeJSON(w, http.StatusOK, []balance.BalanceEntry{})
		return
	}
	snap := s.facade.Snapshot()
	writeJSON(w, http.StatusOK, snap.Reservations)
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if s.facade == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	snap := s.facade.Snapshot()
	writeJSON(w, http.StatusOK, snap.Positions)
}
