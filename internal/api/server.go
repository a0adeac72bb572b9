// Package api serves the operational HTTP surface: rule and position
// management, kill switch, risk status, and health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/models"
	"github.com/rfoley/tradewarden/internal/monitor"
	"github.com/rfoley/tradewarden/internal/positions"
	"github.com/rfoley/tradewarden/internal/risk"
	"github.com/rfoley/tradewarden/internal/rules"
	"github.com/rfoley/tradewarden/internal/storage"
)

type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	broker    broker.Broker
	rules     *rules.Engine
	positions *positions.Engine
	risk      *risk.Engine
	monitor   *monitor.Monitor
	logger    *logrus.Logger
	port      int
	authToken string
}

type Config struct {
	Port      int
	AuthToken string
}

func NewServer(cfg Config, store storage.Interface, b broker.Broker, r *rules.Engine, p *positions.Engine, rk *risk.Engine, m *monitor.Monitor, logger *logrus.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		broker:    b,
		rules:     r,
		positions: p,
		risk:      rk,
		monitor:   m,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/rules", s.handleListRules)
		r.Get("/rules/active", s.handleActiveRules)
		r.Post("/rules", s.handleCreateRule)
		r.Post("/rules/{id}/cancel", s.handleCancelRule)
		r.Post("/rules/{id}/enable", s.handleEnableRule)
		r.Post("/rules/{id}/disable", s.handleDisableRule)

		r.Get("/positions", s.handleActivePositions)
		r.Post("/positions", s.handleCreatePosition)
		r.Post("/positions/{id}/close", s.handleClosePosition)
		r.Get("/positions/{id}/alerts", s.handlePositionAlerts)

		r.Get("/risk/status", s.handleRiskStatus)
		r.Post("/risk/kill-switch/activate", s.handleKillSwitchOn)
		r.Post("/risk/kill-switch/deactivate", s.handleKillSwitchOff)

		r.Get("/stats", s.handleStats)
		r.Get("/monitor/last-tick", s.handleLastTick)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting API server on port %d", s.port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

// --- Rules ---

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	all, err := s.rules.GetAllRules(r.Context(), 100)
	if err != nil {
		s.fail(w, err, "Failed to list rules")
		return
	}
	s.writeJSON(w, all)
}

func (s *Server) handleActiveRules(w http.ResponseWriter, r *http.Request) {
	views, err := s.rules.GetActiveRules(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		s.fail(w, err, "Failed to list active rules")
		return
	}
	s.writeJSON(w, views)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var rule models.AutomationRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.rules.CreateRule(r.Context(), &rule); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusCreated)
	s.writeJSON(w, rule)
}

func (s *Server) handleCancelRule(w http.ResponseWriter, r *http.Request) {
	s.ruleAction(w, r, func(ctx context.Context, id string) error {
		return s.rules.CancelRule(ctx, id)
	})
}

func (s *Server) handleEnableRule(w http.ResponseWriter, r *http.Request) {
	s.ruleAction(w, r, func(ctx context.Context, id string) error {
		return s.rules.SetRuleEnabled(ctx, id, true)
	})
}

func (s *Server) handleDisableRule(w http.ResponseWriter, r *http.Request) {
	s.ruleAction(w, r, func(ctx context.Context, id string) error {
		return s.rules.SetRuleEnabled(ctx, id, false)
	})
}

func (s *Server) ruleAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := fn(r.Context(), id); err != nil {
		if err == storage.ErrNotFound {
			http.Error(w, "Rule not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, map[string]string{"id": id, "status": "ok"})
}

// --- Positions ---

func (s *Server) handleActivePositions(w http.ResponseWriter, r *http.Request) {
	views, err := s.positions.GetActiveManagedPositions(r.Context())
	if err != nil {
		s.fail(w, err, "Failed to list positions")
		return
	}
	s.writeJSON(w, views)
}

func (s *Server) handleCreatePosition(w http.ResponseWriter, r *http.Request) {
	var req positions.PositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	result, err := s.positions.CreateManagedPosition(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if result.Skipped {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	s.writeJSON(w, result)
}

func (s *Server) handleClosePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, err := s.positions.ClosePosition(r.Context(), id)
	if err != nil {
		if err == storage.ErrNotFound {
			http.Error(w, "Position not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	s.writeJSON(w, pos)
}

func (s *Server) handlePositionAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.storage.GetAlerts(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err, "Failed to list alerts")
		return
	}
	s.writeJSON(w, alerts)
}

// --- Risk ---

func (s *Server) handleRiskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.risk.Status(r.Context())
	if err != nil {
		s.fail(w, err, "Failed to read risk status")
		return
	}
	s.writeJSON(w, status)
}

func (s *Server) handleKillSwitchOn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual"
	}
	if err := s.risk.ActivateKillSwitch(r.Context(), body.Reason); err != nil {
		s.fail(w, err, "Failed to activate kill switch")
		return
	}
	s.writeJSON(w, map[string]any{"trading_enabled": false, "reason": body.Reason})
}

func (s *Server) handleKillSwitchOff(w http.ResponseWriter, r *http.Request) {
	if err := s.risk.DeactivateKillSwitch(r.Context()); err != nil {
		s.fail(w, err, "Failed to deactivate kill switch")
		return
	}
	s.writeJSON(w, map[string]any{"trading_enabled": true})
}

// --- Analytics and operations ---

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.storage.GetTradingStats(r.Context())
	if err != nil {
		s.fail(w, err, "Failed to compute stats")
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) handleLastTick(w http.ResponseWriter, r *http.Request) {
	tick := s.monitor.LastTick()
	if tick == nil {
		s.writeJSON(w, map[string]string{"status": "no tick yet"})
		return
	}
	s.writeJSON(w, tick)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) fail(w http.ResponseWriter, err error, msg string) {
	s.logger.WithError(err).Error(msg)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}
