// Package dashboard serves the operator control surface over HTTP.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/straddle_hedger/internal/hedge"
	"github.com/eddiefleurent/straddle_hedger/internal/lock"
	"github.com/eddiefleurent/straddle_hedger/internal/metrics"
	"github.com/eddiefleurent/straddle_hedger/internal/models"
	"github.com/eddiefleurent/straddle_hedger/internal/reconcile"
	"github.com/eddiefleurent/straddle_hedger/internal/storage"
	"github.com/eddiefleurent/straddle_hedger/internal/straddle"
)

// Controller is the orchestrator surface driven by operator actions.
type Controller interface {
	Snapshot() straddle.Status
	ForceHedgeEntry(ctx context.Context, kind models.OptionKind, level int, snap *models.ChainSnapshot) error
	ForceHedgeExit(ctx context.Context, kind models.OptionKind) error
	SkipLevel(ctx context.Context, kind models.OptionKind, level int) error
	ExitStraddle(ctx context.Context, reason straddle.ExitReason) (*straddle.ExitSummary, error)
}

// Reconciler is the reconciliation surface.
type Reconciler interface {
	Reconcile(ctx context.Context) (*reconcile.Delta, error)
	Halted() bool
	HaltReason() string
	Acknowledge(ctx context.Context) bool
}

// Dependencies wires the server to the running bot.
type Dependencies struct {
	Bot        Controller
	Reconciler Reconciler
	Storage    storage.Interface
	Lock       *lock.Coordinator
	// Chain prices the strikes around the straddle for a forced hedge entry.
	Chain func(ctx context.Context) (*models.ChainSnapshot, error)
	// Login performs a full venue login.
	Login func(ctx context.Context) error
	// OnExit persists a straddle closed from the dashboard.
	OnExit func(ctx context.Context, s *straddle.ExitSummary)
}

// Config configures the listener.
type Config struct {
	Location       *time.Location // trading-day timezone for session lookups
	Listen         string
	AuthToken      string
	RequestTimeout time.Duration
}

// Server is the operator HTTP API.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	deps      Dependencies
	logger    *logrus.Logger
	loc       *time.Location
	listen    string
	authToken string
	timeout   time.Duration
}

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Bot        straddle.Status `json:"bot"`
	HaltReason string          `json:"halt_reason,omitempty"`
	LockHolder string          `json:"lock_holder,omitempty"`
	LockHeld   string          `json:"lock_held_for,omitempty"`
	Session    *SessionView    `json:"session,omitempty"`
	Halted     bool            `json:"halted"`
}

// SessionView summarizes the persisted trading day.
type SessionView struct {
	Date       string  `json:"date"`
	SessionPnL float64 `json:"session_pnl"`
	Straddles  int     `json:"straddles"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewServer creates a server. Bot and Storage are required.
func NewServer(cfg Config, deps Dependencies, logger *logrus.Logger) *Server {
	if deps.Bot == nil || deps.Storage == nil {
		panic("dashboard.NewServer: bot and storage must not be nil")
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	s := &Server{
		router:    chi.NewRouter(),
		deps:      deps,
		logger:    logger,
		loc:       cfg.Location,
		listen:    cfg.Listen,
		authToken: cfg.AuthToken,
		timeout:   cfg.RequestTimeout,
	}

	s.setupRoutes()
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(middleware.Timeout(s.timeout))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)
		r.Get("/history", s.handleHistory)

		r.Post("/hedge/{kind}/enter", s.handleForceEntry)
		r.Post("/hedge/{kind}/exit", s.handleForceExit)
		r.Post("/hedge/{kind}/skip", s.handleSkipLevel)

		r.Post("/reconcile", s.handleReconcile)
		r.Post("/acknowledge", s.handleAcknowledge)
		r.Post("/login", s.handleLogin)
		r.Post("/exit", s.handleExit)
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
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		entry := s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).Round(time.Millisecond).String(),
			"request_id": middleware.GetReqID(r.Context()),
		})
		if r.Method == http.MethodGet {
			entry.Debug("request")
			return
		}
		entry.Info("operator action")
	})
}

// Start listens until Shutdown.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on %s", s.listen)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Bot: s.deps.Bot.Snapshot()}
	if s.deps.Reconciler != nil {
		resp.Halted = s.deps.Reconciler.Halted()
		resp.HaltReason = s.deps.Reconciler.HaltReason()
	}
	if s.deps.Lock != nil {
		if op, held, ok := s.deps.Lock.Holder(); ok {
			resp.LockHolder = op
			resp.LockHeld = held.Round(time.Millisecond).String()
		}
	}
	state := s.deps.Storage.Session(time.Now().In(s.loc).Format(storage.DateFormat))
	resp.Session = &SessionView{Date: state.Date, SessionPnL: state.SessionPnL, Straddles: state.Straddles}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Storage.GetStatistics())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	history := s.deps.Storage.GetHistory()
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && limit > 0 && limit < len(history) {
		history = history[len(history)-limit:]
	}
	s.writeJSON(w, http.StatusOK, history)
}

func (s *Server) handleForceEntry(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	level, ok := s.levelParam(w, r)
	if !ok {
		return
	}
	if s.deps.Chain == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("option chain unavailable"))
		return
	}
	snap, err := s.deps.Chain(r.Context())
	if err != nil {
		s.logger.WithError(err).Error("Failed to load option chain")
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	if err := s.deps.Bot.ForceHedgeEntry(r.Context(), kind, level, snap); err != nil {
		s.actionFailed(w, "force hedge entry", err)
		return
	}
	s.logger.WithFields(logrus.Fields{"leg": kind, "level": level}).Warn("Forced hedge entry")
	s.writeJSON(w, http.StatusOK, s.deps.Bot.Snapshot())
}

func (s *Server) handleForceExit(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Bot.ForceHedgeExit(r.Context(), kind); err != nil {
		s.actionFailed(w, "force hedge exit", err)
		return
	}
	s.logger.WithField("leg", kind).Warn("Forced hedge exit")
	s.writeJSON(w, http.StatusOK, s.deps.Bot.Snapshot())
}

func (s *Server) handleSkipLevel(w http.ResponseWriter, r *http.Request) {
	kind, ok := s.kindParam(w, r)
	if !ok {
		return
	}
	level, ok := s.levelParam(w, r)
	if !ok {
		return
	}
	if err := s.deps.Bot.SkipLevel(r.Context(), kind, level); err != nil {
		s.actionFailed(w, "skip level", err)
		return
	}
	s.logger.WithFields(logrus.Fields{"leg": kind, "level": level}).Warn("Hedge level skipped")
	s.writeJSON(w, http.StatusOK, s.deps.Bot.Snapshot())
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("reconciliation unavailable"))
		return
	}
	delta, err := s.deps.Reconciler.Reconcile(r.Context())
	if err != nil {
		s.actionFailed(w, "reconcile", err)
		return
	}
	if delta.Exit != nil && s.deps.OnExit != nil {
		s.deps.OnExit(r.Context(), delta.Exit)
	}
	if s.deps.Reconciler.Halted() {
		if err := s.deps.Storage.SetHalt(true, s.deps.Reconciler.HaltReason()); err != nil {
			s.logger.WithError(err).Error("Failed to persist halt")
		}
	}
	s.writeJSON(w, http.StatusOK, delta)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reconciler == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("reconciliation unavailable"))
		return
	}
	cleared := s.deps.Reconciler.Acknowledge(r.Context())
	if cleared {
		if err := s.deps.Storage.SetHalt(false, ""); err != nil {
			s.logger.WithError(err).Error("Failed to persist halt clear")
		}
		s.logger.Warn("Reconciliation halt acknowledged")
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"cleared": cleared})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.Login == nil {
		s.writeError(w, http.StatusServiceUnavailable, errors.New("login unavailable"))
		return
	}
	login := s.deps.Login
	var err error
	if s.deps.Lock != nil {
		err = s.deps.Lock.TryRun(r.Context(), lock.OpLogin, login)
	} else {
		err = login(r.Context())
	}
	if err != nil {
		s.actionFailed(w, "login", err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "logged in"})
}

func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Bot.ExitStraddle(r.Context(), straddle.ExitManual)
	if err != nil {
		s.actionFailed(w, "exit straddle", err)
		return
	}
	if s.deps.OnExit != nil {
		s.deps.OnExit(r.Context(), summary)
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) kindParam(w http.ResponseWriter, r *http.Request) (models.OptionKind, bool) {
	kind := models.OptionKind(strings.ToUpper(chi.URLParam(r, "kind")))
	if !kind.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown leg %q", chi.URLParam(r, "kind")))
		return "", false
	}
	return kind, true
}

func (s *Server) levelParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	level, err := strconv.Atoi(r.URL.Query().Get("level"))
	if err != nil || level < 1 {
		s.writeError(w, http.StatusBadRequest, errors.New("level must be a positive integer"))
		return 0, false
	}
	return level, true
}

func (s *Server) actionFailed(w http.ResponseWriter, action string, err error) {
	status := statusFor(err)
	entry := s.logger.WithError(err).WithField("action", action)
	if status >= http.StatusInternalServerError {
		entry.Error("Operator action failed")
	} else {
		entry.Warn("Operator action refused")
	}
	s.writeError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, lock.ErrBusy), errors.Is(err, lock.ErrReauthInProgress):
		return http.StatusServiceUnavailable
	case errors.Is(err, straddle.ErrNotActive),
		errors.Is(err, straddle.ErrHedgeUnavailable),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrHedgeActive),
		errors.Is(err, models.ErrNoHedge),
		errors.Is(err, models.ErrLevelUnavailable),
		errors.Is(err, models.ErrLegClosed),
		errors.Is(err, hedge.ErrNoCandidate):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}
