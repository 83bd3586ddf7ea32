package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presencewatch/internal/alerts"
	"presencewatch/internal/config"
	"presencewatch/internal/dashboard"
	"presencewatch/internal/engine"
	"presencewatch/internal/model"
	"presencewatch/internal/normalize"
	"presencewatch/internal/storage"
)

// Store is the part of the attendance store the operator API touches.
type Store interface {
	QueryRange(ctx context.Context, tenantID string, from, to time.Time) ([]model.AttendanceEvent, error)
	GetConfiguration(ctx context.Context, tenantID string) (model.TenantConfiguration, error)
	MergeConfiguration(ctx context.Context, tenantID string, patch model.ConfigurationPatch) (model.TenantConfiguration, error)
	GetProfile(ctx context.Context, actorID string) (model.ActorProfile, error)
}

// ConfigListener is notified after the service config was reloaded.
type ConfigListener interface {
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg       *config.Manager
	store     Store
	dashboard *dashboard.Service
	alerts    *alerts.Manager
	gatherer  prometheus.Gatherer
	listeners []ConfigListener
	checks    map[string]HealthCheck
	logger    *slog.Logger
	version   string
	heartbeat time.Duration
}

type statusResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Version    string            `json:"version"`
	ConfigPath string            `json:"config_path"`
	Ingest     ingestStatus      `json:"ingest"`
	API        apiStatus         `json:"api"`
	Storage    string            `json:"storage"`
	Dismissals string            `json:"dismissals"`
	Detection  detectionStatus   `json:"detection"`
	LiveViews  int               `json:"live_views"`
	Checks     map[string]string `json:"checks,omitempty"`
}

// HealthCheck probes a backing service; a non-nil error marks the service
// degraded in /status.
type HealthCheck func(ctx context.Context) error

type ingestStatus struct {
	REST  bool `json:"rest"`
	Kafka bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type detectionStatus struct {
	LookbackDays       int     `json:"lookback_days"`
	ChronicLateRatio   float64 `json:"chronic_late_ratio"`
	ChronicMinCheckIns int     `json:"chronic_min_check_ins"`
	WeekdayMinLates    int     `json:"weekday_min_lates"`
	RefreshInterval    string  `json:"refresh_interval"`
}

type Option func(*Server)

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func WithConfigListener(l ConfigListener) Option {
	return func(s *Server) {
		if l != nil {
			s.listeners = append(s.listeners, l)
		}
	}
}

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		if check == nil {
			return
		}
		if s.checks == nil {
			s.checks = make(map[string]HealthCheck)
		}
		s.checks[name] = check
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

func NewServer(cfg *config.Manager, store Store, dash *dashboard.Service, alertMgr *alerts.Manager, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		dashboard: dash,
		alerts:    alertMgr,
		logger:    logger,
		heartbeat: 15 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Post("/admin/reload", s.handleReload)
	r.Get("/actors/{actorID}", s.handleProfile)

	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/config", s.handleGetConfig)
		r.Put("/config", s.handlePutConfig)
		r.Get("/events", s.handleEvents)
		r.Get("/stats", s.handleStats)
		r.Get("/dashboard", s.handleDashboard)
		r.Get("/live", s.handleLive)
		r.Route("/alerts", func(r chi.Router) {
			r.Get("/", s.handleAlerts)
			r.Post("/dismiss", s.handleDismiss)
			r.Post("/reset", s.handleReset)
			r.Get("/history", s.handleHistory)
		})
	})
	return r
}

func Start(ctx context.Context, cfg *config.Manager, server *Server, logger *slog.Logger) *http.Server {
	if cfg == nil || server == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:  cfg.Ingest.REST.Enabled,
			Kafka: cfg.Ingest.Kafka.Enabled,
		},
		API:        apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage:    cfg.Storage.Driver,
		Dismissals: cfg.Dismissals.Backend,
		Detection: detectionStatus{
			LookbackDays:       cfg.Detection.LookbackDays,
			ChronicLateRatio:   cfg.Detection.ChronicLateRatio,
			ChronicMinCheckIns: cfg.Detection.ChronicMinCheckIns,
			WeekdayMinLates:    cfg.Detection.WeekdayMinLates,
			RefreshInterval:    cfg.Detection.RefreshInterval.String(),
		},
	}
	if s.dashboard != nil {
		resp.LiveViews = s.dashboard.ActiveViews()
	}
	if len(s.checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		resp.Checks = make(map[string]string, len(s.checks))
		for name, check := range s.checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleReload(w http.ResponseWriter, _ *http.Request) {
	next, err := s.cfg.Reload()
	if err != nil {
		writeError(w, http.StatusBadRequest, "config_invalid", err.Error())
		return
	}
	for _, l := range s.listeners {
		l.UpdateConfig(next)
	}
	if s.logger != nil {
		s.logger.Info("config reloaded via api", "path", s.cfg.Path())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProfile(r.Context(), chi.URLParam(r, "actorID"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "actor profile not found")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.store.GetConfiguration(r.Context(), chi.URLParam(r, "tenantID"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "configuration_missing", "tenant has no configuration")
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var patch model.ConfigurationPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	if err := normalize.ConfigurationPatch(patch); err != nil {
		writeValidation(w, err)
		return
	}
	cfg, err := s.store.MergeConfiguration(r.Context(), tenantID, patch)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	if s.logger != nil {
		s.logger.Info("tenant configuration updated", "tenant_id", tenantID)
	}
	if s.dashboard != nil {
		s.dashboard.Refresh(tenantID)
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	loc, err := s.dashboard.Location(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	from, to := engine.DayRange(time.Now(), loc)
	q := r.URL.Query()
	if v := q.Get("from"); v != "" {
		if from, err = normalize.ParseTimestamp(v, loc); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if v := q.Get("to"); v != "" {
		if to, err = normalize.ParseTimestamp(v, loc); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return
		}
	}
	if !from.Before(to) {
		writeError(w, http.StatusBadRequest, "bad_request", "from must be before to")
		return
	}
	events, err := s.store.QueryRange(r.Context(), tenantID, from, to)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
		"from":   from.UTC().Format(time.RFC3339),
		"to":     to.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	loc, err := s.dashboard.Location(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	day, err := normalize.ParseDay(r.URL.Query().Get("date"), loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	stats, err := s.dashboard.DailyStats(r.Context(), tenantID, day)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	if r.URL.Query().Get("cached") == "true" {
		if snap, ok := s.dashboard.Cached(tenantID); ok {
			writeJSON(w, http.StatusOK, snap)
			return
		}
	}
	snap, err := s.dashboard.Snapshot(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	include := r.URL.Query().Get("include_dismissed") == "true"
	list, err := s.dashboard.Alerts(r.Context(), tenantID, include)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts": list,
		"count":  len(list),
	})
}

type dismissRequest struct {
	ActorName   string `json:"actor_name"`
	PatternType string `json:"pattern_type"`
}

func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req dismissRequest
	if !decodeBody(w, r, &req) {
		return
	}
	err := s.alerts.Dismiss(r.Context(), tenantID, req.ActorName, model.PatternType(req.PatternType))
	if errors.Is(err, alerts.ErrInvalidKey) {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.dashboard.Refresh(tenantID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

type resetRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	var req resetRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !req.Confirm {
		writeError(w, http.StatusPreconditionRequired, "confirmation_required",
			`resetting dismissals cannot be undone; resend with {"confirm": true}`)
		return
	}
	n, err := s.alerts.ResetAll(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	s.dashboard.Refresh(tenantID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "removed": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	journal := s.alerts.Journal()
	var list []model.DismissalEntry
	if since := r.URL.Query().Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		list = journal.Since(tenantID, ts)
	} else {
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				limit = n
			}
		}
		list = journal.List(tenantID, limit)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": list,
		"count":   len(list),
	})
}

// handleLive streams dashboard snapshots as Server-Sent Events until the
// client disconnects.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming unsupported")
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	ch, err := s.dashboard.Watch(r.Context(), tenantID)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case snap, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(snap)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	if s.logger != nil {
		s.logger.ErrorContext(r.Context(), "api request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"err", err,
		)
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body too large or unreadable")
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "request body required")
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return false
	}
	return true
}

func writeValidation(w http.ResponseWriter, err error) {
	var ve *normalize.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "validation_failed",
			"message": ve.Error(),
			"fields":  ve.Fields,
		})
		return
	}
	writeError(w, http.StatusBadRequest, "bad_request", err.Error())
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
