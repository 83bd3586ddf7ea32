package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"presencewatch/internal/alerts"
	"presencewatch/internal/config"
	"presencewatch/internal/engine"
	"presencewatch/internal/metrics"
	"presencewatch/internal/model"
	"presencewatch/internal/storage"
)

// Source is the slice of the store the dashboard reads from.
type Source interface {
	storage.EventLog
	GetConfiguration(ctx context.Context, tenantID string) (model.TenantConfiguration, error)
}

type settings struct {
	lookbackDays int
	refresh      time.Duration
	defaultLoc   *time.Location
}

// Service computes operator dashboards: the daily rollup plus pattern alerts
// filtered through dismissals. Live views are isolated per tenant; each one
// owns its own log subscription and rollup.
type Service struct {
	source    Source
	detector  *engine.Detector
	alerts    *alerts.Manager
	snapshots *metrics.Store
	metrics   *metrics.Collectors
	logger    *slog.Logger
	clock     func() time.Time
	cooldown  *Cooldown
	settings  atomic.Value

	mu    sync.Mutex
	views map[string]*view
}

type Option func(*Service)

func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithMetrics(m *metrics.Collectors) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func New(cfg *config.Config, source Source, detector *engine.Detector, alertMgr *alerts.Manager, snapshots *metrics.Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		source:    source,
		detector:  detector,
		alerts:    alertMgr,
		snapshots: snapshots,
		logger:    logger,
		clock:     time.Now,
		views:     make(map[string]*view),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.snapshots == nil {
		s.snapshots = metrics.NewStore(0)
	}
	s.cooldown = NewCooldown(s.clock)
	s.UpdateConfig(cfg)
	return s
}

func (s *Service) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	s.settings.Store(settings{
		lookbackDays: cfg.Detection.LookbackDays,
		refresh:      cfg.Detection.RefreshInterval,
		defaultLoc:   cfg.DefaultLocation(),
	})
	s.detector.UpdateConfig(cfg.Detection)
}

func (s *Service) current() settings {
	return s.settings.Load().(settings)
}

// Location resolves the tenant's reporting timezone. Tenants without a
// configuration use the service default.
func (s *Service) Location(ctx context.Context, tenantID string) (*time.Location, error) {
	def := s.current().defaultLoc
	cfg, err := s.source.GetConfiguration(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return def, nil
	}
	if err != nil {
		return nil, err
	}
	return cfg.Location(def), nil
}

// DailyStats aggregates the tenant's events for the calendar day containing
// day. A zero day means today.
func (s *Service) DailyStats(ctx context.Context, tenantID string, day time.Time) (model.DailyStats, error) {
	loc, err := s.Location(ctx, tenantID)
	if err != nil {
		return model.DailyStats{}, err
	}
	if day.IsZero() {
		day = s.clock()
	}
	from, to := engine.DayRange(day, loc)
	events, err := s.source.QueryRange(ctx, tenantID, from, to)
	if err != nil {
		return model.DailyStats{}, fmt.Errorf("query day: %w", err)
	}
	stats := engine.Aggregate(events)
	stats.Day = engine.DayKey(from, loc)
	return stats, nil
}

// Alerts runs pattern detection over the lookback window ending today.
func (s *Service) Alerts(ctx context.Context, tenantID string, includeDismissed bool) ([]model.PatternAlert, error) {
	loc, err := s.Location(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	detected, err := s.detect(ctx, tenantID, loc)
	if err != nil {
		return nil, err
	}
	if includeDismissed || s.alerts == nil {
		return detected, nil
	}
	return s.alerts.Filter(ctx, tenantID, detected)
}

func (s *Service) detect(ctx context.Context, tenantID string, loc *time.Location) ([]model.PatternAlert, error) {
	start := time.Now()
	now := s.clock()
	lookback := s.current().lookbackDays
	if lookback <= 0 {
		lookback = 30
	}
	from, _ := engine.DayRange(now.AddDate(0, 0, -lookback), loc)
	_, to := engine.DayRange(now, loc)
	events, err := s.source.QueryRange(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	out := s.detector.Detect(events, loc)
	byType := make(map[string]int)
	for _, a := range out {
		byType[string(a.PatternType)]++
	}
	s.metrics.ObserveDetection(start, byType)
	return out, nil
}

// Snapshot computes a fresh dashboard and caches it.
func (s *Service) Snapshot(ctx context.Context, tenantID string) (model.DashboardSnapshot, error) {
	stats, err := s.DailyStats(ctx, tenantID, time.Time{})
	if err != nil {
		return model.DashboardSnapshot{}, err
	}
	active, err := s.Alerts(ctx, tenantID, false)
	if err != nil {
		return model.DashboardSnapshot{}, err
	}
	snap := model.DashboardSnapshot{
		TenantID:  tenantID,
		Stats:     stats,
		Alerts:    active,
		UpdatedAt: s.clock().UTC(),
	}
	s.snapshots.Update(snap)
	return snap, nil
}

// Cached returns the last snapshot computed for the tenant, if any.
func (s *Service) Cached(tenantID string) (model.DashboardSnapshot, bool) {
	snap, _, ok := s.snapshots.Get(tenantID)
	return snap, ok
}

// Refresh asks the tenant's live view, if any, to recompute alerts now,
// bypassing the detection cooldown. Used after dismissals or the tenant
// configuration change; a changed timezone rebuilds the day rollup.
func (s *Service) Refresh(tenantID string) {
	s.mu.Lock()
	v := s.views[tenantID]
	s.mu.Unlock()
	if v == nil {
		return
	}
	select {
	case v.refresh <- struct{}{}:
	default:
	}
}

func (s *Service) ActiveViews() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.views)
}
