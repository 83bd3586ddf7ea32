package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"presencewatch/internal/engine"
	"presencewatch/internal/model"
)

const defaultRefresh = 30 * time.Second

// view is one tenant's live dashboard. Everything below mu is owned by the
// run goroutine.
type view struct {
	tenantID string
	cancel   context.CancelFunc
	refresh  chan struct{}

	mu        sync.Mutex
	listeners map[int]chan model.DashboardSnapshot
	next      int
	last      *model.DashboardSnapshot

	loc     *time.Location
	rollup  *engine.Rollup
	alerts  []model.PatternAlert
	pending bool
}

// Watch streams dashboard snapshots for the tenant until ctx is done. The
// first live watcher of a tenant starts its view; the last one to leave
// stops it. A slow reader only ever sees the newest snapshot.
func (s *Service) Watch(ctx context.Context, tenantID string) (<-chan model.DashboardSnapshot, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id required")
	}
	s.mu.Lock()
	v, ok := s.views[tenantID]
	if !ok {
		vctx, cancel := context.WithCancel(context.Background())
		changes, err := s.source.Subscribe(vctx, tenantID, nil)
		if err != nil {
			cancel()
			s.mu.Unlock()
			return nil, err
		}
		v = &view{
			tenantID:  tenantID,
			cancel:    cancel,
			refresh:   make(chan struct{}, 1),
			listeners: make(map[int]chan model.DashboardSnapshot),
		}
		s.views[tenantID] = v
		s.metrics.SetLiveViews(len(s.views))
		go s.run(vctx, v, changes)
		if s.logger != nil {
			s.logger.Info("live view started", "tenant_id", tenantID)
		}
	}
	id, ch := v.addListener()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.removeListener(v, id)
	}()
	return ch, nil
}

func (v *view) addListener() (int, chan model.DashboardSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.next
	v.next++
	ch := make(chan model.DashboardSnapshot, 1)
	if v.last != nil {
		ch <- *v.last
	}
	v.listeners[id] = ch
	return id, ch
}

func (s *Service) removeListener(v *view, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v.mu.Lock()
	if ch, ok := v.listeners[id]; ok {
		delete(v.listeners, id)
		close(ch)
	}
	empty := len(v.listeners) == 0
	v.mu.Unlock()
	if !empty || s.views[v.tenantID] != v {
		return
	}
	delete(s.views, v.tenantID)
	v.cancel()
	s.cooldown.Forget(v.tenantID)
	s.metrics.SetLiveViews(len(s.views))
	if s.logger != nil {
		s.logger.Info("live view stopped", "tenant_id", v.tenantID)
	}
}

func (v *view) broadcast(snap model.DashboardSnapshot) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.last = &snap
	for _, ch := range v.listeners {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func (s *Service) run(ctx context.Context, v *view, changes <-chan model.ChangeSet) {
	s.reload(ctx, v)
	s.publish(v)

	interval := s.current().refresh
	if interval <= 0 {
		interval = defaultRefresh
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cs, ok := <-changes:
			if !ok {
				return
			}
			s.apply(ctx, v, cs)
			s.publish(v)
		case <-v.refresh:
			s.refreshView(ctx, v)
			s.publish(v)
		case <-ticker.C:
			if s.tick(ctx, v) {
				s.publish(v)
			}
		}
	}
}

func (s *Service) apply(ctx context.Context, v *view, cs model.ChangeSet) {
	if cs.Resync {
		if s.logger != nil {
			s.logger.Warn("live view lagged, reloading", "tenant_id", v.tenantID)
		}
		s.reload(ctx, v)
		return
	}
	v.rollup.Advance(s.clock())
	v.rollup.Apply(cs)
	if s.cooldown.Allow(v.tenantID, s.current().refresh) {
		s.runDetection(ctx, v)
		return
	}
	v.pending = true
}

// tick handles day rollover and deferred detection. It reports whether the
// view changed.
func (s *Service) tick(ctx context.Context, v *view) bool {
	if v.rollup.Advance(s.clock()) {
		s.reload(ctx, v)
		return true
	}
	if v.pending && s.cooldown.Allow(v.tenantID, s.current().refresh) {
		s.runDetection(ctx, v)
		return true
	}
	return false
}

func (s *Service) reload(ctx context.Context, v *view) {
	now := s.clock()
	loc, err := s.Location(ctx, v.tenantID)
	if err != nil {
		s.logError("resolve tenant location", v.tenantID, err)
		loc = s.current().defaultLoc
	}
	v.loc = loc
	v.rollup = engine.NewRollup(now, loc)
	from, to := engine.DayRange(now, loc)
	events, err := s.source.QueryRange(ctx, v.tenantID, from, to)
	if err != nil {
		s.logError("load day events", v.tenantID, err)
	} else {
		v.rollup.Load(events)
	}
	s.runDetection(ctx, v)
}

// refreshView re-runs detection, rebuilding the view first when the tenant's
// timezone no longer matches the one the rollup was built in.
func (s *Service) refreshView(ctx context.Context, v *view) {
	loc, err := s.Location(ctx, v.tenantID)
	if err != nil {
		s.logError("resolve tenant location", v.tenantID, err)
	} else if loc.String() != v.loc.String() {
		if s.logger != nil {
			s.logger.Info("tenant timezone changed, reloading live view",
				"tenant_id", v.tenantID, "from", v.loc.String(), "to", loc.String())
		}
		s.reload(ctx, v)
		return
	}
	s.runDetection(ctx, v)
}

func (s *Service) runDetection(ctx context.Context, v *view) {
	detected, err := s.detect(ctx, v.tenantID, v.loc)
	if err != nil {
		s.logError("detect patterns", v.tenantID, err)
		return
	}
	if s.alerts != nil {
		filtered, err := s.alerts.Filter(ctx, v.tenantID, detected)
		if err != nil {
			s.logError("filter dismissed alerts", v.tenantID, err)
			return
		}
		detected = filtered
	}
	v.alerts = detected
	v.pending = false
}

func (s *Service) publish(v *view) {
	snap := model.DashboardSnapshot{
		TenantID:  v.tenantID,
		Stats:     v.rollup.Stats(),
		Alerts:    append([]model.PatternAlert(nil), v.alerts...),
		UpdatedAt: s.clock().UTC(),
	}
	s.snapshots.Update(snap)
	v.broadcast(snap)
}

func (s *Service) logError(msg, tenantID string, err error) {
	if s.logger != nil {
		s.logger.Error(msg, "tenant_id", tenantID, "err", err)
	}
}
