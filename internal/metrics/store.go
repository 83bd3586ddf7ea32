package metrics

import (
	"sync"
	"time"

	"presencewatch/internal/model"
)

// Store keeps the latest dashboard snapshot per tenant. When more than limit
// tenants are tracked the least recently updated one is evicted.
type Store struct {
	mu        sync.RWMutex
	byTenant  map[string]model.DashboardSnapshot
	updatedAt map[string]time.Time
	order     map[string]uint64
	seq       uint64
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		byTenant:  make(map[string]model.DashboardSnapshot),
		updatedAt: make(map[string]time.Time),
		order:     make(map[string]uint64),
		limit:     limit,
	}
}

func (s *Store) Update(snap model.DashboardSnapshot) {
	if snap.TenantID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byTenant[snap.TenantID] = snap
	s.updatedAt[snap.TenantID] = time.Now().UTC()
	s.seq++
	s.order[snap.TenantID] = s.seq
	if len(s.byTenant) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(tenantID string) (model.DashboardSnapshot, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byTenant[tenantID]
	if !ok {
		return model.DashboardSnapshot{}, time.Time{}, false
	}
	out := snap
	out.Alerts = append([]model.PatternAlert(nil), snap.Alerts...)
	return out, s.updatedAt[tenantID], true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTenant)
}

func (s *Store) evictOldest() {
	var oldestTenant string
	var oldest uint64
	for tenant, n := range s.order {
		if oldestTenant == "" || n < oldest {
			oldestTenant = tenant
			oldest = n
		}
	}
	if oldestTenant != "" {
		delete(s.byTenant, oldestTenant)
		delete(s.updatedAt, oldestTenant)
		delete(s.order, oldestTenant)
	}
}
