package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"presencewatch/internal/model"
)

// MemoryStore is a process-local Store. It keeps every tenant's events in
// log order and shares the subscription hub with the SQL backends.
type MemoryStore struct {
	mu         sync.RWMutex
	opts       options
	seq        int64
	events     map[string][]model.AttendanceEvent
	profiles   map[string]model.ActorProfile
	configs    map[string]model.TenantConfiguration
	dismissals map[model.DismissalKey]model.DismissalRecord
	failAppend error
	failBind   error
}

func NewMemory(opts ...Option) *MemoryStore {
	return &MemoryStore{
		opts:       buildOptions(opts),
		events:     make(map[string][]model.AttendanceEvent),
		profiles:   make(map[string]model.ActorProfile),
		configs:    make(map[string]model.TenantConfiguration),
		dismissals: make(map[model.DismissalKey]model.DismissalRecord),
	}
}

func (m *MemoryStore) Init(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
func (m *MemoryStore) Hub() *Hub                  { return m.opts.hub }

// FailWrites makes subsequent appends and profile binds return the given
// errors; nil restores normal behaviour.
func (m *MemoryStore) FailWrites(appendErr, bindErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = appendErr
	m.failBind = bindErr
}

func (m *MemoryStore) Append(_ context.Context, ev model.AttendanceEvent, annotate Annotator) (model.AttendanceEvent, error) {
	if ev.TenantID == "" {
		return model.AttendanceEvent{}, errors.New("tenant id required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.AttendanceEvent{}, err
	}
	m.mu.Lock()
	if m.failAppend != nil {
		err := m.failAppend
		m.mu.Unlock()
		return model.AttendanceEvent{}, err
	}
	m.seq++
	ev.Seq = m.seq
	ev.EventID = id.String()
	ev.ServerTimestamp = m.opts.clock().UTC()
	if annotate != nil {
		annotate(&ev)
	}
	m.events[ev.TenantID] = append(m.events[ev.TenantID], ev)
	m.mu.Unlock()

	m.opts.hub.Publish(model.ChangeSet{TenantID: ev.TenantID, Added: []model.AttendanceEvent{ev}})
	return ev, nil
}

// Insert stores ev verbatim, bypassing stamping. Used to load history and to
// simulate partially written records.
func (m *MemoryStore) Insert(ev model.AttendanceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if ev.Seq == 0 {
		ev.Seq = m.seq
	}
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	m.events[ev.TenantID] = append(m.events[ev.TenantID], ev)
}

func (m *MemoryStore) QueryRange(_ context.Context, tenantID string, from, to time.Time) ([]model.AttendanceEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.AttendanceEvent, 0)
	for _, ev := range m.events[tenantID] {
		if !ev.HasTimestamp() {
			continue
		}
		if ev.ServerTimestamp.Before(from) || !ev.ServerTimestamp.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, tenantID string, filter Filter) (<-chan model.ChangeSet, error) {
	return m.opts.hub.Subscribe(ctx, tenantID, filter)
}

func (m *MemoryStore) BindActorTenant(_ context.Context, profile model.ActorProfile) error {
	if profile.ActorID == "" {
		return errors.New("actor id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failBind != nil {
		return m.failBind
	}
	current, ok := m.profiles[profile.ActorID]
	if !ok {
		current = model.ActorProfile{ActorID: profile.ActorID}
	}
	if current.TenantID == "" {
		current.TenantID = profile.TenantID
	}
	if current.DisplayName == "" {
		current.DisplayName = profile.DisplayName
	}
	current.UpdatedAt = m.opts.clock().UTC()
	m.profiles[profile.ActorID] = current
	return nil
}

func (m *MemoryStore) GetProfile(_ context.Context, actorID string) (model.ActorProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[actorID]
	if !ok {
		return model.ActorProfile{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetConfiguration(_ context.Context, tenantID string) (model.TenantConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[tenantID]
	if !ok {
		return model.TenantConfiguration{}, ErrNotFound
	}
	return copyConfiguration(cfg), nil
}

func (m *MemoryStore) MergeConfiguration(_ context.Context, tenantID string, patch model.ConfigurationPatch) (model.TenantConfiguration, error) {
	if tenantID == "" {
		return model.TenantConfiguration{}, errors.New("tenant id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.configs[tenantID]
	current.TenantID = tenantID
	next := patch.Apply(copyConfiguration(current))
	next.UpdatedAt = m.opts.clock().UTC()
	m.configs[tenantID] = next
	return copyConfiguration(next), nil
}

func (m *MemoryStore) PutDismissal(_ context.Context, rec model.DismissalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.DismissedAt.IsZero() {
		rec.DismissedAt = m.opts.clock().UTC()
	}
	m.dismissals[rec.Key] = rec
	return nil
}

func (m *MemoryStore) HasDismissal(_ context.Context, key model.DismissalKey) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.dismissals[key]
	return ok, nil
}

func (m *MemoryStore) DeleteDismissals(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key := range m.dismissals {
		if key.TenantID == tenantID {
			delete(m.dismissals, key)
			n++
		}
	}
	return n, nil
}

func copyConfiguration(cfg model.TenantConfiguration) model.TenantConfiguration {
	if cfg.SiteCenter != nil {
		center := *cfg.SiteCenter
		cfg.SiteCenter = &center
	}
	return cfg
}
