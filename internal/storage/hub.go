package storage

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"presencewatch/internal/model"
)

// Filter selects which events a subscriber receives; nil accepts all.
type Filter func(model.AttendanceEvent) bool

const (
	subscriberBuffer = 256
	redeliveryWindow = 10 * time.Minute
)

// Hub fans change sets out to per-tenant subscribers. Publishing never
// blocks: a subscriber whose buffer is full misses the change set and gets
// Resync set on the next one it receives.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*subscription
	next   int
	seen   *DedupeCache
	logger *slog.Logger
}

type subscription struct {
	ch     chan model.ChangeSet
	filter Filter
	lagged bool
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]map[int]*subscription),
		seen:   NewDedupeCache(),
		logger: logger,
	}
}

// Subscribe registers a live subscription for tenantID. The channel is
// closed when ctx is done.
func (h *Hub) Subscribe(ctx context.Context, tenantID string, filter Filter) (<-chan model.ChangeSet, error) {
	if tenantID == "" {
		return nil, errors.New("tenant id required")
	}
	sub := &subscription{ch: make(chan model.ChangeSet, subscriberBuffer), filter: filter}
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[int]*subscription)
	}
	h.subs[tenantID][id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs[tenantID], id)
		if len(h.subs[tenantID]) == 0 {
			delete(h.subs, tenantID)
		}
		h.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

// Publish delivers cs to the tenant's subscribers. Added events already seen
// recently (own writes echoed back from the change feed, redeliveries) are
// dropped.
func (h *Hub) Publish(cs model.ChangeSet) {
	if cs.TenantID == "" {
		return
	}
	now := time.Now().UTC()
	added := cs.Added[:0:0]
	for _, ev := range cs.Added {
		if ev.EventID != "" && h.seen.Seen("add|"+ev.EventID, now, redeliveryWindow) {
			continue
		}
		added = append(added, ev)
	}
	cs.Added = added
	if cs.Empty() {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs[cs.TenantID] {
		out := filterChangeSet(cs, sub.filter)
		if out.Empty() {
			continue
		}
		out.Resync = sub.lagged
		select {
		case sub.ch <- out:
			sub.lagged = false
		default:
			sub.lagged = true
			if h.logger != nil {
				h.logger.Warn("subscriber buffer full, dropping change set", "tenant_id", cs.TenantID)
			}
		}
	}
}

func (h *Hub) Subscribers(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

func filterChangeSet(cs model.ChangeSet, filter Filter) model.ChangeSet {
	if filter == nil {
		return cs
	}
	out := model.ChangeSet{TenantID: cs.TenantID}
	for _, ev := range cs.Added {
		if filter(ev) {
			out.Added = append(out.Added, ev)
		}
	}
	for _, ev := range cs.Modified {
		if filter(ev) {
			out.Modified = append(out.Modified, ev)
		}
	}
	for _, ev := range cs.Removed {
		if filter(ev) {
			out.Removed = append(out.Removed, ev)
		}
	}
	return out
}
