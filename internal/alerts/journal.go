package alerts

import (
	"sync"
	"time"

	"presencewatch/internal/model"
)

// Journal keeps the most recent dismissal actions in a bounded buffer shared
// by all tenants. Reads are always tenant scoped.
type Journal struct {
	mu    sync.RWMutex
	buf   []model.DismissalEntry
	limit int
}

func NewJournal(limit int) *Journal {
	if limit <= 0 {
		limit = 1000
	}
	return &Journal{limit: limit}
}

func (j *Journal) Add(entry model.DismissalEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.buf) < j.limit {
		j.buf = append(j.buf, entry)
		return
	}
	copy(j.buf, j.buf[1:])
	j.buf[len(j.buf)-1] = entry
}

// List returns up to limit of the tenant's newest entries, oldest first.
func (j *Journal) List(tenantID string, limit int) []model.DismissalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]model.DismissalEntry, 0)
	for i := len(j.buf) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		if j.buf[i].TenantID == tenantID {
			out = append(out, j.buf[i])
		}
	}
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

func (j *Journal) Since(tenantID string, ts time.Time) []model.DismissalEntry {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]model.DismissalEntry, 0)
	for _, e := range j.buf {
		if e.TenantID == tenantID && !e.At.Before(ts) {
			out = append(out, e)
		}
	}
	return out
}
