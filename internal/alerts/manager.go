package alerts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"presencewatch/internal/model"
	"presencewatch/internal/storage"
)

var ErrInvalidKey = errors.New("invalid dismissal key")

// NormalizeActorName maps a display name to its dismissal key form: letters
// and digits of any script are kept, every other rune becomes '_'. "A. Smith!"
// and "A__Smith_" therefore share a key; names that differ in any letter or
// digit never do.
func NormalizeActorName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func Key(tenantID, actorName string, patternType model.PatternType) (model.DismissalKey, error) {
	key := model.DismissalKey{
		TenantID:    tenantID,
		ActorName:   NormalizeActorName(actorName),
		PatternType: patternType,
	}
	switch {
	case tenantID == "":
		return key, fmt.Errorf("%w: tenant id required", ErrInvalidKey)
	case key.ActorName == "":
		return key, fmt.Errorf("%w: actor name required", ErrInvalidKey)
	}
	if _, ok := model.ParsePatternType(string(patternType)); !ok {
		return key, fmt.Errorf("%w: unknown pattern type %q", ErrInvalidKey, patternType)
	}
	return key, nil
}

// Manager records operator dismissals of pattern alerts. Dismissals only
// hide alerts; detection itself never consults them.
type Manager struct {
	store   storage.DismissalStore
	journal *Journal
	logger  *slog.Logger
	clock   func() time.Time
}

func NewManager(store storage.DismissalStore, journal *Journal, logger *slog.Logger) *Manager {
	if journal == nil {
		journal = NewJournal(0)
	}
	return &Manager{
		store:   store,
		journal: journal,
		logger:  logger,
		clock:   time.Now,
	}
}

func (m *Manager) Journal() *Journal {
	return m.journal
}

func (m *Manager) Dismiss(ctx context.Context, tenantID, actorName string, patternType model.PatternType) error {
	key, err := Key(tenantID, actorName, patternType)
	if err != nil {
		return err
	}
	now := m.clock().UTC()
	if err := m.store.PutDismissal(ctx, model.DismissalRecord{Key: key, DismissedAt: now}); err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	m.journal.Add(model.DismissalEntry{
		TenantID:    tenantID,
		Action:      model.ActionDismiss,
		ActorName:   actorName,
		PatternType: patternType,
		At:          now,
	})
	if m.logger != nil {
		m.logger.InfoContext(ctx, "alert dismissed", "tenant_id", tenantID, "actor_key", key.ActorName, "pattern_type", patternType)
	}
	return nil
}

func (m *Manager) IsDismissed(ctx context.Context, tenantID, actorName string, patternType model.PatternType) (bool, error) {
	key, err := Key(tenantID, actorName, patternType)
	if err != nil {
		return false, err
	}
	return m.store.HasDismissal(ctx, key)
}

// ResetAll removes every dismissal of the tenant. It cannot be undone;
// callers confirm with the operator first.
func (m *Manager) ResetAll(ctx context.Context, tenantID string) (int, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenant id required", ErrInvalidKey)
	}
	n, err := m.store.DeleteDismissals(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("reset dismissals: %w", err)
	}
	m.journal.Add(model.DismissalEntry{
		TenantID: tenantID,
		Action:   model.ActionReset,
		Removed:  n,
		At:       m.clock().UTC(),
	})
	if m.logger != nil {
		m.logger.WarnContext(ctx, "alert dismissals reset", "tenant_id", tenantID, "removed", n)
	}
	return n, nil
}

// Filter drops the tenant's dismissed alerts. The input is not modified.
func (m *Manager) Filter(ctx context.Context, tenantID string, alerts []model.PatternAlert) ([]model.PatternAlert, error) {
	out := make([]model.PatternAlert, 0, len(alerts))
	for _, a := range alerts {
		if a.TenantID != "" && a.TenantID != tenantID {
			continue
		}
		dismissed, err := m.IsDismissed(ctx, tenantID, a.ActorName, a.PatternType)
		if errors.Is(err, ErrInvalidKey) {
			out = append(out, a)
			continue
		}
		if err != nil {
			return nil, err
		}
		if !dismissed {
			out = append(out, a)
		}
	}
	return out, nil
}
