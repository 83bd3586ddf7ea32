package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

var ErrNotFound = errors.New("not found")

// Annotator finalizes an event after the log has assigned its id and server
// timestamp and before it is persisted.
type Annotator func(ev *model.AttendanceEvent)

// EventLog is the append-only attendance log. Every read is scoped to one
// tenant.
type EventLog interface {
	Append(ctx context.Context, ev model.AttendanceEvent, annotate Annotator) (model.AttendanceEvent, error)
	// QueryRange returns the tenant's events with from <= ts < to in log order.
	QueryRange(ctx context.Context, tenantID string, from, to time.Time) ([]model.AttendanceEvent, error)
	Subscribe(ctx context.Context, tenantID string, filter Filter) (<-chan model.ChangeSet, error)
}

type ProfileStore interface {
	// BindActorTenant merges profile into the stored one. Fields already set
	// on the stored profile are never overwritten.
	BindActorTenant(ctx context.Context, profile model.ActorProfile) error
	GetProfile(ctx context.Context, actorID string) (model.ActorProfile, error)
}

type ConfigStore interface {
	GetConfiguration(ctx context.Context, tenantID string) (model.TenantConfiguration, error)
	MergeConfiguration(ctx context.Context, tenantID string, patch model.ConfigurationPatch) (model.TenantConfiguration, error)
}

type DismissalStore interface {
	PutDismissal(ctx context.Context, rec model.DismissalRecord) error
	HasDismissal(ctx context.Context, key model.DismissalKey) (bool, error)
	DeleteDismissals(ctx context.Context, tenantID string) (int, error)
}

type Store interface {
	EventLog
	ProfileStore
	ConfigStore
	DismissalStore
	Init(ctx context.Context) error
	Close() error
	// Hub exposes the local change feed so remote notifications can be
	// republished to this instance's subscribers.
	Hub() *Hub
}

type Option func(*options)

type options struct {
	clock  func() time.Time
	logger *slog.Logger
	hub    *Hub
}

// WithClock overrides the clock used to stamp appended events.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func buildOptions(opts []Option) options {
	o := options{clock: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.hub == nil {
		o.hub = NewHub(o.logger)
	}
	return o
}

func NewStore(cfg config.StorageConfig, opts ...Option) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemory(opts...), nil
	case "sqlite":
		return NewSQLite(cfg.DSN, opts...)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, opts...)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, v).UTC()
}
