package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"presencewatch/internal/config"
	"presencewatch/internal/geo"
	"presencewatch/internal/metrics"
	"presencewatch/internal/model"
	"presencewatch/internal/storage"
)

type EventAppender interface {
	Append(ctx context.Context, ev model.AttendanceEvent, annotate storage.Annotator) (model.AttendanceEvent, error)
}

type ProfileBinder interface {
	BindActorTenant(ctx context.Context, profile model.ActorProfile) error
}

type ConfigReader interface {
	GetConfiguration(ctx context.Context, tenantID string) (model.TenantConfiguration, error)
}

// EventSink receives every recorded event after the append succeeded, e.g.
// the cross-instance change feed. Sink failures are logged, never returned.
type EventSink interface {
	Publish(ctx context.Context, ev model.AttendanceEvent) error
}

// Attempt is one authenticated actor trying to check in or out at a
// tenant's terminal.
type Attempt struct {
	TenantID  string
	ActorID   string
	ActorName string
	Location  Locator
}

func (a Attempt) validate() error {
	switch {
	case strings.TrimSpace(a.TenantID) == "":
		return fmt.Errorf("%w: tenant id required", ErrInvalidAttempt)
	case strings.TrimSpace(a.ActorID) == "":
		return fmt.Errorf("%w: actor id required", ErrInvalidAttempt)
	}
	return nil
}

type recorderSettings struct {
	defaultLoc      *time.Location
	locationTimeout time.Duration
}

// Recorder validates, classifies and appends attendance events. It does not
// suppress repeated check-ins: every accepted attempt produces an event.
type Recorder struct {
	log      EventAppender
	profiles ProfileBinder
	configs  ConfigReader
	logger   *slog.Logger
	metrics  *metrics.Collectors
	sinks    []EventSink
	tracer   trace.Tracer
	settings atomic.Value
}

type RecorderOption func(*Recorder)

func WithRecorderMetrics(m *metrics.Collectors) RecorderOption {
	return func(r *Recorder) {
		r.metrics = m
	}
}

func WithEventSink(sink EventSink) RecorderOption {
	return func(r *Recorder) {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
}

func NewRecorder(cfg *config.Config, log EventAppender, profiles ProfileBinder, configs ConfigReader, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		log:      log,
		profiles: profiles,
		configs:  configs,
		logger:   logger,
		tracer:   otel.Tracer("presencewatch/engine"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.UpdateConfig(cfg)
	return r
}

func (r *Recorder) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	r.settings.Store(recorderSettings{
		defaultLoc:      cfg.DefaultLocation(),
		locationTimeout: cfg.Ingest.LocationTimeout,
	})
}

func (r *Recorder) current() recorderSettings {
	if v := r.settings.Load(); v != nil {
		return v.(recorderSettings)
	}
	return recorderSettings{defaultLoc: time.UTC, locationTimeout: DefaultLocationTimeout}
}

func (r *Recorder) CheckIn(ctx context.Context, a Attempt) (model.AttendanceEvent, error) {
	return r.record(ctx, model.EventCheckIn, a)
}

func (r *Recorder) CheckOut(ctx context.Context, a Attempt) (model.AttendanceEvent, error) {
	return r.record(ctx, model.EventCheckOut, a)
}

// record runs the check-in pipeline. When the event was appended but the
// profile binding failed, both the event and a *PersistenceError are
// returned: the event stays recorded.
func (r *Recorder) record(ctx context.Context, kind model.EventType, a Attempt) (model.AttendanceEvent, error) {
	ctx, span := r.tracer.Start(ctx, "Recorder.record", trace.WithAttributes(
		attribute.String("tenant_id", a.TenantID),
		attribute.String("event_type", string(kind)),
	))
	defer span.End()

	ev, err := r.appendEvent(ctx, kind, a)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, ErrorCode(err))
		r.metrics.IncRejected(ErrorCode(err))
		r.logRejected(ctx, kind, a, err)
		return model.AttendanceEvent{}, err
	}
	r.metrics.IncRecorded(string(ev.Type), string(ev.Status))
	span.SetAttributes(attribute.String("event_id", ev.EventID))
	r.publish(ctx, ev)

	if kind != model.EventCheckIn {
		return ev, nil
	}
	if err := r.profiles.BindActorTenant(ctx, model.ActorProfile{
		ActorID:     a.ActorID,
		TenantID:    a.TenantID,
		DisplayName: a.ActorName,
	}); err != nil {
		span.RecordError(err)
		if r.logger != nil {
			r.logger.ErrorContext(ctx, "profile binding failed after event append",
				"tenant_id", a.TenantID,
				"actor_id", a.ActorID,
				"event_id", ev.EventID,
				"err", err,
			)
		}
		return ev, &PersistenceError{Op: OpBindProfile, Err: err}
	}
	return ev, nil
}

func (r *Recorder) appendEvent(ctx context.Context, kind model.EventType, a Attempt) (model.AttendanceEvent, error) {
	if err := a.validate(); err != nil {
		return model.AttendanceEvent{}, err
	}
	settings := r.current()

	cfg, err := r.configs.GetConfiguration(ctx, a.TenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.AttendanceEvent{}, ErrConfigurationMissing
	}
	if err != nil {
		return model.AttendanceEvent{}, &PersistenceError{Op: OpGetConfig, Err: err}
	}

	pos, err := AcquireLocation(ctx, a.Location, settings.locationTimeout)
	if err != nil {
		return model.AttendanceEvent{}, err
	}

	fence := geo.Validate(pos, cfg)
	if !fence.WithinBounds {
		return model.AttendanceEvent{}, &GeofenceViolationError{
			DistanceMeters: fence.DistanceMeters,
			RadiusMeters:   cfg.GeofenceRadiusMeters,
		}
	}

	loc := cfg.Location(settings.defaultLoc)
	draft := model.AttendanceEvent{
		TenantID:               a.TenantID,
		ActorID:                a.ActorID,
		ActorName:              strings.TrimSpace(a.ActorName),
		Type:                   kind,
		ReportedLocation:       pos,
		DistanceFromSiteMeters: fence.DistanceMeters,
	}
	ev, err := r.log.Append(ctx, draft, func(ev *model.AttendanceEvent) {
		if ev.Type != model.EventCheckIn {
			return
		}
		c := Classify(ev.ServerTimestamp, cfg, loc)
		ev.Status = c.Status
		ev.MinutesLate = c.MinutesLate
	})
	if err != nil {
		return model.AttendanceEvent{}, &PersistenceError{Op: OpAppendEvent, Err: err}
	}
	if r.logger != nil {
		r.logger.InfoContext(ctx, "attendance recorded",
			"tenant_id", ev.TenantID,
			"actor_id", ev.ActorID,
			"event_id", ev.EventID,
			"event_type", ev.Type,
			"status", ev.Status,
			"minutes_late", ev.MinutesLate,
		)
	}
	return ev, nil
}

func (r *Recorder) publish(ctx context.Context, ev model.AttendanceEvent) {
	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, ev); err != nil && r.logger != nil {
			r.logger.WarnContext(ctx, "event sink publish failed", "event_id", ev.EventID, "err", err)
		}
	}
}

func (r *Recorder) logRejected(ctx context.Context, kind model.EventType, a Attempt, err error) {
	if r.logger == nil {
		return
	}
	attrs := []any{
		"tenant_id", a.TenantID,
		"actor_id", a.ActorID,
		"event_type", kind,
		"reason", ErrorCode(err),
		"err", err,
	}
	var geoErr *GeofenceViolationError
	if errors.As(err, &geoErr) {
		attrs = append(attrs, "distance_meters", geoErr.DistanceMeters)
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		r.logger.ErrorContext(ctx, "attendance write failed", attrs...)
		return
	}
	r.logger.WarnContext(ctx, "attendance attempt rejected", attrs...)
}
