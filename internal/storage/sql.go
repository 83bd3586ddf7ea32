package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"presencewatch/internal/model"
)

// baseStore holds the queries shared by the sqlite and postgres backends.
// Statements are written with '?' placeholders and rebound per dialect.
type baseStore struct {
	db        *sql.DB
	opts      options
	dollar    bool
	forUpdate string
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) Hub() *Hub {
	return b.opts.hub
}

func (b *baseStore) q(query string) string {
	if !b.dollar {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(ch)
	}
	return sb.String()
}

const eventColumns = `seq, event_id, tenant_id, actor_id, actor_name, server_ts_ns, event_type, status, minutes_late, latitude, longitude, distance_m`

func (b *baseStore) Append(ctx context.Context, ev model.AttendanceEvent, annotate Annotator) (model.AttendanceEvent, error) {
	if b.db == nil {
		return model.AttendanceEvent{}, errors.New("store not initialised")
	}
	if ev.TenantID == "" {
		return model.AttendanceEvent{}, errors.New("tenant id required")
	}
	id, err := uuid.NewV7()
	if err != nil {
		return model.AttendanceEvent{}, fmt.Errorf("event id: %w", err)
	}
	ev.EventID = id.String()
	ev.ServerTimestamp = b.opts.clock().UTC()
	if annotate != nil {
		annotate(&ev)
	}
	err = b.db.QueryRowContext(ctx, b.q(
		`INSERT INTO attendance_events (event_id, tenant_id, actor_id, actor_name, server_ts_ns, event_type, status, minutes_late, latitude, longitude, distance_m)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING seq`),
		ev.EventID,
		ev.TenantID,
		ev.ActorID,
		ev.ActorName,
		nanos(ev.ServerTimestamp),
		string(ev.Type),
		string(ev.Status),
		ev.MinutesLate,
		ev.ReportedLocation.Latitude,
		ev.ReportedLocation.Longitude,
		ev.DistanceFromSiteMeters,
	).Scan(&ev.Seq)
	if err != nil {
		return model.AttendanceEvent{}, err
	}
	b.opts.hub.Publish(model.ChangeSet{TenantID: ev.TenantID, Added: []model.AttendanceEvent{ev}})
	return ev, nil
}

func (b *baseStore) QueryRange(ctx context.Context, tenantID string, from, to time.Time) ([]model.AttendanceEvent, error) {
	if b.db == nil {
		return nil, nil
	}
	rows, err := b.db.QueryContext(ctx, b.q(
		`SELECT `+eventColumns+` FROM attendance_events
		WHERE tenant_id = ? AND server_ts_ns >= ? AND server_ts_ns < ?
		ORDER BY server_ts_ns, seq`),
		tenantID, nanos(from), nanos(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.AttendanceEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (model.AttendanceEvent, error) {
	var (
		ev        model.AttendanceEvent
		ts        sql.NullInt64
		eventType string
		status    sql.NullString
	)
	err := rows.Scan(
		&ev.Seq,
		&ev.EventID,
		&ev.TenantID,
		&ev.ActorID,
		&ev.ActorName,
		&ts,
		&eventType,
		&status,
		&ev.MinutesLate,
		&ev.ReportedLocation.Latitude,
		&ev.ReportedLocation.Longitude,
		&ev.DistanceFromSiteMeters,
	)
	if err != nil {
		return ev, err
	}
	if ts.Valid {
		ev.ServerTimestamp = fromNanos(ts.Int64)
	}
	ev.Type = model.EventType(eventType)
	ev.Status = model.Timeliness(status.String)
	return ev, nil
}

func (b *baseStore) Subscribe(ctx context.Context, tenantID string, filter Filter) (<-chan model.ChangeSet, error) {
	return b.opts.hub.Subscribe(ctx, tenantID, filter)
}

func (b *baseStore) BindActorTenant(ctx context.Context, profile model.ActorProfile) error {
	if b.db == nil {
		return errors.New("store not initialised")
	}
	if profile.ActorID == "" {
		return errors.New("actor id required")
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO actor_profiles (actor_id, tenant_id, display_name, updated_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (actor_id) DO UPDATE SET
			tenant_id = CASE WHEN actor_profiles.tenant_id = '' THEN excluded.tenant_id ELSE actor_profiles.tenant_id END,
			display_name = CASE WHEN actor_profiles.display_name = '' THEN excluded.display_name ELSE actor_profiles.display_name END,
			updated_at_ns = excluded.updated_at_ns`),
		profile.ActorID,
		profile.TenantID,
		profile.DisplayName,
		nanos(b.opts.clock()),
	)
	return err
}

func (b *baseStore) GetProfile(ctx context.Context, actorID string) (model.ActorProfile, error) {
	var p model.ActorProfile
	var updated int64
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT actor_id, tenant_id, display_name, updated_at_ns FROM actor_profiles WHERE actor_id = ?`),
		actorID).Scan(&p.ActorID, &p.TenantID, &p.DisplayName, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.UpdatedAt = fromNanos(updated)
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfiguration(row rowScanner) (model.TenantConfiguration, error) {
	var (
		cfg     model.TenantConfiguration
		lat     sql.NullFloat64
		lng     sql.NullFloat64
		updated int64
	)
	err := row.Scan(
		&cfg.TenantID,
		&cfg.ShiftStart.Hour,
		&cfg.ShiftStart.Minute,
		&cfg.GracePeriodMinutes,
		&lat,
		&lng,
		&cfg.GeofenceRadiusMeters,
		&cfg.Timezone,
		&updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, ErrNotFound
	}
	if err != nil {
		return cfg, err
	}
	if lat.Valid && lng.Valid {
		cfg.SiteCenter = &model.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64}
	}
	cfg.UpdatedAt = fromNanos(updated)
	return cfg, nil
}

const configColumns = `tenant_id, shift_hour, shift_minute, grace_minutes, site_lat, site_lng, radius_m, timezone, updated_at_ns`

func (b *baseStore) GetConfiguration(ctx context.Context, tenantID string) (model.TenantConfiguration, error) {
	if b.db == nil {
		return model.TenantConfiguration{}, ErrNotFound
	}
	row := b.db.QueryRowContext(ctx, b.q(`SELECT `+configColumns+` FROM tenant_configurations WHERE tenant_id = ?`), tenantID)
	return scanConfiguration(row)
}

func (b *baseStore) MergeConfiguration(ctx context.Context, tenantID string, patch model.ConfigurationPatch) (model.TenantConfiguration, error) {
	if b.db == nil {
		return model.TenantConfiguration{}, errors.New("store not initialised")
	}
	if tenantID == "" {
		return model.TenantConfiguration{}, errors.New("tenant id required")
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return model.TenantConfiguration{}, err
	}
	current, err := scanConfiguration(tx.QueryRowContext(ctx, b.q(
		`SELECT `+configColumns+` FROM tenant_configurations WHERE tenant_id = ?`+b.forUpdate), tenantID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		_ = tx.Rollback()
		return model.TenantConfiguration{}, err
	}
	current.TenantID = tenantID
	next := patch.Apply(current)
	next.UpdatedAt = b.opts.clock().UTC()

	var lat, lng sql.NullFloat64
	if next.SiteCenter != nil {
		lat = sql.NullFloat64{Float64: next.SiteCenter.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: next.SiteCenter.Longitude, Valid: true}
	}
	_, err = tx.ExecContext(ctx, b.q(
		`INSERT INTO tenant_configurations (`+configColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			shift_hour = excluded.shift_hour,
			shift_minute = excluded.shift_minute,
			grace_minutes = excluded.grace_minutes,
			site_lat = excluded.site_lat,
			site_lng = excluded.site_lng,
			radius_m = excluded.radius_m,
			timezone = excluded.timezone,
			updated_at_ns = excluded.updated_at_ns`),
		next.TenantID,
		next.ShiftStart.Hour,
		next.ShiftStart.Minute,
		next.GracePeriodMinutes,
		lat,
		lng,
		next.GeofenceRadiusMeters,
		next.Timezone,
		nanos(next.UpdatedAt),
	)
	if err != nil {
		_ = tx.Rollback()
		return model.TenantConfiguration{}, err
	}
	if err := tx.Commit(); err != nil {
		return model.TenantConfiguration{}, err
	}
	return next, nil
}

func (b *baseStore) PutDismissal(ctx context.Context, rec model.DismissalRecord) error {
	if b.db == nil {
		return errors.New("store not initialised")
	}
	dismissedAt := rec.DismissedAt
	if dismissedAt.IsZero() {
		dismissedAt = b.opts.clock()
	}
	_, err := b.db.ExecContext(ctx, b.q(
		`INSERT INTO alert_dismissals (tenant_id, actor_key, pattern_type, dismissed_at_ns)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, actor_key, pattern_type) DO UPDATE SET dismissed_at_ns = excluded.dismissed_at_ns`),
		rec.Key.TenantID,
		rec.Key.ActorName,
		string(rec.Key.PatternType),
		nanos(dismissedAt),
	)
	return err
}

func (b *baseStore) HasDismissal(ctx context.Context, key model.DismissalKey) (bool, error) {
	if b.db == nil {
		return false, nil
	}
	var n int
	err := b.db.QueryRowContext(ctx, b.q(
		`SELECT COUNT(1) FROM alert_dismissals WHERE tenant_id = ? AND actor_key = ? AND pattern_type = ?`),
		key.TenantID, key.ActorName, string(key.PatternType)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *baseStore) DeleteDismissals(ctx context.Context, tenantID string) (int, error) {
	if b.db == nil {
		return 0, nil
	}
	res, err := b.db.ExecContext(ctx, b.q(`DELETE FROM alert_dismissals WHERE tenant_id = ?`), tenantID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (b *baseStore) exec(ctx context.Context, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
