package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/presencewatch?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db, opts: buildOptions(opts), dollar: true, forUpdate: " FOR UPDATE"}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS attendance_events (
			seq BIGSERIAL PRIMARY KEY,
			event_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_name TEXT NOT NULL,
			server_ts_ns BIGINT,
			event_type TEXT NOT NULL,
			status TEXT,
			minutes_late INTEGER NOT NULL DEFAULT 0,
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			distance_m DOUBLE PRECISION NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON attendance_events(tenant_id, server_ts_ns)`,
		`CREATE TABLE IF NOT EXISTS actor_profiles (
			actor_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			updated_at_ns BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_configurations (
			tenant_id TEXT PRIMARY KEY,
			shift_hour INTEGER NOT NULL,
			shift_minute INTEGER NOT NULL,
			grace_minutes INTEGER NOT NULL,
			site_lat DOUBLE PRECISION,
			site_lng DOUBLE PRECISION,
			radius_m DOUBLE PRECISION NOT NULL DEFAULT 0,
			timezone TEXT NOT NULL DEFAULT '',
			updated_at_ns BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_dismissals (
			tenant_id TEXT NOT NULL,
			actor_key TEXT NOT NULL,
			pattern_type TEXT NOT NULL,
			dismissed_at_ns BIGINT NOT NULL,
			PRIMARY KEY (tenant_id, actor_key, pattern_type)
		)`,
	})
}
