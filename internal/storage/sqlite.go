package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string, opts ...Option) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:presencewatch.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer keeps RETURNING and the config merge transaction serialised
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db, opts: buildOptions(opts)}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.exec(ctx, []string{
		`CREATE TABLE IF NOT EXISTS attendance_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			tenant_id TEXT NOT NULL,
			actor_id TEXT NOT NULL,
			actor_name TEXT NOT NULL,
			server_ts_ns INTEGER,
			event_type TEXT NOT NULL,
			status TEXT,
			minutes_late INTEGER NOT NULL DEFAULT 0,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			distance_m REAL NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON attendance_events(tenant_id, server_ts_ns)`,
		`CREATE TABLE IF NOT EXISTS actor_profiles (
			actor_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			updated_at_ns INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tenant_configurations (
			tenant_id TEXT PRIMARY KEY,
			shift_hour INTEGER NOT NULL,
			shift_minute INTEGER NOT NULL,
			grace_minutes INTEGER NOT NULL,
			site_lat REAL,
			site_lng REAL,
			radius_m REAL NOT NULL DEFAULT 0,
			timezone TEXT NOT NULL DEFAULT '',
			updated_at_ns INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS alert_dismissals (
			tenant_id TEXT NOT NULL,
			actor_key TEXT NOT NULL,
			pattern_type TEXT NOT NULL,
			dismissed_at_ns INTEGER NOT NULL,
			PRIMARY KEY (tenant_id, actor_key, pattern_type)
		)`,
	})
}
