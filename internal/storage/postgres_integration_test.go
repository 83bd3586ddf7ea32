//go:build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()
	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("presencewatch"),
		tcpostgres.WithUsername("presencewatch"),
		tcpostgres.WithPassword("presencewatch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	suite.Run(t, &StoreSuite{newStore: func(t *testing.T, clock *fakeClock) Store {
		s, err := NewPostgres(dsn, WithClock(clock.Now))
		if err != nil {
			t.Fatalf("open postgres: %v", err)
		}
		if err := s.Init(context.Background()); err != nil {
			t.Fatalf("init: %v", err)
		}
		for _, table := range []string{"attendance_events", "actor_profiles", "tenant_configurations", "alert_dismissals"} {
			if _, err := s.(*postgresStore).db.Exec("TRUNCATE " + table); err != nil {
				t.Fatalf("truncate %s: %v", table, err)
			}
		}
		return s
	}})
}
