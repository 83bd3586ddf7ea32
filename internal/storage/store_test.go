package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"presencewatch/internal/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type StoreSuite struct {
	suite.Suite
	newStore func(t *testing.T, clock *fakeClock) Store
	store    Store
	clock    *fakeClock
	ctx      context.Context
}

func TestMemoryStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T, clock *fakeClock) Store {
		return NewMemory(WithClock(clock.Now))
	}})
}

func TestSQLiteStoreSuite(t *testing.T) {
	suite.Run(t, &StoreSuite{newStore: func(t *testing.T, clock *fakeClock) Store {
		dsn := "file:" + filepath.Join(t.TempDir(), "test.db") + "?_pragma=busy_timeout(5000)"
		s, err := NewSQLite(dsn, WithClock(clock.Now))
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		return s
	}})
}

func (s *StoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	s.store = s.newStore(s.T(), s.clock)
	s.Require().NoError(s.store.Init(s.ctx))
	s.T().Cleanup(func() { _ = s.store.Close() })
}

func (s *StoreSuite) TestAppendStampsAndAnnotates() {
	var seenTS time.Time
	ev, err := s.store.Append(s.ctx, model.AttendanceEvent{
		TenantID:  "t1",
		ActorID:   "a1",
		ActorName: "Ann",
		Type:      model.EventCheckIn,
	}, func(ev *model.AttendanceEvent) {
		seenTS = ev.ServerTimestamp
		ev.Status = model.TimelinessLate
		ev.MinutesLate = 4
	})
	s.Require().NoError(err)
	s.NotEmpty(ev.EventID)
	s.NotZero(ev.Seq)
	s.True(ev.ServerTimestamp.Equal(s.clock.Now()))
	s.True(seenTS.Equal(ev.ServerTimestamp))

	got, err := s.store.QueryRange(s.ctx, "t1", s.clock.Now().Add(-time.Hour), s.clock.Now().Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(got, 1)
	s.Equal(ev.EventID, got[0].EventID)
	s.Equal(model.TimelinessLate, got[0].Status)
	s.Equal(4, got[0].MinutesLate)
	s.Equal(model.EventCheckIn, got[0].Type)
}

func (s *StoreSuite) TestQueryRangeIsTenantScopedAndOrdered() {
	base := s.clock.Now()
	for i, tenant := range []string{"t1", "t2", "t1", "t1"} {
		s.clock.Set(base.Add(time.Duration(i) * time.Minute))
		_, err := s.store.Append(s.ctx, model.AttendanceEvent{TenantID: tenant, ActorID: "a", Type: model.EventCheckIn}, nil)
		s.Require().NoError(err)
	}

	got, err := s.store.QueryRange(s.ctx, "t1", base, base.Add(time.Hour))
	s.Require().NoError(err)
	s.Require().Len(got, 3)
	for i := 1; i < len(got); i++ {
		s.True(got[i-1].Before(got[i]))
	}
	for _, ev := range got {
		s.Equal("t1", ev.TenantID)
	}

	// upper bound is exclusive
	got, err = s.store.QueryRange(s.ctx, "t1", base, base.Add(2*time.Minute))
	s.Require().NoError(err)
	s.Len(got, 1)
}

func (s *StoreSuite) TestBindActorTenantNeverOverwrites() {
	s.Require().NoError(s.store.BindActorTenant(s.ctx, model.ActorProfile{ActorID: "a1", TenantID: "t1", DisplayName: "Ann"}))
	s.Require().NoError(s.store.BindActorTenant(s.ctx, model.ActorProfile{ActorID: "a1", TenantID: "t2", DisplayName: "Annie"}))

	p, err := s.store.GetProfile(s.ctx, "a1")
	s.Require().NoError(err)
	s.Equal("t1", p.TenantID)
	s.Equal("Ann", p.DisplayName)

	_, err = s.store.GetProfile(s.ctx, "missing")
	s.ErrorIs(err, ErrNotFound)
}

func (s *StoreSuite) TestMergeConfigurationPreservesAbsentFields() {
	_, err := s.store.GetConfiguration(s.ctx, "t1")
	s.ErrorIs(err, ErrNotFound)

	grace := 10
	radius := 150.0
	_, err = s.store.MergeConfiguration(s.ctx, "t1", model.ConfigurationPatch{
		ShiftStart:           &model.ShiftTime{Hour: 9},
		GracePeriodMinutes:   &grace,
		SiteCenter:           &model.Coordinates{Latitude: 1.5, Longitude: 2.5},
		GeofenceRadiusMeters: &radius,
	})
	s.Require().NoError(err)

	tz := "Asia/Jakarta"
	cfg, err := s.store.MergeConfiguration(s.ctx, "t1", model.ConfigurationPatch{Timezone: &tz})
	s.Require().NoError(err)
	s.Equal(9, cfg.ShiftStart.Hour)
	s.Equal(10, cfg.GracePeriodMinutes)

	cfg, err = s.store.GetConfiguration(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal("t1", cfg.TenantID)
	s.Equal(9, cfg.ShiftStart.Hour)
	s.Equal(10, cfg.GracePeriodMinutes)
	s.Require().NotNil(cfg.SiteCenter)
	s.InDelta(1.5, cfg.SiteCenter.Latitude, 1e-9)
	s.InDelta(150.0, cfg.GeofenceRadiusMeters, 1e-9)
	s.Equal("Asia/Jakarta", cfg.Timezone)

	cfg, err = s.store.MergeConfiguration(s.ctx, "t1", model.ConfigurationPatch{ClearSiteCenter: true})
	s.Require().NoError(err)
	s.Nil(cfg.SiteCenter)
}

func (s *StoreSuite) TestDismissals() {
	key := model.DismissalKey{TenantID: "t1", ActorName: "A__Smith_", PatternType: model.PatternChronicLateFrequency}
	other := model.DismissalKey{TenantID: "t2", ActorName: "A__Smith_", PatternType: model.PatternChronicLateFrequency}

	ok, err := s.store.HasDismissal(s.ctx, key)
	s.Require().NoError(err)
	s.False(ok)

	s.Require().NoError(s.store.PutDismissal(s.ctx, model.DismissalRecord{Key: key}))
	s.Require().NoError(s.store.PutDismissal(s.ctx, model.DismissalRecord{Key: key}))
	s.Require().NoError(s.store.PutDismissal(s.ctx, model.DismissalRecord{Key: other}))

	ok, err = s.store.HasDismissal(s.ctx, key)
	s.Require().NoError(err)
	s.True(ok)

	n, err := s.store.DeleteDismissals(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal(1, n)

	ok, err = s.store.HasDismissal(s.ctx, key)
	s.Require().NoError(err)
	s.False(ok)
	ok, err = s.store.HasDismissal(s.ctx, other)
	s.Require().NoError(err)
	s.True(ok)
}

func (s *StoreSuite) TestSubscribeReceivesAppends() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	ch, err := s.store.Subscribe(ctx, "t1", nil)
	s.Require().NoError(err)
	other, err := s.store.Subscribe(ctx, "t2", nil)
	s.Require().NoError(err)

	ev, err := s.store.Append(s.ctx, model.AttendanceEvent{TenantID: "t1", ActorID: "a", Type: model.EventCheckOut}, nil)
	s.Require().NoError(err)

	select {
	case cs := <-ch:
		s.Require().Len(cs.Added, 1)
		s.Equal(ev.EventID, cs.Added[0].EventID)
	case <-time.After(time.Second):
		s.Fail("no change set delivered")
	}
	select {
	case cs := <-other:
		s.Failf("cross-tenant delivery", "got %+v", cs)
	default:
	}
}
