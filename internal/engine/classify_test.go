package engine

import (
	"testing"
	"time"

	"presencewatch/internal/model"
)

func shiftConfig() model.TenantConfiguration {
	return model.TenantConfiguration{
		TenantID:           "t1",
		ShiftStart:         model.ShiftTime{Hour: 9, Minute: 0},
		GracePeriodMinutes: 15,
	}
}

func TestClassifyDeadlineIsInclusive(t *testing.T) {
	cfg := shiftConfig()
	deadline := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)

	got := Classify(deadline, cfg, time.UTC)
	if got.Status != model.TimelinessOnTime || got.MinutesLate != 0 {
		t.Fatalf("at deadline: got %+v", got)
	}

	got = Classify(deadline.Add(time.Second), cfg, time.UTC)
	if got.Status != model.TimelinessLate {
		t.Fatalf("one second after deadline: got %+v", got)
	}
	if got.MinutesLate != 16 {
		t.Fatalf("minutes late = %d, want 16", got.MinutesLate)
	}
}

func TestClassifyEarlyArrivalIsOnTime(t *testing.T) {
	got := Classify(time.Date(2026, 3, 2, 6, 30, 0, 0, time.UTC), shiftConfig(), time.UTC)
	if got.Status != model.TimelinessOnTime {
		t.Fatalf("got %+v", got)
	}
}

func TestClassifyUsesTenantCalendarDay(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cfg := shiftConfig()
	// 02:10 UTC is 09:10 in Jakarta, inside the grace period.
	ts := time.Date(2026, 3, 2, 2, 10, 0, 0, time.UTC)
	if got := Classify(ts, cfg, jakarta); got.Status != model.TimelinessOnTime {
		t.Fatalf("jakarta: got %+v", got)
	}
	if got := Classify(ts, cfg, time.UTC); got.Status != model.TimelinessOnTime {
		t.Fatalf("utc: got %+v", got)
	}
	ts = time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	got := Classify(ts, cfg, jakarta)
	if got.Status != model.TimelinessLate || got.MinutesLate != 60 {
		t.Fatalf("jakarta 10:00: got %+v", got)
	}
}

func TestClassifyRoundsMinutesUp(t *testing.T) {
	cfg := shiftConfig()
	cfg.GracePeriodMinutes = 0
	got := Classify(time.Date(2026, 3, 2, 9, 0, 1, 0, time.UTC), cfg, time.UTC)
	if got.Status != model.TimelinessLate || got.MinutesLate != 1 {
		t.Fatalf("got %+v", got)
	}
}
