package engine

import (
	"time"

	"presencewatch/internal/model"
)

const dayLayout = "2006-01-02"

// DayKey formats the calendar day of ts in loc.
func DayKey(ts time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return ts.In(loc).Format(dayLayout)
}

// DayRange returns the [from, to) bounds of the calendar day containing day
// in loc. DST transitions are honoured, so a day is not always 24h.
func DayRange(day time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := day.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return from, from.AddDate(0, 0, 1)
}

// Aggregate computes the daily counters for one tenant's events of one day.
// Records without a server timestamp are skipped.
func Aggregate(events []model.AttendanceEvent) model.DailyStats {
	var stats model.DailyStats
	latest := make(map[string]model.AttendanceEvent)
	for _, ev := range events {
		if !ev.HasTimestamp() {
			continue
		}
		stats.TotalCount++
		switch ev.Type {
		case model.EventCheckIn:
			if ev.Status == model.TimelinessLate {
				stats.LateCount++
			}
		case model.EventCheckOut:
			stats.CheckedOutCount++
		}
		if cur, ok := latest[ev.ActorID]; !ok || cur.Before(ev) {
			latest[ev.ActorID] = ev
		}
	}
	for _, ev := range latest {
		if ev.Type == model.EventCheckIn {
			stats.PresentCount++
		}
	}
	return stats
}
