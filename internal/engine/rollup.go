package engine

import (
	"time"

	"presencewatch/internal/model"
)

// Rollup maintains one tenant's DailyStats for a single calendar day from a
// stream of change sets. Additions are folded in incrementally; modifications
// and removals fall back to re-aggregating the retained day events, so the
// result always equals Aggregate over the same set.
type Rollup struct {
	loc    *time.Location
	day    string
	events map[string]model.AttendanceEvent
	latest map[string]model.AttendanceEvent
	stats  model.DailyStats
}

func NewRollup(day time.Time, loc *time.Location) *Rollup {
	if loc == nil {
		loc = time.UTC
	}
	r := &Rollup{loc: loc}
	r.reset(DayKey(day, loc))
	return r
}

func (r *Rollup) reset(day string) {
	r.day = day
	r.events = make(map[string]model.AttendanceEvent)
	r.latest = make(map[string]model.AttendanceEvent)
	r.stats = model.DailyStats{Day: day}
}

func (r *Rollup) Day() string {
	return r.day
}

func (r *Rollup) Location() *time.Location {
	return r.loc
}

// Load replaces the retained state with events, typically a fresh
// QueryRange for the rollup day.
func (r *Rollup) Load(events []model.AttendanceEvent) {
	r.reset(r.day)
	for _, ev := range events {
		r.add(ev)
	}
}

// Advance moves the rollup to the day containing now, clearing state on a
// day change. It reports whether the day changed.
func (r *Rollup) Advance(now time.Time) bool {
	day := DayKey(now, r.loc)
	if day == r.day {
		return false
	}
	r.reset(day)
	return true
}

// Apply folds a change set into the rollup. Events outside the current day
// or without a server timestamp are ignored; a modification that moves an
// event out of the day drops it.
func (r *Rollup) Apply(cs model.ChangeSet) {
	for _, ev := range cs.Added {
		r.add(ev)
	}
	if len(cs.Modified) == 0 && len(cs.Removed) == 0 {
		return
	}
	for _, ev := range cs.Modified {
		if r.inDay(ev) {
			r.events[ev.EventID] = ev
		} else {
			delete(r.events, ev.EventID)
		}
	}
	for _, ev := range cs.Removed {
		delete(r.events, ev.EventID)
	}
	r.recompute()
}

func (r *Rollup) Stats() model.DailyStats {
	return r.stats
}

func (r *Rollup) inDay(ev model.AttendanceEvent) bool {
	return ev.HasTimestamp() && DayKey(ev.ServerTimestamp, r.loc) == r.day
}

func (r *Rollup) add(ev model.AttendanceEvent) {
	if !r.inDay(ev) {
		return
	}
	if _, dup := r.events[ev.EventID]; dup {
		return
	}
	r.events[ev.EventID] = ev
	r.stats.TotalCount++
	switch ev.Type {
	case model.EventCheckIn:
		if ev.Status == model.TimelinessLate {
			r.stats.LateCount++
		}
	case model.EventCheckOut:
		r.stats.CheckedOutCount++
	}
	prev, ok := r.latest[ev.ActorID]
	if ok && !prev.Before(ev) {
		return
	}
	if ok && prev.Type == model.EventCheckIn {
		r.stats.PresentCount--
	}
	if ev.Type == model.EventCheckIn {
		r.stats.PresentCount++
	}
	r.latest[ev.ActorID] = ev
}

func (r *Rollup) recompute() {
	events := make([]model.AttendanceEvent, 0, len(r.events))
	r.latest = make(map[string]model.AttendanceEvent, len(r.latest))
	for _, ev := range r.events {
		events = append(events, ev)
		if cur, ok := r.latest[ev.ActorID]; !ok || cur.Before(ev) {
			r.latest[ev.ActorID] = ev
		}
	}
	r.stats = Aggregate(events)
	r.stats.Day = r.day
}
