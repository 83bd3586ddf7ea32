package engine

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"presencewatch/internal/model"
)

type eventBuilder struct {
	seq int64
}

func (b *eventBuilder) event(actor string, kind model.EventType, status model.Timeliness, ts time.Time) model.AttendanceEvent {
	b.seq++
	return model.AttendanceEvent{
		EventID:         actor + "-" + ts.Format(time.RFC3339) + "-" + string(kind),
		Seq:             b.seq,
		TenantID:        "t1",
		ActorID:         actor,
		ActorName:       "Actor " + actor,
		ServerTimestamp: ts,
		Type:            kind,
		Status:          status,
	}
}

func dayEvents() []model.AttendanceEvent {
	var b eventBuilder
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	return []model.AttendanceEvent{
		b.event("a", model.EventCheckIn, model.TimelinessOnTime, day.Add(8*time.Hour)),
		b.event("b", model.EventCheckIn, model.TimelinessLate, day.Add(9*time.Hour+30*time.Minute)),
		b.event("c", model.EventCheckIn, model.TimelinessLate, day.Add(10*time.Hour)),
		b.event("c", model.EventCheckOut, "", day.Add(17*time.Hour)),
		b.event("a", model.EventCheckOut, "", day.Add(17*time.Hour+5*time.Minute)),
		b.event("a", model.EventCheckIn, model.TimelinessLate, day.Add(18*time.Hour)),
	}
}

func TestAggregate(t *testing.T) {
	stats := Aggregate(dayEvents())
	assert.Equal(t, 6, stats.TotalCount)
	// a re-entered after checking out, b never left, c left.
	assert.Equal(t, 2, stats.PresentCount)
	assert.Equal(t, 3, stats.LateCount)
	assert.Equal(t, 2, stats.CheckedOutCount)
}

func TestAggregateIsIdempotentAndOrderIndependent(t *testing.T) {
	events := dayEvents()
	want := Aggregate(events)
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]model.AttendanceEvent(nil), events...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, Aggregate(shuffled))
	}
}

func TestAggregateSkipsUnstampedRecords(t *testing.T) {
	events := append(dayEvents(), model.AttendanceEvent{EventID: "broken", ActorID: "b", Type: model.EventCheckOut})
	assert.Equal(t, Aggregate(dayEvents()), Aggregate(events))
}

func TestDayRangeInTenantZone(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	from, to := DayRange(time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC), jakarta)
	assert.Equal(t, time.Date(2026, 3, 1, 17, 0, 0, 0, time.UTC), from.UTC())
	assert.Equal(t, 24*time.Hour, to.Sub(from))
	assert.Equal(t, "2026-03-02", DayKey(from, jakarta))

	again, _ := DayRange(time.Date(2026, 3, 2, 23, 59, 0, 0, jakarta), jakarta)
	assert.True(t, again.Equal(from))
}

func TestRollupMatchesAggregate(t *testing.T) {
	events := dayEvents()
	r := NewRollup(events[0].ServerTimestamp, time.UTC)
	for _, ev := range events {
		r.Apply(model.ChangeSet{TenantID: "t1", Added: []model.AttendanceEvent{ev}})
	}
	want := Aggregate(events)
	want.Day = "2026-03-02"
	assert.Equal(t, want, r.Stats())

	// redelivery does not double count
	r.Apply(model.ChangeSet{TenantID: "t1", Added: events[:2]})
	assert.Equal(t, want, r.Stats())
}

func TestRollupOutOfOrderAndRemoval(t *testing.T) {
	events := dayEvents()
	r := NewRollup(events[0].ServerTimestamp, time.UTC)
	for i := len(events) - 1; i >= 0; i-- {
		r.Apply(model.ChangeSet{TenantID: "t1", Added: []model.AttendanceEvent{events[i]}})
	}
	assert.Equal(t, 2, r.Stats().PresentCount)

	r.Apply(model.ChangeSet{TenantID: "t1", Removed: []model.AttendanceEvent{events[5]}})
	want := Aggregate(events[:5])
	want.Day = "2026-03-02"
	assert.Equal(t, want, r.Stats())
}

func TestRollupDropsEventModifiedOutOfDay(t *testing.T) {
	events := dayEvents()
	r := NewRollup(events[0].ServerTimestamp, time.UTC)
	r.Apply(model.ChangeSet{TenantID: "t1", Added: events})

	moved := events[0]
	moved.ServerTimestamp = moved.ServerTimestamp.AddDate(0, 0, -1)
	r.Apply(model.ChangeSet{TenantID: "t1", Modified: []model.AttendanceEvent{moved}})

	want := Aggregate(events[1:])
	want.Day = "2026-03-02"
	assert.Equal(t, want, r.Stats())
}

func TestRollupIgnoresOtherDaysAndAdvances(t *testing.T) {
	events := dayEvents()
	r := NewRollup(events[0].ServerTimestamp, time.UTC)
	next := events[0]
	next.EventID = "tomorrow"
	next.ServerTimestamp = next.ServerTimestamp.AddDate(0, 0, 1)
	r.Apply(model.ChangeSet{TenantID: "t1", Added: []model.AttendanceEvent{events[0], next}})
	assert.Equal(t, 1, r.Stats().TotalCount)

	assert.False(t, r.Advance(events[0].ServerTimestamp.Add(time.Hour)))
	assert.True(t, r.Advance(next.ServerTimestamp))
	assert.Equal(t, "2026-03-03", r.Day())
	assert.Zero(t, r.Stats().TotalCount)

	r.Load([]model.AttendanceEvent{next})
	assert.Equal(t, 1, r.Stats().PresentCount)
}
