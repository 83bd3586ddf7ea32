package engine

import (
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"presencewatch/internal/config"
	"presencewatch/internal/model"
)

type thresholds struct {
	chronicRatio   float64
	chronicMinLogs int
	weekdayMinLate int
}

// Detector derives behavioural pattern alerts from one tenant's recent
// history. Detect is a pure function of its input and the thresholds.
type Detector struct {
	th atomic.Value
}

func NewDetector(cfg config.DetectionConfig) *Detector {
	d := &Detector{}
	d.UpdateConfig(cfg)
	return d
}

func (d *Detector) UpdateConfig(cfg config.DetectionConfig) {
	th := thresholds{
		chronicRatio:   cfg.ChronicLateRatio,
		chronicMinLogs: cfg.ChronicMinCheckIns,
		weekdayMinLate: cfg.WeekdayMinLates,
	}
	if th.chronicRatio <= 0 {
		th.chronicRatio = 0.40
	}
	if th.chronicMinLogs <= 0 {
		th.chronicMinLogs = 3
	}
	if th.weekdayMinLate <= 0 {
		th.weekdayMinLate = 2
	}
	d.th.Store(th)
}

func (d *Detector) thresholds() thresholds {
	return d.th.Load().(thresholds)
}

type actorHistory struct {
	actorID  string
	name     string
	tenantID string
	checkIns []model.AttendanceEvent
}

// Detect runs the streak, frequency and weekday rules per actor. Weekdays are
// taken from the calendar day in loc. Only check-ins carry timeliness, so
// check-outs do not count towards any rule. The result is sorted by actor,
// pattern type and weekday and does not depend on input order.
func (d *Detector) Detect(events []model.AttendanceEvent, loc *time.Location) []model.PatternAlert {
	if loc == nil {
		loc = time.UTC
	}
	th := d.thresholds()

	actors := make(map[string]*actorHistory)
	for _, ev := range events {
		if !ev.HasTimestamp() || ev.ActorID == "" {
			continue
		}
		h, ok := actors[ev.ActorID]
		if !ok {
			h = &actorHistory{actorID: ev.ActorID, tenantID: ev.TenantID}
			actors[ev.ActorID] = h
		}
		if ev.Type == model.EventCheckIn {
			h.checkIns = append(h.checkIns, ev)
		}
	}

	ids := make([]string, 0, len(actors))
	for id := range actors {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]model.PatternAlert, 0)
	for _, id := range ids {
		h := actors[id]
		if len(h.checkIns) == 0 {
			continue
		}
		sort.Slice(h.checkIns, func(i, j int) bool { return h.checkIns[j].Before(h.checkIns[i]) })
		h.name = displayName(h.checkIns)
		out = append(out, detectActor(h, th, loc)...)
	}
	return out
}

func detectActor(h *actorHistory, th thresholds, loc *time.Location) []model.PatternAlert {
	var alerts []model.PatternAlert
	newAlert := func(pt model.PatternType, sev model.Severity, msg string) model.PatternAlert {
		return model.PatternAlert{
			TenantID:    h.tenantID,
			ActorID:     h.actorID,
			ActorName:   h.name,
			PatternType: pt,
			Severity:    sev,
			Message:     msg,
		}
	}

	total := len(h.checkIns)
	late := 0
	byWeekday := make(map[time.Weekday]int)
	for _, ev := range h.checkIns {
		if ev.Status != model.TimelinessLate {
			continue
		}
		late++
		byWeekday[ev.ServerTimestamp.In(loc).Weekday()]++
	}

	if total >= 2 && h.checkIns[0].Status == model.TimelinessLate && h.checkIns[1].Status == model.TimelinessLate {
		alerts = append(alerts, newAlert(model.PatternConsecutiveLateStreak, model.SeverityHigh,
			"late on the 2 most recent check-ins"))
	}

	if total >= th.chronicMinLogs {
		ratio := float64(late) / float64(total)
		if ratio > th.chronicRatio {
			pct := int(math.Round(ratio * 100))
			alerts = append(alerts, newAlert(model.PatternChronicLateFrequency, model.SeverityHigh,
				fmt.Sprintf("late on %d%% of check-ins (%d of %d)", pct, late, total)))
		}
	}

	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		n := byWeekday[wd]
		if n < th.weekdayMinLate {
			continue
		}
		a := newAlert(model.PatternDaySpecificDelay, model.SeverityMedium,
			fmt.Sprintf("late on %d %ss", n, wd))
		a.Weekday = wd.String()
		alerts = append(alerts, a)
	}
	return alerts
}

// displayName picks the most recent non-empty actor name; checkIns must be
// sorted newest first.
func displayName(checkIns []model.AttendanceEvent) string {
	for _, ev := range checkIns {
		if ev.ActorName != "" {
			return ev.ActorName
		}
	}
	return checkIns[0].ActorID
}
