package engine

import (
	"time"

	"presencewatch/internal/model"
)

type Classification struct {
	Status      model.Timeliness `json:"status"`
	MinutesLate int              `json:"minutes_late"`
}

// Deadline returns the latest on-time instant for the calendar day of
// eventTime in loc: shift start plus the grace period.
func Deadline(eventTime time.Time, cfg model.TenantConfiguration, loc *time.Location) time.Time {
	return shiftStart(eventTime, cfg, loc).Add(time.Duration(cfg.GracePeriodMinutes) * time.Minute)
}

// Classify assigns timeliness to a check-in stamped at eventTime, which must
// be the log-assigned server time. It only ever returns OnTime or Late; the
// deadline itself counts as on time. MinutesLate is measured from shift
// start and rounded up.
func Classify(eventTime time.Time, cfg model.TenantConfiguration, loc *time.Location) Classification {
	if loc == nil {
		loc = time.UTC
	}
	deadline := Deadline(eventTime, cfg, loc)
	if !eventTime.After(deadline) {
		return Classification{Status: model.TimelinessOnTime}
	}
	late := eventTime.Sub(shiftStart(eventTime, cfg, loc))
	minutes := int(late / time.Minute)
	if late%time.Minute != 0 {
		minutes++
	}
	return Classification{Status: model.TimelinessLate, MinutesLate: minutes}
}

func shiftStart(eventTime time.Time, cfg model.TenantConfiguration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := eventTime.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), cfg.ShiftStart.Hour, cfg.ShiftStart.Minute, 0, 0, loc)
}
