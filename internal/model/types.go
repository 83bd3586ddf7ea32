package model

import (
	"time"
)

type EventType string

const (
	EventCheckIn  EventType = "check_in"
	EventCheckOut EventType = "check_out"
)

type Timeliness string

const (
	// TimelinessEarly is reserved; the classifier does not produce it.
	TimelinessEarly  Timeliness = "early"
	TimelinessOnTime Timeliness = "on_time"
	TimelinessLate   Timeliness = "late"
)

type Coordinates struct {
	Latitude  float64 `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64 `json:"longitude" validate:"gte=-180,lte=180"`
}

type ShiftTime struct {
	Hour   int `json:"hour" yaml:"hour" validate:"gte=0,lte=23"`
	Minute int `json:"minute" yaml:"minute" validate:"gte=0,lte=59"`
}

type TenantConfiguration struct {
	TenantID             string       `json:"tenant_id"`
	ShiftStart           ShiftTime    `json:"shift_start"`
	GracePeriodMinutes   int          `json:"grace_period_minutes"`
	SiteCenter           *Coordinates `json:"site_center,omitempty"`
	GeofenceRadiusMeters float64      `json:"geofence_radius_meters"`
	Timezone             string       `json:"timezone,omitempty"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// GeofenceEnabled reports whether check-ins are restricted to a site radius.
func (c TenantConfiguration) GeofenceEnabled() bool {
	return c.SiteCenter != nil
}

// Location resolves the tenant timezone, falling back to def and then UTC.
func (c TenantConfiguration) Location(def *time.Location) *time.Location {
	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			return loc
		}
	}
	if def != nil {
		return def
	}
	return time.UTC
}

// ConfigurationPatch is a partial TenantConfiguration; nil fields are left
// untouched by a merge write.
type ConfigurationPatch struct {
	ShiftStart           *ShiftTime   `json:"shift_start,omitempty" validate:"omitempty"`
	GracePeriodMinutes   *int         `json:"grace_period_minutes,omitempty" validate:"omitempty,gte=0"`
	SiteCenter           *Coordinates `json:"site_center,omitempty"`
	ClearSiteCenter      bool         `json:"clear_site_center,omitempty"`
	GeofenceRadiusMeters *float64     `json:"geofence_radius_meters,omitempty" validate:"omitempty,gt=0"`
	Timezone             *string      `json:"timezone,omitempty" validate:"omitempty,timezone"`
}

// Apply merges the patch over cfg and returns the result.
func (p ConfigurationPatch) Apply(cfg TenantConfiguration) TenantConfiguration {
	if p.ShiftStart != nil {
		cfg.ShiftStart = *p.ShiftStart
	}
	if p.GracePeriodMinutes != nil {
		cfg.GracePeriodMinutes = *p.GracePeriodMinutes
	}
	if p.ClearSiteCenter {
		cfg.SiteCenter = nil
	}
	if p.SiteCenter != nil {
		center := *p.SiteCenter
		cfg.SiteCenter = &center
	}
	if p.GeofenceRadiusMeters != nil {
		cfg.GeofenceRadiusMeters = *p.GeofenceRadiusMeters
	}
	if p.Timezone != nil {
		cfg.Timezone = *p.Timezone
	}
	return cfg
}

type AttendanceEvent struct {
	EventID                string      `json:"event_id"`
	Seq                    int64       `json:"seq"`
	TenantID               string      `json:"tenant_id"`
	ActorID                string      `json:"actor_id"`
	ActorName              string      `json:"actor_name"`
	ServerTimestamp        time.Time   `json:"server_timestamp"`
	Type                   EventType   `json:"event_type"`
	Status                 Timeliness  `json:"timeliness_status,omitempty"`
	MinutesLate            int         `json:"minutes_late"`
	ReportedLocation       Coordinates `json:"reported_location"`
	DistanceFromSiteMeters float64     `json:"distance_from_site_meters"`
}

// HasTimestamp reports whether the log stamped the event. Records without a
// server timestamp are partially written and must be skipped by analysis.
func (e AttendanceEvent) HasTimestamp() bool {
	return !e.ServerTimestamp.IsZero()
}

// Before orders events by log assignment: server timestamp, then sequence.
func (e AttendanceEvent) Before(other AttendanceEvent) bool {
	if !e.ServerTimestamp.Equal(other.ServerTimestamp) {
		return e.ServerTimestamp.Before(other.ServerTimestamp)
	}
	if e.Seq != other.Seq {
		return e.Seq < other.Seq
	}
	return e.EventID < other.EventID
}

type ActorProfile struct {
	ActorID     string    `json:"actor_id"`
	TenantID    string    `json:"tenant_id,omitempty"`
	DisplayName string    `json:"display_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ChangeSet struct {
	TenantID string            `json:"tenant_id"`
	Added    []AttendanceEvent `json:"added,omitempty"`
	Modified []AttendanceEvent `json:"modified,omitempty"`
	Removed  []AttendanceEvent `json:"removed,omitempty"`
	// Resync is set when earlier change sets were dropped for this
	// subscriber; derived state must be rebuilt from the log.
	Resync bool `json:"resync,omitempty"`
}

func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Removed) == 0
}

type DailyStats struct {
	Day             string `json:"day"`
	TotalCount      int    `json:"total_count"`
	PresentCount    int    `json:"present_count"`
	LateCount       int    `json:"late_count"`
	CheckedOutCount int    `json:"checked_out_count"`
}

type PatternType string

const (
	PatternConsecutiveLateStreak PatternType = "streak"
	PatternChronicLateFrequency  PatternType = "frequency"
	PatternDaySpecificDelay      PatternType = "day"
)

func ParsePatternType(s string) (PatternType, bool) {
	switch PatternType(s) {
	case PatternConsecutiveLateStreak, PatternChronicLateFrequency, PatternDaySpecificDelay:
		return PatternType(s), true
	}
	return "", false
}

type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
)

type PatternAlert struct {
	TenantID    string      `json:"tenant_id"`
	ActorID     string      `json:"actor_id"`
	ActorName   string      `json:"actor_name"`
	PatternType PatternType `json:"pattern_type"`
	Severity    Severity    `json:"severity"`
	Weekday     string      `json:"weekday,omitempty"`
	Message     string      `json:"message"`
}

type DismissalKey struct {
	TenantID    string
	ActorName   string
	PatternType PatternType
}

type DismissalRecord struct {
	Key         DismissalKey `json:"-"`
	DismissedAt time.Time    `json:"dismissed_at"`
}

type DashboardSnapshot struct {
	TenantID  string         `json:"tenant_id"`
	Stats     DailyStats     `json:"stats"`
	Alerts    []PatternAlert `json:"alerts"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type DismissalAction string

const (
	ActionDismiss DismissalAction = "dismiss"
	ActionReset   DismissalAction = "reset"
)

// DismissalEntry is one operator action in a tenant's dismissal journal.
type DismissalEntry struct {
	TenantID    string          `json:"tenant_id"`
	Action      DismissalAction `json:"action"`
	ActorName   string          `json:"actor_name,omitempty"`
	PatternType PatternType     `json:"pattern_type,omitempty"`
	Removed     int             `json:"removed,omitempty"`
	At          time.Time       `json:"at"`
}
