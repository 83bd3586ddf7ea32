package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestCheckIn(t *testing.T) {
	pos, actor, err := CheckIn(CheckInRequest{Latitude: ptr(-6.2), Longitude: ptr(106.8)}, Actor{ActorID: " a1 ", ActorName: " Ann "})
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.InDelta(t, -6.2, pos.Latitude, 1e-9)
	assert.Equal(t, "a1", actor.ActorID)
	assert.Equal(t, "Ann", actor.ActorName)

	pos, _, err = CheckIn(CheckInRequest{Latitude: ptr(1.0)}, Actor{ActorID: "a1"})
	require.NoError(t, err)
	assert.Nil(t, pos)
}

func TestCheckInRejectsBadInput(t *testing.T) {
	_, _, err := CheckIn(CheckInRequest{}, Actor{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "required", ve.Fields["actor_id"])

	_, _, err = CheckIn(CheckInRequest{Latitude: ptr(91.0), Longitude: ptr(0.0)}, Actor{ActorID: "a1"})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "latitude")
}

func TestConfigurationPatch(t *testing.T) {
	radius := 100.0
	require.NoError(t, ConfigurationPatch(model.ConfigurationPatch{
		ShiftStart:           &model.ShiftTime{Hour: 8, Minute: 30},
		GracePeriodMinutes:   ptr(10),
		SiteCenter:           &model.Coordinates{Latitude: 1, Longitude: 2},
		GeofenceRadiusMeters: &radius,
		Timezone:             ptr("Europe/Berlin"),
	}))

	var ve *ValidationError
	err := ConfigurationPatch(model.ConfigurationPatch{ShiftStart: &model.ShiftTime{Hour: 24}})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "lte", ve.Fields["shift_start.hour"])

	err = ConfigurationPatch(model.ConfigurationPatch{GracePeriodMinutes: ptr(-1)})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "grace_period_minutes")

	err = ConfigurationPatch(model.ConfigurationPatch{SiteCenter: &model.Coordinates{Latitude: 100}, GeofenceRadiusMeters: &radius})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "site_center.latitude")

	err = ConfigurationPatch(model.ConfigurationPatch{SiteCenter: &model.Coordinates{}})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "geofence_radius_meters")

	zero := 0.0
	err = ConfigurationPatch(model.ConfigurationPatch{GeofenceRadiusMeters: &zero})
	require.ErrorAs(t, err, &ve)

	err = ConfigurationPatch(model.ConfigurationPatch{Timezone: ptr("Mars/Olympus")})
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Fields, "timezone")
}

func TestParseDay(t *testing.T) {
	day, err := ParseDay("2026-03-02", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), day)

	day, err = ParseDay("", time.UTC)
	require.NoError(t, err)
	assert.True(t, day.IsZero())

	_, err = ParseDay("02/03/2026", time.UTC)
	assert.Error(t, err)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2026-03-02T09:15:00Z", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC), ts)

	ts, err = ParseTimestamp("1772442900", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1772442900), ts.Unix())

	ts, err = ParseTimestamp("1772442900000", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, int64(1772442900), ts.Unix())

	_, err = ParseTimestamp("yesterday", time.UTC)
	assert.Error(t, err)
}
