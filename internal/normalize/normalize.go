package normalize

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"presencewatch/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ValidationError carries per-field failures keyed by the JSON field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func fieldErrors(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	out := &ValidationError{Fields: make(map[string]string, len(ve))}
	for _, fe := range ve {
		out.Fields[jsonPath(fe.Namespace())] = fe.Tag()
	}
	return out
}

// jsonPath drops the root struct name: "ConfigurationPatch.site_center.latitude"
// becomes "site_center.latitude".
func jsonPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

// CheckInRequest is the body a terminal posts for a check-in or check-out.
// A missing coordinate means the device produced no fix.
type CheckInRequest struct {
	Latitude  *float64 `json:"latitude" validate:"omitempty,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"omitempty,gte=-180,lte=180"`
}

// Actor is the identity forwarded by the upstream authentication layer.
type Actor struct {
	ActorID   string `json:"actor_id" validate:"required,max=128"`
	ActorName string `json:"actor_name" validate:"max=256"`
}

// CheckIn validates the request and returns the reported position, or nil
// when the device sent none.
func CheckIn(req CheckInRequest, actor Actor) (*model.Coordinates, Actor, error) {
	actor.ActorID = strings.TrimSpace(actor.ActorID)
	actor.ActorName = strings.TrimSpace(actor.ActorName)
	if err := validate.Struct(actor); err != nil {
		return nil, actor, fieldErrors(err)
	}
	if err := validate.Struct(req); err != nil {
		return nil, actor, fieldErrors(err)
	}
	if req.Latitude == nil || req.Longitude == nil {
		return nil, actor, nil
	}
	return &model.Coordinates{Latitude: *req.Latitude, Longitude: *req.Longitude}, actor, nil
}

// ConfigurationPatch validates an operator update. Setting a site center
// requires a radius in the same update.
func ConfigurationPatch(patch model.ConfigurationPatch) error {
	if err := validate.Struct(patch); err != nil {
		return fieldErrors(err)
	}
	if patch.SiteCenter != nil && patch.GeofenceRadiusMeters == nil {
		return &ValidationError{Fields: map[string]string{"geofence_radius_meters": "required_with"}}
	}
	if patch.SiteCenter != nil && patch.ClearSiteCenter {
		return &ValidationError{Fields: map[string]string{"clear_site_center": "excluded_with"}}
	}
	return nil
}

// ParseDay parses a YYYY-MM-DD calendar day in loc; empty means zero time.
func ParseDay(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.ParseInLocation("2006-01-02", value, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD", value)
	}
	return t, nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// ParseTimestamp accepts RFC3339, local date-times in loc, plain dates and
// unix seconds or milliseconds.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if isNumeric(value) {
		if ts, err := parseUnix(value); err == nil {
			return ts, nil
		}
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}

func isNumeric(value string) bool {
	for _, ch := range value {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return len(value) > 0
}

func parseUnix(value string) (time.Time, error) {
	if len(value) >= 13 {
		ms, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}
