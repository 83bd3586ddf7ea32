package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"presencewatch/internal/config"
	"presencewatch/internal/engine"
	"presencewatch/internal/model"
	"presencewatch/internal/storage"
)

type terminalFixture struct {
	store  *storage.MemoryStore
	server *httptest.Server
}

func newTerminalFixture(t *testing.T) *terminalFixture {
	t.Helper()
	now := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	store := storage.NewMemory(storage.WithClock(func() time.Time { return now }))
	grace := 10
	radius := 200.0
	_, err := store.MergeConfiguration(context.Background(), "acme", model.ConfigurationPatch{
		ShiftStart:           &model.ShiftTime{Hour: 9},
		GracePeriodMinutes:   &grace,
		SiteCenter:           &model.Coordinates{Latitude: 0, Longitude: 0},
		GeofenceRadiusMeters: &radius,
	})
	require.NoError(t, err)

	recorder := engine.NewRecorder(config.DefaultConfig(), store, store, store, nil)
	srv := httptest.NewServer(NewTerminalServer(recorder, nil).Routes())
	t.Cleanup(srv.Close)
	return &terminalFixture{store: store, server: srv}
}

func (f *terminalFixture) post(t *testing.T, path, actorID, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if actorID != "" {
		req.Header.Set(HeaderActorID, actorID)
		req.Header.Set(HeaderActorName, "Ann Example")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestTerminalCheckIn(t *testing.T) {
	f := newTerminalFixture(t)
	resp, body := f.post(t, "/terminals/acme/checkin", "a1", `{"latitude":0.0005,"longitude":0}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	ev := body["event"].(map[string]any)
	assert.Equal(t, "late", ev["timeliness_status"])
	assert.Equal(t, float64(30), ev["minutes_late"])
	assert.Equal(t, "Ann Example", ev["actor_name"])

	resp, body = f.post(t, "/terminals/acme/checkout", "a1", `{"latitude":0,"longitude":0}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "check_out", body["event"].(map[string]any)["event_type"])
}

func TestTerminalErrorsAreDistinct(t *testing.T) {
	f := newTerminalFixture(t)

	resp, body := f.post(t, "/terminals/acme/checkin", "a1", `{"latitude":0.01,"longitude":0}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "geofence_violation", body["error"])
	assert.InDelta(t, 1112, body["distance_meters"], 2)

	resp, body = f.post(t, "/terminals/acme/checkin", "a1", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "location_unavailable", body["error"])

	resp, body = f.post(t, "/terminals/ghost/checkin", "a1", `{"latitude":0,"longitude":0}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "configuration_missing", body["error"])

	resp, body = f.post(t, "/terminals/acme/checkin", "", `{"latitude":0,"longitude":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error"])

	resp, _ = f.post(t, "/terminals/acme/checkin", "a1", `{"latitude":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.store.FailWrites(errors.New("disk full"), nil)
	resp, body = f.post(t, "/terminals/acme/checkin", "a1", `{"latitude":0,"longitude":0}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "persistence_error", body["error"])

	events, err := f.store.QueryRange(context.Background(), "acme", time.Time{}, time.Now().AddDate(1, 0, 0))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTerminalBindFailureStillCreated(t *testing.T) {
	f := newTerminalFixture(t)
	f.store.FailWrites(nil, errors.New("profiles offline"))
	resp, body := f.post(t, "/terminals/acme/checkin", "a1", `{"latitude":0,"longitude":0}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	warnings := body["warnings"].([]any)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "persistence_error")
}

func TestTerminalBlankBodyMeansNoFix(t *testing.T) {
	f := newTerminalFixture(t)
	resp, body := f.post(t, "/terminals/acme/checkin", "a1", " \r\n\t ")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "location_unavailable", body["error"])
}

func TestTerminalHealth(t *testing.T) {
	f := newTerminalFixture(t)
	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
