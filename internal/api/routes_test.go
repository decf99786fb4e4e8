package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/store"
	"github.com/lowaak/treadmill-bridge/internal/treadmill"
)

type fakeMetrics struct {
	live  session.LiveMetrics
	saved int
}

func (f *fakeMetrics) Snapshot() session.LiveMetrics { return f.live }

func (f *fakeMetrics) SaveSession() session.SummaryRecord {
	f.saved++
	return session.SummaryRecord{
		ID:          "manual-1",
		Kind:        session.KindManual,
		DateTime:    time.Date(2024, 5, 1, 8, 0, 0, 0, time.Local),
		Km:          3,
		ElapsedS:    1000,
		AvgSpeedKmh: 10.8,
		AvgBpm:      150,
		EnergyKcal:  210,
	}
}

type fakeLink struct {
	err    error
	speeds []float64
}

func (f *fakeLink) SendSpeed(_ context.Context, kmh float64) error {
	if f.err != nil {
		return f.err
	}
	f.speeds = append(f.speeds, kmh)
	return nil
}

func (f *fakeLink) State() treadmill.State { return treadmill.StateConnected }
func (f *fakeLink) FramesDecoded() uint64  { return 42 }
func (f *fakeLink) DecodeErrors() uint64   { return 1 }

type fakeSessions struct {
	records map[string]store.Record
	syncErr error
}

func (f *fakeSessions) List(context.Context) ([]store.Record, error) {
	out := make([]store.Record, 0, len(f.records))
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (store.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return store.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeSessions) Sync(_ context.Context, id string) error {
	rec, ok := f.records[id]
	if !ok {
		return store.ErrNotFound
	}
	if f.syncErr != nil {
		return &store.SyncError{ID: id, Err: f.syncErr}
	}
	rec.NeedsSync = false
	f.records[id] = rec
	return nil
}

type fixture struct {
	app      *fiber.App
	metrics  *fakeMetrics
	link     *fakeLink
	sessions *fakeSessions
}

func newFixture() *fixture {
	f := &fixture{
		metrics: &fakeMetrics{live: session.LiveMetrics{SpeedKmh: 10.5, Pace: "5:42", DistanceM: 2500}},
		link:    &fakeLink{},
		sessions: &fakeSessions{records: map[string]store.Record{
			"a": {ID: "a", Kind: session.KindLap, DateTime: "2024-05-01 07:30:00", Km: 1, NeedsSync: true},
		}},
	}
	f.app = NewServer(Handlers{Metrics: f.metrics, Link: f.link, Sessions: f.sessions}, log.New(io.Discard, "", 0))
	return f
}

func postSpeed(t *testing.T, app *fiber.App, value string) *http.Response {
	t.Helper()
	form := url.Values{"set_speed": {value}}
	req := httptest.NewRequest(http.MethodPost, "/set_speed", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestHealth(t *testing.T) {
	f := newFixture()
	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTreadmillData(t *testing.T) {
	f := newFixture()
	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/api/treadmill_data", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 10.5, body["speed"])
	assert.Equal(t, "5:42", body["pace"])
	assert.Equal(t, 2500.0, body["distance_m"])
}

func TestLinkStatus(t *testing.T) {
	f := newFixture()
	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/api/link", nil))
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "connected", body["state"])
	assert.Equal(t, 42.0, body["frames"])
}

func TestSetSpeed(t *testing.T) {
	f := newFixture()
	resp := postSpeed(t, f.app, "9.0")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []float64{9}, f.link.speeds)

	resp = postSpeed(t, f.app, "0")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = postSpeed(t, f.app, "16")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSetSpeedInvalid(t *testing.T) {
	f := newFixture()
	for _, value := range []string{"", "fast", "-1", "16.5", "NaN"} {
		resp := postSpeed(t, f.app, value)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, value)
	}
	assert.Empty(t, f.link.speeds)
}

func TestSetSpeedCommandFailure(t *testing.T) {
	f := newFixture()
	f.link.err = &treadmill.CommandError{Err: errors.New("gatt write failed")}
	assert.Equal(t, http.StatusBadGateway, postSpeed(t, f.app, "8").StatusCode)

	f.link.err = treadmill.ErrCommandTimeout
	assert.Equal(t, http.StatusBadGateway, postSpeed(t, f.app, "8").StatusCode)

	f.link.err = treadmill.ErrNotConnected
	assert.Equal(t, http.StatusServiceUnavailable, postSpeed(t, f.app, "8").StatusCode)
}

func TestSaveSession(t *testing.T) {
	f := newFixture()
	resp, err := f.app.Test(httptest.NewRequest(http.MethodPost, "/save_session", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, 1, f.metrics.saved)

	var rec store.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, "manual-1", rec.ID)
	assert.Equal(t, session.KindManual, rec.Kind)
	assert.Equal(t, "2024-05-01 08:00:00", rec.DateTime)
	assert.True(t, rec.NeedsSync)
}

func TestSessions(t *testing.T) {
	f := newFixture()
	resp, err := f.app.Test(httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var records []store.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&records))
	require.Len(t, records, 1)
	assert.True(t, records[0].NeedsSync)

	resp, err = f.app.Test(httptest.NewRequest(http.MethodPost, "/api/sessions/a/sync", nil))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec store.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.False(t, rec.NeedsSync)
}

func TestSessionSyncErrors(t *testing.T) {
	f := newFixture()
	resp, err := f.app.Test(httptest.NewRequest(http.MethodPost, "/api/sessions/missing/sync", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	f.sessions.syncErr = store.ErrNoRemote
	resp, err = f.app.Test(httptest.NewRequest(http.MethodPost, "/api/sessions/a/sync", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}
