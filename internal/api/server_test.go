package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/diff"
	"github.com/TakashiAihara/nmapper-sub001/internal/dispatch"
	"github.com/TakashiAihara/nmapper-sub001/internal/metrics"
	"github.com/TakashiAihara/nmapper-sub001/internal/scanning"
	"github.com/TakashiAihara/nmapper-sub001/internal/scheduler"
)

// newTestServer wires a server over an in-memory queue and scheduler
// with no persistence, the way the daemon runs without a database.
func newTestServer(t *testing.T, executor scanning.Executor) *Server {
	t.Helper()
	if executor == nil {
		executor = scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
			return []devices.Device{{Address: "192.168.1.1", Active: true}}, nil
		})
	}

	queue := dispatch.NewQueue(dispatch.Config{
		MaxConcurrent:  2,
		MaxQueueSize:   10,
		DefaultTimeout: 5 * time.Second,
		HistorySize:    10,
	}, executor, nil, nil)

	scanCfg := config.Default().Scanning
	sched := scheduler.New(scanCfg, queue, nil, nil)

	cfg := config.APIConfig{
		Enabled:        true,
		ListenAddr:     "127.0.0.1",
		Port:           0,
		RequestTimeout: 5 * time.Second,
	}
	return New(cfg, queue, sched, nil, diff.NewEngine(nil), metrics.New(), "test")
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealthWithoutStorage(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Equal(t, "healthy", body["status"])
	assert.NotContains(t, body, "storage")
}

func TestVersion(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/version", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	decodeBody(t, rec, &body)
	assert.Equal(t, "test", body["version"])
}

func TestStatus(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.Contains(t, body, "queue")
	assert.Contains(t, body, "scheduler")
}

func TestSubmitScan(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/scans", scanRequest{
		Targets: []string{"192.168.1.0/24"},
		Ports:   "22,80",
		Profile: "quick",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var body map[string]interface{}
	decodeBody(t, rec, &body)
	assert.NotEmpty(t, body["execution_id"])
	assert.NotEmpty(t, body["request_id"])
}

func TestSubmitScanValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name    string
		payload interface{}
	}{
		{"no targets", scanRequest{Profile: "quick"}},
		{"bad profile", scanRequest{Targets: []string{"10.0.0.1"}, Profile: "stealth"}},
		{"bad timeout", scanRequest{Targets: []string{"10.0.0.1"}, Profile: "quick", Timeout: "whenever"}},
		{"unknown field", map[string]interface{}{"targets": []string{"10.0.0.1"}, "profile": "quick", "nope": 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/v1/scans", tt.payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body errorResponse
			decodeBody(t, rec, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestSubmitScanCapacity(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	s := newTestServer(t, blocking)

	payload := scanRequest{Targets: []string{"10.0.0.0/24"}, Profile: "quick"}
	// 2 admitted + 10 backlogged fill the queue.
	for i := 0; i < 12; i++ {
		rec := doRequest(t, s, http.MethodPost, "/api/v1/scans", payload)
		require.Equal(t, http.StatusAccepted, rec.Code)
	}

	rec := doRequest(t, s, http.MethodPost, "/api/v1/scans", payload)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestQueueStatus(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var status dispatch.Status
	decodeBody(t, rec, &status)
	assert.Zero(t, status.Active)
}

func TestScheduleLifecycle(t *testing.T) {
	s := newTestServer(t, nil)

	// Create.
	rec := doRequest(t, s, http.MethodPost, "/api/v1/schedules", scheduleRequest{
		Name:     "lan-sweep",
		Targets:  []string{"192.168.1.0/24"},
		Profile:  "quick",
		Interval: "1h",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var created scheduler.ScheduledScan
	decodeBody(t, rec, &created)
	assert.Equal(t, "lan-sweep", created.Name)
	assert.True(t, created.Enabled)
	assert.Equal(t, scheduler.StateScheduled, created.State)

	// List.
	rec = doRequest(t, s, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []scheduler.ScheduledScan
	decodeBody(t, rec, &list)
	require.Len(t, list, 1)

	// Get.
	rec = doRequest(t, s, http.MethodGet, "/api/v1/schedules/"+created.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Update.
	interval := "30m"
	rec = doRequest(t, s, http.MethodPut, "/api/v1/schedules/"+created.ID.String(),
		schedulePatchRequest{Interval: &interval})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated scheduler.ScheduledScan
	decodeBody(t, rec, &updated)
	assert.Equal(t, 30*time.Minute, updated.Interval)

	// Disable then enable.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID.String()+"/disable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled scheduler.ScheduledScan
	decodeBody(t, rec, &toggled)
	assert.False(t, toggled.Enabled)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID.String()+"/enable", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Run now.
	rec = doRequest(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID.String()+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Delete.
	rec = doRequest(t, s, http.MethodDelete, "/api/v1/schedules/"+created.ID.String(), nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/schedules/"+created.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateScheduleValidation(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name    string
		payload scheduleRequest
	}{
		{"missing name", scheduleRequest{Targets: []string{"10.0.0.1"}, Profile: "quick", Interval: "1h"}},
		{"no recurrence", scheduleRequest{Name: "x", Targets: []string{"10.0.0.1"}, Profile: "quick"}},
		{"both recurrence forms", scheduleRequest{
			Name: "x", Targets: []string{"10.0.0.1"}, Profile: "quick",
			Interval: "1h", Cron: "0 * * * *",
		}},
		{"bad cron", scheduleRequest{
			Name: "x", Targets: []string{"10.0.0.1"}, Profile: "quick", Cron: "not cron",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, s, http.MethodPost, "/api/v1/schedules", tt.payload)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestScheduleNotFound(t *testing.T) {
	s := newTestServer(t, nil)
	id := uuid.New().String()

	rec := doRequest(t, s, http.MethodGet, "/api/v1/schedules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodDelete, "/api/v1/schedules/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/v1/schedules/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunScheduleConflict(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	blocking := scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	s := newTestServer(t, blocking)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/schedules", scheduleRequest{
		Name:     "busy",
		Targets:  []string{"10.0.0.0/24"},
		Profile:  "quick",
		Interval: "1h",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created scheduler.ScheduledScan
	decodeBody(t, rec, &created)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID.String()+"/run", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/v1/schedules/"+created.ID.String()+"/run", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSnapshotEndpointsWithoutStorage(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{
		"/api/v1/snapshots",
		"/api/v1/snapshots/latest",
		"/api/v1/snapshots/" + uuid.New().String(),
		"/api/v1/diff",
	} {
		rec := doRequest(t, s, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
}

func TestParseTimeField(t *testing.T) {
	ts, err := parseTimeField("from", "2026-08-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), ts)

	_, err = parseTimeField("from", "")
	assert.Error(t, err)

	_, err = parseTimeField("to", "yesterday")
	assert.Error(t, err)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "nmapper_")
}

func TestScanHistoryListing(t *testing.T) {
	s := newTestServer(t, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/v1/scans", scanRequest{
		Targets: []string{"192.168.1.0/24"},
		Profile: "quick",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	assert.Eventually(t, func() bool {
		rec := doRequest(t, s, http.MethodGet, "/api/v1/scans", nil)
		var history []map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &history); err != nil {
			return false
		}
		return len(history) == 1 && history[0]["success"] == true
	}, 2*time.Second, 20*time.Millisecond)
}
