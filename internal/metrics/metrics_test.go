package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordScan(t *testing.T) {
	m := New()

	m.RecordScan("quick", "success", 2*time.Second, 14)
	m.RecordScan("quick", "success", 3*time.Second, 10)
	m.RecordScan("comprehensive", "failure", time.Second, 0)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.scansTotal.WithLabelValues("quick", "success")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.scansTotal.WithLabelValues("comprehensive", "failure")))
}

func TestSchedulerCounters(t *testing.T) {
	m := New()

	m.RecordScheduledRun("success")
	m.RecordScheduledRun("success")
	m.RecordScheduledRun("failure")
	m.RecordRetry()
	m.SetActiveSchedules(4)

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.schedulerRuns.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.schedulerRetries))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.schedulesActive))
}

func TestQueueGauges(t *testing.T) {
	m := New()

	m.SetQueueStatus(3, 12)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.dispatchActive))
	assert.Equal(t, float64(12), testutil.ToFloat64(m.dispatchBacklog))

	m.RecordRejection()
	m.RecordRejection()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.dispatchRejected))
}

func TestRecordDiff(t *testing.T) {
	m := New()

	m.RecordDiff(50*time.Millisecond, map[string]int{
		"devices_added":   2,
		"ports_changed":   5,
		"devices_removed": 0,
	})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.diffsTotal))
	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.diffChanges.WithLabelValues("devices_added")))
	assert.Equal(t, float64(5),
		testutil.ToFloat64(m.diffChanges.WithLabelValues("ports_changed")))
}

func TestRecordStorageOp(t *testing.T) {
	m := New()

	m.RecordStorageOp("save_snapshot", 10*time.Millisecond, nil)
	m.RecordStorageOp("save_snapshot", 10*time.Millisecond, assert.AnError)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.storageOps.WithLabelValues("save_snapshot", "success")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.storageOps.WithLabelValues("save_snapshot", "error")))
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.SetActiveSchedules(1)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "nmapper_scheduler_schedules_active 1")
	assert.Contains(t, body, "go_goroutines")
}

func TestUptime(t *testing.T) {
	m := New()
	assert.GreaterOrEqual(t, m.Uptime(), time.Duration(0))
}
