package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/scanning"
)

func testConfig() Config {
	return Config{
		MaxConcurrent:  2,
		MaxQueueSize:   4,
		DefaultTimeout: 5 * time.Second,
		HistorySize:    10,
	}
}

func quickRequest(priority int) *scanning.Request {
	req := scanning.NewRequest([]string{"192.168.1.0/24"}, "22,80", devices.ProfileQuick)
	req.Priority = priority
	return req
}

// blockingExecutor holds every execution until released, so tests can
// observe the queue with executions pinned in flight.
type blockingExecutor struct {
	started chan string
	release chan struct{}
}

func newBlockingExecutor() *blockingExecutor {
	return &blockingExecutor{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (b *blockingExecutor) Execute(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
	b.started <- req.ID.String()
	select {
	case <-b.release:
		return []devices.Device{{Address: "192.168.1.1", Active: true}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitStarted(t *testing.T, b *blockingExecutor, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-b.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("execution %d never started", i+1)
		}
	}
}

func TestSubmitImmediateAdmission(t *testing.T) {
	exec := newBlockingExecutor()
	q := NewQueue(testConfig(), exec, nil, nil)

	e, err := q.Submit(quickRequest(0))
	require.NoError(t, err)
	require.NotNil(t, e)
	waitStarted(t, exec, 1)

	status := q.GetStatus()
	assert.Equal(t, 1, status.Active)
	assert.Equal(t, 0, status.Backlog)

	close(exec.release)
	require.NoError(t, e.Wait(context.Background()))
	assert.True(t, e.Success)
	assert.Equal(t, 1, e.DevicesFound())
	assert.Positive(t, e.Duration())
}

func TestSubmitValidation(t *testing.T) {
	q := NewQueue(testConfig(), newBlockingExecutor(), nil, nil)

	_, err := q.Submit(scanning.NewRequest(nil, "", devices.ProfileQuick))
	assert.True(t, errors.IsValidation(err))

	_, err = q.Submit(scanning.NewRequest([]string{"10.0.0.1"}, "99999", devices.ProfileQuick))
	assert.True(t, errors.IsValidation(err))
}

func TestConcurrencyBound(t *testing.T) {
	exec := newBlockingExecutor()
	q := NewQueue(testConfig(), exec, nil, nil)

	var execs []*Execution
	for i := 0; i < 4; i++ {
		e, err := q.Submit(quickRequest(0))
		require.NoError(t, err)
		execs = append(execs, e)
	}
	waitStarted(t, exec, 2)

	status := q.GetStatus()
	assert.Equal(t, 2, status.Active)
	assert.Equal(t, 2, status.Backlog)

	close(exec.release)
	for _, e := range execs {
		require.NoError(t, e.Wait(context.Background()))
	}
	assert.Equal(t, Status{}, q.GetStatus())
}

func TestBacklogRejectionWhenFull(t *testing.T) {
	exec := newBlockingExecutor()
	q := NewQueue(testConfig(), exec, nil, nil)

	// 2 active + 4 backlog fills the queue.
	for i := 0; i < 6; i++ {
		_, err := q.Submit(quickRequest(0))
		require.NoError(t, err)
	}
	waitStarted(t, exec, 2)

	_, err := q.Submit(quickRequest(0))
	require.Error(t, err)
	assert.True(t, errors.IsCapacity(err))

	var capErr *errors.CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 4, capErr.Backlog)
	assert.Equal(t, 4, capErr.Limit)

	close(exec.release)
}

func TestBacklogPriorityThenFIFO(t *testing.T) {
	exec := newBlockingExecutor()

	order := make(chan int, 8)
	onComplete := func(e *Execution) {
		order <- e.Request.Priority
	}

	cfg := testConfig()
	cfg.MaxConcurrent = 1
	q := NewQueue(cfg, exec, onComplete, nil)

	first, err := q.Submit(quickRequest(0))
	require.NoError(t, err)
	waitStarted(t, exec, 1)

	// Backlogged in submission order: low, high, high, low. Expected
	// dispatch order: both high-priority entries FIFO, then the lows FIFO.
	var backlogged []*Execution
	for _, prio := range []int{1, 9, 9, 1} {
		e, err := q.Submit(quickRequest(prio))
		require.NoError(t, err)
		backlogged = append(backlogged, e)
	}

	close(exec.release)
	require.NoError(t, first.Wait(context.Background()))
	for _, e := range backlogged {
		require.NoError(t, e.Wait(context.Background()))
	}

	var completed []int
	for i := 0; i < 5; i++ {
		select {
		case p := <-order:
			completed = append(completed, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("completion %d never reported", i+1)
		}
	}
	assert.Equal(t, []int{0, 9, 9, 1, 1}, completed)
}

func TestConcurrentSubmissions(t *testing.T) {
	instant := scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
		return nil, nil
	})
	cfg := testConfig()
	cfg.MaxConcurrent = 3
	cfg.MaxQueueSize = 200
	q := NewQueue(cfg, instant, nil, nil)

	var wg sync.WaitGroup
	var peak atomic.Int64
	execs := make(chan *Execution, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e, err := q.Submit(quickRequest(0))
			if err != nil {
				return
			}
			if active := int64(q.GetStatus().Active); active > peak.Load() {
				peak.Store(active)
			}
			execs <- e
		}()
	}
	wg.Wait()
	close(execs)

	for e := range execs {
		require.NoError(t, e.Wait(context.Background()))
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, Status{}, q.GetStatus())
}

func TestExecutionFailureWrapped(t *testing.T) {
	failing := scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
		return nil, assert.AnError
	})
	q := NewQueue(testConfig(), failing, nil, nil)

	e, err := q.Submit(quickRequest(0))
	require.NoError(t, err)

	err = e.Wait(context.Background())
	require.Error(t, err)
	assert.False(t, e.Success)
	assert.True(t, errors.IsCode(err, errors.CodeScanFailed))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestExecutionTimeout(t *testing.T) {
	hanging := scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q := NewQueue(testConfig(), hanging, nil, nil)

	req := quickRequest(0)
	req.Timeout = 20 * time.Millisecond
	e, err := q.Submit(req)
	require.NoError(t, err)

	err = e.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTimeout))
}

func TestCompletionCallbackRunsForEveryOutcome(t *testing.T) {
	var calls atomic.Int64
	flaky := scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
		if req.Priority > 0 {
			return nil, assert.AnError
		}
		return nil, nil
	})
	q := NewQueue(testConfig(), flaky, func(*Execution) { calls.Add(1) }, nil)

	ok, err := q.Submit(quickRequest(0))
	require.NoError(t, err)
	bad, err := q.Submit(quickRequest(1))
	require.NoError(t, err)

	_ = ok.Wait(context.Background())
	_ = bad.Wait(context.Background())

	assert.Eventually(t, func() bool { return calls.Load() == 2 },
		time.Second, 10*time.Millisecond)
}

func TestHistoryBounded(t *testing.T) {
	instant := scanning.ExecutorFunc(func(ctx context.Context, req *scanning.Request) ([]devices.Device, error) {
		return nil, nil
	})
	cfg := testConfig()
	cfg.HistorySize = 3
	q := NewQueue(cfg, instant, nil, nil)

	var last *Execution
	for i := 0; i < 5; i++ {
		e, err := q.Submit(quickRequest(0))
		require.NoError(t, err)
		require.NoError(t, e.Wait(context.Background()))
		last = e
	}

	// finalize appends under the lock before closing done, so after the
	// last Wait all five completions are recorded.
	history := q.History()
	assert.Len(t, history, 3)
	assert.Equal(t, last.ID, history[len(history)-1].ID)
}

func TestStopRejectsNewSubmissions(t *testing.T) {
	q := NewQueue(testConfig(), newBlockingExecutor(), nil, nil)
	require.NoError(t, q.Stop(context.Background()))

	_, err := q.Submit(quickRequest(0))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeShuttingDown))
}

func TestStopCancelsBacklog(t *testing.T) {
	exec := newBlockingExecutor()
	cfg := testConfig()
	cfg.MaxConcurrent = 1
	q := NewQueue(cfg, exec, nil, nil)

	running, err := q.Submit(quickRequest(0))
	require.NoError(t, err)
	waitStarted(t, exec, 1)

	queued, err := q.Submit(quickRequest(0))
	require.NoError(t, err)

	stopDone := make(chan error, 1)
	go func() { stopDone <- q.Stop(context.Background()) }()

	// The backlogged execution fails fast with a cancellation.
	err = queued.Wait(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeCanceled))

	// The in-flight execution is waited for.
	close(exec.release)
	require.NoError(t, running.Wait(context.Background()))
	require.NoError(t, <-stopDone)
}

func TestStopTimeoutAbandonsInFlight(t *testing.T) {
	exec := newBlockingExecutor()
	q := NewQueue(testConfig(), exec, nil, nil)

	_, err := q.Submit(quickRequest(0))
	require.NoError(t, err)
	waitStarted(t, exec, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Stop(ctx), context.DeadlineExceeded)

	close(exec.release)
}
