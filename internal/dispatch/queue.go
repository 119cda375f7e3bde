// Package dispatch implements the concurrency-bounded dispatch queue for
// scan executions. It admits at most a configured number of simultaneous
// executions, holds the remainder in a priority-then-FIFO backlog, and
// surfaces completion through per-execution done channels and a callback
// registered at construction.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
	"github.com/TakashiAihara/nmapper-sub001/internal/metrics"
	"github.com/TakashiAihara/nmapper-sub001/internal/scanning"
)

// Execution is one concrete run of a scan request. It is created at
// dispatch and finalized exactly once at completion.
type Execution struct {
	ID          uuid.UUID
	Request     *scanning.Request
	SubmittedAt time.Time
	StartedAt   time.Time
	CompletedAt time.Time
	Success     bool
	Err         error
	Devices     []devices.Device

	seq  uint64
	done chan struct{}
}

// DevicesFound returns the number of devices the execution produced.
func (e *Execution) DevicesFound() int {
	return len(e.Devices)
}

// Duration returns how long the execution ran, zero while in flight.
func (e *Execution) Duration() time.Duration {
	if e.CompletedAt.IsZero() {
		return 0
	}
	return e.CompletedAt.Sub(e.StartedAt)
}

// Done returns a channel closed when the execution completes.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the execution completes or ctx is canceled, then
// returns the terminal error, if any.
func (e *Execution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the queue's current occupancy.
type Status struct {
	Active  int `json:"active"`
	Backlog int `json:"backlog"`
}

// CompletionFunc is invoked after every execution finishes, success or
// failure. It runs outside the queue's lock.
type CompletionFunc func(*Execution)

// Config holds dispatch queue settings.
type Config struct {
	MaxConcurrent  int
	MaxQueueSize   int
	DefaultTimeout time.Duration
	HistorySize    int
}

// Queue is the concurrency-bounded admission and backlog mechanism.
// Admission checks and active-count mutations are serialized under one
// mutex so that the number of simultaneously active executions never
// exceeds MaxConcurrent, including under bursts of completions.
type Queue struct {
	cfg        Config
	executor   scanning.Executor
	onComplete CompletionFunc
	logger     *logging.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	active  map[uuid.UUID]*Execution
	backlog []*Execution
	history []*Execution
	nextSeq uint64
	closed  bool

	wg sync.WaitGroup
}

// NewQueue creates a dispatch queue. The completion callback and metrics
// sink may be nil.
func NewQueue(cfg Config, executor scanning.Executor, onComplete CompletionFunc, m *metrics.Metrics) *Queue {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Queue{
		cfg:        cfg,
		executor:   executor,
		onComplete: onComplete,
		logger:     logging.Default().WithComponent("dispatch"),
		metrics:    m,
		active:     make(map[uuid.UUID]*Execution),
	}
}

// Submit accepts a scan request for execution. It admits the request
// immediately when capacity allows, otherwise places it in the backlog.
// It fails immediately with a capacity error when the backlog is full; it
// never blocks the caller.
func (q *Queue) Submit(req *scanning.Request) (*Execution, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.NewExecutionError(errors.CodeShuttingDown,
			"dispatch queue is shutting down", req.TargetLabel())
	}

	exec := &Execution{
		ID:          req.ID,
		Request:     req,
		SubmittedAt: time.Now(),
		seq:         q.nextSeq,
		done:        make(chan struct{}),
	}
	q.nextSeq++

	if len(q.active) < q.cfg.MaxConcurrent {
		q.admitLocked(exec)
		q.mu.Unlock()
		return exec, nil
	}

	if len(q.backlog) >= q.cfg.MaxQueueSize {
		capErr := &errors.CapacityError{
			Active:  len(q.active),
			Backlog: len(q.backlog),
			Limit:   q.cfg.MaxQueueSize,
		}
		q.mu.Unlock()
		if q.metrics != nil {
			q.metrics.RecordRejection()
		}
		q.logger.Warn("submission rejected, backlog full",
			"request_id", req.ID, "target", req.TargetLabel())
		return nil, capErr
	}

	q.backlog = append(q.backlog, exec)
	q.updateGaugesLocked()
	backlog := len(q.backlog)
	q.mu.Unlock()

	q.logger.Debug("request queued", "request_id", req.ID, "backlog", backlog)
	return exec, nil
}

// GetStatus returns the current active count and backlog size.
func (q *Queue) GetStatus() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{Active: len(q.active), Backlog: len(q.backlog)}
}

// History returns a copy of the retained execution history, oldest first.
func (q *Queue) History() []*Execution {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Execution, len(q.history))
	copy(out, q.history)
	return out
}

// Stop drains the queue: no further submissions are accepted, the backlog
// is discarded, and in-flight executions are waited for until ctx expires.
// Executions still running at that point are abandoned, not interrupted.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	abandoned := q.backlog
	q.backlog = nil
	q.updateGaugesLocked()
	q.mu.Unlock()

	for _, exec := range abandoned {
		exec.Err = errors.NewExecutionError(errors.CodeCanceled,
			"canceled before dispatch", exec.Request.TargetLabel())
		close(exec.done)
	}

	finished := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		q.logger.Info("dispatch queue drained")
		return nil
	case <-ctx.Done():
		q.logger.Warn("shutdown timeout, abandoning in-flight executions",
			"active", q.GetStatus().Active)
		return ctx.Err()
	}
}

// admitLocked moves an execution into the active set and starts it. The
// caller must hold q.mu.
func (q *Queue) admitLocked(exec *Execution) {
	exec.StartedAt = time.Now()
	q.active[exec.ID] = exec
	q.updateGaugesLocked()
	q.wg.Add(1)
	go q.run(exec)
}

// run executes one admitted request and finalizes it.
func (q *Queue) run(exec *Execution) {
	defer q.wg.Done()

	timeout := exec.Request.Timeout
	if timeout <= 0 {
		timeout = q.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	found, err := q.executor.Execute(ctx, exec.Request)

	exec.CompletedAt = time.Now()
	switch {
	case err == nil:
		exec.Success = true
		exec.Devices = found
	case ctx.Err() == context.DeadlineExceeded:
		exec.Err = errors.WrapExecutionError(errors.CodeTimeout,
			"scan timed out", exec.Request.TargetLabel(), err)
	default:
		exec.Err = errors.WrapExecutionError(errors.CodeScanFailed,
			"scan failed", exec.Request.TargetLabel(), err)
	}

	q.finalize(exec)
}

// finalize removes the execution from the active set, admits the next
// eligible backlog entry, then notifies waiters and the completion
// callback outside the lock.
func (q *Queue) finalize(exec *Execution) {
	q.mu.Lock()
	delete(q.active, exec.ID)
	q.appendHistoryLocked(exec)
	if next := q.popBacklogLocked(); next != nil {
		q.admitLocked(next)
	}
	q.updateGaugesLocked()
	q.mu.Unlock()

	if exec.Success {
		q.logger.Debug("execution completed",
			"request_id", exec.ID, "devices", exec.DevicesFound(), "duration", exec.Duration())
	} else {
		q.logger.Warn("execution failed", "request_id", exec.ID, "error", exec.Err)
	}

	close(exec.done)
	if q.onComplete != nil {
		q.onComplete(exec)
	}
}

// popBacklogLocked removes and returns the next eligible entry: highest
// priority first, then FIFO by submission sequence. Caller holds q.mu.
func (q *Queue) popBacklogLocked() *Execution {
	if len(q.backlog) == 0 {
		return nil
	}
	best := 0
	for i := 1; i < len(q.backlog); i++ {
		a, b := q.backlog[i], q.backlog[best]
		if a.Request.Priority > b.Request.Priority ||
			(a.Request.Priority == b.Request.Priority && a.seq < b.seq) {
			best = i
		}
	}
	exec := q.backlog[best]
	q.backlog = append(q.backlog[:best], q.backlog[best+1:]...)
	return exec
}

// appendHistoryLocked retains the execution, evicting the oldest entry
// when the bound is reached. Caller holds q.mu.
func (q *Queue) appendHistoryLocked(exec *Execution) {
	if len(q.history) >= q.cfg.HistorySize {
		q.history = q.history[1:]
	}
	q.history = append(q.history, exec)
}

func (q *Queue) updateGaugesLocked() {
	if q.metrics != nil {
		q.metrics.SetQueueStatus(len(q.active), len(q.backlog))
	}
}
