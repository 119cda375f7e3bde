package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/dispatch"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
	"github.com/TakashiAihara/nmapper-sub001/internal/metrics"
	"github.com/TakashiAihara/nmapper-sub001/internal/scanning"
)

// Store persists schedule definitions across daemon restarts. A nil
// store leaves schedules in memory only.
type Store interface {
	SaveSchedule(ctx context.Context, s *ScheduledScan) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error
	ListSchedules(ctx context.Context) ([]*ScheduledScan, error)
}

// idleWait bounds the loop's sleep so new heap entries are never missed
// for long even if a wake signal is dropped.
const idleWait = time.Minute

// Scheduler owns all scheduled scans and the single loop that fires
// them. Due schedules are submitted to the dispatch queue; the queue's
// concurrency cap and backlog apply to scheduled work exactly as they
// do to ad-hoc submissions.
type Scheduler struct {
	cfg     config.ScanningConfig
	queue   *dispatch.Queue
	store   Store
	logger  *logging.Logger
	metrics *metrics.Metrics
	clock   func() time.Time

	mu        sync.Mutex
	schedules map[uuid.UUID]*ScheduledScan
	gens      map[uuid.UUID]uint64
	timers    timerHeap
	nextSeq   uint64

	wake    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	completedRuns int64
	failedRuns    int64
	totalRunTime  time.Duration
}

// New creates a scheduler. The store and metrics sink may be nil.
func New(cfg config.ScanningConfig, queue *dispatch.Queue, store Store, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		queue:     queue,
		store:     store,
		logger:    logging.Default().WithComponent("scheduler"),
		metrics:   m,
		clock:     time.Now,
		schedules: make(map[uuid.UUID]*ScheduledScan),
		gens:      make(map[uuid.UUID]uint64),
		wake:      make(chan struct{}, 1),
	}
}

// SetRetryPolicy replaces the global retry settings. Schedules carrying
// an explicit per-schedule budget keep it; bursts already in progress
// keep their remaining budget.
func (s *Scheduler) SetRetryPolicy(retry config.RetryConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Retry = retry
}

// Start loads persisted schedules and begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.NewExecutionError(errors.CodeAlreadyRuns,
			"scheduler already started", "")
	}
	s.started = true
	s.mu.Unlock()

	if s.store != nil {
		if err := s.loadSchedules(ctx); err != nil {
			return err
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)

	s.logger.InfoScheduler("scheduler started",
		"schedules", len(s.schedules))
	return nil
}

// Stop halts the scheduling loop. In-flight executions continue under
// the dispatch queue and are drained by its own shutdown.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.logger.InfoScheduler("scheduler stopped")
}

// Create registers a new scheduled scan and returns its identity.
func (s *Scheduler) Create(ctx context.Context, def Definition) (*ScheduledScan, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := s.clock()
	sched := &ScheduledScan{
		ID:         uuid.New(),
		Name:       def.Name,
		Targets:    append([]string(nil), def.Targets...),
		Ports:      def.Ports,
		Profile:    def.Profile,
		Priority:   def.Priority,
		Timeout:    def.Timeout,
		Interval:   def.Interval,
		Cron:       def.Cron,
		MaxRetries: def.MaxRetries,
		Enabled:    def.Enabled,
		State:      StateDisabled,
		CreatedAt:  now,
	}
	if def.Cron != "" {
		// Validate already parsed this expression.
		sched.cronSchedule, _ = cron.ParseStandard(def.Cron)
	}

	s.mu.Lock()
	sched.seq = s.nextSeq
	s.nextSeq++
	s.schedules[sched.ID] = sched
	if sched.Enabled {
		sched.State = StateScheduled
		sched.NextRun = sched.nextAfter(now)
		s.armLocked(sched)
	}
	snap := sched.snapshot()
	s.mu.Unlock()

	if err := s.persist(ctx, snap); err != nil {
		s.mu.Lock()
		delete(s.schedules, sched.ID)
		s.gens[sched.ID]++
		s.mu.Unlock()
		return nil, err
	}

	s.signalWake()
	s.updateGauges()
	s.logger.InfoScheduler("schedule created",
		"schedule_id", sched.ID.String(),
		"name", sched.Name,
		"enabled", sched.Enabled)
	return snap, nil
}

// Update applies a partial modification to an existing schedule. A
// recurrence change recomputes the next run from the current instant.
func (s *Scheduler) Update(ctx context.Context, id uuid.UUID, patch Patch) (*ScheduledScan, error) {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewNotFoundError("schedule", id.String())
	}

	def := s.definitionLocked(sched)
	applyPatch(&def, patch)
	if err := def.Validate(); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	recurrenceChanged := def.Interval != sched.Interval || def.Cron != sched.Cron

	sched.Name = def.Name
	sched.Targets = append([]string(nil), def.Targets...)
	sched.Ports = def.Ports
	sched.Profile = def.Profile
	sched.Priority = def.Priority
	sched.Timeout = def.Timeout
	sched.Interval = def.Interval
	sched.Cron = def.Cron
	sched.MaxRetries = def.MaxRetries
	sched.cronSchedule = nil
	if def.Cron != "" {
		sched.cronSchedule, _ = cron.ParseStandard(def.Cron)
	}

	if recurrenceChanged && sched.Enabled && !sched.running {
		sched.State = StateScheduled
		sched.retrying = false
		sched.retriesLeft = 0
		sched.NextRun = sched.nextAfter(s.clock())
		s.armLocked(sched)
	}
	snap := sched.snapshot()
	s.mu.Unlock()

	if err := s.persist(ctx, snap); err != nil {
		return nil, err
	}

	s.signalWake()
	s.logger.InfoScheduler("schedule updated",
		"schedule_id", id.String(),
		"name", snap.Name)
	return snap, nil
}

// Delete removes a schedule. An in-flight execution for it is not
// interrupted, but no further runs fire.
func (s *Scheduler) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	_, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("schedule", id.String())
	}
	delete(s.schedules, id)
	s.gens[id]++
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.DeleteSchedule(ctx, id); err != nil {
			return err
		}
	}

	s.updateGauges()
	s.logger.InfoScheduler("schedule deleted", "schedule_id", id.String())
	return nil
}

// Enable arms a disabled schedule, computing its next run from now.
// Enabling an already-enabled schedule is a no-op.
func (s *Scheduler) Enable(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("schedule", id.String())
	}
	if sched.Enabled {
		s.mu.Unlock()
		return nil
	}
	sched.Enabled = true
	sched.retrying = false
	sched.retriesLeft = 0
	if !sched.running {
		sched.State = StateScheduled
		sched.NextRun = sched.nextAfter(s.clock())
		s.armLocked(sched)
	}
	snap := sched.snapshot()
	s.mu.Unlock()

	if err := s.persist(ctx, snap); err != nil {
		return err
	}

	s.signalWake()
	s.updateGauges()
	s.logger.InfoScheduler("schedule enabled", "schedule_id", id.String())
	return nil
}

// Disable stops future firings of a schedule. An in-flight execution
// runs to completion but is not rescheduled.
func (s *Scheduler) Disable(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return errors.NewNotFoundError("schedule", id.String())
	}
	if !sched.Enabled {
		s.mu.Unlock()
		return nil
	}
	sched.Enabled = false
	sched.retrying = false
	sched.retriesLeft = 0
	if !sched.running {
		sched.State = StateDisabled
	}
	s.gens[id]++
	snap := sched.snapshot()
	s.mu.Unlock()

	if err := s.persist(ctx, snap); err != nil {
		return err
	}

	s.updateGauges()
	s.logger.InfoScheduler("schedule disabled", "schedule_id", id.String())
	return nil
}

// ExecuteNow fires a schedule immediately, bypassing its timer but not
// the dispatch queue's concurrency cap. It fails if an execution for
// this schedule is already in flight.
func (s *Scheduler) ExecuteNow(ctx context.Context, id uuid.UUID) (*dispatch.Execution, error) {
	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return nil, errors.NewNotFoundError("schedule", id.String())
	}
	if sched.running {
		s.mu.Unlock()
		return nil, errors.NewExecutionError(errors.CodeAlreadyRuns,
			"schedule already has an execution in flight", sched.Name)
	}
	exec, err := s.fireLocked(sched)
	s.mu.Unlock()
	return exec, err
}

// Get returns a copy of the schedule with the given identity.
func (s *Scheduler) Get(id uuid.UUID) (*ScheduledScan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, errors.NewNotFoundError("schedule", id.String())
	}
	return sched.snapshot(), nil
}

// List returns copies of all schedules ordered by creation.
func (s *Scheduler) List() []*ScheduledScan {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*ScheduledScan, 0, len(s.schedules))
	for _, sched := range s.schedules {
		out = append(out, sched.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Metrics reports aggregate scheduler counters.
func (s *Scheduler) Metrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := Metrics{
		TotalSchedules: len(s.schedules),
		CompletedRuns:  s.completedRuns,
		FailedRuns:     s.failedRuns,
	}
	var next *time.Time
	for _, sched := range s.schedules {
		if !sched.Enabled {
			continue
		}
		m.ActiveSchedules++
		if sched.running {
			continue
		}
		if next == nil || sched.NextRun.Before(*next) {
			nextRun := sched.NextRun
			next = &nextRun
		}
	}
	m.NextScheduledRun = next
	if s.completedRuns > 0 {
		m.AverageExecutionTime = s.totalRunTime / time.Duration(s.completedRuns)
	}
	return m
}

// loop is the single scheduling goroutine. It sleeps until the earliest
// pending run time, fires everything due, and re-arms.
func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		wait := s.nextWait()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
			s.fireDue()
		}
	}
}

// nextWait returns how long the loop should sleep before the earliest
// pending entry is due.
func (s *Scheduler) nextWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.timers.peek()
	if !ok {
		return idleWait
	}
	wait := entry.at.Sub(s.clock())
	if wait < 0 {
		return 0
	}
	if wait > idleWait {
		return idleWait
	}
	return wait
}

// fireDue pops every due heap entry and submits the corresponding
// schedules. When several schedules are due at once they fire in
// priority order, ties broken by earlier due time then by creation.
func (s *Scheduler) fireDue() {
	now := s.clock()

	s.mu.Lock()
	var due []*ScheduledScan
	for {
		entry, ok := s.timers.peek()
		if !ok || entry.at.After(now) {
			break
		}
		s.timers.pop()
		if entry.gen != s.gens[entry.id] {
			continue
		}
		sched, ok := s.schedules[entry.id]
		if !ok || !sched.Enabled || sched.running {
			continue
		}
		due = append(due, sched)
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.NextRun.Equal(b.NextRun) {
			return a.NextRun.Before(b.NextRun)
		}
		return a.seq < b.seq
	})

	for _, sched := range due {
		if _, err := s.fireLocked(sched); err != nil {
			s.logger.ErrorScheduler("failed to fire schedule", err,
				"schedule_id", sched.ID.String(),
				"name", sched.Name)
		}
	}
	s.mu.Unlock()
}

// fireLocked submits a run for the schedule and watches its completion.
// A capacity rejection from the dispatch queue counts as a failed run
// and is subject to the same retry policy as an execution failure.
func (s *Scheduler) fireLocked(sched *ScheduledScan) (*dispatch.Execution, error) {
	req := scanning.NewRequest(sched.Targets, sched.Ports, sched.Profile)
	req.Priority = sched.Priority
	req.Timeout = sched.Timeout
	req.Metadata = map[string]string{
		"schedule_id":   sched.ID.String(),
		"schedule_name": sched.Name,
	}

	exec, err := s.queue.Submit(req)
	if err != nil {
		s.recordFailureLocked(sched, s.clock())
		return nil, err
	}

	sched.running = true
	sched.State = StateRunning
	s.logger.InfoScheduler("schedule fired",
		"schedule_id", sched.ID.String(),
		"name", sched.Name,
		"request_id", req.ID.String())

	go s.awaitExecution(sched.ID, exec)
	return exec, nil
}

// awaitExecution blocks until the execution's done channel closes. It
// is not tracked by the loop's wait group: executions can outlive the
// scheduler and are drained by the dispatch queue's own shutdown.
func (s *Scheduler) awaitExecution(id uuid.UUID, exec *dispatch.Execution) {
	<-exec.Done()
	s.handleCompletion(id, exec)
}

func (s *Scheduler) handleCompletion(id uuid.UUID, exec *dispatch.Execution) {
	now := s.clock()

	s.mu.Lock()
	sched, ok := s.schedules[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	sched.running = false
	lastRun := now
	sched.LastRun = &lastRun

	if exec.Success {
		sched.RunCount++
		sched.retrying = false
		sched.retriesLeft = 0
		s.completedRuns++
		s.totalRunTime += exec.Duration()
		if sched.Enabled {
			sched.State = StateScheduled
			sched.NextRun = sched.nextAfter(now)
			s.armLocked(sched)
		} else {
			sched.State = StateDisabled
		}
	} else {
		s.recordFailureLocked(sched, now)
	}
	snap := sched.snapshot()
	s.mu.Unlock()

	if exec.Success {
		if s.metrics != nil {
			s.metrics.RecordScheduledRun("success")
		}
		s.logger.InfoScheduler("scheduled run completed",
			"schedule_id", id.String(),
			"devices_found", exec.DevicesFound(),
			"duration", exec.Duration().String())
	} else {
		if s.metrics != nil {
			s.metrics.RecordScheduledRun("failure")
		}
		s.logger.ErrorScheduler("scheduled run failed", exec.Err,
			"schedule_id", id.String(),
			"state", string(snap.State),
			"next_run", snap.NextRun.Format(time.RFC3339))
	}

	if err := s.persist(context.Background(), snap); err != nil {
		s.logger.ErrorScheduler("failed to persist schedule state", err,
			"schedule_id", id.String())
	}
	s.signalWake()
}

// recordFailureLocked applies the bounded-retry policy: a failed run
// retries after a fixed delay up to the budget, then the schedule falls
// back to its regular cadence with a fresh budget.
func (s *Scheduler) recordFailureLocked(sched *ScheduledScan, now time.Time) {
	sched.FailCount++
	s.failedRuns++

	if !sched.Enabled {
		sched.State = StateDisabled
		sched.retrying = false
		sched.retriesLeft = 0
		return
	}

	if !sched.retrying {
		sched.retrying = true
		sched.retriesLeft = s.retryBudget(sched)
	}
	if sched.retriesLeft > 0 {
		sched.retriesLeft--
		sched.State = StateRetryWait
		sched.NextRun = now.Add(s.cfg.Retry.RetryDelay)
		if s.metrics != nil {
			s.metrics.RecordRetry()
		}
	} else {
		// Budget exhausted: fall back to the regular cadence. The next
		// cadence-fired failure begins a fresh burst.
		sched.retrying = false
		sched.State = StateScheduled
		sched.NextRun = sched.nextAfter(now)
	}
	s.armLocked(sched)
}

// retryBudget returns the budget for one failure burst. A schedule with
// no explicit budget inherits the global retry configuration.
func (s *Scheduler) retryBudget(sched *ScheduledScan) int {
	if sched.MaxRetries > 0 {
		return sched.MaxRetries
	}
	return s.cfg.Retry.MaxRetries
}

// armLocked pushes a heap entry for the schedule's NextRun under a
// fresh generation, implicitly canceling any earlier entries.
func (s *Scheduler) armLocked(sched *ScheduledScan) {
	s.gens[sched.ID]++
	s.timers.push(timerEntry{
		at:  sched.NextRun,
		id:  sched.ID,
		gen: s.gens[sched.ID],
	})
}

// definitionLocked reconstructs the definition form of a schedule.
func (s *Scheduler) definitionLocked(sched *ScheduledScan) Definition {
	return Definition{
		Name:       sched.Name,
		Targets:    append([]string(nil), sched.Targets...),
		Ports:      sched.Ports,
		Profile:    sched.Profile,
		Priority:   sched.Priority,
		Timeout:    sched.Timeout,
		Interval:   sched.Interval,
		Cron:       sched.Cron,
		MaxRetries: sched.MaxRetries,
		Enabled:    sched.Enabled,
	}
}

func applyPatch(def *Definition, patch Patch) {
	if patch.Name != nil {
		def.Name = *patch.Name
	}
	if patch.Targets != nil {
		def.Targets = append([]string(nil), patch.Targets...)
	}
	if patch.Ports != nil {
		def.Ports = *patch.Ports
	}
	if patch.Profile != nil {
		def.Profile = *patch.Profile
	}
	if patch.Priority != nil {
		def.Priority = *patch.Priority
	}
	if patch.Timeout != nil {
		def.Timeout = *patch.Timeout
	}
	if patch.Interval != nil {
		def.Interval = *patch.Interval
		if *patch.Interval > 0 && patch.Cron == nil {
			def.Cron = ""
		}
	}
	if patch.Cron != nil {
		def.Cron = *patch.Cron
		if *patch.Cron != "" && patch.Interval == nil {
			def.Interval = 0
		}
	}
	if patch.MaxRetries != nil {
		def.MaxRetries = *patch.MaxRetries
	}
}

// loadSchedules restores persisted schedules and re-arms enabled ones.
// Next runs in the past fire on the loop's first pass.
func (s *Scheduler) loadSchedules(ctx context.Context) error {
	stored, err := s.store.ListSchedules(ctx)
	if err != nil {
		return err
	}

	now := s.clock()
	s.mu.Lock()
	for _, sched := range stored {
		if sched.Cron != "" {
			parsed, parseErr := cron.ParseStandard(sched.Cron)
			if parseErr != nil {
				s.mu.Unlock()
				return errors.NewConfigError("cron",
					"persisted schedule has invalid cron expression", sched.Cron)
			}
			sched.cronSchedule = parsed
		}
		sched.seq = s.nextSeq
		s.nextSeq++
		sched.running = false
		s.schedules[sched.ID] = sched
		if sched.Enabled {
			sched.State = StateScheduled
			if sched.NextRun.IsZero() {
				sched.NextRun = sched.nextAfter(now)
			}
			s.armLocked(sched)
		} else {
			sched.State = StateDisabled
		}
	}
	s.mu.Unlock()

	s.updateGauges()
	return nil
}

func (s *Scheduler) persist(ctx context.Context, sched *ScheduledScan) error {
	if s.store == nil {
		return nil
	}
	return s.store.SaveSchedule(ctx, sched)
}

func (s *Scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) updateGauges() {
	if s.metrics == nil {
		return
	}
	s.mu.Lock()
	count := 0
	for _, sched := range s.schedules {
		if sched.Enabled {
			count++
		}
	}
	s.mu.Unlock()
	s.metrics.SetActiveSchedules(count)
}
