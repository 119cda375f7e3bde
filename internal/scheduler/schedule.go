// Package scheduler manages named recurring scan definitions. A single
// scheduling loop polls a monotonic min-heap keyed by next-run time,
// submits due scans to the dispatch queue, and applies a bounded-retry
// policy to failing runs. All schedule state is owned by the Scheduler
// and mutated only through its methods.
package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
)

// State is the lifecycle state of a scheduled scan.
type State string

const (
	StateDisabled  State = "disabled"
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateRetryWait State = "retry_wait"
)

// Definition is the user-supplied configuration for a scheduled scan.
// Recurrence is either a fixed interval or a standard 5-field cron
// expression; exactly one must be set.
type Definition struct {
	Name       string              `json:"name" yaml:"name"`
	Targets    []string            `json:"targets" yaml:"targets"`
	Ports      string              `json:"ports,omitempty" yaml:"ports,omitempty"`
	Profile    devices.ScanProfile `json:"profile" yaml:"profile"`
	Priority   int                 `json:"priority" yaml:"priority"`
	Timeout    time.Duration       `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Interval   time.Duration       `json:"interval,omitempty" yaml:"interval,omitempty"`
	Cron       string              `json:"cron,omitempty" yaml:"cron,omitempty"`
	MaxRetries int                 `json:"max_retries" yaml:"max_retries"`
	Enabled    bool                `json:"enabled" yaml:"enabled"`
}

// Validate checks the definition, including the recurrence form.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.NewFieldValidationError("name", "schedule name is required")
	}
	if len(d.Targets) == 0 {
		return errors.NewFieldValidationError("targets", "at least one target is required")
	}
	if !d.Profile.Valid() {
		return errors.NewFieldValidationError("profile",
			fmt.Sprintf("invalid scan profile: %s", d.Profile))
	}
	if d.MaxRetries < 0 {
		return errors.NewFieldValidationError("max_retries", "retry budget cannot be negative")
	}
	switch {
	case d.Interval > 0 && d.Cron != "":
		return errors.NewFieldValidationError("recurrence",
			"interval and cron expression are mutually exclusive")
	case d.Interval <= 0 && d.Cron == "":
		return errors.NewFieldValidationError("recurrence",
			"either a positive interval or a cron expression is required")
	case d.Cron != "":
		if _, err := cron.ParseStandard(d.Cron); err != nil {
			return &errors.ValidationError{
				Field:   "cron",
				Message: fmt.Sprintf("invalid cron expression: %s", d.Cron),
				Cause:   err,
			}
		}
	}
	return nil
}

// ScheduledScan is a named recurring scan definition together with its
// runtime bookkeeping. Instances are owned exclusively by the Scheduler.
type ScheduledScan struct {
	ID         uuid.UUID           `json:"id"`
	Name       string              `json:"name"`
	Targets    []string            `json:"targets"`
	Ports      string              `json:"ports,omitempty"`
	Profile    devices.ScanProfile `json:"profile"`
	Priority   int                 `json:"priority"`
	Timeout    time.Duration       `json:"timeout,omitempty"`
	Interval   time.Duration       `json:"interval,omitempty"`
	Cron       string              `json:"cron,omitempty"`
	MaxRetries int                 `json:"max_retries"`
	Enabled    bool                `json:"enabled"`
	State      State               `json:"state"`
	LastRun    *time.Time          `json:"last_run,omitempty"`
	NextRun    time.Time           `json:"next_run"`
	RunCount   int64               `json:"run_count"`
	FailCount  int64               `json:"fail_count"`
	CreatedAt  time.Time           `json:"created_at"`

	// retrying marks an in-progress failure burst; retriesLeft counts
	// down the burst's remaining budget.
	retrying    bool
	retriesLeft int
	// seq records insertion order for deterministic tie-breaking.
	seq uint64
	// cronSchedule is the parsed recurrence, nil for interval schedules.
	cronSchedule cron.Schedule
	running      bool
}

// nextAfter computes the next regular run time from the given instant.
func (s *ScheduledScan) nextAfter(now time.Time) time.Time {
	if s.cronSchedule != nil {
		return s.cronSchedule.Next(now)
	}
	return now.Add(s.Interval)
}

// snapshot returns a copy safe to hand to callers.
func (s *ScheduledScan) snapshot() *ScheduledScan {
	cp := *s
	cp.Targets = append([]string(nil), s.Targets...)
	if s.LastRun != nil {
		lastRun := *s.LastRun
		cp.LastRun = &lastRun
	}
	return &cp
}

// Patch is a partial update to a scheduled scan. Nil fields are left
// unchanged.
type Patch struct {
	Name       *string              `json:"name,omitempty"`
	Targets    []string             `json:"targets,omitempty"`
	Ports      *string              `json:"ports,omitempty"`
	Profile    *devices.ScanProfile `json:"profile,omitempty"`
	Priority   *int                 `json:"priority,omitempty"`
	Timeout    *time.Duration       `json:"timeout,omitempty"`
	Interval   *time.Duration       `json:"interval,omitempty"`
	Cron       *string              `json:"cron,omitempty"`
	MaxRetries *int                 `json:"max_retries,omitempty"`
}

// Metrics aggregates scheduler-wide counters for consumers.
type Metrics struct {
	TotalSchedules       int           `json:"total_schedules"`
	ActiveSchedules      int           `json:"active_schedules"`
	CompletedRuns        int64         `json:"completed_runs"`
	FailedRuns           int64         `json:"failed_runs"`
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	NextScheduledRun     *time.Time    `json:"next_scheduled_run,omitempty"`
}
