package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/scheduler"
)

// scheduleRow is the database shape of a schedule definition.
type scheduleRow struct {
	ID         uuid.UUID      `db:"id"`
	Name       string         `db:"name"`
	Targets    pq.StringArray `db:"targets"`
	Ports      string         `db:"ports"`
	Profile    string         `db:"profile"`
	Priority   int            `db:"priority"`
	TimeoutMS  int64          `db:"timeout_ms"`
	IntervalMS int64          `db:"interval_ms"`
	CronExpr   string         `db:"cron_expr"`
	MaxRetries int            `db:"max_retries"`
	Enabled    bool           `db:"enabled"`
	State      string         `db:"state"`
	LastRun    *time.Time     `db:"last_run"`
	NextRun    *time.Time     `db:"next_run"`
	RunCount   int64          `db:"run_count"`
	FailCount  int64          `db:"fail_count"`
	CreatedAt  time.Time      `db:"created_at"`
}

func toScheduleRow(s *scheduler.ScheduledScan) *scheduleRow {
	row := &scheduleRow{
		ID:         s.ID,
		Name:       s.Name,
		Targets:    pq.StringArray(s.Targets),
		Ports:      s.Ports,
		Profile:    string(s.Profile),
		Priority:   s.Priority,
		TimeoutMS:  s.Timeout.Milliseconds(),
		IntervalMS: s.Interval.Milliseconds(),
		CronExpr:   s.Cron,
		MaxRetries: s.MaxRetries,
		Enabled:    s.Enabled,
		State:      string(s.State),
		LastRun:    s.LastRun,
		RunCount:   s.RunCount,
		FailCount:  s.FailCount,
		CreatedAt:  s.CreatedAt,
	}
	if !s.NextRun.IsZero() {
		nextRun := s.NextRun
		row.NextRun = &nextRun
	}
	return row
}

func (r *scheduleRow) toSchedule() *scheduler.ScheduledScan {
	s := &scheduler.ScheduledScan{
		ID:         r.ID,
		Name:       r.Name,
		Targets:    []string(r.Targets),
		Ports:      r.Ports,
		Profile:    devices.ScanProfile(r.Profile),
		Priority:   r.Priority,
		Timeout:    time.Duration(r.TimeoutMS) * time.Millisecond,
		Interval:   time.Duration(r.IntervalMS) * time.Millisecond,
		Cron:       r.CronExpr,
		MaxRetries: r.MaxRetries,
		Enabled:    r.Enabled,
		State:      scheduler.State(r.State),
		LastRun:    r.LastRun,
		RunCount:   r.RunCount,
		FailCount:  r.FailCount,
		CreatedAt:  r.CreatedAt,
	}
	if r.NextRun != nil {
		s.NextRun = *r.NextRun
	}
	return s
}

// SaveSchedule inserts or replaces a schedule definition.
func (s *Store) SaveSchedule(ctx context.Context, sched *scheduler.ScheduledScan) error {
	start := time.Now()
	query := `
		INSERT INTO schedules (
			id, name, targets, ports, profile, priority, timeout_ms,
			interval_ms, cron_expr, max_retries, enabled, state,
			last_run, next_run, run_count, fail_count, created_at
		) VALUES (
			:id, :name, :targets, :ports, :profile, :priority, :timeout_ms,
			:interval_ms, :cron_expr, :max_retries, :enabled, :state,
			:last_run, :next_run, :run_count, :fail_count, :created_at
		)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			targets = EXCLUDED.targets,
			ports = EXCLUDED.ports,
			profile = EXCLUDED.profile,
			priority = EXCLUDED.priority,
			timeout_ms = EXCLUDED.timeout_ms,
			interval_ms = EXCLUDED.interval_ms,
			cron_expr = EXCLUDED.cron_expr,
			max_retries = EXCLUDED.max_retries,
			enabled = EXCLUDED.enabled,
			state = EXCLUDED.state,
			last_run = EXCLUDED.last_run,
			next_run = EXCLUDED.next_run,
			run_count = EXCLUDED.run_count,
			fail_count = EXCLUDED.fail_count`
	_, err := s.db.NamedExecContext(ctx, query, toScheduleRow(sched))
	err = sanitizeError("save schedule", err)
	s.observe("save_schedule", start, err)
	return err
}

// DeleteSchedule removes a schedule definition.
func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM schedules WHERE id = $1`, id)
	err = sanitizeError("delete schedule", err)
	s.observe("delete_schedule", start, err)
	return err
}

// ListSchedules loads all persisted schedules ordered by creation.
func (s *Store) ListSchedules(ctx context.Context) ([]*scheduler.ScheduledScan, error) {
	start := time.Now()
	var rows []scheduleRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM schedules ORDER BY created_at ASC, id ASC`)
	if err != nil {
		err = sanitizeError("list schedules", err)
		s.observe("list_schedules", start, err)
		return nil, err
	}
	s.observe("list_schedules", start, nil)

	out := make([]*scheduler.ScheduledScan, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSchedule())
	}
	return out, nil
}
