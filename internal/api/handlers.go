package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/scanning"
	"github.com/TakashiAihara/nmapper-sub001/internal/scheduler"
)

// scanRequest is the payload for ad-hoc scan submission.
type scanRequest struct {
	Targets  []string `json:"targets" validate:"required,min=1,dive,required"`
	Ports    string   `json:"ports,omitempty"`
	Profile  string   `json:"profile" validate:"required,oneof=discovery quick comprehensive"`
	Priority int      `json:"priority,omitempty"`
	Timeout  string   `json:"timeout,omitempty"`
}

// scheduleRequest is the payload for schedule creation.
type scheduleRequest struct {
	Name       string   `json:"name" validate:"required,min=1,max=128"`
	Targets    []string `json:"targets" validate:"required,min=1,dive,required"`
	Ports      string   `json:"ports,omitempty"`
	Profile    string   `json:"profile" validate:"required,oneof=discovery quick comprehensive"`
	Priority   int      `json:"priority,omitempty"`
	Timeout    string   `json:"timeout,omitempty"`
	Interval   string   `json:"interval,omitempty"`
	Cron       string   `json:"cron,omitempty"`
	MaxRetries int      `json:"max_retries,omitempty" validate:"gte=0"`
	Enabled    *bool    `json:"enabled,omitempty"`
}

// schedulePatchRequest is the payload for partial schedule updates.
type schedulePatchRequest struct {
	Name       *string  `json:"name,omitempty" validate:"omitempty,min=1,max=128"`
	Targets    []string `json:"targets,omitempty" validate:"omitempty,min=1,dive,required"`
	Ports      *string  `json:"ports,omitempty"`
	Profile    *string  `json:"profile,omitempty" validate:"omitempty,oneof=discovery quick comprehensive"`
	Priority   *int     `json:"priority,omitempty"`
	Timeout    *string  `json:"timeout,omitempty"`
	Interval   *string  `json:"interval,omitempty"`
	Cron       *string  `json:"cron,omitempty"`
	MaxRetries *int     `json:"max_retries,omitempty" validate:"omitempty,gte=0"`
}

func parseDurationField(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, errors.NewFieldValidationError(field,
			"must be a duration such as 30s or 5m")
	}
	if d < 0 {
		return 0, errors.NewFieldValidationError(field, "must not be negative")
	}
	return d, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC(),
	}
	status := http.StatusOK
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			health["status"] = "degraded"
			health["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			health["storage"] = "ok"
		}
	}
	writeJSON(w, status, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version":   s.version,
		"uptime":    time.Since(s.startTime).String(),
		"queue":     s.queue.GetStatus(),
		"scheduler": s.sched.Metrics(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) handleSubmitScan(w http.ResponseWriter, r *http.Request) {
	var payload scanRequest
	if err := parseJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	timeout, err := parseDurationField("timeout", payload.Timeout)
	if err != nil {
		writeError(w, err)
		return
	}

	req := scanning.NewRequest(payload.Targets, payload.Ports,
		devices.ScanProfile(payload.Profile))
	req.Priority = payload.Priority
	req.Timeout = timeout

	exec, err := s.queue.Submit(req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": exec.ID,
		"request_id":   req.ID,
		"submitted_at": exec.SubmittedAt,
	})
}

func (s *Server) handleListScans(w http.ResponseWriter, _ *http.Request) {
	history := s.queue.History()
	out := make([]map[string]interface{}, 0, len(history))
	for _, exec := range history {
		entry := map[string]interface{}{
			"execution_id":  exec.ID,
			"targets":       exec.Request.Targets,
			"profile":       exec.Request.Profile,
			"submitted_at":  exec.SubmittedAt,
			"success":       exec.Success,
			"devices_found": exec.DevicesFound(),
			"duration":      exec.Duration().String(),
		}
		if exec.Err != nil {
			entry["error"] = exec.Err.Error()
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.queue.GetStatus())
}

func (s *Server) handleListSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.List())
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var payload scheduleRequest
	if err := parseJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	def, err := definitionFromRequest(&payload)
	if err != nil {
		writeError(w, err)
		return
	}

	sched, err := s.sched.Create(r.Context(), def)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sched)
}

func definitionFromRequest(payload *scheduleRequest) (scheduler.Definition, error) {
	timeout, err := parseDurationField("timeout", payload.Timeout)
	if err != nil {
		return scheduler.Definition{}, err
	}
	interval, err := parseDurationField("interval", payload.Interval)
	if err != nil {
		return scheduler.Definition{}, err
	}

	enabled := true
	if payload.Enabled != nil {
		enabled = *payload.Enabled
	}
	return scheduler.Definition{
		Name:       payload.Name,
		Targets:    payload.Targets,
		Ports:      payload.Ports,
		Profile:    devices.ScanProfile(payload.Profile),
		Priority:   payload.Priority,
		Timeout:    timeout,
		Interval:   interval,
		Cron:       payload.Cron,
		MaxRetries: payload.MaxRetries,
		Enabled:    enabled,
	}, nil
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.sched.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var payload schedulePatchRequest
	if err := parseJSON(r, &payload); err != nil {
		writeError(w, err)
		return
	}
	patch, err := patchFromRequest(&payload)
	if err != nil {
		writeError(w, err)
		return
	}

	sched, err := s.sched.Update(r.Context(), id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func patchFromRequest(payload *schedulePatchRequest) (scheduler.Patch, error) {
	patch := scheduler.Patch{
		Name:       payload.Name,
		Targets:    payload.Targets,
		Ports:      payload.Ports,
		Priority:   payload.Priority,
		Cron:       payload.Cron,
		MaxRetries: payload.MaxRetries,
	}
	if payload.Profile != nil {
		profile := devices.ScanProfile(*payload.Profile)
		patch.Profile = &profile
	}
	if payload.Timeout != nil {
		timeout, err := parseDurationField("timeout", *payload.Timeout)
		if err != nil {
			return scheduler.Patch{}, err
		}
		patch.Timeout = &timeout
	}
	if payload.Interval != nil {
		interval, err := parseDurationField("interval", *payload.Interval)
		if err != nil {
			return scheduler.Patch{}, err
		}
		patch.Interval = &interval
	}
	return patch, nil
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.sched.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleEnableSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, true)
}

func (s *Server) handleDisableSchedule(w http.ResponseWriter, r *http.Request) {
	s.toggleSchedule(w, r, false)
}

func (s *Server) toggleSchedule(w http.ResponseWriter, r *http.Request, enable bool) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if enable {
		err = s.sched.Enable(r.Context(), id)
	} else {
		err = s.sched.Disable(r.Context(), id)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	sched, err := s.sched.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sched)
}

func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	exec, err := s.sched.ExecuteNow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"execution_id": exec.ID,
		"schedule_id":  id,
		"submitted_at": exec.SubmittedAt,
	})
}

// handleListSnapshots lists snapshot headers newest first. With both
// "from" and "to" (RFC 3339) it instead loads the full snapshots
// recorded in that range, oldest first.
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, errors.NewNotFoundError("snapshot", "storage disabled"))
		return
	}

	rawFrom := r.URL.Query().Get("from")
	rawTo := r.URL.Query().Get("to")
	if rawFrom != "" || rawTo != "" {
		from, err := parseTimeField("from", rawFrom)
		if err != nil {
			writeError(w, err)
			return
		}
		to, err := parseTimeField("to", rawTo)
		if err != nil {
			writeError(w, err)
			return
		}
		snaps, err := s.store.LoadRange(r.Context(), from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snaps)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, errors.NewFieldValidationError("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}
	snaps, err := s.store.ListSnapshots(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

func parseTimeField(field, raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.NewFieldValidationError(field,
			"both from and to are required for a range query")
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, errors.NewFieldValidationError(field,
			"must be an RFC 3339 timestamp")
	}
	return t, nil
}

func (s *Server) handleLatestSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, errors.NewNotFoundError("snapshot", "storage disabled"))
		return
	}
	snap, err := s.store.LatestSnapshot(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, errors.NewNotFoundError("snapshot", "storage disabled"))
		return
	}
	id, err := pathUUID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	snap, err := s.store.GetSnapshot(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDiff compares two snapshots. Without query parameters it diffs
// the latest snapshot against its predecessor; "from" and "to" select
// explicit snapshots.
func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, errors.NewNotFoundError("snapshot", "storage disabled"))
		return
	}

	var from, to *devices.NetworkSnapshot
	var err error

	if rawTo := r.URL.Query().Get("to"); rawTo != "" {
		to, err = s.snapshotByParam(r, "to", rawTo)
	} else {
		to, err = s.store.LatestSnapshot(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}

	if rawFrom := r.URL.Query().Get("from"); rawFrom != "" {
		from, err = s.snapshotByParam(r, "from", rawFrom)
	} else {
		from, err = s.store.PreviousSnapshot(r.Context(), to)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.differ.Compute(from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) snapshotByParam(r *http.Request, field, raw string) (*devices.NetworkSnapshot, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, errors.NewFieldValidationError(field, "must be a valid UUID")
	}
	return s.store.GetSnapshot(r.Context(), id)
}
