package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
)

// snapshotRow is the database shape of a snapshot.
type snapshotRow struct {
	ID             uuid.UUID `db:"id"`
	CreatedAt      time.Time `db:"created_at"`
	DeviceCount    int       `db:"device_count"`
	TotalOpenPorts int       `db:"total_open_ports"`
	Checksum       string    `db:"checksum"`
	ScanType       string    `db:"scan_type"`
	ScanDurationMS int64     `db:"scan_duration_ms"`
	ScanErrors     JSONB     `db:"scan_errors"`
	Devices        JSONB     `db:"devices"`
}

func toSnapshotRow(snap *devices.NetworkSnapshot) (*snapshotRow, error) {
	deviceJSON, err := json.Marshal(snap.Devices)
	if err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageQuery,
			"failed to encode devices", "save snapshot", err)
	}
	row := &snapshotRow{
		ID:             snap.ID,
		CreatedAt:      snap.Timestamp,
		DeviceCount:    snap.DeviceCount,
		TotalOpenPorts: snap.TotalOpenPorts,
		Checksum:       snap.Checksum,
		ScanType:       string(snap.Metadata.ScanType),
		ScanDurationMS: snap.Metadata.Duration.Milliseconds(),
		Devices:        JSONB(deviceJSON),
	}
	if len(snap.Metadata.Errors) > 0 {
		errJSON, err := json.Marshal(snap.Metadata.Errors)
		if err != nil {
			return nil, errors.WrapStorageError(errors.CodeStorageQuery,
				"failed to encode scan errors", "save snapshot", err)
		}
		row.ScanErrors = JSONB(errJSON)
	}
	return row, nil
}

func (r *snapshotRow) toSnapshot() (*devices.NetworkSnapshot, error) {
	snap := &devices.NetworkSnapshot{
		ID:             r.ID,
		Timestamp:      r.CreatedAt,
		DeviceCount:    r.DeviceCount,
		TotalOpenPorts: r.TotalOpenPorts,
		Checksum:       r.Checksum,
		Metadata: devices.ScanMetadata{
			ScanType: devices.ScanProfile(r.ScanType),
			Duration: time.Duration(r.ScanDurationMS) * time.Millisecond,
		},
	}
	if err := json.Unmarshal([]byte(r.Devices), &snap.Devices); err != nil {
		return nil, errors.WrapStorageError(errors.CodeStorageQuery,
			"failed to decode devices", "load snapshot", err)
	}
	if len(r.ScanErrors) > 0 {
		if err := json.Unmarshal([]byte(r.ScanErrors), &snap.Metadata.Errors); err != nil {
			return nil, errors.WrapStorageError(errors.CodeStorageQuery,
				"failed to decode scan errors", "load snapshot", err)
		}
	}
	return snap, nil
}

// SaveSnapshot persists a snapshot.
func (s *Store) SaveSnapshot(ctx context.Context, snap *devices.NetworkSnapshot) error {
	start := time.Now()
	row, err := toSnapshotRow(snap)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO snapshots (
			id, created_at, device_count, total_open_ports, checksum,
			scan_type, scan_duration_ms, scan_errors, devices
		) VALUES (
			:id, :created_at, :device_count, :total_open_ports, :checksum,
			:scan_type, :scan_duration_ms, :scan_errors, :devices
		)`
	_, err = s.db.NamedExecContext(ctx, query, row)
	err = sanitizeError("save snapshot", err)
	s.observe("save_snapshot", start, err)
	if err == nil {
		s.logger.InfoStorage("snapshot saved",
			"snapshot_id", snap.ID.String(),
			"device_count", snap.DeviceCount)
	}
	return err
}

// GetSnapshot loads one snapshot by identity.
func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (*devices.NetworkSnapshot, error) {
	start := time.Now()
	var row snapshotRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM snapshots WHERE id = $1`, id)
	if err != nil {
		err = sanitizeError("get snapshot", err)
		s.observe("get_snapshot", start, err)
		if errors.IsCode(err, errors.CodeNotFound) {
			return nil, errors.NewNotFoundError("snapshot", id.String())
		}
		return nil, err
	}
	s.observe("get_snapshot", start, nil)
	return row.toSnapshot()
}

// LatestSnapshot returns the most recent snapshot, or a not-found error
// when none has been recorded yet.
func (s *Store) LatestSnapshot(ctx context.Context) (*devices.NetworkSnapshot, error) {
	start := time.Now()
	var row snapshotRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM snapshots ORDER BY created_at DESC, id DESC LIMIT 1`)
	if err != nil {
		err = sanitizeError("latest snapshot", err)
		s.observe("latest_snapshot", start, err)
		if errors.IsCode(err, errors.CodeNotFound) {
			return nil, errors.NewNotFoundError("snapshot", "latest")
		}
		return nil, err
	}
	s.observe("latest_snapshot", start, nil)
	return row.toSnapshot()
}

// PreviousSnapshot returns the newest snapshot strictly older than the
// given one, used to diff a fresh snapshot against its predecessor.
func (s *Store) PreviousSnapshot(ctx context.Context, before *devices.NetworkSnapshot) (*devices.NetworkSnapshot, error) {
	start := time.Now()
	var row snapshotRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM snapshots
		 WHERE created_at < $1
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		before.Timestamp)
	if err != nil {
		err = sanitizeError("previous snapshot", err)
		s.observe("previous_snapshot", start, err)
		if errors.IsCode(err, errors.CodeNotFound) {
			return nil, errors.NewNotFoundError("snapshot", "previous of "+before.ID.String())
		}
		return nil, err
	}
	s.observe("previous_snapshot", start, nil)
	return row.toSnapshot()
}

// ListSnapshots returns snapshot headers newest first, without the
// device payload.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]*devices.NetworkSnapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	start := time.Now()
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, created_at, device_count, total_open_ports, checksum,
		        scan_type, scan_duration_ms, scan_errors, '[]'::jsonb AS devices
		 FROM snapshots ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		err = sanitizeError("list snapshots", err)
		s.observe("list_snapshots", start, err)
		return nil, err
	}
	s.observe("list_snapshots", start, nil)

	out := make([]*devices.NetworkSnapshot, 0, len(rows))
	for i := range rows {
		snap, convErr := rows[i].toSnapshot()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, snap)
	}
	return out, nil
}

// LoadRange returns the full snapshots recorded within [from, to],
// oldest first.
func (s *Store) LoadRange(ctx context.Context, from, to time.Time) ([]*devices.NetworkSnapshot, error) {
	if to.Before(from) {
		return nil, errors.NewFieldValidationError("to", "range end precedes range start")
	}
	start := time.Now()
	var rows []snapshotRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM snapshots
		 WHERE created_at BETWEEN $1 AND $2
		 ORDER BY created_at ASC, id ASC`, from, to)
	if err != nil {
		err = sanitizeError("load range", err)
		s.observe("load_range", start, err)
		return nil, err
	}
	s.observe("load_range", start, nil)

	out := make([]*devices.NetworkSnapshot, 0, len(rows))
	for i := range rows {
		snap, convErr := rows[i].toSnapshot()
		if convErr != nil {
			return nil, convErr
		}
		out = append(out, snap)
	}
	return out, nil
}

// PruneSnapshots deletes all but the newest keep snapshots and returns
// how many were removed.
func (s *Store) PruneSnapshots(ctx context.Context, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	start := time.Now()
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY created_at DESC, id DESC LIMIT $1
		)`, keep)
	if err != nil {
		err = sanitizeError("prune snapshots", err)
		s.observe("prune_snapshots", start, err)
		return 0, err
	}
	s.observe("prune_snapshots", start, nil)
	removed, _ := result.RowsAffected()
	if removed > 0 {
		s.logger.InfoStorage("pruned old snapshots", "removed", removed)
	}
	return removed, nil
}
