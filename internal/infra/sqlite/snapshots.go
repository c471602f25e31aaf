package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/immunet/internal/domain"
)

// ─── Snapshot Repository ────────────────────────────────────────────────────

// SaveSnapshot stores an encoded snapshot. An empty ID is assigned a UUID
// and a zero CreatedAt the current time; the stored record is returned.
func (d *DB) SaveSnapshot(s domain.SnapshotInfo) (domain.SnapshotInfo, error) {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	s.Size = len(s.Data)
	_, err := d.db.Exec(
		`INSERT INTO snapshots (id, elapsed_minutes, path, stat_count, detector_count, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, int64(s.Elapsed/time.Minute), s.Path, s.StatCount, s.DetectorCount, s.Data, s.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return s, fmt.Errorf("insert snapshot: %w", err)
	}
	return s, nil
}

// LatestSnapshot returns the most recent snapshot with its data, or
// ErrSnapshotNotFound.
func (d *DB) LatestSnapshot() (domain.SnapshotInfo, error) {
	row := d.db.QueryRow(
		`SELECT id, elapsed_minutes, path, stat_count, detector_count, length(data), created_at, data
		 FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT 1`,
	)
	return scanSnapshot(row, true)
}

// GetSnapshot returns one snapshot with its data, or ErrSnapshotNotFound.
func (d *DB) GetSnapshot(id string) (domain.SnapshotInfo, error) {
	row := d.db.QueryRow(
		`SELECT id, elapsed_minutes, path, stat_count, detector_count, length(data), created_at, data
		 FROM snapshots WHERE id = ?`, id,
	)
	return scanSnapshot(row, true)
}

// ListSnapshots returns snapshot metadata, newest first.
func (d *DB) ListSnapshots(limit int) ([]domain.SnapshotInfo, error) {
	rows, err := d.db.Query(
		`SELECT id, elapsed_minutes, path, stat_count, detector_count, length(data), created_at
		 FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.SnapshotInfo
	for rows.Next() {
		s, err := scanSnapshot(rows, false)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// PruneSnapshots keeps the newest keep snapshots and deletes the rest.
func (d *DB) PruneSnapshots(keep int) (int, error) {
	res, err := d.db.Exec(
		`DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, keep,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanSnapshot(s scanner, withData bool) (domain.SnapshotInfo, error) {
	var info domain.SnapshotInfo
	var elapsed, created int64
	dest := []any{&info.ID, &elapsed, &info.Path, &info.StatCount, &info.DetectorCount, &info.Size, &created}
	if withData {
		dest = append(dest, &info.Data)
	}
	err := s.Scan(dest...)
	if err == sql.ErrNoRows {
		return info, domain.ErrSnapshotNotFound
	}
	if err != nil {
		return info, err
	}
	info.Elapsed = time.Duration(elapsed) * time.Minute
	info.CreatedAt = unixMilli(created)
	return info, nil
}
