package sqlite

import (
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/immunet/internal/domain"
)

// ─── Pack Anomalies ─────────────────────────────────────────────────────────

// InsertPackAnomaly records a detector match. Missing ID and timestamp are
// filled in.
func (d *DB) InsertPackAnomaly(a domain.PackAnomaly) (domain.PackAnomaly, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO pack_anomalies (id, interface, source, destination, protocol, pattern, detector, length, distance, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Interface, a.Source, a.Destination, a.Protocol,
		a.Pattern, a.Detector, a.Length, a.Distance, a.DetectedAt.UnixMilli(),
	)
	return a, err
}

// ListPackAnomalies returns detector matches, newest first.
func (d *DB) ListPackAnomalies(limit int) ([]domain.PackAnomaly, error) {
	rows, err := d.db.Query(
		`SELECT id, interface, source, destination, protocol, pattern, detector, length, distance, detected_at
		 FROM pack_anomalies ORDER BY detected_at DESC, rowid DESC LIMIT ?`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PackAnomaly
	for rows.Next() {
		var a domain.PackAnomaly
		var detected int64
		if err := rows.Scan(&a.ID, &a.Interface, &a.Source, &a.Destination, &a.Protocol,
			&a.Pattern, &a.Detector, &a.Length, &a.Distance, &detected); err != nil {
			return nil, err
		}
		a.DetectedAt = unixMilli(detected)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ─── Stat Anomalies ─────────────────────────────────────────────────────────

// InsertStatAnomaly records a statistics anomaly. Missing ID and timestamp
// are filled in.
func (d *DB) InsertStatAnomaly(a domain.StatAnomaly) (domain.StatAnomaly, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.DetectedAt.IsZero() {
		a.DetectedAt = time.Now()
	}
	_, err := d.db.Exec(
		`INSERT INTO stat_anomalies (id, kind, dimension, value, k, space, left_range, right_range, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Kind.String(), a.Dimension, int(a.Value), a.K,
		encodeRange(a.Space), encodeRange(a.LeftRange), encodeRange(a.RightRange),
		a.DetectedAt.UnixMilli(),
	)
	return a, err
}

// ListStatAnomalies returns statistics anomalies, newest first.
func (d *DB) ListStatAnomalies(limit int) ([]domain.StatAnomaly, error) {
	rows, err := d.db.Query(
		`SELECT id, kind, dimension, value, k, space, left_range, right_range, detected_at
		 FROM stat_anomalies ORDER BY detected_at DESC, rowid DESC LIMIT ?`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StatAnomaly
	for rows.Next() {
		var a domain.StatAnomaly
		var kind string
		var value int
		var space, left, right []byte
		var detected int64
		if err := rows.Scan(&a.ID, &kind, &a.Dimension, &value, &a.K,
			&space, &left, &right, &detected); err != nil {
			return nil, err
		}
		if kind == domain.InGap.String() {
			a.Kind = domain.InGap
		}
		a.Value = uint16(value)
		a.Space = decodeRange(space)
		a.LeftRange = decodeRange(left)
		a.RightRange = decodeRange(right)
		a.DetectedAt = unixMilli(detected)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAnomalies returns the number of stored pack and stat anomalies.
func (d *DB) CountAnomalies() (pack, stat int, err error) {
	if err = d.db.QueryRow(`SELECT COUNT(*) FROM pack_anomalies`).Scan(&pack); err != nil {
		return 0, 0, err
	}
	err = d.db.QueryRow(`SELECT COUNT(*) FROM stat_anomalies`).Scan(&stat)
	return pack, stat, err
}

// ─── Statistics Snapshots ───────────────────────────────────────────────────

// InsertStatSnapshot records one rolled-over statistics period.
func (d *DB) InsertStatSnapshot(s domain.StatSnapshot) error {
	if s.TakenAt.IsZero() {
		s.TakenAt = time.Now()
	}
	vec, err := s.Stats.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = d.db.Exec(
		`INSERT INTO stat_snapshots (taken_at, anomalous, vector) VALUES (?, ?, ?)`,
		s.TakenAt.UnixMilli(), s.Anomalous, vec,
	)
	return err
}

// ListStatSnapshots returns statistics periods, newest first.
func (d *DB) ListStatSnapshots(limit int) ([]domain.StatSnapshot, error) {
	rows, err := d.db.Query(
		`SELECT taken_at, anomalous, vector FROM stat_snapshots
		 ORDER BY taken_at DESC, id DESC LIMIT ?`, limitOrDefault(limit),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StatSnapshot
	for rows.Next() {
		var s domain.StatSnapshot
		var taken int64
		var vec []byte
		if err := rows.Scan(&taken, &s.Anomalous, &vec); err != nil {
			return nil, err
		}
		if err := s.Stats.UnmarshalBinary(vec); err != nil {
			return nil, err
		}
		s.TakenAt = unixMilli(taken)
		out = append(out, s)
	}
	return out, rows.Err()
}

func encodeRange(v []uint16) []byte {
	if v == nil {
		return nil
	}
	return domain.EncodeVector(v)
}

func decodeRange(b []byte) []uint16 {
	if len(b) == 0 {
		return nil
	}
	return domain.DecodeVector(b)
}
