package domain

import "time"

// SnapshotInfo describes one persisted detector/statistics snapshot.
// Data holds the encoded blob and is only populated when loading.
type SnapshotInfo struct {
	ID            string        `json:"id"`
	Elapsed       time.Duration `json:"elapsed"`
	Path          string        `json:"path"`
	StatCount     int           `json:"stat_count"`
	DetectorCount int           `json:"detector_count"`
	Size          int           `json:"size_bytes"`
	CreatedAt     time.Time     `json:"created_at"`
	Data          []byte        `json:"-"`
}
