package domain

import (
	"fmt"
	"time"
)

// Mode selects whether traffic is learned as self, checked against
// detectors, or both.
type Mode string

const (
	ModeTrain  Mode = "train"  // ingest only
	ModeDetect Mode = "detect" // classify only
	ModeHybrid Mode = "hybrid" // classify, ingest what raised no anomaly
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeTrain, ModeDetect, ModeHybrid:
		return true
	}
	return false
}

// Learns reports whether the mode stores self data.
func (m Mode) Learns() bool { return m == ModeTrain || m == ModeHybrid }

// Detects reports whether the mode classifies traffic.
func (m Mode) Detects() bool { return m == ModeDetect || m == ModeHybrid }

// PackAnomaly is a payload window matched by a detector.
type PackAnomaly struct {
	ID          string    `json:"id"`
	Interface   string    `json:"interface"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Protocol    string    `json:"protocol"`
	Pattern     []byte    `json:"pattern"`
	Detector    []byte    `json:"detector"`
	Length      int       `json:"length"`
	Distance    int       `json:"distance"`
	DetectedAt  time.Time `json:"detected_at"`
}

// StatAnomalyKind distinguishes the two statistical anomaly classes.
type StatAnomalyKind int

const (
	OutOfSpace StatAnomalyKind = iota // outside the learned hyperrectangle
	InGap                             // between two learned clusters
)

// String returns the anomaly kind label.
func (k StatAnomalyKind) String() string {
	switch k {
	case OutOfSpace:
		return "OUT_OF_SPACE"
	case InGap:
		return "IN_GAP"
	default:
		return "UNKNOWN"
	}
}

// StatAnomaly is a statistics vector that falls outside learned behavior.
// Space is set for OutOfSpace; LeftRange and RightRange for InGap. All
// hyperrectangles are stored as k minimums followed by k maximums.
type StatAnomaly struct {
	ID         string          `json:"id"`
	Kind       StatAnomalyKind `json:"kind"`
	Value      uint16          `json:"value"`
	Dimension  int             `json:"dimension"`
	K          int             `json:"k"`
	Space      []uint16        `json:"space,omitempty"`
	LeftRange  []uint16        `json:"left_range,omitempty"`
	RightRange []uint16        `json:"right_range,omitempty"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Label returns the statistic name for the offending dimension.
func (a StatAnomaly) Label() string { return StatLabel(a.Dimension) }

// Description renders the valid ranges the way the statistics log does.
func (a StatAnomaly) Description() string {
	s := fmt.Sprintf("%s: %d", a.Label(), a.Value)
	i, k := a.Dimension, a.K
	if a.Space != nil {
		s += fmt.Sprintf(" space valid range: [%d, %d]", a.Space[i], a.Space[i+k])
	}
	if a.LeftRange != nil {
		s += fmt.Sprintf(" left valid range: [%d, %d]", a.LeftRange[i], a.LeftRange[i+k])
	}
	if a.RightRange != nil {
		s += fmt.Sprintf(" right valid range: [%d, %d]", a.RightRange[i], a.RightRange[i+k])
	}
	return s
}

// StatSnapshot is one rolled-over statistics period.
type StatSnapshot struct {
	Stats     NBStats   `json:"stats"`
	Anomalous bool      `json:"anomalous"`
	TakenAt   time.Time `json:"taken_at"`
}
